package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DownloadDir writes downloaded files into a local directory, deduplicating
// names rather than overwriting.
type DownloadDir struct {
	Path string
}

// SaveDownload writes data to a file named after the remote file and
// returns the local path. An existing name gets a " (n)" suffix.
func (d DownloadDir) SaveDownload(fileName string, data []byte) (string, error) {
	if err := os.MkdirAll(d.Path, 0o700); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	// Strip any path components a hostile peer might smuggle in.
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		fileName = "download"
	}

	target := filepath.Join(d.Path, fileName)
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(d.Path, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}

	if err := os.WriteFile(target, data, 0o600); err != nil {
		return "", fmt.Errorf("write download %q: %w", fileName, err)
	}
	return target, nil
}
