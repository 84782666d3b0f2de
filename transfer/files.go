package transfer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Aysar1990/yas-remote-app/protocol"
	"github.com/Aysar1990/yas-remote-app/relay"
)

// maxChangeNotifications caps the retained file-change feed.
const maxChangeNotifications = 20

// FileManagerOptions configures a FileManager. All callbacks run on the
// connection dispatch goroutine and must not block.
type FileManagerOptions struct {
	Sender FrameSender

	OnBrowse          func(protocol.BrowseResult)
	OnRecentFiles     func([]protocol.RecentFile)
	OnOperationResult func(protocol.FileOperationResult)
	OnFileChanged     func(protocol.FileChanged)
	OnWatcherResult   func(protocol.WatcherResult)
	OnWatchedFolders  func([]protocol.WatchedFolder)
}

// FileManager drives the one-shot remote file-manager operations. Each
// request/response pair shares the relay channel with transfers but carries
// no multi-step protocol.
type FileManager struct {
	options FileManagerOptions
	log     *logrus.Entry

	mu       sync.Mutex
	watchers map[string]string
	changes  []protocol.FileChanged
}

// NewFileManager builds a file manager bound to a sender.
func NewFileManager(options FileManagerOptions) *FileManager {
	return &FileManager{
		options:  options,
		watchers: make(map[string]string),
		log:      logrus.WithField("component", "files"),
	}
}

// Register attaches the file-manager frame handlers to the router.
func (f *FileManager) Register(router *relay.Router) {
	router.Handle(protocol.TypeBrowseResult, f.handleBrowseResult)
	router.Handle(protocol.TypeRecentFiles, f.handleRecentFiles)
	router.Handle(protocol.TypeFileOperationResult, f.handleOperationResult)
	router.Handle(protocol.TypeFileChanged, f.handleFileChanged)
	router.Handle(protocol.TypeWatcherResult, f.handleWatcherResult)
	router.Handle(protocol.TypeWatchedFolders, f.handleWatchedFolders)
}

// Browse lists a remote directory. An empty path returns the quick-access
// roots.
func (f *FileManager) Browse(path string) error {
	return f.options.Sender.Send(protocol.BrowseFiles{
		Type: protocol.TypeBrowseFiles,
		Path: path,
	})
}

// Operate runs one file-manager operation on the host.
func (f *FileManager) Operate(operation, sourcePath, destPath, newName string) error {
	switch operation {
	case protocol.OperationDelete, protocol.OperationRename, protocol.OperationCopy,
		protocol.OperationMove, protocol.OperationCreateFolder:
	default:
		return fmt.Errorf("transfer: unsupported file operation %q", operation)
	}
	return f.options.Sender.Send(protocol.FileOperation{
		Type:       protocol.TypeFileOperation,
		Operation:  operation,
		SourcePath: sourcePath,
		DestPath:   destPath,
		NewName:    newName,
	})
}

// Delete removes a remote file or folder.
func (f *FileManager) Delete(path string) error {
	return f.Operate(protocol.OperationDelete, path, "", "")
}

// Rename renames a remote file or folder in place.
func (f *FileManager) Rename(path, newName string) error {
	return f.Operate(protocol.OperationRename, path, "", newName)
}

// Copy duplicates a remote file or folder.
func (f *FileManager) Copy(sourcePath, destPath string) error {
	return f.Operate(protocol.OperationCopy, sourcePath, destPath, "")
}

// Move relocates a remote file or folder.
func (f *FileManager) Move(sourcePath, destPath string) error {
	return f.Operate(protocol.OperationMove, sourcePath, destPath, "")
}

// CreateFolder creates a remote directory.
func (f *FileManager) CreateFolder(parentPath, name string) error {
	return f.Operate(protocol.OperationCreateFolder, parentPath, "", name)
}

// RecentFiles requests the host-side recent transfer list.
func (f *FileManager) RecentFiles() error {
	return f.options.Sender.Send(protocol.GetRecentFiles{Type: protocol.TypeGetRecentFiles})
}

// Watch subscribes to change events for a remote folder and returns the
// watcher id for a later Unwatch.
func (f *FileManager) Watch(path string) (string, error) {
	watcherID := uuid.NewString()
	if err := f.options.Sender.Send(protocol.StartFileWatcher{
		Type:      protocol.TypeStartFileWatcher,
		Path:      path,
		WatcherID: watcherID,
	}); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.watchers[watcherID] = path
	f.mu.Unlock()
	return watcherID, nil
}

// Unwatch removes a folder watch subscription.
func (f *FileManager) Unwatch(watcherID string) error {
	if err := f.options.Sender.Send(protocol.StopFileWatcher{
		Type:      protocol.TypeStopFileWatcher,
		WatcherID: watcherID,
	}); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.watchers, watcherID)
	f.mu.Unlock()
	return nil
}

// RequestWatchedFolders asks the host for its active watcher list.
func (f *FileManager) RequestWatchedFolders() error {
	return f.options.Sender.Send(protocol.GetWatchedFolders{Type: protocol.TypeGetWatchedFolders})
}

// Watchers returns the locally known watcher-id to path map.
func (f *FileManager) Watchers() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	watchers := make(map[string]string, len(f.watchers))
	for id, path := range f.watchers {
		watchers[id] = path
	}
	return watchers
}

// Changes returns the retained change notifications, newest first.
func (f *FileManager) Changes() []protocol.FileChanged {
	f.mu.Lock()
	defer f.mu.Unlock()
	changes := make([]protocol.FileChanged, len(f.changes))
	copy(changes, f.changes)
	return changes
}

// ClearChanges drops the retained change notifications.
func (f *FileManager) ClearChanges() {
	f.mu.Lock()
	f.changes = nil
	f.mu.Unlock()
}

func (f *FileManager) handleBrowseResult(payload []byte) {
	var result protocol.BrowseResult
	if err := unmarshal(payload, &result); err != nil {
		f.log.WithError(err).Debug("bad browse_result frame")
		return
	}
	if f.options.OnBrowse != nil {
		f.options.OnBrowse(result)
	}
}

func (f *FileManager) handleRecentFiles(payload []byte) {
	var frame protocol.RecentFiles
	if err := unmarshal(payload, &frame); err != nil {
		return
	}
	if f.options.OnRecentFiles != nil {
		f.options.OnRecentFiles(frame.Files)
	}
}

func (f *FileManager) handleOperationResult(payload []byte) {
	var result protocol.FileOperationResult
	if err := unmarshal(payload, &result); err != nil {
		return
	}
	if f.options.OnOperationResult != nil {
		f.options.OnOperationResult(result)
	}
}

func (f *FileManager) handleFileChanged(payload []byte) {
	var change protocol.FileChanged
	if err := unmarshal(payload, &change); err != nil {
		return
	}

	f.mu.Lock()
	f.changes = append([]protocol.FileChanged{change}, f.changes...)
	if len(f.changes) > maxChangeNotifications {
		f.changes = f.changes[:maxChangeNotifications]
	}
	f.mu.Unlock()

	if f.options.OnFileChanged != nil {
		f.options.OnFileChanged(change)
	}
}

func (f *FileManager) handleWatcherResult(payload []byte) {
	var result protocol.WatcherResult
	if err := unmarshal(payload, &result); err != nil {
		return
	}
	if f.options.OnWatcherResult != nil {
		f.options.OnWatcherResult(result)
	}
}

func (f *FileManager) handleWatchedFolders(payload []byte) {
	var frame protocol.WatchedFolders
	if err := unmarshal(payload, &frame); err != nil {
		return
	}

	f.mu.Lock()
	f.watchers = make(map[string]string, len(frame.Folders))
	for _, folder := range frame.Folders {
		f.watchers[folder.WatcherID] = folder.Path
	}
	f.mu.Unlock()

	if f.options.OnWatchedFolders != nil {
		f.options.OnWatchedFolders(frame.Folders)
	}
}

func unmarshal(payload []byte, target any) error {
	return json.Unmarshal(payload, target)
}
