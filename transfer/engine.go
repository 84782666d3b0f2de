// Package transfer implements the chunked upload and single-frame download
// protocol spoken over the relay connection, plus the one-shot remote
// file-manager operations.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Aysar1990/yas-remote-app/protocol"
	"github.com/Aysar1990/yas-remote-app/relay"
)

const (
	// DefaultChunkSize is the upload slice size before base64 encoding.
	DefaultChunkSize = 64 * 1024
	// DefaultMaxFileSize is the local upload size limit.
	DefaultMaxFileSize = 100 * 1024 * 1024
	// DefaultChunkPacing is the delay between consecutive chunk sends,
	// keeping the channel responsive to other frames.
	DefaultChunkPacing = 10 * time.Millisecond
)

var (
	// ErrFileTooLarge rejects an upload locally before any frame is sent.
	ErrFileTooLarge = errors.New("transfer: file exceeds size limit")
	// ErrUnknownTransfer indicates a cancel for an id not in the live set.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
)

// Status is the lifecycle state of one transfer. Terminal statuses remove
// the transfer from the live set; it never re-enters an active status.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUploading   Status = "uploading"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status ends a transfer.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transfer is an observer's snapshot of one upload or download. Progress is
// server-confirmed for uploads; downloads carry no partial progress.
type Transfer struct {
	// ID is the server-issued transfer id, or the local correlation
	// token while the transfer is still pending.
	ID        string
	Direction string
	FileName  string
	FileSize  int64
	Status    Status
	Progress  int
	Speed     float64
	Error     string
}

// FrameSender writes one frame to the relay. *relay.Manager satisfies it.
type FrameSender interface {
	Send(message any) error
}

// HistoryRecorder persists finished transfers. storage.Store satisfies it.
type HistoryRecorder interface {
	RecordTransfer(fileName string, size int64, direction, status string) error
}

// FileSink persists a downloaded file and returns its local path.
// storage.DownloadDir satisfies it.
type FileSink interface {
	SaveDownload(fileName string, data []byte) (string, error)
}

// Options configures an Engine.
type Options struct {
	Sender FrameSender

	ChunkSize   int
	MaxFileSize int64
	// ChunkPacing is the inter-chunk delay; negative disables pacing.
	ChunkPacing time.Duration

	History HistoryRecorder
	Sink    FileSink

	// OnUpdate observes every transfer state change. Called from the
	// dispatch goroutine and from chunk senders; must not block.
	OnUpdate func(Transfer)

	// NewToken overrides correlation token generation (tests).
	NewToken func() string
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.ChunkPacing == 0 {
		o.ChunkPacing = DefaultChunkPacing
	}
	if o.NewToken == nil {
		o.NewToken = uuid.NewString
	}
	return o
}

// pendingUpload is an upload announced with upload_start but not yet
// granted a server transfer id. A cancelled entry keeps its queue slot as
// a tombstone: the server still answers its upload_start, and that answer
// must consume this slot rather than the next upload's.
type pendingUpload struct {
	token     string
	fileName  string
	fileSize  int64
	reader    io.Reader
	cancel    chan struct{}
	cancelled bool
}

// activeUpload is a streaming upload keyed by its server transfer id.
type activeUpload struct {
	transferID string
	fileName   string
	fileSize   int64
	progress   int
	speed      float64
	cancel     chan struct{}
}

// pendingDownload is a requested download awaiting its single data frame.
// download_data carries no id, so downloads are matched in request order.
type pendingDownload struct {
	token    string
	filePath string
}

// Engine owns the live-transfer set. Inbound frame handlers run on the
// connection dispatch goroutine; uploads stream chunks from their own
// goroutine; the mutex covers the set itself.
type Engine struct {
	options Options
	log     *logrus.Entry

	mu        sync.Mutex
	pending   []*pendingUpload
	active    map[string]*activeUpload
	downloads []*pendingDownload
}

// NewEngine builds an idle engine.
func NewEngine(options Options) *Engine {
	return &Engine{
		options: options.withDefaults(),
		active:  make(map[string]*activeUpload),
		log:     logrus.WithField("component", "transfer"),
	}
}

// Register attaches the engine's frame handlers to the router. Must run
// before dispatching starts.
func (e *Engine) Register(router *relay.Router) {
	router.Handle(protocol.TypeUploadReady, e.handleUploadReady)
	router.Handle(protocol.TypeFileProgress, e.handleProgress)
	router.Handle(protocol.TypeUploadSuccess, e.handleUploadSuccess)
	router.Handle(protocol.TypeUploadError, e.handleUploadError)
	router.Handle(protocol.TypeDownloadData, e.handleDownloadData)
}

// Upload announces a new upload and queues it until the server grants a
// transfer id. Returns the correlation token identifying the transfer until
// then. The reader must deliver exactly fileSize bytes; if it is an
// io.Closer it is closed when streaming ends.
func (e *Engine) Upload(fileName string, fileSize int64, fileType string, reader io.Reader) (string, error) {
	if fileSize > e.options.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, fileSize, e.options.MaxFileSize)
	}

	entry := &pendingUpload{
		token:    e.options.NewToken(),
		fileName: fileName,
		fileSize: fileSize,
		reader:   reader,
		cancel:   make(chan struct{}),
	}

	e.mu.Lock()
	e.pending = append(e.pending, entry)
	e.mu.Unlock()

	if err := e.options.Sender.Send(protocol.UploadStart{
		Type:     protocol.TypeUploadStart,
		FileName: fileName,
		FileSize: fileSize,
		FileType: fileType,
	}); err != nil {
		e.removePending(entry.token)
		return "", err
	}

	e.notify(Transfer{
		ID:        entry.token,
		Direction: "upload",
		FileName:  fileName,
		FileSize:  fileSize,
		Status:    StatusPending,
	})
	return entry.token, nil
}

// UploadFile opens a local file and uploads it. The content type is guessed
// from the extension.
func (e *Engine) UploadFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("upload source %q is a directory", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}

	fileType := mime.TypeByExtension(filepath.Ext(path))
	if fileType == "" {
		fileType = "application/octet-stream"
	}

	token, err := e.Upload(filepath.Base(path), info.Size(), fileType, file)
	if err != nil {
		_ = file.Close()
		return "", err
	}
	return token, nil
}

// Download requests an entire remote file in one frame.
func (e *Engine) Download(filePath string) (string, error) {
	entry := &pendingDownload{
		token:    e.options.NewToken(),
		filePath: filePath,
	}

	e.mu.Lock()
	e.downloads = append(e.downloads, entry)
	e.mu.Unlock()

	if err := e.options.Sender.Send(protocol.DownloadRequest{
		Type:     protocol.TypeDownloadRequest,
		FilePath: filePath,
	}); err != nil {
		e.removeDownload(entry.token)
		return "", err
	}

	e.notify(Transfer{
		ID:        entry.token,
		Direction: "download",
		FileName:  filepath.Base(filePath),
		Status:    StatusDownloading,
	})
	return entry.token, nil
}

// Cancel removes a transfer from the live set immediately, before any
// server acknowledgment. Later frames referencing the id are no-ops. The id
// may be a server transfer id or the correlation token of a still-pending
// upload; the latter leaves a tombstone in the queue so its upload_ready
// cannot be matched against a different upload.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	if up, ok := e.active[id]; ok {
		delete(e.active, id)
		e.mu.Unlock()

		close(up.cancel)
		_ = e.options.Sender.Send(protocol.FileCancel{
			Type:       protocol.TypeFileCancel,
			TransferID: id,
		})
		e.finishUpload(up, StatusCancelled, "")
		return nil
	}
	e.mu.Unlock()

	if entry := e.tombstonePending(id); entry != nil {
		close(entry.cancel)
		closeReader(entry.reader)
		e.record(entry.fileName, entry.fileSize, "upload", StatusCancelled)
		e.notify(Transfer{
			ID:        entry.token,
			Direction: "upload",
			FileName:  entry.fileName,
			FileSize:  entry.fileSize,
			Status:    StatusCancelled,
		})
		return nil
	}
	return ErrUnknownTransfer
}

// Active returns snapshots of the live-transfer set.
func (e *Engine) Active() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()

	transfers := make([]Transfer, 0, len(e.pending)+len(e.active)+len(e.downloads))
	for _, entry := range e.pending {
		if entry.cancelled {
			continue
		}
		transfers = append(transfers, Transfer{
			ID:        entry.token,
			Direction: "upload",
			FileName:  entry.fileName,
			FileSize:  entry.fileSize,
			Status:    StatusPending,
		})
	}
	for _, up := range e.active {
		transfers = append(transfers, Transfer{
			ID:        up.transferID,
			Direction: "upload",
			FileName:  up.fileName,
			FileSize:  up.fileSize,
			Status:    StatusUploading,
			Progress:  up.progress,
			Speed:     up.speed,
		})
	}
	for _, down := range e.downloads {
		transfers = append(transfers, Transfer{
			ID:        down.token,
			Direction: "download",
			FileName:  filepath.Base(down.filePath),
			Status:    StatusDownloading,
		})
	}
	return transfers
}

// ConnectionLost fails every live transfer. Called by the connection owner
// whenever the link dies; transfers never survive a reconnect.
func (e *Engine) ConnectionLost() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	active := e.active
	e.active = make(map[string]*activeUpload)
	downloads := e.downloads
	e.downloads = nil
	e.mu.Unlock()

	for _, entry := range pending {
		if entry.cancelled {
			continue
		}
		close(entry.cancel)
		closeReader(entry.reader)
		e.record(entry.fileName, entry.fileSize, "upload", StatusFailed)
		e.notify(Transfer{
			ID:        entry.token,
			Direction: "upload",
			FileName:  entry.fileName,
			FileSize:  entry.fileSize,
			Status:    StatusFailed,
			Error:     "connection lost",
		})
	}
	for _, up := range active {
		close(up.cancel)
		e.finishUpload(up, StatusFailed, "connection lost")
	}
	for _, down := range downloads {
		e.record(filepath.Base(down.filePath), 0, "download", StatusFailed)
		e.notify(Transfer{
			ID:        down.token,
			Direction: "download",
			FileName:  filepath.Base(down.filePath),
			Status:    StatusFailed,
			Error:     "connection lost",
		})
	}
}

// handleUploadReady matches the response to the oldest announced upload.
// upload_start frames go out in order over an ordered transport, so
// responses consume placeholders in the same order, each exactly once.
func (e *Engine) handleUploadReady(payload []byte) {
	var ready protocol.UploadReady
	if err := unmarshal(payload, &ready); err != nil {
		e.log.WithError(err).Debug("bad upload_ready frame")
		return
	}

	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		e.log.Debug("upload_ready with no pending upload")
		return
	}
	entry := e.pending[0]
	e.pending = e.pending[1:]

	if entry.cancelled {
		e.mu.Unlock()
		// The response arrived after the local cancel. Tell the server to
		// drop the granted id; the transfer was already reported cancelled.
		if ready.Success {
			_ = e.options.Sender.Send(protocol.FileCancel{
				Type:       protocol.TypeFileCancel,
				TransferID: ready.TransferID,
			})
		}
		return
	}

	if !ready.Success {
		e.mu.Unlock()
		closeReader(entry.reader)
		e.record(entry.fileName, entry.fileSize, "upload", StatusFailed)
		e.notify(Transfer{
			ID:        entry.token,
			Direction: "upload",
			FileName:  entry.fileName,
			FileSize:  entry.fileSize,
			Status:    StatusFailed,
			Error:     ready.Error,
		})
		return
	}

	up := &activeUpload{
		transferID: ready.TransferID,
		fileName:   entry.fileName,
		fileSize:   entry.fileSize,
		cancel:     entry.cancel,
	}
	e.active[ready.TransferID] = up
	e.mu.Unlock()

	e.notify(Transfer{
		ID:        up.transferID,
		Direction: "upload",
		FileName:  up.fileName,
		FileSize:  up.fileSize,
		Status:    StatusUploading,
	})
	go e.sendChunks(up, entry.reader)
}

// sendChunks streams the upload body as base64 chunks in ascending index
// order, pacing between sends. Progress is never computed here; the server
// reports confirmed receipt through file_progress frames.
func (e *Engine) sendChunks(up *activeUpload, reader io.Reader) {
	defer closeReader(reader)

	buf := make([]byte, e.options.ChunkSize)
	var sent int64
	for index := 0; sent < up.fileSize; index++ {
		select {
		case <-up.cancel:
			return
		default:
		}

		want := int64(len(buf))
		if remaining := up.fileSize - sent; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(reader, buf[:want])
		if err != nil {
			e.failUpload(up.transferID, fmt.Sprintf("read chunk %d: %v", index, err))
			return
		}
		sent += int64(n)

		if err := e.options.Sender.Send(protocol.FileChunk{
			Type:       protocol.TypeFileChunk,
			TransferID: up.transferID,
			ChunkIndex: index,
			Data:       base64.StdEncoding.EncodeToString(buf[:n]),
		}); err != nil {
			e.failUpload(up.transferID, fmt.Sprintf("send chunk %d: %v", index, err))
			return
		}

		if e.options.ChunkPacing > 0 && sent < up.fileSize {
			select {
			case <-up.cancel:
				return
			case <-time.After(e.options.ChunkPacing):
			}
		}
	}

	select {
	case <-up.cancel:
		return
	default:
	}
	if err := e.options.Sender.Send(protocol.UploadComplete{
		Type:       protocol.TypeUploadComplete,
		TransferID: up.transferID,
	}); err != nil {
		e.failUpload(up.transferID, fmt.Sprintf("send upload_complete: %v", err))
	}
}

// handleProgress applies a server-confirmed progress update. Unknown ids
// and regressions are ignored.
func (e *Engine) handleProgress(payload []byte) {
	var progress protocol.FileProgress
	if err := unmarshal(payload, &progress); err != nil {
		return
	}

	e.mu.Lock()
	up, ok := e.active[progress.TransferID]
	if !ok || progress.Progress < up.progress {
		e.mu.Unlock()
		return
	}
	up.progress = progress.Progress
	up.speed = progress.Speed
	snapshot := Transfer{
		ID:        up.transferID,
		Direction: "upload",
		FileName:  up.fileName,
		FileSize:  up.fileSize,
		Status:    StatusUploading,
		Progress:  up.progress,
		Speed:     up.speed,
	}
	e.mu.Unlock()

	e.notify(snapshot)
}

func (e *Engine) handleUploadSuccess(payload []byte) {
	var success protocol.UploadSuccess
	if err := unmarshal(payload, &success); err != nil {
		return
	}

	up := e.removeActive(success.TransferID)
	if up == nil {
		return
	}
	close(up.cancel)
	up.progress = 100
	e.finishUpload(up, StatusCompleted, "")
}

func (e *Engine) handleUploadError(payload []byte) {
	var failure protocol.UploadError
	if err := unmarshal(payload, &failure); err != nil {
		return
	}

	up := e.removeActive(failure.TransferID)
	if up == nil {
		return
	}
	close(up.cancel)
	e.finishUpload(up, StatusFailed, failure.Error)
}

// handleDownloadData decodes a whole-file download frame and hands the
// bytes to the sink. Responses match requests in order.
func (e *Engine) handleDownloadData(payload []byte) {
	var data protocol.DownloadData
	if err := unmarshal(payload, &data); err != nil {
		return
	}

	e.mu.Lock()
	if len(e.downloads) == 0 {
		e.mu.Unlock()
		e.log.Debug("download_data with no pending download")
		return
	}
	entry := e.downloads[0]
	e.downloads = e.downloads[1:]
	e.mu.Unlock()

	fileName := data.FileName
	if fileName == "" {
		fileName = filepath.Base(entry.filePath)
	}

	if data.Error != "" {
		e.record(fileName, 0, "download", StatusFailed)
		e.notify(Transfer{
			ID:        entry.token,
			Direction: "download",
			FileName:  fileName,
			Status:    StatusFailed,
			Error:     data.Error,
		})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(data.FileData)
	if err != nil {
		e.record(fileName, 0, "download", StatusFailed)
		e.notify(Transfer{
			ID:        entry.token,
			Direction: "download",
			FileName:  fileName,
			Status:    StatusFailed,
			Error:     fmt.Sprintf("decode file data: %v", err),
		})
		return
	}

	if e.options.Sink != nil {
		if _, err := e.options.Sink.SaveDownload(fileName, raw); err != nil {
			e.record(fileName, int64(len(raw)), "download", StatusFailed)
			e.notify(Transfer{
				ID:        entry.token,
				Direction: "download",
				FileName:  fileName,
				Status:    StatusFailed,
				Error:     fmt.Sprintf("save download: %v", err),
			})
			return
		}
	}

	e.record(fileName, int64(len(raw)), "download", StatusCompleted)
	e.notify(Transfer{
		ID:        entry.token,
		Direction: "download",
		FileName:  fileName,
		FileSize:  int64(len(raw)),
		Status:    StatusCompleted,
		Progress:  100,
	})
}

// failUpload ends an upload from the sender side. The transfer may already
// be gone when a cancel or terminal frame raced the chunk loop.
func (e *Engine) failUpload(transferID, reason string) {
	up := e.removeActive(transferID)
	if up == nil {
		return
	}
	e.finishUpload(up, StatusFailed, reason)
}

func (e *Engine) finishUpload(up *activeUpload, status Status, reason string) {
	e.record(up.fileName, up.fileSize, "upload", status)
	e.notify(Transfer{
		ID:        up.transferID,
		Direction: "upload",
		FileName:  up.fileName,
		FileSize:  up.fileSize,
		Status:    status,
		Progress:  up.progress,
		Error:     reason,
	})
}

func (e *Engine) removeActive(transferID string) *activeUpload {
	e.mu.Lock()
	defer e.mu.Unlock()
	up, ok := e.active[transferID]
	if !ok {
		return nil
	}
	delete(e.active, transferID)
	return up
}

// tombstonePending marks a pending upload cancelled without freeing its
// queue slot, so the server's eventual response still lines up one-to-one
// with the announcements that precede it.
func (e *Engine) tombstonePending(token string) *pendingUpload {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.pending {
		if entry.token == token && !entry.cancelled {
			entry.cancelled = true
			return entry
		}
	}
	return nil
}

// removePending drops a queue slot outright. Only valid when the
// announcement never reached the server.
func (e *Engine) removePending(token string) *pendingUpload {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, entry := range e.pending {
		if entry.token == token {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return entry
		}
	}
	return nil
}

func (e *Engine) removeDownload(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, entry := range e.downloads {
		if entry.token == token {
			e.downloads = append(e.downloads[:i], e.downloads[i+1:]...)
			return
		}
	}
}

func (e *Engine) record(fileName string, size int64, direction string, status Status) {
	if e.options.History == nil {
		return
	}
	if err := e.options.History.RecordTransfer(fileName, size, direction, string(status)); err != nil {
		e.log.WithError(err).Debug("recording transfer failed")
	}
}

func (e *Engine) notify(snapshot Transfer) {
	if e.options.OnUpdate != nil {
		e.options.OnUpdate(snapshot)
	}
}

func closeReader(reader io.Reader) {
	if closer, ok := reader.(io.Closer); ok {
		_ = closer.Close()
	}
}
