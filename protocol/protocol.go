// Package protocol defines the JSON wire frames exchanged with the relay
// service. Every frame is a flat JSON object carrying a "type" discriminant;
// the remaining fields depend on the frame type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types sent by the client.
const (
	TypeConnectToComputer = "connect_to_computer"
	TypeAutoLogin         = "auto_login"
	TypeLogout            = "logout"
	TypePing              = "ping"
	TypeRelay             = "relay"
	TypeGetSessions       = "get_sessions"
	TypeGetConnectedUsers = "get_connected_users"
	TypeKickSession       = "kick_session"
	TypeUploadStart       = "upload_start"
	TypeFileChunk         = "file_chunk"
	TypeUploadComplete    = "upload_complete"
	TypeFileCancel        = "file_cancel"
	TypeDownloadRequest   = "download_request"
	TypeBrowseFiles       = "browse_files"
	TypeFileOperation     = "file_operation"
	TypeGetRecentFiles    = "get_recent_files"
	TypeStartFileWatcher  = "start_file_watcher"
	TypeStopFileWatcher   = "stop_file_watcher"
	TypeGetWatchedFolders = "get_watched_folders"
)

// Frame types received from the relay.
const (
	TypeConnected            = "connected"
	TypeAutoLoginFailed      = "auto_login_failed"
	TypeError                = "error"
	TypeSessionExpired       = "session_expired"
	TypeComputerDisconnected = "computer_disconnected"
	TypeScreenshot           = "screenshot"
	TypeResult               = "result"
	TypeSessionsList         = "sessions_list"
	TypeConnectedUsers       = "connected_users"
	TypeUsersChanged         = "users_changed"
	TypeUploadReady          = "upload_ready"
	TypeFileProgress         = "file_progress"
	TypeUploadSuccess        = "upload_success"
	TypeUploadError          = "upload_error"
	TypeDownloadData         = "download_data"
	TypeBrowseResult         = "browse_result"
	TypeRecentFiles          = "recent_files"
	TypeFileOperationResult  = "file_operation_result"
	TypeFileChanged          = "file_changed"
	TypeWatcherResult        = "watcher_result"
	TypeWatchedFolders       = "watched_folders"
)

// File-manager operations accepted by the file_operation frame.
const (
	OperationDelete       = "delete"
	OperationRename       = "rename"
	OperationCopy         = "copy"
	OperationMove         = "move"
	OperationCreateFolder = "create_folder"
)

var (
	// ErrInvalidFrameType indicates the type discriminant is missing or empty.
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
)

// Envelope extracts the discriminant from any frame.
type Envelope struct {
	Type string `json:"type"`
}

// DecodeFrameType returns the type discriminant of a raw frame.
func DecodeFrameType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode frame envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidFrameType
	}
	return envelope.Type, nil
}

// EncodeJSON marshals a frame for the wire.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return payload, nil
}

// DeviceInfo describes the connecting client to the remote host.
type DeviceInfo struct {
	Name   string `json:"name"`
	Client string `json:"client"`
}

// ConnectToComputer is the password handshake frame.
type ConnectToComputer struct {
	Type        string     `json:"type"`
	Password    string     `json:"password"`
	TrustDevice bool       `json:"trustDevice"`
	DeviceInfo  DeviceInfo `json:"deviceInfo"`
}

// AutoLogin is the trusted-device handshake frame.
type AutoLogin struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Password string `json:"password"`
}

// Logout announces a deliberate disconnect.
type Logout struct {
	Type string `json:"type"`
}

// Ping is the liveness probe frame. Any inbound frame acknowledges it.
type Ping struct {
	Type string `json:"type"`
}

// Relay wraps a remote-control command for forwarding to the host.
type Relay struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// GetSessions requests the active session list.
type GetSessions struct {
	Type string `json:"type"`
}

// GetConnectedUsers requests the connected-user list.
type GetConnectedUsers struct {
	Type string `json:"type"`
}

// KickSession terminates another session by id.
type KickSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// UploadStart announces an upload and asks the server for a transfer id.
type UploadStart struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

// FileChunk carries one base64-encoded slice of an upload.
type FileChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

// UploadComplete marks the end of an upload's chunk stream.
type UploadComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

// FileCancel aborts a transfer client-side.
type FileCancel struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

// DownloadRequest asks the host for a whole file in one frame.
type DownloadRequest struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath"`
}

// BrowseFiles lists a remote directory. An empty path means quick access.
type BrowseFiles struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// FileOperation is a one-shot file-manager command.
type FileOperation struct {
	Type       string `json:"type"`
	Operation  string `json:"operation"`
	SourcePath string `json:"sourcePath"`
	DestPath   string `json:"destPath,omitempty"`
	NewName    string `json:"newName,omitempty"`
}

// GetRecentFiles requests the host-side recent transfer list.
type GetRecentFiles struct {
	Type string `json:"type"`
}

// StartFileWatcher subscribes to change events for a remote folder.
type StartFileWatcher struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	WatcherID string `json:"watcherId"`
}

// StopFileWatcher removes a folder watch subscription.
type StopFileWatcher struct {
	Type      string `json:"type"`
	WatcherID string `json:"watcherId"`
}

// GetWatchedFolders requests the active watcher list.
type GetWatchedFolders struct {
	Type string `json:"type"`
}

// Connected is the successful handshake response. ExpiresIn is the granted
// session lifetime in milliseconds; DeviceID is set when the server issued a
// trusted-device credential.
type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExpiresIn int64  `json:"expiresIn"`
	DeviceID  string `json:"deviceId,omitempty"`
	AutoLogin bool   `json:"autoLogin"`
}

// AutoLoginFailed rejects a trusted-device handshake.
type AutoLoginFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMessage is the generic server-side failure frame.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionExpired tells the client its session lifetime ran out server-side.
type SessionExpired struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ComputerDisconnected tells the client the controlled host went away.
type ComputerDisconnected struct {
	Type string `json:"type"`
}

// Screenshot carries one base64-encoded screen frame.
type Screenshot struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	Format string `json:"format"`
}

// Result carries the response to a relayed command. The payload layout
// depends on the command; system metrics arrive nested under "data".
type Result struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SystemMetrics is the cpu/ram/gpu utilization payload inside a Result.
type SystemMetrics struct {
	CPU int `json:"cpu"`
	RAM int `json:"ram"`
	GPU int `json:"gpu"`
}

// SessionInfo describes one active session on the host.
type SessionInfo struct {
	SessionID  string     `json:"sessionId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	Trusted    bool       `json:"trusted"`
}

// SessionsList is the response to get_sessions.
type SessionsList struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

// ConnectedUser describes one user attached to the host.
type ConnectedUser struct {
	SessionID  string     `json:"sessionId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// UsersChanged is pushed when the connected-user set changes. The same shape
// answers get_connected_users.
type UsersChanged struct {
	Type       string          `json:"type"`
	Users      []ConnectedUser `json:"users"`
	TotalCount int             `json:"totalCount"`
}

// UploadReady answers upload_start with the server-issued transfer id.
type UploadReady struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	TransferID string `json:"transferId"`
	Error      string `json:"error,omitempty"`
}

// FileProgress is the server-confirmed upload progress (0-100).
type FileProgress struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transferId"`
	Progress   int     `json:"progress"`
	Speed      float64 `json:"speed"`
}

// UploadSuccess terminates an upload.
type UploadSuccess struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
}

// UploadError terminates an upload with a failure.
type UploadError struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Error      string `json:"error"`
}

// DownloadData carries an entire downloaded file, base64-encoded.
type DownloadData struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
	FileData string `json:"fileData"`
	Error    string `json:"error,omitempty"`
}

// BrowseItem is one entry of a remote directory listing.
type BrowseItem struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"type"`
	Size int64  `json:"size,omitempty"`
	Icon string `json:"icon,omitempty"`
}

// BrowseResult answers browse_files.
type BrowseResult struct {
	Type    string       `json:"type"`
	Success bool         `json:"success"`
	Path    string       `json:"path"`
	Items   []BrowseItem `json:"items"`
	Error   string       `json:"error,omitempty"`
}

// RecentFile is one entry of the host's recent transfer list.
type RecentFile struct {
	Name          string `json:"name"`
	Extension     string `json:"extension"`
	SizeFormatted string `json:"sizeFormatted"`
	Direction     string `json:"direction"`
}

// RecentFiles answers get_recent_files.
type RecentFiles struct {
	Type  string       `json:"type"`
	Files []RecentFile `json:"files"`
}

// FileOperationResult answers a file_operation frame.
type FileOperationResult struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Operation string `json:"operation"`
	Error     string `json:"error,omitempty"`
}

// FileChanged is pushed by an active folder watcher.
type FileChanged struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// WatcherResult answers start/stop_file_watcher.
type WatcherResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Error   string `json:"error,omitempty"`
}

// WatchedFolder is one active watch subscription.
type WatchedFolder struct {
	WatcherID string `json:"watcherId"`
	Path      string `json:"path"`
}

// WatchedFolders answers get_watched_folders.
type WatchedFolders struct {
	Type    string          `json:"type"`
	Folders []WatchedFolder `json:"folders"`
}
