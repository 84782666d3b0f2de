package relay

import "github.com/Aysar1990/yas-remote-app/protocol"

// Remote-control command verbs carried inside relay frames. The host
// interprets these; the relay service only forwards them.
const (
	CommandMouseMove     = "mouse_move"
	CommandMouseClick    = "mouse_click"
	CommandMouseScroll   = "mouse_scroll"
	CommandTypeText      = "type_text"
	CommandKeyPress      = "key_press"
	CommandHotkey        = "hotkey"
	CommandSystemAction  = "system_action"
	CommandSetVolume     = "set_volume"
	CommandMediaControl  = "media_control"
	CommandOpenApp       = "open_app"
	CommandSetQuality    = "set_quality"
	CommandGetSystemInfo = "get_system_info"
)

// System actions accepted by the system_action command.
const (
	ActionShutdown = "shutdown"
	ActionRestart  = "restart"
	ActionSleep    = "sleep"
	ActionLock     = "lock"
)

// MouseMoveCommand moves the pointer by a normalized delta (0..1 of the
// screen dimension).
type MouseMoveCommand struct {
	Type   string  `json:"type"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

// MouseClickCommand presses a mouse button. Button is "left", "right" or
// "middle".
type MouseClickCommand struct {
	Type   string `json:"type"`
	Button string `json:"button"`
	Double bool   `json:"double,omitempty"`
}

// MouseScrollCommand scrolls by the given number of wheel steps.
type MouseScrollCommand struct {
	Type   string `json:"type"`
	DeltaY int    `json:"deltaY"`
}

// TypeTextCommand types a literal string on the host.
type TypeTextCommand struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// KeyPressCommand presses a single named key.
type KeyPressCommand struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// HotkeyCommand presses a key combination, e.g. ["ctrl","c"].
type HotkeyCommand struct {
	Type string   `json:"type"`
	Keys []string `json:"keys"`
}

// SystemActionCommand runs a power or lock action on the host.
type SystemActionCommand struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// SetVolumeCommand sets the host output volume (0-100).
type SetVolumeCommand struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
}

// MediaControlCommand is "play_pause", "next" or "previous".
type MediaControlCommand struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// OpenAppCommand launches an application by name on the host.
type OpenAppCommand struct {
	Type string `json:"type"`
	App  string `json:"app"`
}

// SetQualityCommand adjusts the screen stream quality (1-100).
type SetQualityCommand struct {
	Type    string `json:"type"`
	Quality int    `json:"quality"`
}

// GetSystemInfoCommand requests one cpu/ram/gpu metrics sample.
type GetSystemInfoCommand struct {
	Type string `json:"type"`
}

func (m *Manager) relay(command any) error {
	return m.Send(protocol.Relay{Type: protocol.TypeRelay, Data: command})
}

// MoveMouse moves the remote pointer by a normalized delta.
func (m *Manager) MoveMouse(deltaX, deltaY float64) error {
	return m.relay(MouseMoveCommand{Type: CommandMouseMove, DeltaX: deltaX, DeltaY: deltaY})
}

// Click presses a remote mouse button.
func (m *Manager) Click(button string, double bool) error {
	return m.relay(MouseClickCommand{Type: CommandMouseClick, Button: button, Double: double})
}

// Scroll turns the remote mouse wheel.
func (m *Manager) Scroll(deltaY int) error {
	return m.relay(MouseScrollCommand{Type: CommandMouseScroll, DeltaY: deltaY})
}

// TypeText types a string on the remote keyboard.
func (m *Manager) TypeText(text string) error {
	return m.relay(TypeTextCommand{Type: CommandTypeText, Text: text})
}

// PressKey presses one named key on the remote keyboard.
func (m *Manager) PressKey(key string) error {
	return m.relay(KeyPressCommand{Type: CommandKeyPress, Key: key})
}

// Hotkey presses a key combination on the remote keyboard.
func (m *Manager) Hotkey(keys ...string) error {
	return m.relay(HotkeyCommand{Type: CommandHotkey, Keys: keys})
}

// SystemAction runs a power or lock action on the host.
func (m *Manager) SystemAction(action string) error {
	return m.relay(SystemActionCommand{Type: CommandSystemAction, Action: action})
}

// SetVolume sets the host output volume.
func (m *Manager) SetVolume(level int) error {
	return m.relay(SetVolumeCommand{Type: CommandSetVolume, Level: level})
}

// MediaControl sends a media transport action.
func (m *Manager) MediaControl(action string) error {
	return m.relay(MediaControlCommand{Type: CommandMediaControl, Action: action})
}

// OpenApp launches an application on the host.
func (m *Manager) OpenApp(app string) error {
	return m.relay(OpenAppCommand{Type: CommandOpenApp, App: app})
}

// SetQuality adjusts the screen stream quality.
func (m *Manager) SetQuality(quality int) error {
	return m.relay(SetQualityCommand{Type: CommandSetQuality, Quality: quality})
}

// RequestSystemInfo asks for one metrics sample outside the monitor cadence.
func (m *Manager) RequestSystemInfo() error {
	return m.relay(GetSystemInfoCommand{Type: CommandGetSystemInfo})
}

// RequestSessions asks for the active session list; the answer arrives as a
// SessionsListed event.
func (m *Manager) RequestSessions() error {
	return m.Send(protocol.GetSessions{Type: protocol.TypeGetSessions})
}

// RequestConnectedUsers asks for the connected-user list; the answer arrives
// as a UsersChanged event.
func (m *Manager) RequestConnectedUsers() error {
	return m.Send(protocol.GetConnectedUsers{Type: protocol.TypeGetConnectedUsers})
}

// KickSession terminates another session by id.
func (m *Manager) KickSession(sessionID string) error {
	return m.Send(protocol.KickSession{Type: protocol.TypeKickSession, SessionID: sessionID})
}
