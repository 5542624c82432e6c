package protocol

// Payloads are JSON with camelCase field names. Correlated messages carry
// a messageId assigned by the sender; unsolicited guest messages carry
// none and fan out through the channel delegate.

// Capability bits negotiated at handshake.
const (
	CapWindowTracking     uint32 = 0x01
	CapDesktopDuplication uint32 = 0x02
	CapClipboardSync      uint32 = 0x04
	CapDragDrop           uint32 = 0x08
	CapIconExtraction     uint32 = 0x10
	CapShortcutDetection  uint32 = 0x20
	CapHighDpiSupport     uint32 = 0x40
	CapMultiMonitor       uint32 = 0x80
)

// Mouse buttons.
const (
	MouseButtonLeft   uint8 = 1
	MouseButtonRight  uint8 = 2
	MouseButtonMiddle uint8 = 4
	MouseButtonExtra1 uint8 = 5
	MouseButtonExtra2 uint8 = 6
)

// Mouse event kinds.
const (
	MouseEventMove    uint8 = 0
	MouseEventPress   uint8 = 1
	MouseEventRelease uint8 = 2
	MouseEventScroll  uint8 = 3
)

// Key event kinds.
const (
	KeyEventDown uint8 = 0
	KeyEventUp   uint8 = 1
)

// Key modifier bits.
const (
	ModShift    uint8 = 0x01
	ModControl  uint8 = 0x02
	ModAlt      uint8 = 0x04
	ModCommand  uint8 = 0x08
	ModCapsLock uint8 = 0x10
	ModNumLock  uint8 = 0x20
)

// Drag event kinds.
const (
	DragEventEnter uint8 = 0
	DragEventMove  uint8 = 1
	DragEventLeave uint8 = 2
	DragEventDrop  uint8 = 3
)

// Pixel formats.
const (
	PixelFormatBGRA32 uint32 = 0
	PixelFormatRGBA32 uint32 = 1
)

// Clipboard formats.
const (
	ClipboardPlainText = "plainText"
	ClipboardRTF       = "rtf"
	ClipboardHTML      = "html"
	ClipboardPNG       = "png"
	ClipboardTIFF      = "tiff"
	ClipboardFileURL   = "fileUrl"
)

// --- Host → guest ---

// LaunchProgram asks the guest agent to start a Windows program.
type LaunchProgram struct {
	MessageID        uint32   `json:"messageId"`
	WindowsPath      string   `json:"windowsPath"`
	Arguments        []string `json:"arguments,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
}

func (*LaunchProgram) MessageType() MessageType { return TypeLaunchProgram }

// RequestIcon asks the guest for the icon of an executable or shortcut.
type RequestIcon struct {
	MessageID uint32 `json:"messageId"`
	Path      string `json:"path"`
	SizePx    uint32 `json:"sizePx,omitempty"`
}

func (*RequestIcon) MessageType() MessageType { return TypeRequestIcon }

// ClipboardData pushes host clipboard content into the guest.
type ClipboardData struct {
	MessageID uint32 `json:"messageId"`
	Format    string `json:"format"`
	Data      []byte `json:"data"`
}

func (*ClipboardData) MessageType() MessageType { return TypeClipboardData }

// MouseInput forwards a host mouse event into a guest window.
type MouseInput struct {
	WindowID     uint64 `json:"windowId"`
	X            int32  `json:"x"`
	Y            int32  `json:"y"`
	EventType    uint8  `json:"eventType"`
	Button       uint8  `json:"button,omitempty"`
	ScrollDeltaX int32  `json:"scrollDeltaX,omitempty"`
	ScrollDeltaY int32  `json:"scrollDeltaY,omitempty"`
	Modifiers    uint8  `json:"modifiers,omitempty"`
}

func (*MouseInput) MessageType() MessageType { return TypeMouseInput }

// KeyboardInput forwards a host key event into a guest window.
type KeyboardInput struct {
	WindowID  uint64 `json:"windowId"`
	KeyCode   uint16 `json:"keyCode"`
	EventType uint8  `json:"eventType"`
	Modifiers uint8  `json:"modifiers,omitempty"`
	Text      string `json:"text,omitempty"`
}

func (*KeyboardInput) MessageType() MessageType { return TypeKeyboardInput }

// DragDropEvent forwards a host drag-and-drop gesture into a guest window.
type DragDropEvent struct {
	WindowID  uint64   `json:"windowId"`
	EventType uint8    `json:"eventType"`
	X         int32    `json:"x"`
	Y         int32    `json:"y"`
	FilePaths []string `json:"filePaths,omitempty"`
}

func (*DragDropEvent) MessageType() MessageType { return TypeDragDropEvent }

// ListSessions requests the guest's active program sessions.
type ListSessions struct {
	MessageID uint32 `json:"messageId"`
}

func (*ListSessions) MessageType() MessageType { return TypeListSessions }

// CloseSession asks the guest to terminate one session.
type CloseSession struct {
	MessageID uint32 `json:"messageId"`
	SessionID string `json:"sessionId"`
}

func (*CloseSession) MessageType() MessageType { return TypeCloseSession }

// ListShortcuts requests the guest's detected shortcut catalog.
type ListShortcuts struct {
	MessageID uint32 `json:"messageId"`
}

func (*ListShortcuts) MessageType() MessageType { return TypeListShortcuts }

// Shutdown asks the guest OS to shut down within timeoutMs.
type Shutdown struct {
	MessageID uint32 `json:"messageId"`
	TimeoutMs uint32 `json:"timeoutMs"`
}

func (*Shutdown) MessageType() MessageType { return TypeShutdown }

// --- Guest → host ---

// WindowMetadata describes a tracked guest window.
type WindowMetadata struct {
	WindowID       uint64  `json:"windowId"`
	Title          string  `json:"title"`
	X              int32   `json:"x"`
	Y              int32   `json:"y"`
	Width          uint32  `json:"width"`
	Height         uint32  `json:"height"`
	DpiScale       float64 `json:"dpiScale,omitempty"`
	IsMinimized    bool    `json:"isMinimized,omitempty"`
	IsMaximized    bool    `json:"isMaximized,omitempty"`
	IsFocused      bool    `json:"isFocused,omitempty"`
	ProcessID      uint32  `json:"processId,omitempty"`
	ExecutablePath string  `json:"executablePath,omitempty"`
}

func (*WindowMetadata) MessageType() MessageType { return TypeWindowMetadata }

// FrameData carries pixel data by message for windows whose buffers do
// not use shared memory.
type FrameData struct {
	WindowID    uint64 `json:"windowId"`
	FrameNumber uint32 `json:"frameNumber"`
	Width       uint32 `json:"width"`
	Height      uint32 `json:"height"`
	Stride      uint32 `json:"stride"`
	Format      uint32 `json:"format"`
	IsKeyFrame  bool   `json:"isKeyFrame,omitempty"`
	Data        []byte `json:"data"`
}

func (*FrameData) MessageType() MessageType { return TypeFrameData }

// CapabilityFlags is exchanged by both sides on connect.
type CapabilityFlags struct {
	Capabilities    uint32 `json:"capabilities"`
	ProtocolVersion uint32 `json:"protocolVersion"`
	AgentVersion    string `json:"agentVersion,omitempty"`
	OSVersion       string `json:"osVersion,omitempty"`
}

func (*CapabilityFlags) MessageType() MessageType { return TypeCapabilityFlags }

// DpiInfo reports a DPI change for a guest window.
type DpiInfo struct {
	WindowID uint64  `json:"windowId"`
	Dpi      uint32  `json:"dpi"`
	Scale    float64 `json:"scale"`
}

func (*DpiInfo) MessageType() MessageType { return TypeDpiInfo }

// IconData answers a RequestIcon.
type IconData struct {
	MessageID uint32 `json:"messageId"`
	Path      string `json:"path"`
	Format    string `json:"format"`
	Data      []byte `json:"data"`
}

func (*IconData) MessageType() MessageType { return TypeIconData }

// WindowsShortcut describes one Start-menu or desktop shortcut.
type WindowsShortcut struct {
	Name       string `json:"name"`
	TargetPath string `json:"targetPath"`
	Arguments  string `json:"arguments,omitempty"`
	IconPath   string `json:"iconPath,omitempty"`
}

// ShortcutDetected announces a newly detected shortcut.
type ShortcutDetected struct {
	Shortcut WindowsShortcut `json:"shortcut"`
}

func (*ShortcutDetected) MessageType() MessageType { return TypeShortcutDetected }

// ClipboardChanged announces new guest clipboard content.
type ClipboardChanged struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

func (*ClipboardChanged) MessageType() MessageType { return TypeClipboardChanged }

// Heartbeat is the guest agent's periodic liveness signal.
type Heartbeat struct {
	UptimeSeconds uint64 `json:"uptimeSeconds"`
	ActiveWindows uint32 `json:"activeWindows"`
}

func (*Heartbeat) MessageType() MessageType { return TypeHeartbeat }

// TelemetryReport carries coarse guest resource usage.
type TelemetryReport struct {
	CPUPercent   float64 `json:"cpuPercent"`
	MemoryUsedMB uint64  `json:"memoryUsedMb"`
	DiskUsedMB   uint64  `json:"diskUsedMb"`
}

func (*TelemetryReport) MessageType() MessageType { return TypeTelemetryReport }

// ProvisionProgress reports progress of one in-guest provisioning phase.
// Phase is one of drivers, agent, optimize, finalize, complete.
type ProvisionProgress struct {
	Phase   string  `json:"phase"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

func (*ProvisionProgress) MessageType() MessageType { return TypeProvisionProgress }

// ProvisionError reports an in-guest provisioning failure.
type ProvisionError struct {
	Phase         string `json:"phase"`
	ErrorCode     string `json:"errorCode"`
	Message       string `json:"message"`
	IsRecoverable bool   `json:"isRecoverable"`
}

func (*ProvisionError) MessageType() MessageType { return TypeProvisionError }

// ProvisionComplete terminates the in-guest provisioning protocol.
type ProvisionComplete struct {
	Success        bool   `json:"success"`
	DiskUsageMB    uint64 `json:"diskUsageMb"`
	WindowsVersion string `json:"windowsVersion,omitempty"`
	AgentVersion   string `json:"agentVersion,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

func (*ProvisionComplete) MessageType() MessageType { return TypeProvisionComplete }

// GuestSession describes one running program session in the guest.
type GuestSession struct {
	SessionID   string   `json:"sessionId"`
	ProgramPath string   `json:"programPath"`
	WindowIDs   []uint64 `json:"windowIds,omitempty"`
	StartedAt   int64    `json:"startedAt,omitempty"`
}

// SessionList answers a ListSessions request.
type SessionList struct {
	MessageID uint32         `json:"messageId"`
	Sessions  []GuestSession `json:"sessions"`
}

func (*SessionList) MessageType() MessageType { return TypeSessionList }

// ShortcutList answers a ListShortcuts request.
type ShortcutList struct {
	MessageID uint32            `json:"messageId"`
	Shortcuts []WindowsShortcut `json:"shortcuts"`
}

func (*ShortcutList) MessageType() MessageType { return TypeShortcutList }

// FrameReady announces that the guest wrote a new slot into a window's
// shared ring.
type FrameReady struct {
	WindowID    uint64 `json:"windowId"`
	SlotIndex   uint32 `json:"slotIndex"`
	FrameNumber uint32 `json:"frameNumber"`
}

func (*FrameReady) MessageType() MessageType { return TypeFrameReady }

// WindowBufferAllocated announces a per-window buffer carved out of the
// shared region.
type WindowBufferAllocated struct {
	WindowID         uint64 `json:"windowId"`
	BufferOffset     uint64 `json:"bufferOffset"`
	BufferSize       uint64 `json:"bufferSize"`
	SlotSize         uint32 `json:"slotSize"`
	SlotCount        uint32 `json:"slotCount"`
	IsCompressed     bool   `json:"isCompressed,omitempty"`
	IsReallocation   bool   `json:"isReallocation,omitempty"`
	UsesSharedMemory bool   `json:"usesSharedMemory"`
}

func (*WindowBufferAllocated) MessageType() MessageType { return TypeWindowBufferAllocated }

// ErrorMessage reports a guest-side failure, correlated when it answers
// a request.
type ErrorMessage struct {
	MessageID uint32 `json:"messageId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (*ErrorMessage) MessageType() MessageType { return TypeError }

// Ack acknowledges a correlated host request.
type Ack struct {
	MessageID uint32 `json:"messageId"`
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (*Ack) MessageType() MessageType { return TypeAck }

// Correlated is implemented by messages that answer a host request.
type Correlated interface {
	CorrelationID() uint32
}

func (m *Ack) CorrelationID() uint32          { return m.MessageID }
func (m *SessionList) CorrelationID() uint32  { return m.MessageID }
func (m *ShortcutList) CorrelationID() uint32 { return m.MessageID }
func (m *IconData) CorrelationID() uint32     { return m.MessageID }
func (m *ErrorMessage) CorrelationID() uint32 { return m.MessageID }
