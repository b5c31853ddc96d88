package messages

// Error codes
const (
	ErrCodeInvalidMessage     = "INVALID_MESSAGE"
	ErrCodeUnsupportedType    = "UNSUPPORTED_TYPE"
	ErrCodeBackendUnreachable = "BACKEND_UNREACHABLE"
	ErrCodeSessionFailed      = "SESSION_FAILED"
)

// Server-only message types (the client types in client.go are reused for
// text/audio/stop_playback responses)
const (
	TypeConnected = "connected"
	TypeError     = "error"
	TypeUnknown   = "unknown"
	TypeKeepalive = "keepalive" // internal: filtered before delivery
)

// ServerMessage represents a message sent to the frontend client.
type ServerMessage struct {
	Type string `json:"type"`

	// text
	Text    string `json:"text,omitempty"`
	IsAudio bool   `json:"isAudio,omitempty"`

	// audio
	Data       string `json:"data,omitempty"` // base64
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`

	// unknown: raw marker value from an unrecognized backend frame
	Marker uint32 `json:"marker,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewConnectedMessage is sent exactly once after the backend dial succeeds.
func NewConnectedMessage() *ServerMessage {
	return &ServerMessage{Type: TypeConnected}
}

// NewTextMessage creates an assistant text response.
func NewTextMessage(text string, isAudio bool) *ServerMessage {
	return &ServerMessage{Type: TypeText, Text: text, IsAudio: isAudio}
}

// NewAudioMessage creates a synthesized-audio response. Data is base64.
func NewAudioMessage(data, format string, sampleRate int) *ServerMessage {
	return &ServerMessage{Type: TypeAudio, Data: data, Format: format, SampleRate: sampleRate}
}

// NewStopPlaybackMessage tells the client to cancel in-flight playback.
func NewStopPlaybackMessage() *ServerMessage {
	return &ServerMessage{Type: TypeStopPlayback}
}

// NewUnknownMessage carries the raw marker of an unrecognized backend frame.
func NewUnknownMessage(marker uint32) *ServerMessage {
	return &ServerMessage{Type: TypeUnknown, Marker: marker}
}

// NewErrorMessage creates an error notification for a recoverable failure.
func NewErrorMessage(code, message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Code: code, Message: message}
}
