package messages

// Client message types
const (
	TypeText            = "text"
	TypeAudio           = "audio"
	TypeCharacterSwitch = "character_switch"
	TypeCallStart       = "call_start"
	TypeCallEnd         = "call_end"
	TypeStopPlayback    = "stop_playback"
)

// ClientMessage represents a message from the frontend client. One flat JSON
// object per WebSocket text message; fields beyond Type are type-specific.
type ClientMessage struct {
	Type string `json:"type"`

	// text
	Message string `json:"message,omitempty"`

	// audio: base64 data plus its encoding parameters
	Data       string `json:"data,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`

	// text / audio / call_start routing
	ChatID      string `json:"chatId,omitempty"`
	CharacterID string `json:"characterId,omitempty"`

	// character_switch
	SystemPrompt string `json:"systemPrompt,omitempty"`
	VoiceModel   string `json:"voiceModel,omitempty"`
	RVCModelPath string `json:"rvcModelPath,omitempty"`
	RVCIndexPath string `json:"rvcIndexPath,omitempty"`
}
