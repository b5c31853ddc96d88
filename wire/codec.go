package wire

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"voicebridge/messages"
)

// Defaults applied to backend audio frames whose metadata omits the fields.
const (
	DefaultAudioFormat     = "wav"
	DefaultAudioSampleRate = 24000
)

var (
	// ErrUnsupportedMessageType is returned by EncodeClientMessage when the
	// message's type tag is not one of the recognized outbound kinds.
	ErrUnsupportedMessageType = errors.New("wire: unsupported message type")

	// ErrMalformedAudioFrame is returned when an audio payload is too short
	// to contain its metadata-length prefix.
	ErrMalformedAudioFrame = errors.New("wire: malformed audio frame")
)

// textPayload is the client->backend text encoding.
type textPayload struct {
	Text        string `json:"text"`
	ChatID      string `json:"chat_id"`
	CharacterID string `json:"character_id"`
}

// textResponse is the backend->client text encoding. The backend may also
// emit bare UTF-8 text instead of JSON; DecodeFrame handles both.
type textResponse struct {
	Text    string `json:"text"`
	IsAudio bool   `json:"is_audio"`
}

// audioMetadata is embedded ahead of raw audio bytes in audio payloads.
// chat_id/character_id are only present client->backend.
type audioMetadata struct {
	Format      string `json:"format,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	CharacterID string `json:"character_id,omitempty"`
}

type characterSwitchPayload struct {
	CharacterID  string `json:"character_id"`
	SystemPrompt string `json:"system_prompt"`
	VoiceModel   string `json:"voice_model"`
	RVCModelPath string `json:"rvc_model_path,omitempty"`
	RVCIndexPath string `json:"rvc_index_path,omitempty"`
}

type callStartPayload struct {
	ChatID      string `json:"chat_id"`
	CharacterID string `json:"character_id"`
}

// encodeAudioPayload builds the binary-with-embedded-metadata audio layout:
// [uint32 LE metadata_len][metadata JSON][raw audio bytes].
func encodeAudioPayload(meta audioMetadata, raw []byte) ([]byte, error) {
	metaJSON, err := sonic.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal audio metadata: %w", err)
	}
	out := make([]byte, 4+len(metaJSON)+len(raw))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(metaJSON)))
	copy(out[4:], metaJSON)
	copy(out[4+len(metaJSON):], raw)
	return out, nil
}

// decodeAudioPayload splits an audio payload into its metadata JSON and raw
// audio bytes. A payload shorter than the 4-byte length prefix, or one whose
// declared metadata length overruns the payload, is ErrMalformedAudioFrame.
func decodeAudioPayload(payload []byte) (metaJSON, raw []byte, err error) {
	if len(payload) < 4 {
		return nil, nil, ErrMalformedAudioFrame
	}
	metaLen := binary.LittleEndian.Uint32(payload[0:4])
	if int(metaLen) > len(payload)-4 {
		return nil, nil, ErrMalformedAudioFrame
	}
	return payload[4 : 4+metaLen], payload[4+metaLen:], nil
}

// EncodeClientMessage maps a parsed client envelope to its backend frame.
// Returns ErrUnsupportedMessageType for type tags that have no outbound
// encoding; any other error means the message's own content was unusable.
func EncodeClientMessage(msg *messages.ClientMessage) (Frame, error) {
	switch msg.Type {
	case messages.TypeText:
		payload, err := sonic.Marshal(textPayload{
			Text:        msg.Message,
			ChatID:      msg.ChatID,
			CharacterID: msg.CharacterID,
		})
		if err != nil {
			return Frame{}, fmt.Errorf("marshal text payload: %w", err)
		}
		return Frame{Marker: MarkerTextFromClient, Payload: payload}, nil

	case messages.TypeAudio:
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return Frame{}, fmt.Errorf("decode audio data: %w", err)
		}
		payload, err := encodeAudioPayload(audioMetadata{
			Format:      msg.Format,
			SampleRate:  msg.SampleRate,
			ChatID:      msg.ChatID,
			CharacterID: msg.CharacterID,
		}, raw)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Marker: MarkerAudioFromClient, Payload: payload}, nil

	case messages.TypeCharacterSwitch:
		payload, err := sonic.Marshal(characterSwitchPayload{
			CharacterID:  msg.CharacterID,
			SystemPrompt: msg.SystemPrompt,
			VoiceModel:   msg.VoiceModel,
			RVCModelPath: msg.RVCModelPath,
			RVCIndexPath: msg.RVCIndexPath,
		})
		if err != nil {
			return Frame{}, fmt.Errorf("marshal character switch payload: %w", err)
		}
		return Frame{Marker: MarkerCharacterSwitch, Payload: payload}, nil

	case messages.TypeCallStart:
		payload, err := sonic.Marshal(callStartPayload{
			ChatID:      msg.ChatID,
			CharacterID: msg.CharacterID,
		})
		if err != nil {
			return Frame{}, fmt.Errorf("marshal call start payload: %w", err)
		}
		return Frame{Marker: MarkerCallModeStart, Payload: payload}, nil

	case messages.TypeCallEnd:
		return Frame{Marker: MarkerCallModeEnd}, nil

	case messages.TypeStopPlayback:
		return Frame{Marker: MarkerStopPlayback}, nil

	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnsupportedMessageType, msg.Type)
	}
}

// DecodeFrame maps a backend frame to a client envelope. Recoverable
// malformed sub-content degrades (plain-text fallback, empty metadata,
// unknown marker variant); only a frame that cannot be interpreted at all
// (audio header too short) is an error.
func DecodeFrame(f Frame) (*messages.ServerMessage, error) {
	switch f.Marker {
	case MarkerTextToClient:
		var resp textResponse
		if err := sonic.Unmarshal(f.Payload, &resp); err != nil {
			// The backend emits either JSON or bare UTF-8 text.
			return messages.NewTextMessage(string(f.Payload), false), nil
		}
		return messages.NewTextMessage(resp.Text, resp.IsAudio), nil

	case MarkerAudioToClient:
		metaJSON, raw, err := decodeAudioPayload(f.Payload)
		if err != nil {
			return nil, err
		}
		var meta audioMetadata
		if err := sonic.Unmarshal(metaJSON, &meta); err != nil {
			meta = audioMetadata{}
		}
		if meta.Format == "" {
			meta.Format = DefaultAudioFormat
		}
		if meta.SampleRate == 0 {
			meta.SampleRate = DefaultAudioSampleRate
		}
		data := base64.StdEncoding.EncodeToString(raw)
		return messages.NewAudioMessage(data, meta.Format, meta.SampleRate), nil

	case MarkerStopPlayback:
		return messages.NewStopPlaybackMessage(), nil

	case MarkerKeepalive:
		return &messages.ServerMessage{Type: messages.TypeKeepalive}, nil

	default:
		return messages.NewUnknownMessage(uint32(f.Marker)), nil
	}
}
