package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderSize is the fixed frame header length: uint32 marker + uint32 length,
// both little-endian.
const HeaderSize = 8

// Marker identifies a frame's message kind and direction on the backend wire.
type Marker uint32

// Protocol markers. Values are wire constants shared with the backend.
const (
	MarkerTextFromClient  Marker = 0x01 // user text turn
	MarkerTextToClient    Marker = 0x02 // assistant text/response
	MarkerAudioFromClient Marker = 0x03 // user audio chunk
	MarkerAudioToClient   Marker = 0x04 // synthesized audio chunk
	MarkerCharacterSwitch Marker = 0x05 // change active persona/voice
	MarkerCallModeStart   Marker = 0x06 // voice-call session start
	MarkerCallModeEnd     Marker = 0x07 // voice-call session end
	MarkerStopPlayback    Marker = 0x08 // cancel in-flight audio playback
	MarkerKeepalive       Marker = 0x09 // backend liveness ping, never forwarded
)

// ErrConnectionClosed signals that the peer closed the stream before a
// complete frame arrived. It is a disconnect signal, not a protocol failure.
var ErrConnectionClosed = errors.New("wire: connection closed")

// Frame is one length-prefixed binary unit on the backend TCP connection.
type Frame struct {
	Marker  Marker
	Payload []byte
}

// Encode serializes the frame as header + payload. The header's length field
// always equals len(Payload).
func (f Frame) Encode() []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(f.Marker))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	return out
}

// WriteTo writes the complete frame to w.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Encode())
	return int64(n), err
}

// ReadFrame reads exactly one complete frame from r. A stream that ends
// mid-header or mid-payload yields ErrConnectionClosed; a caller is never
// handed a frame with fewer payload bytes than the header declared.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, closedOr(err)
	}

	marker := Marker(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, closedOr(err)
		}
	}

	return Frame{Marker: marker, Payload: payload}, nil
}

// closedOr maps EOF-family errors to ErrConnectionClosed and passes through
// everything else (deadline errors, reset-by-peer, ...), which callers treat
// the same way: the stream is unusable.
func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}
