// Package audio provides G.711 mu-law <-> 16-bit PCM conversion for
// telephony-format client audio. The backend consumes 16 kHz PCM16 LE;
// telephony sources deliver 8 kHz mu-law.
package audio

import "encoding/binary"

var muLawToPcmTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawToPcmTable[i] = decodeMuLawByte(byte(i))
	}
}

// DecodeMuLawByte expands one mu-law byte to a linear PCM sample.
func DecodeMuLawByte(b byte) int16 {
	return muLawToPcmTable[b]
}

// MuLawToPCM16Upsample converts 8 kHz mu-law audio to 16 kHz PCM16 LE by
// duplicating each decoded sample.
func MuLawToPCM16Upsample(muLaw []byte) []byte {
	pcm := make([]byte, len(muLaw)*4)
	for i, b := range muLaw {
		sample := uint16(muLawToPcmTable[b])
		binary.LittleEndian.PutUint16(pcm[i*4:i*4+2], sample)
		binary.LittleEndian.PutUint16(pcm[i*4+2:i*4+4], sample)
	}
	return pcm
}

// PCM24kToMuLaw8k converts 24 kHz PCM16 LE audio to 8 kHz mu-law by taking
// every third sample.
func PCM24kToMuLaw8k(pcm []byte) []byte {
	sampleCount := len(pcm) / 2
	muLaw := make([]byte, 0, sampleCount/3+1)
	for i := 0; i < sampleCount; i += 3 {
		offset := i * 2
		sample := int16(binary.LittleEndian.Uint16(pcm[offset : offset+2]))
		muLaw = append(muLaw, EncodeMuLawByte(sample))
	}
	return muLaw
}

// The core algorithms below follow the Sun Microsystems G.711 reference
// implementation.

func decodeMuLawByte(uVal byte) int16 {
	// Mu-law stores the byte inverted.
	uVal = ^uVal

	sign := uVal & 0x80
	exponent := (uVal >> 4) & 0x07
	mantissa := uVal & 0x0F

	// 0x84 is the alignment bias folded into the mantissa shift.
	sample := int16((int32(mantissa)<<3 + 0x84) << exponent)
	sample -= 0x84

	if sign != 0 {
		return -sample
	}
	return sample
}

// EncodeMuLawByte compresses a linear PCM sample to one mu-law byte. The
// magnitude math runs in int32 so negating math.MinInt16 cannot overflow.
func EncodeMuLawByte(pcm int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	var sign int32
	v := int32(pcm)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > clip {
		v = clip
	}
	v += bias

	exponent := int32(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}
