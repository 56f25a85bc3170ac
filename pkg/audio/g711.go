// Package audio provides the codec utilities shared by the media transports
// and playback managers: bit-exact G.711 µ-law/A-law conversion, a stateful
// PCM16 resampler, and millisecond-based frame chunking.
//
// All PCM16 data is little-endian signed 16-bit mono unless stated otherwise.
package audio

import "log/slog"

// Encoding identifies an audio wire encoding.
type Encoding string

const (
	// EncodingULaw is G.711 µ-law, 1 byte per sample.
	EncodingULaw Encoding = "ulaw"

	// EncodingALaw is G.711 A-law, 1 byte per sample.
	EncodingALaw Encoding = "alaw"

	// EncodingPCM16 is little-endian signed 16-bit PCM, 2 bytes per sample.
	EncodingPCM16 Encoding = "pcm16"
)

// BytesPerSample returns the number of bytes a single sample occupies in e.
// Unknown encodings report 1 so byte-oriented chunking still makes progress.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM16 {
		return 2
	}
	return 1
}

const (
	mulawBias = 0x84
	mulawClip = 32635
	alawClip  = 32767
)

// MulawDecodeSample expands a single G.711 µ-law byte to a PCM16 sample.
func MulawDecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// MulawEncodeSample compresses a PCM16 sample to a G.711 µ-law byte.
func MulawEncodeSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// MulawToPCM16 expands µ-law bytes to little-endian PCM16.
func MulawToPCM16(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, u := range data {
		s := MulawDecodeSample(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw compresses little-endian PCM16 to µ-law. A trailing odd byte
// is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = MulawEncodeSample(s)
	}
	return out
}

// AlawDecodeSample expands a single G.711 A-law byte to a PCM16 sample.
func AlawDecodeSample(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exponent := (a >> 4) & 0x07
	mantissa := a & 0x0F

	var magnitude int32
	if exponent == 0 {
		magnitude = int32(mantissa)<<4 + 8
	} else {
		magnitude = (int32(mantissa)<<4 + 0x108) << (exponent - 1)
	}

	// Bit 7 of the transmitted byte is 1 for positive samples.
	if sign == 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// AlawEncodeSample compresses a PCM16 sample to a G.711 A-law byte.
func AlawEncodeSample(s int16) byte {
	v := int32(s)
	var sign byte = 0x80
	if v < 0 {
		v = -v - 1
		sign = 0
	}
	if v > alawClip {
		v = alawClip
	}

	var compressed byte
	if v < 256 {
		compressed = byte(v >> 4)
	} else {
		exponent := byte(7)
		for mask := int32(0x4000); exponent > 1 && v&mask == 0; mask >>= 1 {
			exponent--
		}
		mantissa := byte((v >> (exponent + 3)) & 0x0F)
		compressed = exponent<<4 | mantissa
	}

	return (sign | compressed) ^ 0x55
}

// AlawToPCM16 expands A-law bytes to little-endian PCM16.
func AlawToPCM16(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, a := range data {
		s := AlawDecodeSample(a)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ConvertPCM16 converts little-endian PCM16 to the target encoding. PCM16 is
// returned unchanged. An unknown target is logged once per call and the input
// is returned unchanged.
func ConvertPCM16(pcm []byte, target Encoding) []byte {
	switch target {
	case EncodingPCM16:
		return pcm
	case EncodingULaw:
		return PCM16ToMulaw(pcm)
	case EncodingALaw:
		n := len(pcm) / 2
		out := make([]byte, n)
		for i := range n {
			s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
			out[i] = AlawEncodeSample(s)
		}
		return out
	default:
		slog.Warn("audio: unknown target encoding, passing through", "encoding", string(target))
		return pcm
	}
}

// DecodeToPCM16 converts data in the given encoding to little-endian PCM16.
// An unknown source encoding is logged and the input returned unchanged.
func DecodeToPCM16(data []byte, source Encoding) []byte {
	switch source {
	case EncodingPCM16:
		return data
	case EncodingULaw:
		return MulawToPCM16(data)
	case EncodingALaw:
		return AlawToPCM16(data)
	default:
		slog.Warn("audio: unknown source encoding, passing through", "encoding", string(source))
		return data
	}
}
