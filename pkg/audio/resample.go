package audio

import "math"

// ResamplerState carries the interpolation position of a resampled stream
// across chunk boundaries, so successive 20 ms frames chain without edge
// artifacts. The zero value is a fresh stream.
type ResamplerState struct {
	// pos is the fractional input-sample index of the next output sample,
	// relative to the start of the next chunk. Negative values reference the
	// tail of the previous chunk.
	pos float64

	// last is the final sample of the previous chunk, used when pos < 0.
	last int16

	primed bool
}

// ResamplePCM16 resamples little-endian PCM16 mono audio from fromHz to toHz
// using linear interpolation, carrying state between calls on the same
// stream. Concatenating the outputs of successive calls is equivalent (within
// rounding) to resampling the concatenated input in one call.
//
// If fromHz == toHz or either rate is non-positive, the input is returned
// unchanged with the state untouched.
func ResamplePCM16(pcm []byte, fromHz, toHz int, st ResamplerState) ([]byte, ResamplerState) {
	if fromHz <= 0 || toHz <= 0 || fromHz == toHz || len(pcm) < 2 {
		return pcm, st
	}

	n := len(pcm) / 2
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	ratio := float64(fromHz) / float64(toHz)
	pos := st.pos
	out := make([]byte, 0, int(float64(n)/ratio)*2+2)

	for {
		i := int(math.Floor(pos))
		frac := pos - math.Floor(pos)

		var s0, s1 int16
		switch {
		case i < 0:
			if !st.primed {
				// Fresh stream: clamp to the first sample.
				s0, s1 = samples[0], samples[0]
			} else {
				s0, s1 = st.last, samples[0]
			}
		case i+1 < n:
			s0, s1 = samples[i], samples[i+1]
		case i+1 == n && frac == 0:
			s0, s1 = samples[i], samples[i]
		default:
			// Next chunk required to interpolate.
			goto done
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out = append(out, byte(v), byte(v>>8))
		pos += ratio
	}

done:
	return out, ResamplerState{
		pos:    pos - float64(n),
		last:   samples[n-1],
		primed: true,
	}
}
