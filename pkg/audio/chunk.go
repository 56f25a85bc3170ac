package audio

// FrameBytes returns the byte length of a frame of frameMs milliseconds at
// the given sample rate and encoding.
func FrameBytes(enc Encoding, sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * enc.BytesPerSample()
}

// ChunkByMs splits data into complete frames of frameMs milliseconds and
// returns them together with the partial tail, which callers keep and prepend
// to the next buffer. Empty input yields no frames.
func ChunkByMs(data []byte, enc Encoding, sampleRate, frameMs int) (frames [][]byte, tail []byte) {
	size := FrameBytes(enc, sampleRate, frameMs)
	if size <= 0 || len(data) == 0 {
		return nil, data
	}
	for len(data) >= size {
		frames = append(frames, data[:size])
		data = data[size:]
	}
	return frames, data
}
