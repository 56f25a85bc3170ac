// Package vad implements frame-level voice activity detection and the
// utterance assembler that turns per-frame decisions into bounded caller
// utterances with pre-roll.
//
// The detector is a synchronous energy classifier over 10/20/30 ms PCM16
// frames. It is deliberately cheap: one pass over the frame, no allocation,
// suitable for the inbound media pump's hot path.
package vad

import (
	"fmt"
	"math"
)

// Mode selects the detector's aggressiveness. Higher modes require more
// energy before a frame counts as speech, trading missed quiet speech for
// fewer false positives in noise.
type Mode string

const (
	ModeQuality        Mode = "quality"
	ModeLowBitrate     Mode = "low-bitrate"
	ModeAggressive     Mode = "aggressive"
	ModeVeryAggressive Mode = "very-aggressive"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeQuality, ModeLowBitrate, ModeAggressive, ModeVeryAggressive:
		return true
	}
	return false
}

// rmsThreshold returns the RMS amplitude above which a frame is speech.
func (m Mode) rmsThreshold() float64 {
	switch m {
	case ModeQuality:
		return 250
	case ModeLowBitrate:
		return 350
	case ModeVeryAggressive:
		return 700
	default: // aggressive
		return 500
	}
}

// validFrameMs lists the frame durations the detector accepts.
var validFrameMs = [...]int{10, 20, 30}

// Detector classifies single PCM16 frames as speech or silence.
// It is stateless and safe for concurrent use.
type Detector struct {
	mode Mode
}

// NewDetector creates a Detector with the given mode. An invalid mode
// falls back to aggressive.
func NewDetector(mode Mode) *Detector {
	if !mode.IsValid() {
		mode = ModeAggressive
	}
	return &Detector{mode: mode}
}

// IsSpeech reports whether frame contains speech. frame must be little-endian
// PCM16 of exactly 10, 20, or 30 ms at sampleRate; any other length is an
// error.
func (d *Detector) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	if len(frame)%2 != 0 {
		return false, fmt.Errorf("vad: odd byte count %d in PCM16 frame", len(frame))
	}
	samples := len(frame) / 2

	ok := false
	for _, ms := range validFrameMs {
		if samples == sampleRate*ms/1000 {
			ok = true
			break
		}
	}
	if !ok {
		return false, fmt.Errorf("vad: frame of %d samples is not 10/20/30 ms at %d Hz", samples, sampleRate)
	}

	var sum float64
	for i := 0; i < len(frame); i += 2 {
		s := float64(int16(frame[i]) | int16(frame[i+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(samples))

	return rms >= d.mode.rmsThreshold(), nil
}
