// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns the agent's reply text into a finite sequence of
// audio chunks (µ-law 8 kHz by default) sized for the streaming playback
// path. Cancelling the call's session mid-synthesis stops the stream.
//
// Implementations must be safe for concurrent use across call IDs.
package tts

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	provider.Lifecycle

	// Synthesize renders text and returns a channel of audio chunks in the
	// call's configured encoding and chunk size. The channel is closed when
	// synthesis completes, fails, or the call session is closed; a synthesis
	// that yields no audio at all returns provider.ErrNoAudio.
	Synthesize(ctx context.Context, callID, text string) (<-chan []byte, error)
}
