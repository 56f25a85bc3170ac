// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g. Deepgram, or a local
// recognizer behind a WebSocket) and exposes one blocking operation: give it
// a complete caller utterance as PCM16 audio, get the final transcript back.
// Per-call sessions are opened once at call start and reused for every
// utterance of that call.
//
// Implementations must be safe for concurrent use across call IDs.
package stt

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	provider.Lifecycle

	// Transcribe converts one utterance of little-endian PCM16 audio at
	// sampleRate into its final transcript. Blocks until the backend commits
	// a result or the call's response timeout expires (provider.ErrTimeout).
	Transcribe(ctx context.Context, callID string, pcm []byte, sampleRate int) (string, error)
}
