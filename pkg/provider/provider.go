// Package provider defines the contract shared by every STT, LLM, and TTS
// adapter: process-level lifecycle, per-call sessions, and the error
// sentinels the coordinator branches on.
//
// Adapters must be safe to call concurrently across different call IDs;
// within one call ID the coordinator serializes them.
package provider

import (
	"context"
	"errors"
	"time"
)

// Error sentinels. Adapters wrap these so the coordinator can classify a
// failure without knowing the backend.
var (
	// ErrTimeout is returned when a backend does not respond within the
	// call's response timeout.
	ErrTimeout = errors.New("provider: response timeout")

	// ErrClosed is returned when an operation addresses a call session that
	// was already closed.
	ErrClosed = errors.New("provider: call session closed")

	// ErrProtocol is returned when a backend sends a message the adapter
	// cannot interpret.
	ErrProtocol = errors.New("provider: protocol error")

	// ErrRefused is returned when a backend rejects the connection or
	// handshake.
	ErrRefused = errors.New("provider: connection refused")

	// ErrNoAudio is returned by TTS adapters when synthesis yields no audio.
	ErrNoAudio = errors.New("provider: no audio produced")

	// ErrEmptyResponse is returned by LLM adapters when the model produces
	// an empty completion.
	ErrEmptyResponse = errors.New("provider: empty response")

	// ErrNotImplemented is returned by placeholder factories.
	ErrNotImplemented = errors.New("provider: not implemented")
)

// Options carries the per-role configuration an adapter receives at
// OpenCall. Unknown Extra keys are adapter-specific.
type Options struct {
	Model              string            `yaml:"model"`
	Voice              string            `yaml:"voice"`
	Language           string            `yaml:"language"`
	SampleRate         int               `yaml:"sample_rate"`
	Encoding           string            `yaml:"encoding"`
	ResponseTimeoutSec float64           `yaml:"response_timeout_sec"`
	APIKey             string            `yaml:"api_key"`
	BaseURL            string            `yaml:"base_url"`
	Extra              map[string]string `yaml:"extra"`
}

// ResponseTimeout returns the configured response timeout, or def when
// unset.
func (o Options) ResponseTimeout(def time.Duration) time.Duration {
	if o.ResponseTimeoutSec <= 0 {
		return def
	}
	return time.Duration(o.ResponseTimeoutSec * float64(time.Second))
}

// Lifecycle is the process- and call-level lifecycle every adapter
// implements.
type Lifecycle interface {
	// Start prepares the adapter for use (warm connections, validate
	// credentials). Called once before any call is opened.
	Start() error

	// Stop releases all adapter resources. Open call sessions are closed.
	Stop() error

	// OpenCall establishes the per-call session (e.g. a backend WebSocket
	// with its handshake).
	OpenCall(ctx context.Context, callID string, opts Options) error

	// CloseCall tears down the per-call session. Closing an unknown call is
	// a no-op.
	CloseCall(callID string) error
}
