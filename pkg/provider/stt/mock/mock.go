// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts without a live
// STT backend. Configure response fields before use; call records can be
// read back after the test.
package mock

import (
	"context"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	CallID     string
	Audio      []byte
	SampleRate int
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcript is returned by Transcribe.
	Transcript string

	// TranscribeErr, if non-nil, is returned by Transcribe.
	TranscribeErr error

	// OpenErr, if non-nil, is returned by OpenCall.
	OpenErr error

	// TranscribeCalls records every Transcribe invocation in order.
	TranscribeCalls []TranscribeCall

	// OpenCalls and CloseCalls record the call IDs passed to OpenCall and
	// CloseCall.
	OpenCalls  []string
	CloseCalls []string

	started bool
	stopped bool
}

func (p *Provider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *Provider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *Provider) OpenCall(_ context.Context, callID string, _ provider.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return p.OpenErr
	}
	p.OpenCalls = append(p.OpenCalls, callID)
	return nil
}

func (p *Provider) CloseCall(callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls = append(p.CloseCalls, callID)
	return nil
}

func (p *Provider) Transcribe(_ context.Context, callID string, pcm []byte, sampleRate int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{
		CallID:     callID,
		Audio:      pcm,
		SampleRate: sampleRate,
	})
	if p.TranscribeErr != nil {
		return "", p.TranscribeErr
	}
	return p.Transcript, nil
}

// Started reports whether Start was called.
func (p *Provider) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stopped reports whether Stop was called.
func (p *Provider) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
