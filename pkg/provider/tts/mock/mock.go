// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to emit controlled audio chunks without a live
// synthesis backend.
package mock

import (
	"context"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	CallID string
	Text   string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of audio chunks emitted by Synthesize. All
	// chunks are sent before the channel closes.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// OpenErr, if non-nil, is returned by OpenCall.
	OpenErr error

	// SynthesizeCalls records every Synthesize invocation in order.
	SynthesizeCalls []SynthesizeCall

	OpenCalls  []string
	CloseCalls []string
}

func (p *Provider) Start() error { return nil }
func (p *Provider) Stop() error  { return nil }

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

func (p *Provider) Synthesize(_ context.Context, callID, text string) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{CallID: callID, Text: text})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	out := make(chan []byte, len(p.Chunks))
	for _, c := range p.Chunks {
		out <- c
	}
	close(out)
	return out, nil
}
