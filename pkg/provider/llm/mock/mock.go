// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled replies without a live
// model backend and to assert on the history the coordinator sends.
package mock

import (
	"context"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	CallID     string
	Transcript string
	History    []llm.Message
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Generate.
	Response string

	// GenerateErr, if non-nil, is returned by Generate.
	GenerateErr error

	// OpenErr, if non-nil, is returned by OpenCall.
	OpenErr error

	// GenerateCalls records every Generate invocation in order.
	GenerateCalls []GenerateCall

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

func (p *Provider) Generate(_ context.Context, callID, transcript string, history []llm.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := make([]llm.Message, len(history))
	copy(h, history)
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{
		CallID:     callID,
		Transcript: transcript,
		History:    h,
	})
	if p.GenerateErr != nil {
		return "", p.GenerateErr
	}
	return p.Response, nil
}
