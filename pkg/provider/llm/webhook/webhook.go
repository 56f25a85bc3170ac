// Package webhook provides an LLM provider that POSTs each turn to a local
// REST endpoint. The endpoint receives the call ID, the transcript, and the
// conversation context, and answers with JSON or plain text.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
)

const (
	defaultTimeout = 15 * time.Second

	// defaultResponseKey is the JSON field holding the reply when the
	// endpoint answers with an object.
	defaultResponseKey = "response"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.http = hc }
}

// WithResponseKey sets the JSON key holding the reply text.
func WithResponseKey(key string) Option {
	return func(p *Provider) { p.responseKey = key }
}

// Provider implements llm.Provider over a REST webhook.
type Provider struct {
	url         string
	responseKey string
	http        *http.Client

	mu    sync.Mutex
	calls map[string]provider.Options
}

// request is the JSON body posted per turn.
type request struct {
	CallID     string        `json:"call_id"`
	Transcript string        `json:"transcript"`
	Context    []contextItem `json:"context"`
}

type contextItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// New creates a webhook Provider posting to url.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("webhook: url must not be empty")
	}
	p := &Provider{
		url:         url,
		responseKey: defaultResponseKey,
		http:        &http.Client{},
		calls:       make(map[string]provider.Options),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start implements provider.Lifecycle.
func (p *Provider) Start() error { return nil }

// Stop implements provider.Lifecycle.
func (p *Provider) Stop() error {
	p.mu.Lock()
	p.calls = make(map[string]provider.Options)
	p.mu.Unlock()
	return nil
}

// OpenCall snapshots the call's options.
func (p *Provider) OpenCall(_ context.Context, callID string, opts provider.Options) error {
	p.mu.Lock()
	p.calls[callID] = opts
	p.mu.Unlock()
	return nil
}

// CloseCall drops the call's options snapshot.
func (p *Provider) CloseCall(callID string) error {
	p.mu.Lock()
	delete(p.calls, callID)
	p.mu.Unlock()
	return nil
}

// Generate posts the turn and returns the endpoint's reply text.
func (p *Provider) Generate(ctx context.Context, callID, transcript string, history []llm.Message) (string, error) {
	p.mu.Lock()
	opts, ok := p.calls[callID]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("webhook: call %s: %w", callID, provider.ErrClosed)
	}

	items := make([]contextItem, 0, len(history))
	for _, m := range history {
		items = append(items, contextItem{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(request{CallID: callID, Transcript: transcript, Context: items})
	if err != nil {
		return "", fmt.Errorf("webhook: encode request: %w", err)
	}

	url := opts.BaseURL
	if url == "" {
		url = p.url
	}

	reqCtx, cancel := context.WithTimeout(ctx, opts.ResponseTimeout(defaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("webhook: generate: %w", provider.ErrTimeout)
		}
		return "", fmt.Errorf("webhook: generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("webhook: read response: %w", err)
	}

	text := p.extractText(raw)
	if text == "" {
		return "", fmt.Errorf("webhook: %w", provider.ErrEmptyResponse)
	}
	return text, nil
}

// extractText pulls the reply out of a JSON object under the configured
// key, falling back to the whole body as plain text.
func (p *Provider) extractText(raw []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := obj[p.responseKey].(string); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}
	return strings.TrimSpace(string(raw))
}
