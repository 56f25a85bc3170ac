// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// REST synthesis API. The full response body is read, transcoded to the
// call's target encoding and rate, and emitted as fixed-duration chunks
// sized for the streaming playback path.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/provider"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultVoice   = "21m00Tcm4TlvDq8ikWAM"
	defaultModel   = "eleven_turbo_v2_5"
	defaultTimeout = 15 * time.Second

	// synthesisRate is the PCM16 rate requested from the API; the adapter
	// transcodes from here to the call's target format.
	synthesisRate = 16000

	defaultChunkMs = 20
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.http = hc }
}

// callState is the per-call synthesis configuration fixed at OpenCall.
type callState struct {
	voice    string
	model    string
	encoding audio.Encoding
	rate     int
	chunkMs  int
	timeout  time.Duration

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// Provider implements tts.Provider over the ElevenLabs REST API.
type Provider struct {
	apiKey  string
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	calls map[string]*callState
}

// New creates an ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{},
		calls:   make(map[string]*callState),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start implements provider.Lifecycle.
func (p *Provider) Start() error { return nil }

// Stop cancels all in-flight synthesis calls.
func (p *Provider) Stop() error {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*callState)
	p.mu.Unlock()

	for _, cs := range calls {
		cs.cancelInflight()
	}
	return nil
}

// OpenCall records the call's synthesis options. REST has no per-call
// connection to establish.
func (p *Provider) OpenCall(_ context.Context, callID string, opts provider.Options) error {
	cs := &callState{
		voice:    opts.Voice,
		model:    opts.Model,
		encoding: audio.Encoding(opts.Encoding),
		rate:     opts.SampleRate,
		chunkMs:  defaultChunkMs,
		timeout:  opts.ResponseTimeout(defaultTimeout),
	}
	if cs.voice == "" {
		cs.voice = defaultVoice
	}
	if cs.model == "" {
		cs.model = defaultModel
	}
	if cs.encoding == "" {
		cs.encoding = audio.EncodingULaw
	}
	if cs.rate == 0 {
		cs.rate = 8000
	}
	if v, ok := opts.Extra["chunk_ms"]; ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cs.chunkMs = ms
		}
	}

	p.mu.Lock()
	p.calls[callID] = cs
	p.mu.Unlock()
	return nil
}

// CloseCall cancels any in-flight synthesis and drops the call state.
func (p *Provider) CloseCall(callID string) error {
	p.mu.Lock()
	cs, ok := p.calls[callID]
	delete(p.calls, callID)
	p.mu.Unlock()
	if ok {
		cs.cancelInflight()
	}
	return nil
}

// Synthesize renders text and emits it as fixed-duration chunks in the
// call's target encoding.
func (p *Provider) Synthesize(ctx context.Context, callID, text string) (<-chan []byte, error) {
	p.mu.Lock()
	cs, ok := p.calls[callID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("elevenlabs: call %s: %w", callID, provider.ErrClosed)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cs.timeout)
	cs.setInflight(cancel)
	defer cs.setInflight(nil)
	defer cancel()

	pcm, err := p.synthesizePCM(reqCtx, cs, text)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("elevenlabs: %q: %w", text, provider.ErrNoAudio)
	}

	// Transcode to the call's target rate and encoding, then chunk.
	resampled, _ := audio.ResamplePCM16(pcm, synthesisRate, cs.rate, audio.ResamplerState{})
	converted := audio.ConvertPCM16(resampled, cs.encoding)
	frames, tail := audio.ChunkByMs(converted, cs.encoding, cs.rate, cs.chunkMs)
	if len(tail) > 0 {
		frames = append(frames, tail)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("elevenlabs: %q: %w", text, provider.ErrNoAudio)
	}

	out := make(chan []byte, len(frames))
	for _, f := range frames {
		out <- f
	}
	close(out)
	return out, nil
}

// synthesizePCM posts the synthesis request and returns PCM16 at
// synthesisRate.
func (p *Provider) synthesizePCM(ctx context.Context, cs *callState, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": cs.model,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_%d", p.baseURL, cs.voice, synthesisRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("elevenlabs: synthesize: %w", provider.ErrTimeout)
		}
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return io.ReadAll(resp.Body)
}

func (cs *callState) setInflight(cancel context.CancelFunc) {
	cs.cancelMu.Lock()
	cs.cancel = cancel
	cs.cancelMu.Unlock()
}

func (cs *callState) cancelInflight() {
	cs.cancelMu.Lock()
	if cs.cancel != nil {
		cs.cancel()
	}
	cs.cancelMu.Unlock()
}
