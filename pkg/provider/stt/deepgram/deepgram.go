// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API. One WebSocket is opened per call and
// reused across utterances; each Transcribe pushes the utterance audio,
// forces a finalize, and waits for the first committed transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultTimeout    = 10 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start implements provider.Lifecycle. The connection is per call, so
// there is nothing to warm up.
func (p *Provider) Start() error { return nil }

// Stop closes every open call session.
func (p *Provider) Stop() error {
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// OpenCall dials the streaming endpoint for the call.
func (p *Provider) OpenCall(ctx context.Context, callID string, opts provider.Options) error {
	wsURL, err := p.buildURL(opts)
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", errors.Join(provider.ErrRefused, err))
	}

	s := &session{
		conn:    conn,
		finals:  make(chan string, 8),
		done:    make(chan struct{}),
		timeout: opts.ResponseTimeout(defaultTimeout),
	}
	s.wg.Add(1)
	go s.readLoop()

	p.mu.Lock()
	if old, ok := p.sessions[callID]; ok {
		defer old.close()
	}
	p.sessions[callID] = s
	p.mu.Unlock()
	return nil
}

// CloseCall tears down the call's session. Unknown calls are a no-op.
func (p *Provider) CloseCall(callID string) error {
	p.mu.Lock()
	s, ok := p.sessions[callID]
	delete(p.sessions, callID)
	p.mu.Unlock()
	if ok {
		s.close()
	}
	return nil
}

// Transcribe pushes the utterance audio, finalizes, and returns the first
// non-empty committed transcript.
func (p *Provider) Transcribe(ctx context.Context, callID string, pcm []byte, sampleRate int) (string, error) {
	p.mu.Lock()
	s, ok := p.sessions[callID]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("deepgram: call %s: %w", callID, provider.ErrClosed)
	}
	return s.transcribe(ctx, pcm)
}

func (p *Provider) buildURL(opts provider.Options) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := opts.Model
	if model == "" {
		model = p.model
	}
	lang := opts.Language
	if lang == "" {
		lang = p.language
	}
	sr := opts.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Results message.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is one live per-call Deepgram stream.
type session struct {
	conn    *websocket.Conn
	finals  chan string
	timeout time.Duration

	// writeMu serializes Transcribe calls; the coordinator already calls
	// sequentially per call, this guards against misuse.
	writeMu sync.Mutex

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) transcribe(ctx context.Context, pcm []byte) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return "", provider.ErrClosed
	default:
	}

	// Drain finals left over from a previous aborted turn.
	for {
		select {
		case <-s.finals:
			continue
		default:
		}
		break
	}

	if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return "", fmt.Errorf("deepgram: send audio: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return "", fmt.Errorf("deepgram: finalize: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case text, ok := <-s.finals:
			if !ok {
				return "", provider.ErrClosed
			}
			if text != "" {
				return text, nil
			}
			// Empty final for a silence-only finalize; keep waiting.
		case <-timer.C:
			return "", fmt.Errorf("deepgram: transcribe: %w", provider.ErrTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			return "", provider.ErrClosed
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.conn.Close(websocket.StatusNormalClosure, "call closed")
		s.wg.Wait()
	})
}

// readLoop receives Results messages and forwards committed transcripts.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type != "Results" || !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
			continue
		}

		select {
		case s.finals <- resp.Channel.Alternatives[0].Transcript:
		case <-s.done:
			return
		}
	}
}
