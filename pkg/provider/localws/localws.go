// Package localws provides STT, LLM, and TTS providers that talk to a
// single local inference process over WebSocket. The process multiplexes
// the three roles behind one endpoint; each per-call connection declares
// its role with a set_mode handshake, and the roles differ only in mode
// and message schema.
package localws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
)

const (
	defaultTimeout = 15 * time.Second

	// modeReadyWait bounds the best-effort wait for the mode_ready ack.
	modeReadyWait = 2 * time.Second

	ModeSTT = "stt"
	ModeLLM = "llm"
	ModeTTS = "tts"
)

// message is the JSON envelope both directions share.
type message struct {
	Type       string        `json:"type"`
	Mode       string        `json:"mode,omitempty"`
	CallID     string        `json:"call_id,omitempty"`
	Text       string        `json:"text,omitempty"`
	Final      bool          `json:"final,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Context    []contextItem `json:"context,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type contextItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// client is the shared per-role connection manager. Each call gets its own
// WebSocket in the role's mode.
type client struct {
	endpoint string
	mode     string
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*callSession
}

// callSession is one per-call connection. The coordinator serializes use
// within a call, so reads and writes need no extra pump.
type callSession struct {
	conn    *websocket.Conn
	timeout time.Duration

	once sync.Once
	done chan struct{}
}

func newClient(endpoint, mode string, log *slog.Logger) (*client, error) {
	if endpoint == "" {
		return nil, errors.New("localws: endpoint must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &client{
		endpoint: endpoint,
		mode:     mode,
		log:      log,
		sessions: make(map[string]*callSession),
	}, nil
}

func (c *client) Start() error { return nil }

func (c *client) Stop() error {
	c.mu.Lock()
	sessions := make([]*callSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*callSession)
	c.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// OpenCall dials the local process and performs the set_mode handshake.
// The mode_ready ack is awaited best-effort; a process that does not send
// one still works.
func (c *client) OpenCall(ctx context.Context, callID string, opts provider.Options) error {
	endpoint := opts.BaseURL
	if endpoint == "" {
		endpoint = c.endpoint
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("localws: dial %s: %w", endpoint, errors.Join(provider.ErrRefused, err))
	}

	s := &callSession{
		conn:    conn,
		timeout: opts.ResponseTimeout(defaultTimeout),
		done:    make(chan struct{}),
	}

	if err := s.writeJSON(ctx, message{Type: "set_mode", Mode: c.mode, CallID: callID}); err != nil {
		s.close()
		return fmt.Errorf("localws: set_mode: %w", err)
	}

	// Best-effort mode_ready.
	ackCtx, cancel := context.WithTimeout(ctx, modeReadyWait)
	if msg, _, err := s.readMessage(ackCtx); err != nil {
		c.log.Debug("no mode_ready ack", "mode", c.mode, "call_id", callID, "err", err)
	} else if msg.Type != "mode_ready" {
		c.log.Debug("unexpected handshake reply", "mode", c.mode, "type", msg.Type)
	}
	cancel()

	c.mu.Lock()
	if old, ok := c.sessions[callID]; ok {
		defer old.close()
	}
	c.sessions[callID] = s
	c.mu.Unlock()
	return nil
}

func (c *client) CloseCall(callID string) error {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	delete(c.sessions, callID)
	c.mu.Unlock()
	if ok {
		s.close()
	}
	return nil
}

func (c *client) session(callID string) (*callSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("localws: call %s: %w", callID, provider.ErrClosed)
	}
	return s, nil
}

func (s *callSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "call closed")
	})
}

func (s *callSession) writeJSON(ctx context.Context, msg message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}

// readMessage reads one frame. Text frames decode into the envelope;
// binary frames return raw audio bytes with a zero message.
func (s *callSession) readMessage(ctx context.Context) (message, []byte, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return message{}, nil, provider.ErrTimeout
		}
		return message{}, nil, err
	}
	if typ == websocket.MessageBinary {
		return message{}, data, nil
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return message{}, nil, fmt.Errorf("%w: %v", provider.ErrProtocol, err)
	}
	if msg.Error != "" {
		return message{}, nil, fmt.Errorf("%w: %s", provider.ErrProtocol, msg.Error)
	}
	return msg, nil, nil
}

// ---- STT ----

// STT implements stt.Provider against the local process in stt mode.
type STT struct{ *client }

// NewSTT creates the STT-mode provider for endpoint (e.g.
// "ws://127.0.0.1:8765").
func NewSTT(endpoint string, log *slog.Logger) (*STT, error) {
	c, err := newClient(endpoint, ModeSTT, log)
	if err != nil {
		return nil, err
	}
	return &STT{c}, nil
}

// Transcribe sends the utterance audio followed by a flush, then waits for
// the final transcript.
func (p *STT) Transcribe(ctx context.Context, callID string, pcm []byte, sampleRate int) (string, error) {
	s, err := p.session(callID)
	if err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.conn.Write(reqCtx, websocket.MessageBinary, pcm); err != nil {
		return "", fmt.Errorf("localws: send audio: %w", err)
	}
	if err := s.writeJSON(reqCtx, message{Type: "flush", CallID: callID, SampleRate: sampleRate}); err != nil {
		return "", fmt.Errorf("localws: flush: %w", err)
	}

	for {
		msg, _, err := s.readMessage(reqCtx)
		if err != nil {
			return "", fmt.Errorf("localws: transcribe: %w", err)
		}
		if msg.Type == "transcript" && msg.Final {
			return msg.Text, nil
		}
	}
}

// ---- LLM ----

// LLM implements llm.Provider against the local process in llm mode.
type LLM struct{ *client }

// NewLLM creates the LLM-mode provider for endpoint.
func NewLLM(endpoint string, log *slog.Logger) (*LLM, error) {
	c, err := newClient(endpoint, ModeLLM, log)
	if err != nil {
		return nil, err
	}
	return &LLM{c}, nil
}

// Generate sends the transcript plus context and waits for the response.
func (p *LLM) Generate(ctx context.Context, callID, transcript string, history []llm.Message) (string, error) {
	s, err := p.session(callID)
	if err != nil {
		return "", err
	}

	items := make([]contextItem, 0, len(history))
	for _, m := range history {
		items = append(items, contextItem{Role: m.Role, Content: m.Content})
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.writeJSON(reqCtx, message{
		Type:       "generate",
		CallID:     callID,
		Transcript: transcript,
		Context:    items,
	}); err != nil {
		return "", fmt.Errorf("localws: generate: %w", err)
	}

	for {
		msg, _, err := s.readMessage(reqCtx)
		if err != nil {
			return "", fmt.Errorf("localws: generate: %w", err)
		}
		if msg.Type == "response" {
			if msg.Text == "" {
				return "", fmt.Errorf("localws: %w", provider.ErrEmptyResponse)
			}
			return msg.Text, nil
		}
	}
}

// ---- TTS ----

// TTS implements tts.Provider against the local process in tts mode.
type TTS struct{ *client }

// NewTTS creates the TTS-mode provider for endpoint.
func NewTTS(endpoint string, log *slog.Logger) (*TTS, error) {
	c, err := newClient(endpoint, ModeTTS, log)
	if err != nil {
		return nil, err
	}
	return &TTS{c}, nil
}

// Synthesize sends the text and streams binary audio chunks until the
// process signals end.
func (p *TTS) Synthesize(ctx context.Context, callID, text string) (<-chan []byte, error) {
	s, err := p.session(callID)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	if err := s.writeJSON(reqCtx, message{Type: "synthesize", CallID: callID, Text: text}); err != nil {
		cancel()
		return nil, fmt.Errorf("localws: synthesize: %w", err)
	}

	out := make(chan []byte, 32)
	go func() {
		defer cancel()
		defer close(out)

		for {
			msg, chunk, err := s.readMessage(reqCtx)
			if err != nil {
				p.log.Debug("tts stream ended", "call_id", callID, "err", err)
				return
			}
			if chunk != nil {
				select {
				case out <- chunk:
				case <-reqCtx.Done():
					return
				case <-s.done:
					return
				}
				continue
			}
			if msg.Type == "end" {
				return
			}
		}
	}()
	return out, nil
}
