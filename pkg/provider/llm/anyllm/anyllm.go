// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more. One adapter instance serves every call; the per-call session is
// just the options snapshot taken at call start.
package anyllm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
)

const defaultTimeout = 20 * time.Second

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string

	mu    sync.Mutex
	calls map[string]provider.Options
}

// New creates a Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g. "gpt-4o-mini", "llama3.1").
//
// opts are any-llm-go configuration options (anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back
// to its environment variable (OPENAI_API_KEY etc.).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{
		backend: backend,
		model:   model,
		calls:   make(map[string]provider.Options),
	}, nil
}

// NewOpenAI creates a Provider backed by OpenAI.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
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

// OpenCall snapshots the call's generation options.
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

// Generate runs one completion over the conversation history.
func (p *Provider) Generate(ctx context.Context, callID, transcript string, history []llm.Message) (string, error) {
	p.mu.Lock()
	opts, ok := p.calls[callID]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("anyllm: call %s: %w", callID, provider.ErrClosed)
	}

	model := opts.Model
	if model == "" {
		model = p.model
	}

	messages := make([]anyllmlib.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if len(history) == 0 || history[len(history)-1].Content != transcript {
		messages = append(messages, anyllmlib.Message{
			Role:    string(anyllmlib.RoleUser),
			Content: transcript,
		})
	}

	reqCtx, cancel := context.WithTimeout(ctx, opts.ResponseTimeout(defaultTimeout))
	defer cancel()

	resp, err := p.backend.Completion(reqCtx, anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("anyllm: completion: %w", provider.ErrTimeout)
		}
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: %w", provider.ErrEmptyResponse)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if content == "" {
		return "", fmt.Errorf("anyllm: %w", provider.ErrEmptyResponse)
	}
	return content, nil
}
