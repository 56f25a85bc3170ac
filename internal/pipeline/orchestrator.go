package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
)

// Entry is one configured pipeline: three adapter keys plus per-role
// options. Immutable after startup.
type Entry struct {
	STT string
	LLM string
	TTS string

	STTOptions provider.Options
	LLMOptions provider.Options
	TTSOptions provider.Options
}

// Resolution is the per-call binding of a pipeline to live adapters.
// Assigned at call start and immutable for the life of the call.
type Resolution struct {
	PipelineName string

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	STTOptions provider.Options
	LLMOptions provider.Options
	TTSOptions provider.Options

	// PrimaryProvider tags the resolution for logging, derived from the
	// LLM key's provider prefix.
	PrimaryProvider string
}

// Orchestrator owns pipeline validation and per-call resolution. Adapters
// are created lazily, one instance per key, and shared across calls; the
// per-call session lives inside each adapter behind OpenCall/CloseCall.
type Orchestrator struct {
	registry *Registry
	log      *slog.Logger

	// pipelines in insertion order; order provides the fallback default.
	names   []string
	entries map[string]Entry
	active  string

	mu          sync.Mutex
	sttByKey    map[string]stt.Provider
	llmByKey    map[string]llm.Provider
	ttsByKey    map[string]tts.Provider
	resolutions map[string]*Resolution
}

// NewOrchestrator creates an Orchestrator over the configured pipelines.
// names fixes the insertion order of entries; active names the default
// pipeline and may be empty.
func NewOrchestrator(registry *Registry, names []string, entries map[string]Entry, active string, log *slog.Logger) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("pipeline: no pipelines configured")
	}
	if active != "" {
		if _, ok := entries[active]; !ok {
			return nil, fmt.Errorf("pipeline: active pipeline %q not configured", active)
		}
	}

	o := &Orchestrator{
		registry:    registry,
		log:         log,
		names:       names,
		entries:     entries,
		active:      active,
		sttByKey:    make(map[string]stt.Provider),
		llmByKey:    make(map[string]llm.Provider),
		ttsByKey:    make(map[string]tts.Provider),
		resolutions: make(map[string]*Resolution),
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// validate checks every pipeline key resolves to a factory. Fatal at
// startup.
func (o *Orchestrator) validate() error {
	for _, name := range o.names {
		e, ok := o.entries[name]
		if !ok {
			return fmt.Errorf("pipeline: %q listed but not configured", name)
		}
		for _, key := range []string{e.STT, e.LLM, e.TTS} {
			if err := o.registry.Resolves(key); err != nil {
				return fmt.Errorf("pipeline %q: %w", name, err)
			}
		}
	}
	return nil
}

// GetPipeline returns the call's resolution, creating it on first use.
// pipelineName selects an explicit pipeline; empty falls back to the
// active pipeline, then to the first configured one. Adapters are opened
// for the call before the resolution is returned.
func (o *Orchestrator) GetPipeline(ctx context.Context, callID, pipelineName string) (*Resolution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if res, ok := o.resolutions[callID]; ok {
		return res, nil
	}

	name := pipelineName
	if name == "" {
		name = o.active
	}
	if name == "" {
		name = o.names[0]
	}
	e, ok := o.entries[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: %q not configured", name)
	}

	sttP, err := o.sttFor(e.STT)
	if err != nil {
		return nil, err
	}
	llmP, err := o.llmFor(e.LLM)
	if err != nil {
		return nil, err
	}
	ttsP, err := o.ttsFor(e.TTS)
	if err != nil {
		return nil, err
	}

	if err := sttP.OpenCall(ctx, callID, e.STTOptions); err != nil {
		return nil, fmt.Errorf("pipeline %q: open stt: %w", name, err)
	}
	if err := llmP.OpenCall(ctx, callID, e.LLMOptions); err != nil {
		_ = sttP.CloseCall(callID)
		return nil, fmt.Errorf("pipeline %q: open llm: %w", name, err)
	}
	if err := ttsP.OpenCall(ctx, callID, e.TTSOptions); err != nil {
		_ = sttP.CloseCall(callID)
		_ = llmP.CloseCall(callID)
		return nil, fmt.Errorf("pipeline %q: open tts: %w", name, err)
	}

	res := &Resolution{
		PipelineName:    name,
		STT:             sttP,
		LLM:             llmP,
		TTS:             ttsP,
		STTOptions:      e.STTOptions,
		LLMOptions:      e.LLMOptions,
		TTSOptions:      e.TTSOptions,
		PrimaryProvider: providerTag(e.LLM),
	}
	o.resolutions[callID] = res

	o.log.Info("pipeline resolved",
		"call_id", callID,
		"pipeline", name,
		"stt", e.STT,
		"llm", e.LLM,
		"tts", e.TTS,
	)
	return res, nil
}

// SetActive changes the default pipeline for future calls. Calls in
// flight keep their resolved pipeline.
func (o *Orchestrator) SetActive(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[name]; !ok {
		return fmt.Errorf("pipeline: %q not configured", name)
	}
	o.active = name
	return nil
}

// ReleasePipeline closes the call's adapter sessions and drops the cached
// resolution. Best-effort: close failures are logged, never returned.
func (o *Orchestrator) ReleasePipeline(callID string) {
	o.mu.Lock()
	res, ok := o.resolutions[callID]
	delete(o.resolutions, callID)
	o.mu.Unlock()
	if !ok {
		return
	}

	if err := res.STT.CloseCall(callID); err != nil {
		o.log.Warn("close stt session", "call_id", callID, "err", err)
	}
	if err := res.LLM.CloseCall(callID); err != nil {
		o.log.Warn("close llm session", "call_id", callID, "err", err)
	}
	if err := res.TTS.CloseCall(callID); err != nil {
		o.log.Warn("close tts session", "call_id", callID, "err", err)
	}
}

// Close stops every instantiated adapter. Called once at engine shutdown,
// after all calls are released.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key, p := range o.sttByKey {
		if err := p.Stop(); err != nil {
			o.log.Warn("stop stt adapter", "key", key, "err", err)
		}
	}
	for key, p := range o.llmByKey {
		if err := p.Stop(); err != nil {
			o.log.Warn("stop llm adapter", "key", key, "err", err)
		}
	}
	for key, p := range o.ttsByKey {
		if err := p.Stop(); err != nil {
			o.log.Warn("stop tts adapter", "key", key, "err", err)
		}
	}
}

// sttFor returns the shared adapter for key, creating and starting it on
// first use. Caller holds o.mu.
func (o *Orchestrator) sttFor(key string) (stt.Provider, error) {
	if p, ok := o.sttByKey[key]; ok {
		return p, nil
	}
	p, err := o.registry.createSTT(key)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("pipeline: start %s: %w", key, err)
	}
	o.sttByKey[key] = p
	return p, nil
}

func (o *Orchestrator) llmFor(key string) (llm.Provider, error) {
	if p, ok := o.llmByKey[key]; ok {
		return p, nil
	}
	p, err := o.registry.createLLM(key)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("pipeline: start %s: %w", key, err)
	}
	o.llmByKey[key] = p
	return p, nil
}

func (o *Orchestrator) ttsFor(key string) (tts.Provider, error) {
	if p, ok := o.ttsByKey[key]; ok {
		return p, nil
	}
	p, err := o.registry.createTTS(key)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("pipeline: start %s: %w", key, err)
	}
	o.ttsByKey[key] = p
	return p, nil
}

// providerTag strips the role suffix of a key: "openai_llm" → "openai".
func providerTag(key string) string {
	if i := strings.LastIndexByte(key, '_'); i > 0 {
		return key[:i]
	}
	return key
}
