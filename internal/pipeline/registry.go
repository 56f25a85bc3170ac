// Package pipeline resolves configured STT/LLM/TTS pipelines into live
// adapter handles. The Registry maps "<provider>_<role>" keys to factory
// functions; the Orchestrator caches one adapter per key and one
// resolution per call.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
)

// ErrKeyNotRegistered is returned when a pipeline references a key no
// factory serves.
var ErrKeyNotRegistered = errors.New("pipeline: key not registered")

// Role suffixes of pipeline keys.
const (
	RoleSTT = "stt"
	RoleLLM = "llm"
	RoleTTS = "tts"
)

// Registry maps pipeline keys to adapter factories. A factory under the
// wildcard key "*_<role>" serves as a placeholder for any unmatched key of
// that role and is expected to fail with provider.ErrNotImplemented when
// invoked.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]func() (stt.Provider, error)
	llm map[string]func() (llm.Provider, error)
	tts map[string]func() (tts.Provider, error)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]func() (stt.Provider, error)),
		llm: make(map[string]func() (llm.Provider, error)),
		tts: make(map[string]func() (tts.Provider, error)),
	}
}

// RegisterSTT registers an STT factory under key (e.g. "deepgram_stt").
// Subsequent calls with the same key overwrite the previous registration.
func (r *Registry) RegisterSTT(key string, factory func() (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[key] = factory
}

// RegisterLLM registers an LLM factory under key.
func (r *Registry) RegisterLLM(key string, factory func() (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[key] = factory
}

// RegisterTTS registers a TTS factory under key.
func (r *Registry) RegisterTTS(key string, factory func() (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[key] = factory
}

// NotImplementedSTT is a placeholder factory for wildcard STT keys.
func NotImplementedSTT() (stt.Provider, error) {
	return nil, fmt.Errorf("stt: %w", provider.ErrNotImplemented)
}

// NotImplementedLLM is a placeholder factory for wildcard LLM keys.
func NotImplementedLLM() (llm.Provider, error) {
	return nil, fmt.Errorf("llm: %w", provider.ErrNotImplemented)
}

// NotImplementedTTS is a placeholder factory for wildcard TTS keys.
func NotImplementedTTS() (tts.Provider, error) {
	return nil, fmt.Errorf("tts: %w", provider.ErrNotImplemented)
}

// roleOf extracts the role suffix of a pipeline key.
func roleOf(key string) (string, error) {
	i := strings.LastIndexByte(key, '_')
	if i < 0 {
		return "", fmt.Errorf("pipeline: key %q has no _<role> suffix", key)
	}
	role := key[i+1:]
	switch role {
	case RoleSTT, RoleLLM, RoleTTS:
		return role, nil
	}
	return "", fmt.Errorf("pipeline: key %q has unknown role %q", key, role)
}

// Resolves reports whether key is served by an exact or wildcard factory.
func (r *Registry) Resolves(key string) error {
	role, err := roleOf(key)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var ok bool
	switch role {
	case RoleSTT:
		_, ok = r.stt[key]
		if !ok {
			_, ok = r.stt["*_"+RoleSTT]
		}
	case RoleLLM:
		_, ok = r.llm[key]
		if !ok {
			_, ok = r.llm["*_"+RoleLLM]
		}
	case RoleTTS:
		_, ok = r.tts[key]
		if !ok {
			_, ok = r.tts["*_"+RoleTTS]
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotRegistered, key)
	}
	return nil
}

func (r *Registry) createSTT(key string) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[key]
	if !ok {
		factory, ok = r.stt["*_"+RoleSTT]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotRegistered, key)
	}
	return factory()
}

func (r *Registry) createLLM(key string) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[key]
	if !ok {
		factory, ok = r.llm["*_"+RoleLLM]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotRegistered, key)
	}
	return factory()
}

func (r *Registry) createTTS(key string) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[key]
	if !ok {
		factory, ok = r.tts["*_"+RoleTTS]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotRegistered, key)
	}
	return factory()
}
