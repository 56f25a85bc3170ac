// Package llm defines the Provider interface for language model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Ollama, a
// webhook) and exposes one operation: given the caller's transcript and the
// rolling conversation history, produce the agent's reply.
//
// Implementations must be safe for concurrent use across call IDs.
package llm

import (
	"context"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

// Message is one entry of the conversation context handed to the model.
// Role is "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	provider.Lifecycle

	// Generate produces the reply to transcript given the conversation
	// history (the transcript is already the last user message of history).
	// An empty completion returns provider.ErrEmptyResponse.
	Generate(ctx context.Context, callID, transcript string, history []Message) (string, error)
}
