// Package llm wraps the chat-completion provider behind a small
// client interface, with rate limiting, a circuit breaker, and the
// parsing helpers that turn free-form model replies into typed
// pipeline inputs.
package llm

import "context"

// Request is one chat completion.
type Request struct {
	// Kind labels the request in metrics, e.g. "selection" or
	// "generation". Empty means "chat".
	Kind   string
	System string
	Prompt string
	// JSONObject asks the provider for a JSON-object response.
	JSONObject bool
	// MaxTokens overrides the client default when positive.
	MaxTokens int
}

// Client is the completion surface the pipelines consume.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
