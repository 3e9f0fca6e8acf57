package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Stream sends one turn to the model and returns a channel of incremental
	// deltas. The channel is closed after a DeltaStop or DeltaError delta, or
	// when ctx is cancelled.
	Stream(ctx context.Context, req *Request) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	ThinkingBudget int
	Temperature    float32
}

// Send delivers d on ch unless ctx is done first. It reports whether the
// delta was delivered.
func Send(ctx context.Context, ch chan<- Delta, d Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
