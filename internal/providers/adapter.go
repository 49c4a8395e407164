// Package providers defines the adapter contract and the registry that maps
// (provider, model) pairs to adapter instances.
package providers

import (
	"context"

	"unigate/internal/core"
)

// Invocation is the canonical request handed to an adapter. The dispatcher
// builds it after template rendering and history loading; adapters only
// translate it to their vendor's wire format.
type Invocation struct {
	// Model is the vendor model name, already validated by the registry.
	Model string

	// SystemPrompt is the fully merged system prompt. Empty means none.
	SystemPrompt string

	// UserPrompt is the new user turn.
	UserPrompt string

	// History holds the prior conversation turns, oldest first. Empty for
	// single-shot generate calls.
	History []core.Message

	// Parameters is an open configuration map (temperature, max_tokens and
	// friends). Adapters pass through keys they recognize and drop the
	// rest; unknown keys are never fatal.
	Parameters map[string]any

	// APIKey overrides the adapter's configured key when the caller
	// supplied their own. Empty means use the gateway key.
	APIKey string
}

// Adapter translates canonical invocations to one vendor's protocol.
//
// Stream returns a lazy, finite channel of chunks. The last chunk always has
// Terminal set, even on upstream truncation, and carries the final token
// counts when the provider reports them. A mid-stream failure is delivered
// as a terminal chunk with Err set. When ctx is cancelled the adapter stops
// reading from the vendor, emits its terminal chunk and closes the channel.
// The channel is closed after the terminal chunk in all cases.
type Adapter interface {
	// Name returns the adapter type, e.g. "anthropic".
	Name() string

	// Complete performs a buffered call and returns the full result.
	Complete(ctx context.Context, inv Invocation) (*core.Result, error)

	// Stream performs a streaming call. The returned error covers failures
	// before the stream is established; later failures arrive in-band.
	Stream(ctx context.Context, inv Invocation) (<-chan core.Chunk, error)
}
