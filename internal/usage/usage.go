// Package usage records one append-only row per gateway call. Entries are
// audit facts: written exactly once, never mutated, whether the call
// streamed, buffered, failed or was cancelled mid-stream.
package usage

import (
	"context"
	"time"
)

// Store defines the interface for usage storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries. Called by the Recorder when
	// flushing its buffer.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces pending writes to complete. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources and flushes pending writes.
	Close() error
}

// Entry is a single usage record.
type Entry struct {
	// ID is a unique identifier for this entry (UUID).
	ID string `json:"id" bson:"_id"`

	// RequestID is the gateway request id (X-Request-ID).
	RequestID string `json:"request_id" bson:"request_id"`

	// ProviderID is the provider's own response id, when reported.
	ProviderID string `json:"provider_id,omitempty" bson:"provider_id,omitempty"`

	// Timestamp is when the request finished.
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// ClientID identifies the authenticated caller.
	ClientID string `json:"client_id" bson:"client_id"`

	Provider string `json:"provider" bson:"provider"`
	Model    string `json:"model" bson:"model"`

	// IsClientKey is true when the call used the caller's own provider
	// API key rather than the gateway key.
	IsClientKey bool `json:"is_client_key" bson:"is_client_key"`

	// Streamed is true for streaming-mode calls.
	Streamed bool `json:"streamed" bson:"streamed"`

	InputTokens     int `json:"input_tokens" bson:"input_tokens"`
	OutputTokens    int `json:"output_tokens" bson:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens" bson:"reasoning_tokens"`
	TotalTokens     int `json:"total_tokens" bson:"total_tokens"`

	LatencyMs int64 `json:"latency_ms" bson:"latency_ms"`

	// Success is false for any failed or cancelled call; ErrorMessage then
	// carries the reason.
	Success      bool   `json:"success" bson:"success"`
	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`

	// TemplateName and TemplateVersion record the prompt template version
	// actually used, so template edits never obscure what a past request
	// was rendered with.
	TemplateName    string `json:"template_name,omitempty" bson:"template_name,omitempty"`
	TemplateVersion int    `json:"template_version,omitempty" bson:"template_version,omitempty"`

	// Costs in USD derived from the registry's per-model pricing.
	InputCost  float64 `json:"input_cost" bson:"input_cost"`
	OutputCost float64 `json:"output_cost" bson:"output_cost"`
	TotalCost  float64 `json:"total_cost" bson:"total_cost"`
}

// SetCosts derives dollar costs from per-million-token prices. Zero prices
// leave the costs at zero.
func (e *Entry) SetCosts(inputPerMTok, outputPerMTok float64) {
	e.InputCost = float64(e.InputTokens) / 1e6 * inputPerMTok
	e.OutputCost = float64(e.OutputTokens) / 1e6 * outputPerMTok
	e.TotalCost = e.InputCost + e.OutputCost
}

// Config holds usage recording configuration.
type Config struct {
	// Enabled controls whether usage recording is active.
	Enabled bool

	// BufferSize is the number of entries held in memory; when the buffer
	// is full new entries are dropped with a warning.
	BufferSize int

	// FlushInterval is how often buffered entries are flushed.
	FlushInterval time.Duration

	// RetentionDays is how long to keep usage data (0 = forever).
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}

// BatchFlushThreshold is the batch size that triggers an immediate flush
// without waiting for the timer.
const BatchFlushThreshold = 100
