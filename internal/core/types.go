// Package core defines the canonical request/response types and the error
// taxonomy shared by the dispatcher, the provider adapters and the HTTP layer.
package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single turn in a conversation. Content is immutable once
// persisted; the session store never updates a written message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemPromptRef names a stored prompt template plus the tenant variables to
// render it with. Version 0 means "current version"; the dispatcher records
// the version actually used so later edits never rewrite history.
type SystemPromptRef struct {
	TemplateName string            `json:"template_name"`
	Version      int               `json:"version,omitempty"`
	Tenants      map[string]string `json:"tenants,omitempty"`
}

// GenerateRequest is the provider-agnostic one-shot generation request.
// An empty UserPrompt is permitted and forwarded as-is.
type GenerateRequest struct {
	Provider           string           `json:"provider"`
	Model              string           `json:"model"`
	Stream             bool             `json:"stream,omitempty"`
	UserPrompt         string           `json:"userPrompt"`
	SystemPrompt       *SystemPromptRef `json:"systemPrompt,omitempty"`
	ClientSystemPrompt string           `json:"clientSystemPrompt,omitempty"`
	Parameters         map[string]any   `json:"parameters,omitempty"`
}

// ChatRequest is a GenerateRequest bound to a persisted conversation.
// A nil ChatID starts a new chat; the response echoes the id used.
type ChatRequest struct {
	GenerateRequest
	ChatID *uuid.UUID `json:"chatid"`
}

// Reply is the buffered response returned to the caller.
type Reply struct {
	Text            string     `json:"text"`
	InputTokens     int        `json:"inputTokens"`
	OutputTokens    int        `json:"outputTokens"`
	ReasoningTokens int        `json:"reasoningTokens"`
	LatencyMs       float64    `json:"latencyMs"`
	ChatID          *uuid.UUID `json:"chatid,omitempty"`
}

// Result is what a provider adapter returns for a buffered completion.
// ReasoningTokens is 0 when the provider does not report them.
type Result struct {
	Text            string
	ProviderID      string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	Latency         time.Duration
}

// Chunk is one unit of a streamed response. The last chunk of every stream
// carries Terminal=true, even on upstream truncation or failure; token counts
// and Err are only meaningful on the terminal chunk.
type Chunk struct {
	Delta           string
	Terminal        bool
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	Err             *GatewayError
}

// Usage aggregates the token counts reported by a provider.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
}
