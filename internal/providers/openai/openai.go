// Package openai implements the adapter for the OpenAI Chat Completions
// API. It streams via incremental SSE deltas and requests the final usage
// frame through stream_options.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"unigate/internal/core"
	"unigate/internal/httpclient"
	"unigate/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

func init() {
	providers.RegisterAdapter("openai", New)
}

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// New creates an OpenAI adapter using the shared HTTP client defaults.
func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: httpclient.NewDefault(),
	}
}

// NewWithHTTPClient creates an adapter with a custom HTTP client.
func NewWithHTTPClient(apiKey string, client *http.Client) *Adapter {
	return &Adapter{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: client,
	}
}

// SetBaseURL overrides the API endpoint.
func (a *Adapter) SetBaseURL(url string) {
	a.baseURL = strings.TrimSuffix(url, "/")
}

// Name returns the adapter type.
func (a *Adapter) Name() string {
	return "openai"
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_completion_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type usage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type streamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

func buildRequest(inv providers.Invocation, stream bool) *chatRequest {
	req := &chatRequest{
		Model:    inv.Model,
		Messages: make([]chatMessage, 0, len(inv.History)+2),
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if v, ok := inv.Parameters["temperature"].(float64); ok {
		req.Temperature = &v
	}
	if v, ok := inv.Parameters["top_p"].(float64); ok {
		req.TopP = &v
	}
	switch v := inv.Parameters["max_tokens"].(type) {
	case int:
		req.MaxTokens = &v
	case float64:
		n := int(v)
		req.MaxTokens = &n
	}

	if inv.SystemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: inv.SystemPrompt})
	}
	for _, m := range inv.History {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: inv.UserPrompt})

	return req
}

func (a *Adapter) newHTTPRequest(ctx context.Context, inv providers.Invocation, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewProviderProtocol("openai", "failed to create request", err)
	}

	key := a.apiKey
	if inv.APIKey != "" {
		key = inv.APIKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	return httpReq, nil
}

// Complete performs a buffered chat completion.
func (a *Adapter) Complete(ctx context.Context, inv providers.Invocation) (*core.Result, error) {
	body, err := json.Marshal(buildRequest(inv, false))
	if err != nil {
		return nil, core.NewProviderProtocol("openai", "failed to marshal request", err)
	}

	httpReq, err := a.newHTTPRequest(ctx, inv, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderUnavailable("openai", "failed to send request", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewProviderUnavailable("openai", "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, core.ParseProviderError("openai", resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, core.NewProviderProtocol("openai", "failed to unmarshal response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, core.NewProviderProtocol("openai", "response has no choices", nil)
	}

	return &core.Result{
		Text:            parsed.Choices[0].Message.Content,
		ProviderID:      parsed.ID,
		InputTokens:     parsed.Usage.PromptTokens,
		OutputTokens:    parsed.Usage.CompletionTokens,
		ReasoningTokens: parsed.Usage.CompletionTokensDetails.ReasoningTokens,
		Latency:         time.Since(start),
	}, nil
}

// Stream performs a streaming chat completion. The usage-only frame OpenAI
// sends after the last content chunk supplies the terminal token counts.
func (a *Adapter) Stream(ctx context.Context, inv providers.Invocation) (<-chan core.Chunk, error) {
	body, err := json.Marshal(buildRequest(inv, true))
	if err != nil {
		return nil, core.NewProviderProtocol("openai", "failed to marshal request", err)
	}

	httpReq, err := a.newHTTPRequest(ctx, inv, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderUnavailable("openai", "failed to send request", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		_ = resp.Body.Close() //nolint:errcheck
		return nil, core.ParseProviderError("openai", resp.StatusCode, respBody)
	}

	ch := make(chan core.Chunk, 1)
	go a.relay(ctx, resp.Body, ch)
	return ch, nil
}

func (a *Adapter) relay(ctx context.Context, body io.ReadCloser, ch chan<- core.Chunk) {
	defer close(ch)
	defer func() {
		_ = body.Close() //nolint:errcheck
	}()

	var tokens usage
	terminal := func(err *core.GatewayError) {
		c := core.Chunk{
			Terminal:        true,
			InputTokens:     tokens.PromptTokens,
			OutputTokens:    tokens.CompletionTokens,
			ReasoningTokens: tokens.CompletionTokensDetails.ReasoningTokens,
			Err:             err,
		}
		select {
		case ch <- c:
		case <-ctx.Done():
			select {
			case ch <- c:
			default:
			}
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			terminal(nil)
			return
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

		if bytes.Equal(data, []byte("[DONE]")) {
			terminal(nil)
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			tokens = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		select {
		case ch <- core.Chunk{Delta: delta}:
		case <-ctx.Done():
			terminal(nil)
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		terminal(core.NewProviderUnavailable("openai", "stream interrupted", err))
		return
	}
	terminal(nil)
}
