// Package gemini implements the adapter for the Google Gemini native API.
// The generateContent endpoint is buffered only; Stream performs the same
// call and delivers the whole reply as a single terminal chunk, so the
// dispatcher can treat this provider like any streaming one.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"unigate/internal/core"
	"unigate/internal/httpclient"
	"unigate/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

func init() {
	providers.RegisterAdapter("gemini", New)
}

// Adapter implements providers.Adapter for Gemini.
type Adapter struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// New creates a Gemini adapter using the shared HTTP client defaults.
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
	return "gemini"
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
	ResponseID string `json:"responseId"`
}

func buildRequest(inv providers.Invocation) *generateRequest {
	req := &generateRequest{
		Contents: make([]content, 0, len(inv.History)+1),
	}

	if inv.SystemPrompt != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: inv.SystemPrompt}}}
	}

	var cfg generationConfig
	var hasCfg bool
	if v, ok := inv.Parameters["temperature"].(float64); ok {
		cfg.Temperature = &v
		hasCfg = true
	}
	if v, ok := inv.Parameters["top_p"].(float64); ok {
		cfg.TopP = &v
		hasCfg = true
	}
	switch v := inv.Parameters["max_tokens"].(type) {
	case int:
		cfg.MaxOutputTokens = &v
		hasCfg = true
	case float64:
		n := int(v)
		cfg.MaxOutputTokens = &n
		hasCfg = true
	}
	if hasCfg {
		req.GenerationConfig = &cfg
	}

	for _, m := range inv.History {
		// Gemini only knows user and model roles in contents.
		role := "user"
		if m.Role == core.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	req.Contents = append(req.Contents, content{Role: "user", Parts: []part{{Text: inv.UserPrompt}}})

	return req
}

// Complete performs a generateContent call.
func (a *Adapter) Complete(ctx context.Context, inv providers.Invocation) (*core.Result, error) {
	body, err := json.Marshal(buildRequest(inv))
	if err != nil {
		return nil, core.NewProviderProtocol("gemini", "failed to marshal request", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, inv.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewProviderProtocol("gemini", "failed to create request", err)
	}

	key := a.apiKey
	if inv.APIKey != "" {
		key = inv.APIKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderUnavailable("gemini", "failed to send request", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewProviderUnavailable("gemini", "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, core.ParseProviderError("gemini", resp.StatusCode, respBody)
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, core.NewProviderProtocol("gemini", "failed to unmarshal response", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, core.NewProviderProtocol("gemini", "response has no candidates", nil)
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	return &core.Result{
		Text:            text.String(),
		ProviderID:      parsed.ResponseID,
		InputTokens:     parsed.UsageMetadata.PromptTokenCount,
		OutputTokens:    parsed.UsageMetadata.CandidatesTokenCount,
		ReasoningTokens: parsed.UsageMetadata.ThoughtsTokenCount,
		Latency:         time.Since(start),
	}, nil
}

// Stream satisfies the adapter contract for a provider that cannot stream:
// it runs the buffered call and emits one terminal chunk carrying the full
// text and token counts. A pre-call failure is returned directly; a failure
// after the channel exists cannot happen because there is no open stream.
func (a *Adapter) Stream(ctx context.Context, inv providers.Invocation) (<-chan core.Chunk, error) {
	result, err := a.Complete(ctx, inv)
	if err != nil {
		return nil, err
	}

	ch := make(chan core.Chunk, 1)
	ch <- core.Chunk{
		Delta:           result.Text,
		Terminal:        true,
		InputTokens:     result.InputTokens,
		OutputTokens:    result.OutputTokens,
		ReasoningTokens: result.ReasoningTokens,
	}
	close(ch)
	return ch, nil
}
