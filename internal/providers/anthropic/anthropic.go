// Package anthropic implements the adapter for the Anthropic Messages API.
// It streams via incremental SSE deltas.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"unigate/internal/core"
	"unigate/internal/httpclient"
	"unigate/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	defaultMaxTokens = 4096
)

func init() {
	providers.RegisterAdapter("anthropic", New)
}

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// New creates an Anthropic adapter using the shared HTTP client defaults.
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
	return "anthropic"
}

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	System      string    `json:"system,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildRequest maps the canonical invocation onto the Messages API shape.
// System-role history lands in the system field; roles Anthropic does not
// know are sent as user turns.
func buildRequest(inv providers.Invocation, stream bool) *messagesRequest {
	req := &messagesRequest{
		Model:     inv.Model,
		Messages:  make([]message, 0, len(inv.History)+1),
		MaxTokens: defaultMaxTokens,
		System:    inv.SystemPrompt,
		Stream:    stream,
	}

	if v, ok := floatParam(inv.Parameters, "temperature"); ok {
		req.Temperature = &v
	}
	if v, ok := floatParam(inv.Parameters, "top_p"); ok {
		req.TopP = &v
	}
	if v, ok := intParam(inv.Parameters, "max_tokens"); ok {
		req.MaxTokens = v
	}

	for _, m := range inv.History {
		switch m.Role {
		case core.RoleSystem:
			if req.System == "" {
				req.System = m.Content
			} else {
				req.System += "\n\n" + m.Content
			}
		case core.RoleAssistant:
			req.Messages = append(req.Messages, message{Role: "assistant", Content: m.Content})
		default:
			req.Messages = append(req.Messages, message{Role: "user", Content: m.Content})
		}
	}

	req.Messages = append(req.Messages, message{Role: "user", Content: inv.UserPrompt})
	return req
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (a *Adapter) newHTTPRequest(ctx context.Context, inv providers.Invocation, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewProviderProtocol("anthropic", "failed to create request", err)
	}

	key := a.apiKey
	if inv.APIKey != "" {
		key = inv.APIKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// Complete performs a buffered Messages call.
func (a *Adapter) Complete(ctx context.Context, inv providers.Invocation) (*core.Result, error) {
	body, err := json.Marshal(buildRequest(inv, false))
	if err != nil {
		return nil, core.NewProviderProtocol("anthropic", "failed to marshal request", err)
	}

	httpReq, err := a.newHTTPRequest(ctx, inv, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderUnavailable("anthropic", "failed to send request", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewProviderUnavailable("anthropic", "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, core.ParseProviderError("anthropic", resp.StatusCode, respBody)
	}

	text := gjson.GetBytes(respBody, "content.0.text")
	if !text.Exists() {
		return nil, core.NewProviderProtocol("anthropic", "response has no text content", nil)
	}

	return &core.Result{
		Text:         text.String(),
		ProviderID:   gjson.GetBytes(respBody, "id").String(),
		InputTokens:  int(gjson.GetBytes(respBody, "usage.input_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(respBody, "usage.output_tokens").Int()),
		Latency:      time.Since(start),
	}, nil
}

// Stream performs a streaming Messages call. Token counts arrive split
// across message_start (input) and message_delta (output); both land on the
// terminal chunk.
func (a *Adapter) Stream(ctx context.Context, inv providers.Invocation) (<-chan core.Chunk, error) {
	body, err := json.Marshal(buildRequest(inv, true))
	if err != nil {
		return nil, core.NewProviderProtocol("anthropic", "failed to marshal request", err)
	}

	httpReq, err := a.newHTTPRequest(ctx, inv, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderUnavailable("anthropic", "failed to send request", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		_ = resp.Body.Close() //nolint:errcheck
		return nil, core.ParseProviderError("anthropic", resp.StatusCode, respBody)
	}

	ch := make(chan core.Chunk, 1)
	go a.relay(ctx, resp.Body, ch)
	return ch, nil
}

// relay reads the SSE stream and forwards deltas until message_stop, ctx
// cancellation or a transport error. It always emits a terminal chunk and
// closes the channel.
func (a *Adapter) relay(ctx context.Context, body io.ReadCloser, ch chan<- core.Chunk) {
	defer close(ch)
	defer func() {
		_ = body.Close() //nolint:errcheck
	}()

	var inputTokens, outputTokens int
	terminal := func(err *core.GatewayError) {
		c := core.Chunk{
			Terminal:     true,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Err:          err,
		}
		select {
		case ch <- c:
		case <-ctx.Done():
			// Consumer may already be gone; the buffered slot keeps this
			// from blocking forever.
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

		switch gjson.GetBytes(data, "type").String() {
		case "message_start":
			inputTokens = int(gjson.GetBytes(data, "message.usage.input_tokens").Int())

		case "content_block_delta":
			delta := gjson.GetBytes(data, "delta.text").String()
			if delta == "" {
				continue
			}
			select {
			case ch <- core.Chunk{Delta: delta}:
			case <-ctx.Done():
				terminal(nil)
				return
			}

		case "message_delta":
			if u := gjson.GetBytes(data, "usage.output_tokens"); u.Exists() {
				outputTokens = int(u.Int())
			}

		case "message_stop":
			terminal(nil)
			return

		case "error":
			msg := gjson.GetBytes(data, "error.message").String()
			terminal(core.NewProviderProtocol("anthropic", "stream error: "+msg, nil))
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		terminal(core.NewProviderUnavailable("anthropic", "stream interrupted", err))
		return
	}
	// EOF without message_stop still terminates the sequence.
	terminal(nil)
}
