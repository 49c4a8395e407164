package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"unigate/internal/core"
	"unigate/internal/providers"
)

func TestComplete(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_01",
			"content": [{"type": "text", "text": "Hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer server.Close()

	a := New("test-key")
	a.SetBaseURL(server.URL)

	result, err := a.Complete(context.Background(), providers.Invocation{
		Model:        "claude-sonnet-4-0",
		SystemPrompt: "be brief",
		UserPrompt:   "hi",
		Parameters:   map[string]any{"temperature": 0.5, "max_tokens": 100},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if result.Text != "Hello there" {
		t.Errorf("unexpected text %q", result.Text)
	}
	if result.InputTokens != 12 || result.OutputTokens != 4 {
		t.Errorf("unexpected tokens %d/%d", result.InputTokens, result.OutputTokens)
	}
	if result.ProviderID != "msg_01" {
		t.Errorf("unexpected provider id %q", result.ProviderID)
	}

	if gotReq["system"] != "be brief" {
		t.Errorf("system prompt not forwarded: %v", gotReq["system"])
	}
	if gotReq["max_tokens"].(float64) != 100 {
		t.Errorf("max_tokens not forwarded: %v", gotReq["max_tokens"])
	}
	msgs := gotReq["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestCompleteHistoryMapping(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"id":"m","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer server.Close()

	a := New("k")
	a.SetBaseURL(server.URL)

	_, err := a.Complete(context.Background(), providers.Invocation{
		Model:      "claude-sonnet-4-0",
		UserPrompt: "next",
		History: []core.Message{
			{Role: core.RoleUser, Content: "first"},
			{Role: core.RoleAssistant, Content: "reply"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	msgs := gotReq["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	last := msgs[2].(map[string]any)
	if last["role"] != "user" || last["content"] != "next" {
		t.Errorf("unexpected final message: %v", last)
	}
}

func TestCompleteRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "bad model"}}`))
	}))
	defer server.Close()

	a := New("k")
	a.SetBaseURL(server.URL)

	_, err := a.Complete(context.Background(), providers.Invocation{Model: "bogus", UserPrompt: "hi"})
	gwErr := core.AsGatewayError(err)
	if gwErr == nil {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.Kind != core.KindProviderRejected {
		t.Errorf("expected provider_rejected, got %s", gwErr.Kind)
	}
	if gwErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 passthrough, got %d", gwErr.StatusCode)
	}
}

func TestCompleteRateLimitRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "slow down"}}`))
	}))
	defer server.Close()

	a := New("k")
	a.SetBaseURL(server.URL)

	_, err := a.Complete(context.Background(), providers.Invocation{Model: "m", UserPrompt: "hi"})
	gwErr := core.AsGatewayError(err)
	if gwErr == nil || !gwErr.Retryable() {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

const streamFixture = `event: message_start
data: {"type":"message_start","message":{"id":"msg_02","usage":{"input_tokens":9,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}

event: message_stop
data: {"type":"message_stop"}

`

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Error("expected stream=true in request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(streamFixture))
	}))
	defer server.Close()

	a := New("k")
	a.SetBaseURL(server.URL)

	ch, err := a.Stream(context.Background(), providers.Invocation{Model: "m", UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var text string
	var terminal core.Chunk
	var sawTerminal bool
	for chunk := range ch {
		if chunk.Terminal {
			sawTerminal = true
			terminal = chunk
		} else {
			text += chunk.Delta
		}
	}

	if !sawTerminal {
		t.Fatal("no terminal chunk")
	}
	if text != "Hello" {
		t.Errorf("unexpected accumulated text %q", text)
	}
	if terminal.InputTokens != 9 || terminal.OutputTokens != 2 {
		t.Errorf("unexpected terminal tokens %d/%d", terminal.InputTokens, terminal.OutputTokens)
	}
	if terminal.Err != nil {
		t.Errorf("unexpected terminal error: %v", terminal.Err)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"error\",\"error\":{\"message\":\"overloaded\"}}\n\n"))
	}))
	defer server.Close()

	a := New("k")
	a.SetBaseURL(server.URL)

	ch, err := a.Stream(context.Background(), providers.Invocation{Model: "m", UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var terminal core.Chunk
	for chunk := range ch {
		terminal = chunk
	}
	if !terminal.Terminal {
		t.Fatal("expected terminal chunk")
	}
	if terminal.Err == nil || terminal.Err.Kind != core.KindProviderProtocol {
		t.Errorf("expected protocol error on terminal chunk, got %v", terminal.Err)
	}
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"message_start\",\"message\":{\"id\":\"m\",\"usage\":{\"input_tokens\":5}}}\n\n"))
		w.Write([]byte("data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	a := New("k")
	a.SetBaseURL(server.URL)

	ch, err := a.Stream(ctx, providers.Invocation{Model: "m", UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	first := <-ch
	if first.Delta != "partial" {
		t.Fatalf("unexpected first chunk %+v", first)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return // closed after terminal, done
			}
			if chunk.Terminal {
				if chunk.InputTokens != 5 {
					t.Errorf("expected partial input tokens on terminal chunk, got %d", chunk.InputTokens)
				}
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}

func TestStreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"message": "down"}}`))
	}))
	defer server.Close()

	a := New("k")
	a.SetBaseURL(server.URL)

	_, err := a.Stream(context.Background(), providers.Invocation{Model: "m", UserPrompt: "hi"})
	gwErr := core.AsGatewayError(err)
	if gwErr == nil || gwErr.Kind != core.KindProviderUnavailable {
		t.Fatalf("expected provider_unavailable before stream start, got %v", err)
	}
}

func TestPerRequestAPIKey(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.Write([]byte(`{"id":"m","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer server.Close()

	a := New("gateway-key")
	a.SetBaseURL(server.URL)

	_, err := a.Complete(context.Background(), providers.Invocation{
		Model:      "m",
		UserPrompt: "hi",
		APIKey:     "client-key",
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if gotKey != "client-key" {
		t.Errorf("expected client key override, got %q", gotKey)
	}
}
