package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"unigate/internal/core"
	"unigate/internal/providers"
)

const responseFixture = `{
	"candidates": [{
		"content": {"role": "model", "parts": [{"text": "Bonjour"}, {"text": "!"}]},
		"finishReason": "STOP"
	}],
	"usageMetadata": {"promptTokenCount": 6, "candidatesTokenCount": 3, "thoughtsTokenCount": 1},
	"responseId": "resp-1"
}`

func TestComplete(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(responseFixture))
	}))
	defer server.Close()

	a := New("g-key")
	a.SetBaseURL(server.URL)

	result, err := a.Complete(context.Background(), providers.Invocation{
		Model:        "gemini-2.0-flash",
		SystemPrompt: "translate to french",
		UserPrompt:   "hello",
		History: []core.Message{
			{Role: core.RoleUser, Content: "hi"},
			{Role: core.RoleAssistant, Content: "salut"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if result.Text != "Bonjour!" {
		t.Errorf("unexpected text %q", result.Text)
	}
	if result.InputTokens != 6 || result.OutputTokens != 3 || result.ReasoningTokens != 1 {
		t.Errorf("unexpected tokens %d/%d/%d", result.InputTokens, result.OutputTokens, result.ReasoningTokens)
	}

	if gotReq["systemInstruction"] == nil {
		t.Error("system instruction not forwarded")
	}
	contents := gotReq["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	second := contents[1].(map[string]any)
	if second["role"] != "model" {
		t.Errorf("assistant history should map to model role, got %v", second["role"])
	}
}

func TestStreamSingleTerminalChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(responseFixture))
	}))
	defer server.Close()

	a := New("g-key")
	a.SetBaseURL(server.URL)

	ch, err := a.Stream(context.Background(), providers.Invocation{Model: "gemini-2.0-flash", UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var chunks []core.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if !c.Terminal {
		t.Error("single chunk must be terminal")
	}
	if c.Delta != "Bonjour!" {
		t.Errorf("unexpected delta %q", c.Delta)
	}
	if c.InputTokens != 6 || c.OutputTokens != 3 {
		t.Errorf("unexpected tokens %d/%d", c.InputTokens, c.OutputTokens)
	}
}

func TestStreamFailureBeforeChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"message": "model not found", "status": "NOT_FOUND"}}`))
	}))
	defer server.Close()

	a := New("g-key")
	a.SetBaseURL(server.URL)

	_, err := a.Stream(context.Background(), providers.Invocation{Model: "nope", UserPrompt: "hello"})
	gwErr := core.AsGatewayError(err)
	if gwErr == nil || gwErr.Kind != core.KindProviderRejected {
		t.Fatalf("expected provider_rejected, got %v", err)
	}
}
