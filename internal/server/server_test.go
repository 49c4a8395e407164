package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"unigate/config"
	"unigate/internal/apikeys"
	"unigate/internal/auth"
	"unigate/internal/core"
	"unigate/internal/dispatch"
	"unigate/internal/providers"
	"unigate/internal/session"
	"unigate/internal/storage"
	"unigate/internal/template"
	"unigate/internal/usage"
)

type fakeAdapter struct {
	result *core.Result
	chunks []core.Chunk
}

func (f *fakeAdapter) Name() string { return "alpha" }

func (f *fakeAdapter) Complete(_ context.Context, _ providers.Invocation) (*core.Result, error) {
	return f.result, nil
}

func (f *fakeAdapter) Stream(_ context.Context, _ providers.Invocation) (<-chan core.Chunk, error) {
	ch := make(chan core.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fixture struct {
	srv   *Server
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.NewSQLite(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("storage setup failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sessions, err := session.NewStore(s)
	if err != nil {
		t.Fatal(err)
	}
	templates, err := template.NewStore(s)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := apikeys.NewStore(s)
	if err != nil {
		t.Fatal(err)
	}
	clients, err := auth.NewClientStore(s)
	if err != nil {
		t.Fatal(err)
	}
	authSvc, err := auth.NewService(clients, "test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{
		result: &core.Result{Text: "pong", InputTokens: 2, OutputTokens: 1},
		chunks: []core.Chunk{
			{Delta: "po"},
			{Delta: "ng"},
			{Terminal: true, InputTokens: 2, OutputTokens: 1},
		},
	}
	registry := providers.NewRegistry(
		map[string]providers.Adapter{"alpha": adapter},
		map[string][]providers.ModelInfo{"alpha": {{Name: "small", SupportsStreaming: true}}},
	)

	dispatcher, err := dispatch.New(dispatch.Options{
		Registry: registry,
		Renderer: template.NewRenderer(templates, nil, ""),
		Sessions: sessions,
		Recorder: usage.NoopRecorder{},
		Keys:     apikeys.NewResolver(keys),
		Config: config.DispatchConfig{
			ProviderTimeout:           time.Minute,
			RecordPreProviderFailures: true,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	srv := New(Deps{
		Dispatcher: dispatcher,
		Registry:   registry,
		Auth:       authSvc,
		Templates:  templates,
		Sessions:   sessions,
		Keys:       keys,
	}, cfg)

	fx := &fixture{srv: srv}
	fx.signup(t, "tester@example.com", "hunter2")
	return fx
}

func (fx *fixture) signup(t *testing.T, email, password string) {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":%q}`, email, password)
	rec := fx.do(t, http.MethodPost, "/api/signup", body, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodPost, "/api/token", body, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("token returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	fx.token = resp.Token
}

func (fx *fixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+fx.token)
	}
	rec := httptest.NewRecorder()
	fx.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("health returned %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/generate", `{"provider":"alpha","model":"small"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token returned %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Basic abc")
	w := httptest.NewRecorder()
	fx.srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme returned %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	fx.srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("forged token returned %d", w.Code)
	}
}

func TestSignupConflictAndBadLogin(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/signup", `{"email":"tester@example.com","password":"other"}`, false)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate signup returned %d", rec.Code)
	}

	rec = fx.do(t, http.MethodPost, "/api/token", `{"email":"tester@example.com","password":"wrong"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login returned %d", rec.Code)
	}
}

func TestGenerate(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/generate",
		`{"provider":"alpha","model":"small","userPrompt":"ping"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate returned %d: %s", rec.Code, rec.Body.String())
	}

	var reply core.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Text != "pong" || reply.InputTokens != 2 || reply.OutputTokens != 1 {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestGenerateUnknownModel(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/generate",
		`{"provider":"alpha","model":"huge"}`, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown model returned %d", rec.Code)
	}
	var resp struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Kind != string(core.KindUnknownModel) {
		t.Errorf("unexpected error kind %q", resp.Error.Kind)
	}
}

func TestGenerateStreamSSE(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/generate",
		`{"provider":"alpha","model":"small","stream":true,"userPrompt":"ping"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("unexpected content type %q", ct)
	}

	var text string
	var sawDone bool
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Delta        string `json:"delta"`
			Done         bool   `json:"done"`
			InputTokens  int    `json:"inputTokens"`
			OutputTokens int    `json:"outputTokens"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		text += evt.Delta
		if evt.Done {
			sawDone = true
			if evt.InputTokens != 2 || evt.OutputTokens != 1 {
				t.Errorf("terminal event missing tokens: %+v", evt)
			}
		}
	}
	if text != "pong" {
		t.Errorf("accumulated %q", text)
	}
	if !sawDone {
		t.Error("no terminal event seen")
	}
}

func TestChatRoundTrip(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/chat",
		`{"provider":"alpha","model":"small","userPrompt":"hello"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat returned %d: %s", rec.Code, rec.Body.String())
	}
	var reply core.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.ChatID == nil {
		t.Fatal("chat reply missing chat id")
	}

	rec = fx.do(t, http.MethodGet, "/api/chat/"+reply.ChatID.String()+"/messages", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages returned %d: %s", rec.Code, rec.Body.String())
	}
	var msgs []session.StoredMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "pong" {
		t.Errorf("unexpected messages: %+v", msgs)
	}

	// A different client sees the chat as missing.
	other := &fixture{srv: fx.srv}
	other.signup(t, "intruder@example.com", "pw")
	rec = other.do(t, http.MethodGet, "/api/chat/"+reply.ChatID.String()+"/messages", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign chat returned %d", rec.Code)
	}
}

func TestModels(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/models/alpha", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("models returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "small") {
		t.Errorf("model listing missing model: %s", rec.Body.String())
	}

	rec = fx.do(t, http.MethodGet, "/api/models/nope", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider returned %d", rec.Code)
	}
}

func TestTemplateCRUD(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/template",
		`{"name":"support","text":"Hello {{name}}","tenant_fields":{"name":"friend"}}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodPost, "/api/template",
		`{"name":"support","text":"other"}`, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create returned %d", rec.Code)
	}

	rec = fx.do(t, http.MethodPut, "/api/template/support", `{"text":"v2 text"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("update returned %d: %s", rec.Code, rec.Body.String())
	}
	var tpl template.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &tpl); err != nil {
		t.Fatal(err)
	}
	if tpl.Version != 2 {
		t.Errorf("expected version 2, got %d", tpl.Version)
	}

	// Pinned read still resolves the original text.
	rec = fx.do(t, http.MethodGet, "/api/template/support?version=1", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("pinned get returned %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tpl); err != nil {
		t.Fatal(err)
	}
	if tpl.Text != "Hello {{name}}" {
		t.Errorf("pinned version changed: %q", tpl.Text)
	}
	if tpl.TenantFields["name"] != "friend" {
		t.Errorf("pinned version lost its declared slots: %+v", tpl.TenantFields)
	}

	rec = fx.do(t, http.MethodPut, "/api/template/ghost", `{"text":"x"}`, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("update of unknown template returned %d", rec.Code)
	}

	rec = fx.do(t, http.MethodDelete, "/api/template/support", "", true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete returned %d", rec.Code)
	}
	rec = fx.do(t, http.MethodGet, "/api/template/support", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete returned %d", rec.Code)
	}
}

func TestAPIKeyCRUD(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPut, "/api/keys/alpha", `{"secret":"sk-client-12345678"}`, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set key returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodPut, "/api/keys/nope", `{"secret":"x"}`, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("set key for unknown provider returned %d", rec.Code)
	}

	rec = fx.do(t, http.MethodGet, "/api/keys", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list keys returned %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-client-12345678") {
		t.Error("listing leaked the full secret")
	}
	if !strings.Contains(rec.Body.String(), "5678") {
		t.Errorf("listing missing masked tail: %s", rec.Body.String())
	}

	rec = fx.do(t, http.MethodDelete, "/api/keys/alpha", "", true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete key returned %d", rec.Code)
	}
	rec = fx.do(t, http.MethodDelete, "/api/keys/alpha", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete returned %d", rec.Code)
	}
}
