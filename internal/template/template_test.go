package template

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"unigate/internal/cache"
	"unigate/internal/storage"
)

func testStore(t *testing.T) Store {
	t.Helper()
	s, err := storage.NewSQLite(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("storage setup failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	store, err := NewStore(s)
	if err != nil {
		t.Fatalf("store setup failed: %v", err)
	}
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "greeting", "Hello {{name}}", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("expected version 1, got %d", created.Version)
	}

	got, err := store.Get(ctx, "greeting", 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != "Hello {{name}}" || got.Version != 1 {
		t.Errorf("unexpected template %+v", got)
	}
}

func TestCreateDuplicate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "greeting", "v1", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err := store.Create(ctx, "greeting", "other", nil)
	if !errors.Is(err, ErrTemplateExists) {
		t.Errorf("expected ErrTemplateExists, got %v", err)
	}
}

func TestVersionPinning(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "greeting", "first", nil)

	v2, err := store.AddVersion(ctx, "greeting", "second", nil)
	if err != nil {
		t.Fatalf("AddVersion failed: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("expected version 2, got %d", v2.Version)
	}

	// Latest resolves to the new text.
	latest, _ := store.Get(ctx, "greeting", 0)
	if latest.Text != "second" {
		t.Errorf("latest should be second, got %q", latest.Text)
	}

	// The pinned old version still resolves to the original text.
	pinned, err := store.Get(ctx, "greeting", 1)
	if err != nil {
		t.Fatalf("pinned Get failed: %v", err)
	}
	if pinned.Text != "first" {
		t.Errorf("pinned version rewritten: %q", pinned.Text)
	}
}

func TestAddVersionUnknownName(t *testing.T) {
	store := testStore(t)

	_, err := store.AddVersion(context.Background(), "absent", "text", nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestGetUnknown(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "absent", 0); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound for unknown name, got %v", err)
	}

	store.Create(ctx, "greeting", "text", nil)
	if _, err := store.Get(ctx, "greeting", 99); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound for unknown version, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "a", "x", nil)
	store.Create(ctx, "b", "y", nil)
	store.AddVersion(ctx, "b", "y2", nil)

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(infos))
	}
	if infos[1].Name != "b" || infos[1].LatestVersion != 2 {
		t.Errorf("unexpected listing %+v", infos[1])
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "a"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound on second delete, got %v", err)
	}
}

func TestRender(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "greeting", "Hello {{name}}, welcome to {{org}}", nil)

	r := NewRenderer(store, cache.NewLocalCache(0), "")
	text, version, err := r.Render(ctx, "greeting", 0, map[string]string{
		"name": "Ada",
		"org":  "ACME",
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if text != "Hello Ada, welcome to ACME" {
		t.Errorf("unexpected render %q", text)
	}
	if version != 1 {
		t.Errorf("expected resolved version 1, got %d", version)
	}
}

func TestTenantFieldsRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	fields := map[string]string{"name": "friend", "tone": ""}
	created, err := store.Create(ctx, "greeting", "Hello {{name}}", fields)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.TenantFields["name"] != "friend" {
		t.Errorf("unexpected fields on create: %+v", created.TenantFields)
	}

	got, err := store.Get(ctx, "greeting", 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.TenantFields) != 2 || got.TenantFields["name"] != "friend" || got.TenantFields["tone"] != "" {
		t.Errorf("fields not persisted: %+v", got.TenantFields)
	}
}

func TestTenantFieldsVersioned(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "greeting", "Hello {{name}}", map[string]string{"name": "friend"})
	_, err := store.AddVersion(ctx, "greeting", "Hi {{name}} from {{org}}",
		map[string]string{"name": "pal", "org": "ACME"})
	if err != nil {
		t.Fatalf("AddVersion failed: %v", err)
	}

	// Each version keeps the slots it was declared with.
	pinned, err := store.Get(ctx, "greeting", 1)
	if err != nil {
		t.Fatalf("pinned Get failed: %v", err)
	}
	if len(pinned.TenantFields) != 1 || pinned.TenantFields["name"] != "friend" {
		t.Errorf("pinned version fields rewritten: %+v", pinned.TenantFields)
	}

	latest, _ := store.Get(ctx, "greeting", 0)
	if len(latest.TenantFields) != 2 || latest.TenantFields["org"] != "ACME" {
		t.Errorf("latest version fields wrong: %+v", latest.TenantFields)
	}
}

func TestRenderFieldDefaults(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "greeting", "Hello {{name}}, mood {{tone}}",
		map[string]string{"name": "friend", "tone": ""})

	r := NewRenderer(store, nil, "")

	// Unsupplied slot falls back to its default; a slot without one stays
	// verbatim.
	text, _, err := r.Render(ctx, "greeting", 0, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if text != "Hello friend, mood {{tone}}" {
		t.Errorf("defaults not applied: %q", text)
	}

	// A supplied variable wins over the declared default.
	text, _, err = r.Render(ctx, "greeting", 0, map[string]string{"name": "Ada", "tone": "calm"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if text != "Hello Ada, mood calm" {
		t.Errorf("supplied variables must override defaults: %q", text)
	}
}

func TestRenderKeepsUnknownPlaceholders(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "greeting", "Hello {{name}}", nil)

	r := NewRenderer(store, nil, "")
	text, _, err := r.Render(ctx, "greeting", 0, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if text != "Hello {{name}}" {
		t.Errorf("missing variable should stay verbatim, got %q", text)
	}
}

func TestRenderRootPrompt(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "greeting", "Be concise", nil)

	r := NewRenderer(store, nil, "You are the company assistant.")
	text, _, err := r.Render(ctx, "greeting", 0, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if text != "You are the company assistant.\n\nBe concise" {
		t.Errorf("root prompt not prepended: %q", text)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	store := testStore(t)

	r := NewRenderer(store, nil, "")
	_, _, err := r.Render(context.Background(), "absent", 0, nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestRenderCacheHit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Create(ctx, "greeting", "Hello {{name}}", nil)

	c := cache.NewLocalCache(0)
	r := NewRenderer(store, c, "")

	first, _, err := r.Render(ctx, "greeting", 1, map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	second, _, err := r.Render(ctx, "greeting", 1, map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("cached Render failed: %v", err)
	}
	if first != second {
		t.Errorf("cache returned different text: %q vs %q", first, second)
	}
}
