package cache

import (
	"context"
	"testing"
	"time"
)

func TestLocalCacheRoundTrip(t *testing.T) {
	c := NewLocalCache(0)
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown key")
	}

	if err := c.Set(ctx, "k", "rendered text"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || val != "rendered text" {
		t.Errorf("expected hit with value, got ok=%v val=%q", ok, val)
	}
}

func TestLocalCacheExpiry(t *testing.T) {
	c := NewLocalCache(10 * time.Millisecond)
	ctx := context.Background()

	c.Set(ctx, "k", "v")
	time.Sleep(30 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestRenderKeyDeterministic(t *testing.T) {
	a := RenderKey("greeting", 2, map[string]string{"name": "Ada", "org": "ACME"})
	b := RenderKey("greeting", 2, map[string]string{"org": "ACME", "name": "Ada"})
	if a != b {
		t.Errorf("equal inputs produced different keys: %s vs %s", a, b)
	}
}

func TestRenderKeyDistinguishes(t *testing.T) {
	base := RenderKey("greeting", 2, map[string]string{"name": "Ada"})

	if RenderKey("greeting", 3, map[string]string{"name": "Ada"}) == base {
		t.Error("different versions must produce different keys")
	}
	if RenderKey("farewell", 2, map[string]string{"name": "Ada"}) == base {
		t.Error("different names must produce different keys")
	}
	if RenderKey("greeting", 2, map[string]string{"name": "Bob"}) == base {
		t.Error("different variables must produce different keys")
	}
}
