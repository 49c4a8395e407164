// Package cache provides the rendered-prompt cache. Template versions are
// immutable once written, so a rendered prompt can be cached by
// (name, version, variables) without invalidation logic. Supports an
// in-memory backend and Redis for multi-instance deployments.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Cache stores rendered prompt text keyed by a template fingerprint.
// Implementations must be safe for concurrent use. A cache miss is not an
// error; callers re-render and Set.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores the value under key.
	Set(ctx context.Context, key, value string) error

	// Close releases any resources held by the cache.
	Close() error
}

// RenderKey fingerprints a render request. Variables are folded in sorted
// order so map iteration does not produce distinct keys for equal inputs.
func RenderKey(name string, version int, vars map[string]string) string {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(version))

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(vars[k])
	}

	return fmt.Sprintf("prompt:%x", h.Sum64())
}
