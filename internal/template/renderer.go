package template

import (
	"context"
	"io"
	"log/slog"

	"github.com/valyala/fasttemplate"

	"unigate/internal/cache"
)

// Placeholder delimiters, e.g. "Hello {{name}}".
const (
	startTag = "{{"
	endTag   = "}}"
)

// Renderer resolves a template reference to its final text. Rendered output
// is cached by (name, resolved version, variables); versions are immutable
// so cached entries never go stale.
type Renderer struct {
	store      Store
	cache      cache.Cache
	rootPrompt string
}

// NewRenderer creates a renderer. cache may be nil to disable caching;
// rootPrompt, when non-empty, is prepended to every rendered template.
func NewRenderer(store Store, c cache.Cache, rootPrompt string) *Renderer {
	return &Renderer{store: store, cache: c, rootPrompt: rootPrompt}
}

// Render resolves the named template at the given version (<= 0 for
// latest), substitutes the variables and returns the text together with the
// version actually used. An unsupplied variable falls back to the default
// declared on the template's slot; placeholders with neither a value nor a
// default are kept verbatim so the omission is visible instead of silently
// blank.
func (r *Renderer) Render(ctx context.Context, name string, version int, vars map[string]string) (string, int, error) {
	tpl, err := r.store.Get(ctx, name, version)
	if err != nil {
		return "", 0, err
	}

	key := cache.RenderKey(name, tpl.Version, vars)
	if r.cache != nil {
		if cached, ok, cerr := r.cache.Get(ctx, key); cerr == nil && ok {
			return cached, tpl.Version, nil
		} else if cerr != nil {
			slog.Warn("prompt cache read failed", "template", name, "error", cerr)
		}
	}

	rendered := fasttemplate.ExecuteFuncString(tpl.Text, startTag, endTag,
		func(w io.Writer, tag string) (int, error) {
			if v, ok := vars[tag]; ok {
				return w.Write([]byte(v))
			}
			if def, ok := tpl.TenantFields[tag]; ok && def != "" {
				return w.Write([]byte(def))
			}
			return w.Write([]byte(startTag + tag + endTag))
		})

	if r.rootPrompt != "" {
		rendered = r.rootPrompt + "\n\n" + rendered
	}

	if r.cache != nil {
		if cerr := r.cache.Set(ctx, key, rendered); cerr != nil {
			slog.Warn("prompt cache write failed", "template", name, "error", cerr)
		}
	}

	return rendered, tpl.Version, nil
}
