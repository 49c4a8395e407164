package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"unigate/internal/apikeys"
)

type setKeyRequest struct {
	Secret string `json:"secret"`
}

// maskedKey is the listing shape; the stored secret never leaves the
// gateway in full.
type maskedKey struct {
	Provider string `json:"provider"`
	Secret   string `json:"secret"`
}

// SetKey handles PUT /api/keys/:provider. The provider must be registered;
// storing a key for an unknown provider is rejected up front.
func (h *Handler) SetKey(c echo.Context) error {
	var req setKeyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Secret == "" {
		return badRequest(c, "secret is required")
	}

	provider := c.Param("provider")
	if _, err := h.registry.Models(provider); err != nil {
		return handleError(c, err)
	}

	if err := h.keys.Set(c.Request().Context(), identity(c).ClientID, provider, req.Secret); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListKeys handles GET /api/keys. Secrets are masked.
func (h *Handler) ListKeys(c echo.Context) error {
	keys, err := h.keys.List(c.Request().Context(), identity(c).ClientID)
	if err != nil {
		return handleError(c, err)
	}

	masked := make([]maskedKey, len(keys))
	for i, k := range keys {
		masked[i] = maskedKey{Provider: k.Provider, Secret: k.Masked()}
	}
	return c.JSON(http.StatusOK, masked)
}

// DeleteKey handles DELETE /api/keys/:provider.
func (h *Handler) DeleteKey(c echo.Context) error {
	err := h.keys.Delete(c.Request().Context(), identity(c).ClientID, c.Param("provider"))
	if errors.Is(err, apikeys.ErrKeyNotFound) {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error": map[string]any{"kind": "key_not_found", "message": "no key stored for provider"},
		})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
