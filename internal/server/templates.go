package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"unigate/internal/template"
)

type templateRequest struct {
	Name string `json:"name"`
	Text string `json:"text"`

	// TenantFields declares the template's variable slots: slot name to
	// default value, empty for slots without one.
	TenantFields map[string]string `json:"tenant_fields"`
}

// CreateTemplate handles POST /api/template. Duplicate names conflict; use
// PUT to add a version.
func (h *Handler) CreateTemplate(c echo.Context) error {
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" || req.Text == "" {
		return badRequest(c, "name and text are required")
	}

	tpl, err := h.templates.Create(c.Request().Context(), req.Name, req.Text, req.TenantFields)
	if errors.Is(err, template.ErrTemplateExists) {
		return c.JSON(http.StatusConflict, map[string]any{
			"error": map[string]any{"kind": "conflict", "message": "template already exists"},
		})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusCreated, tpl)
}

// UpdateTemplate handles PUT /api/template/:name. A new immutable version
// is appended; requests pinned to older versions are unaffected.
func (h *Handler) UpdateTemplate(c echo.Context) error {
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Text == "" {
		return badRequest(c, "text is required")
	}

	tpl, err := h.templates.AddVersion(c.Request().Context(), c.Param("name"), req.Text, req.TenantFields)
	if errors.Is(err, template.ErrTemplateNotFound) {
		return templateNotFound(c)
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, tpl)
}

// GetTemplate handles GET /api/template/:name. The optional version query
// parameter pins a specific version; absent means latest.
func (h *Handler) GetTemplate(c echo.Context) error {
	version := 0
	if raw := c.QueryParam("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return badRequest(c, "version must be a positive integer")
		}
		version = v
	}

	tpl, err := h.templates.Get(c.Request().Context(), c.Param("name"), version)
	if errors.Is(err, template.ErrTemplateNotFound) {
		return templateNotFound(c)
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, tpl)
}

// ListTemplates handles GET /api/templates.
func (h *Handler) ListTemplates(c echo.Context) error {
	infos, err := h.templates.List(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	if infos == nil {
		infos = []template.Info{}
	}
	return c.JSON(http.StatusOK, infos)
}

// DeleteTemplate handles DELETE /api/template/:name. Removes all versions.
func (h *Handler) DeleteTemplate(c echo.Context) error {
	err := h.templates.Delete(c.Request().Context(), c.Param("name"))
	if errors.Is(err, template.ErrTemplateNotFound) {
		return templateNotFound(c)
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func templateNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]any{
		"error": map[string]any{"kind": "template_not_found", "message": "template not found"},
	})
}
