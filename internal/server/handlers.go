package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"unigate/internal/apikeys"
	"unigate/internal/auth"
	"unigate/internal/core"
	"unigate/internal/dispatch"
	"unigate/internal/providers"
	"unigate/internal/session"
	"unigate/internal/template"
)

// Handler holds the HTTP handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	registry   *providers.Registry
	auth       *auth.Service
	templates  template.Store
	sessions   session.Store
	keys       apikeys.Store
}

// NewHandler creates a handler over the wired collaborators.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		auth:       deps.Auth,
		templates:  deps.Templates,
		sessions:   deps.Sessions,
		keys:       deps.Keys,
	}
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Generate handles POST /api/generate.
func (h *Handler) Generate(c echo.Context) error {
	var req core.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	caller := identity(c)

	if req.Stream {
		stream, err := h.dispatcher.GenerateStream(ctx, caller, &req)
		if err != nil {
			return handleError(c, err)
		}
		return writeStream(c, stream)
	}

	reply, err := h.dispatcher.Generate(ctx, caller, &req)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(c echo.Context) error {
	var req core.ChatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	caller := identity(c)

	if req.Stream {
		stream, err := h.dispatcher.ChatStream(ctx, caller, &req)
		if err != nil {
			return handleError(c, err)
		}
		return writeStream(c, stream)
	}

	reply, err := h.dispatcher.Chat(ctx, caller, &req)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

// Models handles GET /api/models/:provider.
func (h *Handler) Models(c echo.Context) error {
	models, err := h.registry.Models(c.Param("provider"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"provider": c.Param("provider"),
		"models":   models,
	})
}

// ListChats handles GET /api/chats.
func (h *Handler) ListChats(c echo.Context) error {
	chats, err := h.sessions.ListChats(c.Request().Context(), identity(c).ClientID)
	if err != nil {
		return handleError(c, err)
	}
	if chats == nil {
		chats = []session.Chat{}
	}
	return c.JSON(http.StatusOK, chats)
}

// ChatMessages handles GET /api/chat/:id/messages.
func (h *Handler) ChatMessages(c echo.Context) error {
	chat, err := h.ownedChat(c)
	if err != nil {
		return handleError(c, err)
	}

	msgs, err := h.sessions.Messages(c.Request().Context(), chat.ID)
	if err != nil {
		return handleError(c, err)
	}
	if msgs == nil {
		msgs = []session.StoredMessage{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// DeleteChat handles DELETE /api/chat/:id.
func (h *Handler) DeleteChat(c echo.Context) error {
	chat, err := h.ownedChat(c)
	if err != nil {
		return handleError(c, err)
	}
	if err := h.sessions.DeleteChat(c.Request().Context(), chat.ID); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ownedChat resolves the :id path parameter to a chat owned by the caller.
// Foreign chats report not-found, same as the dispatcher.
func (h *Handler) ownedChat(c echo.Context) (*session.Chat, error) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, session.ErrChatNotFound
	}
	chat, err := h.sessions.GetChat(c.Request().Context(), chatID)
	if err != nil {
		return nil, err
	}
	if chat.ClientID != identity(c).ClientID {
		return nil, session.ErrChatNotFound
	}
	return chat, nil
}

// streamEvent is one SSE payload. Deltas carry only text; the final event
// has done=true plus the token counts, the chat id for chat calls, and the
// error when the stream failed.
type streamEvent struct {
	Delta           string         `json:"delta,omitempty"`
	Done            bool           `json:"done,omitempty"`
	InputTokens     int            `json:"inputTokens,omitempty"`
	OutputTokens    int            `json:"outputTokens,omitempty"`
	ReasoningTokens int            `json:"reasoningTokens,omitempty"`
	ChatID          *uuid.UUID     `json:"chatid,omitempty"`
	Error           map[string]any `json:"error,omitempty"`
}

// writeStream relays dispatcher chunks as SSE events. Failures mid-stream
// arrive as the final event rather than a silently closed connection.
func writeStream(c echo.Context, stream *dispatch.Stream) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	for chunk := range stream.Chunks() {
		evt := streamEvent{Delta: chunk.Delta}
		if chunk.Terminal {
			evt.Done = true
			evt.InputTokens = chunk.InputTokens
			evt.OutputTokens = chunk.OutputTokens
			evt.ReasoningTokens = chunk.ReasoningTokens
			evt.ChatID = stream.ChatID()
			if chunk.Err != nil {
				evt.Error = map[string]any{
					"kind":    chunk.Err.Kind,
					"message": chunk.Err.Message,
				}
			}
		}

		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			// Caller is gone; the dispatcher notices via context
			// cancellation and finishes accounting on its own.
			return nil
		}
		res.Flush()
	}
	return nil
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error": map[string]any{"kind": "invalid_request", "message": message},
	})
}

// handleError converts gateway errors to structured HTTP responses.
func handleError(c echo.Context, err error) error {
	if errors.Is(err, session.ErrChatNotFound) {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error": map[string]any{"kind": "chat_not_found", "message": "chat not found"},
		})
	}

	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"kind":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
