package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"unigate/internal/auth"
)

const identityKey = "caller-identity"

// AuthMiddleware verifies the Bearer JWT and stores the caller identity in
// the echo context.
func AuthMiddleware(svc *auth.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return unauthorized(c, "missing authorization header")
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return unauthorized(c, "invalid authorization header format, expected 'Bearer <token>'")
			}

			ident, err := svc.VerifyToken(strings.TrimPrefix(header, prefix))
			if err != nil {
				return unauthorized(c, "invalid or expired token")
			}

			c.Set(identityKey, ident)
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{
		"error": map[string]any{
			"kind":    "unauthorized",
			"message": message,
		},
	})
}

// identity returns the authenticated caller, nil when the middleware did
// not run.
func identity(c echo.Context) *auth.Identity {
	ident, _ := c.Get(identityKey).(*auth.Identity)
	return ident
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup handles POST /api/signup.
func (h *Handler) Signup(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return badRequest(c, "email and password are required")
	}

	client, err := h.auth.Signup(c.Request().Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrEmailTaken) {
		return c.JSON(http.StatusConflict, map[string]any{
			"error": map[string]any{"kind": "conflict", "message": "email is already registered"},
		})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusCreated, client)
}

// Token handles POST /api/token.
func (h *Handler) Token(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	token, _, err := h.auth.Login(c.Request().Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return unauthorized(c, "invalid credentials")
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}
