// Package server provides the HTTP transport: request routing, JWT
// verification, SSE streaming relay and the mapping from gateway errors to
// response codes.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unigate/config"
	"unigate/internal/apikeys"
	"unigate/internal/auth"
	"unigate/internal/core"
	"unigate/internal/dispatch"
	"unigate/internal/providers"
	"unigate/internal/session"
	"unigate/internal/template"
)

// Server wraps the Echo server.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Deps collects everything the handlers need.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *providers.Registry
	Auth       *auth.Service
	Templates  template.Store
	Sessions   session.Store
	Keys       apikeys.Store
}

// New builds the HTTP server with the full middleware stack and routes.
func New(deps Deps, cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(deps)

	e.Use(middleware.RequestID())
	e.Use(requestContext())
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.BodyLimit(strconv.FormatInt(cfg.Server.BodySizeLimit, 10)))

	// Public routes.
	e.GET("/health", handler.Health)
	if cfg.Metrics.Enabled {
		metricsPath := "/metrics"
		if cfg.Metrics.Endpoint != "" {
			metricsPath = path.Clean(cfg.Metrics.Endpoint)
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}
	e.POST("/api/signup", handler.Signup)
	e.POST("/api/token", handler.Token)

	// Everything else requires a valid caller token.
	api := e.Group("/api", AuthMiddleware(deps.Auth))
	api.POST("/generate", handler.Generate)
	api.POST("/chat", handler.Chat)
	api.GET("/models/:provider", handler.Models)

	api.GET("/chats", handler.ListChats)
	api.GET("/chat/:id/messages", handler.ChatMessages)
	api.DELETE("/chat/:id", handler.DeleteChat)

	api.POST("/template", handler.CreateTemplate)
	api.PUT("/template/:name", handler.UpdateTemplate)
	api.GET("/template/:name", handler.GetTemplate)
	api.GET("/templates", handler.ListTemplates)
	api.DELETE("/template/:name", handler.DeleteTemplate)

	api.PUT("/keys/:provider", handler.SetKey)
	api.GET("/keys", handler.ListKeys)
	api.DELETE("/keys/:provider", handler.DeleteKey)

	return &Server{echo: e, handler: handler}
}

// requestContext propagates the middleware-assigned request id into the
// request context so the dispatcher can stamp it on the usage row.
func requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), requestID)))
			return next(c)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		},
	})
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	slog.Info("http server listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler so the server can be driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// ShutdownTimeout bounds graceful shutdown at process exit.
const ShutdownTimeout = 10 * time.Second
