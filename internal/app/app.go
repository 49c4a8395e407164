// Package app wires the gateway's components together and manages their
// lifecycle: storage connections, the provider registry, the dispatcher and
// the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"unigate/config"
	"unigate/internal/apikeys"
	"unigate/internal/auth"
	"unigate/internal/cache"
	"unigate/internal/dispatch"
	"unigate/internal/observability"
	"unigate/internal/providers"
	"unigate/internal/server"
	"unigate/internal/session"
	"unigate/internal/storage"
	"unigate/internal/template"
	"unigate/internal/usage"
)

// App holds the wired gateway. The caller must call Shutdown to flush the
// usage buffer and release connections.
type App struct {
	config       *config.Config
	storage      storage.Storage
	usageStorage storage.Storage
	cache        cache.Cache
	recorder     usage.Recorder
	server       *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New initializes every component in dependency order. A failure rolls back
// what was already opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("UNIGATE_JWT_SECRET must be set")
	}
	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured; serving management endpoints only")
	}

	app := &App{config: cfg}

	if err := app.initStorage(ctx, cfg); err != nil {
		return nil, err
	}

	registry, err := providers.BuildRegistry(cfg.Providers)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to build provider registry: %w", err), app.closeStorage())
	}

	sessions, err := session.NewStore(app.storage)
	if err != nil {
		return nil, errors.Join(err, app.closeStorage())
	}
	templates, err := template.NewStore(app.storage)
	if err != nil {
		return nil, errors.Join(err, app.closeStorage())
	}
	clients, err := auth.NewClientStore(app.storage)
	if err != nil {
		return nil, errors.Join(err, app.closeStorage())
	}
	keys, err := apikeys.NewStore(app.storage)
	if err != nil {
		return nil, errors.Join(err, app.closeStorage())
	}

	if err := app.initCache(cfg); err != nil {
		return nil, errors.Join(err, app.closeStorage())
	}

	recorder, err := usage.Init(app.usageStorage, usage.Config{
		Enabled:       cfg.Usage.Enabled,
		BufferSize:    cfg.Usage.BufferSize,
		FlushInterval: cfg.Usage.FlushInterval,
		RetentionDays: cfg.Usage.RetentionDays,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize usage recording: %w", err), app.closeCache(), app.closeStorage())
	}
	app.recorder = recorder

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.New(prometheus.DefaultRegisterer)
	}

	authSvc, err := auth.NewService(clients, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, errors.Join(err, app.closeAll())
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Registry: registry,
		Renderer: template.NewRenderer(templates, app.cache, cfg.Dispatch.RootPrompt),
		Sessions: sessions,
		Recorder: recorder,
		Keys:     apikeys.NewResolver(keys),
		Metrics:  metrics,
		Config:   cfg.Dispatch,
	})
	if err != nil {
		return nil, errors.Join(err, app.closeAll())
	}

	app.server = server.New(server.Deps{
		Dispatcher: dispatcher,
		Registry:   registry,
		Auth:       authSvc,
		Templates:  templates,
		Sessions:   sessions,
		Keys:       keys,
	}, cfg)

	app.logStartupInfo(registry)
	return app, nil
}

// initStorage opens the primary connection. The mongodb type selects the
// backend for usage rows only; conversational state is relational and then
// lands in the embedded sqlite database.
func (a *App) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Type == storage.TypeMongoDB {
		mongoStore, err := storage.New(ctx, storage.Config{
			Type: storage.TypeMongoDB,
			MongoDB: storage.MongoDBConfig{
				URL:      cfg.Storage.MongoURL,
				Database: cfg.Storage.MongoDatabase,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		primary, err := storage.New(ctx, storage.Config{
			Type:   storage.TypeSQLite,
			SQLite: storage.SQLiteConfig{Path: cfg.Storage.SQLitePath},
		})
		if err != nil {
			return errors.Join(fmt.Errorf("failed to open sqlite storage: %w", err), mongoStore.Close())
		}
		a.storage = primary
		a.usageStorage = mongoStore
		return nil
	}

	primary, err := storage.New(ctx, storage.FromConfig(cfg.Storage))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.storage = primary
	a.usageStorage = primary
	return nil
}

func (a *App) initCache(cfg *config.Config) error {
	if cfg.Cache.Backend == "redis" {
		c, err := cache.NewRedisCache(cache.RedisConfig{
			URL: cfg.Cache.RedisURL,
			TTL: cfg.Cache.TTL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		a.cache = c
		return nil
	}
	a.cache = cache.NewLocalCache(cfg.Cache.TTL)
	return nil
}

// Start starts the HTTP server. Blocks until the server stops.
func (a *App) Start() error {
	addr := ":" + a.config.Server.Port
	if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// Shutdown tears down the app: server first so no new requests arrive, then
// the usage recorder so its buffer is flushed, then cache and storage.
// Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("usage recorder close: %w", err))
		}
	}
	errs = append(errs, a.closeCache(), a.closeStorage())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func (a *App) closeAll() error {
	var recorderErr error
	if a.recorder != nil {
		recorderErr = a.recorder.Close()
	}
	return errors.Join(recorderErr, a.closeCache(), a.closeStorage())
}

func (a *App) closeCache() error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Close()
}

func (a *App) closeStorage() error {
	var errs []error
	if a.usageStorage != nil && a.usageStorage != a.storage {
		errs = append(errs, a.usageStorage.Close())
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
	}
	return errors.Join(errs...)
}

func (a *App) logStartupInfo(registry *providers.Registry) {
	cfg := a.config

	slog.Info("storage configured", "type", cfg.Storage.Type)
	slog.Info("providers registered",
		"providers", registry.Providers(),
		"models", registry.ModelCount())
	slog.Info("prompt cache configured", "backend", cfg.Cache.Backend, "ttl", cfg.Cache.TTL)

	if cfg.Usage.Enabled {
		slog.Info("usage recording enabled",
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays)
	} else {
		slog.Info("usage recording disabled")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}
	if cfg.Dispatch.RootPrompt != "" {
		slog.Info("root prompt configured", "length", len(cfg.Dispatch.RootPrompt))
	}
}
