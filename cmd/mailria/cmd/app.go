package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Mailria/mailria/internal/adapter/inbound/http"
	"github.com/Mailria/mailria/internal/adapter/outbound/api"
	"github.com/Mailria/mailria/internal/adapter/outbound/memory"
	"github.com/Mailria/mailria/internal/adapter/outbound/redisstore"
	"github.com/Mailria/mailria/internal/adapter/outbound/sqlitestore"
	"github.com/Mailria/mailria/internal/adapter/outbound/state"
	"github.com/Mailria/mailria/internal/config"
	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/service"
)

// app holds the components shared by every command. One app is one
// context: it owns a context ID, a storage view and a session Manager.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	contextID string

	backend   storage.Backend
	kv        *storage.SafeStorage
	marker    *storage.SafeStorage
	navigator *http.PendingNavigator
	notices   *http.FlashNotifier
	manager   *session.Manager
	client    *api.Client
	login     *service.LoginService

	registry  *prometheus.Registry
	metrics   *observability.Metrics
	telemetry *observability.Telemetry

	closers []func() error
}

// newLogger builds the stderr logger. DevMode always forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newApp wires storage, the session Manager and the API client, then
// hydrates the session.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		contextID: uuid.NewString(),
		navigator: http.NewPendingNavigator(),
		notices:   http.NewFlashNotifier(),
		registry:  prometheus.NewRegistry(),
	}
	a.metrics = observability.NewMetrics(a.registry)

	backend, closeBackend, err := openBackend(cfg, a.contextID, logger)
	if err != nil {
		return nil, err
	}
	if closeBackend != nil {
		a.closers = append(a.closers, closeBackend)
	}
	a.backend = backend
	a.kv = storage.NewSafeStorage(backend, logger.With("component", "storage"))
	// The login-time marker is scoped to this process.
	a.marker = storage.NewSafeStorage(nil, logger.With("component", "marker"))

	a.manager = session.NewManager(a.kv, a.navigator,
		session.WithLoginRoute(cfg.Session.LoginRoute),
		session.WithLogger(logger.With("component", "session")),
	)

	telemetry, err := observability.SetupTelemetry(observability.TelemetryConfig{
		Enabled:        cfg.Tracing.Enabled,
		MetricInterval: cfg.Tracing.MetricIntervalDuration(),
		ServiceVersion: Version,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	a.telemetry = telemetry
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.API.TimeoutDuration())
		defer cancel()
		return telemetry.Shutdown(ctx)
	})

	opts := []api.Option{
		api.WithTimeout(cfg.API.TimeoutDuration()),
		api.WithLogger(logger.With("component", "api")),
		api.WithMetrics(a.metrics),
		api.WithTracerProvider(telemetry.TracerProvider),
		api.WithMeterProvider(telemetry.MeterProvider),
	}
	if locker, ok := a.kv.Backend().(storage.Locker); ok {
		opts = append(opts, api.WithLocker(locker))
	}
	client, err := api.NewClient(cfg.API.BaseURL, a.manager, opts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create api client: %w", err)
	}
	a.client = client
	a.login = service.NewLoginService(a.manager, client, a.marker, logger.With("component", "login"), a.metrics)

	a.manager.Hydrate()
	a.metrics.SetSessionActive(a.manager.Snapshot().LoggedIn())
	logger.Debug("context ready",
		"context_id", a.contextID,
		"backend", cfg.Storage.Backend,
		"durable", a.kv.Durable(),
	)
	return a, nil
}

// watcher returns the change feed of the durable backend, if it has one.
func (a *app) watcher() (storage.Watcher, bool) {
	w, ok := a.kv.Backend().(storage.Watcher)
	return w, ok
}

// Close releases the backend and flushes telemetry. Errors are joined.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openBackend builds the durable backend selected by storage.backend.
// The returned close function may be nil.
func openBackend(cfg *config.Config, contextID string, logger *slog.Logger) (storage.Backend, func() error, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case config.BackendFile:
		fs, err := state.NewFileStore(sc.Dir, contextID, logger.With("component", "file_store"))
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			DB:       sc.RedisDB,
			Password: sc.RedisPassword,
		})
		store := redisstore.New(rdb, sc.Namespace, contextID,
			redisstore.WithTimeout(cfg.API.TimeoutDuration()),
			redisstore.WithLogger(logger.With("component", "redis_store")),
		)
		return store, rdb.Close, nil

	case config.BackendSQLite:
		if err := os.MkdirAll(sc.Dir, 0700); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		store, err := sqlitestore.Open(sc.SQLitePath, contextID,
			sqlitestore.WithPollInterval(sc.PollIntervalDuration()),
			sqlitestore.WithLogger(logger.With("component", "sqlite_store")),
		)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.BackendMemory:
		return memory.NewStore().View(contextID), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// withApp loads config, builds an app, runs fn and closes the app.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Debug("loaded config", "file", configFile)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	return fn(a)
}
