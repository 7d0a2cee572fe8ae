// Package app wires the companion coordinator runtime: config, logging,
// HTTP routes, and the agent websocket gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benidevo/vega-companion/internal/auth"
	"github.com/benidevo/vega-companion/internal/auth/session"
	"github.com/benidevo/vega-companion/internal/badge"
	"github.com/benidevo/vega-companion/internal/dedup"
	"github.com/benidevo/vega-companion/internal/errclass"
	"github.com/benidevo/vega-companion/internal/fabric"
	"github.com/benidevo/vega-companion/internal/jobs"
	"github.com/benidevo/vega-companion/internal/kvstore"
	"github.com/benidevo/vega-companion/internal/router"
	"github.com/benidevo/vega-companion/internal/telemetry"
)

// Store is a small app-level lifecycle abstraction for DB-backed
// resources.
type Store interface {
	Close(ctx context.Context) error
}

type nopStore struct{}

func (nopStore) Close(context.Context) error { return nil }

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// App is the coordinator runtime: it owns the HTTP server, the agent
// gateway, and the session machinery behind it.
type App struct {
	cfg Config
	log Logger

	store     Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *fabric.Registry
	gateway  *fabric.Gateway
	sessions *session.Manager
	metrics  *telemetry.Metrics
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, kv, err := newKVStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	connRegistry := fabric.NewRegistry(log, cfg.ConnIdleThreshold, cfg.ConnSweepInterval)
	metrics := telemetry.New(connRegistry.ActiveConnectionCount)
	classifier := errclass.NewClassifier(log, metrics)

	launcher := auth.NewLoopbackLauncher(log, cfg.OAuthCallbackAddr)
	providers := auth.NewRegistry(log, providerConfig(cfg), launcher)

	sessions := session.NewManager(log, session.DefaultConfig(), providers, kv, classifier, nil)
	// The registry broadcasts auth-state flips; wired late because both
	// sides exist before either is complete.
	sessions.SetBroadcaster(countedBroadcaster{registry: connRegistry, metrics: metrics})

	jobsClient := jobs.NewClient(log, cfg.BackendURL, nil, sessions, classifier)
	dedupCache := dedup.NewCache(log, cfg.DedupTTL, cfg.DedupMaxEntries)

	indicator := badge.NewLogIndicator(log)
	sessions.OnAuthStateChange(func(isAuthenticated bool) {
		if isAuthenticated {
			indicator.Set(badge.StatusSuccess, "signed in")
			return
		}
		indicator.Clear()
	})

	msgRouter := router.NewRouter(log)
	NewHandlers(log, sessions, providers, jobsClient, dedupCache, classifier, metrics, indicator).Register(msgRouter)

	gateway := fabric.NewGateway(log, connRegistry, msgRouter)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		registry:  connRegistry,
		gateway:   gateway,
		sessions:  sessions,
		metrics:   metrics,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.registry.Run(sweepCtx)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.dbEnabled && a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", a.metrics.Handler())
	mux.Handle("/ws", a.gateway)
}

// newKVStore decides between Postgres-backed persistence and the in-memory
// dev store.
func newKVStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, kvstore.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, kvstore.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	kv, err := kvstore.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store")
	return dbStore{pool: pool}, pool, true, kv, nil
}

// countedBroadcaster counts auth-state broadcasts on their way to the
// registry.
type countedBroadcaster struct {
	registry *fabric.Registry
	metrics  *telemetry.Metrics
}

func (b countedBroadcaster) BroadcastAuthState(isAuthenticated bool) {
	b.metrics.Broadcast()
	b.registry.BroadcastAuthState(isAuthenticated)
}

func providerConfig(cfg Config) auth.RegistryConfig {
	enabled := make([]auth.ProviderType, 0, len(cfg.AuthProviders))
	for _, name := range cfg.AuthProviders {
		enabled = append(enabled, auth.ProviderType(name))
	}

	return auth.RegistryConfig{
		Enabled: enabled,
		Password: auth.PasswordConfig{
			BaseURL: cfg.BackendURL,
		},
		OAuth: auth.OAuthConfig{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			AuthURL:      cfg.OAuthAuthURL,
			TokenURL:     cfg.OAuthTokenURL,
			RedirectURL:  cfg.OAuthRedirectURL,
			UserinfoURL:  cfg.OAuthUserinfoURL,
			Scopes:       cfg.OAuthScopes,
		},
	}
}
