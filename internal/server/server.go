// Package server wires configuration, the history backend and the HTTP
// surface into a runnable service.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/txn2/chat-session-store/pkg/codec"
	"github.com/txn2/chat-session-store/pkg/config"
	"github.com/txn2/chat-session-store/pkg/database/migrate"
	"github.com/txn2/chat-session-store/pkg/health"
	"github.com/txn2/chat-session-store/pkg/history"
	"github.com/txn2/chat-session-store/pkg/history/postgres"
	redisstore "github.com/txn2/chat-session-store/pkg/history/redis"
	mw "github.com/txn2/chat-session-store/pkg/http"
)

// Version is set at build time.
var Version = "dev"

// startupTimeout bounds backend connection checks during New.
const startupTimeout = 10 * time.Second

// Server serves the session store API over HTTP.
type Server struct {
	cfg     *config.Config
	store   history.Store
	closers []func() error
	checker *health.Checker
	handler http.Handler

	ready chan struct{}
	addr  net.Addr
}

// New opens the configured backend and builds the HTTP handler.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, closers, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	slog.Info("session store opened",
		"backend", cfg.Store.Backend,
		"max_messages", cfg.History.MaxMessages,
		"ttl", cfg.History.TTL.String(),
	)
	return newServer(cfg, store, closers...), nil
}

// NewWithStore serves an already opened store. Close closes it.
func NewWithStore(cfg *config.Config, store history.Store) *Server {
	return newServer(cfg, store)
}

func newServer(cfg *config.Config, store history.Store, closers ...func() error) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		closers: closers,
		checker: health.NewChecker(),
		ready:   make(chan struct{}),
	}
	s.handler = s.routes()
	return s
}

// routes builds the request handler: the session API, health endpoints and
// the middleware chain around them.
func (s *Server) routes() http.Handler {
	api := history.NewHandler(s.store)

	mux := http.NewServeMux()
	mux.Handle("/sessions", api)
	mux.Handle("/sessions/", api)
	mux.Handle("GET /health", health.StoreHandler(s.cfg.Server.Name, s.store))
	mux.Handle("GET /healthz", s.checker.LivenessHandler())
	mux.Handle("GET /readyz", s.checker.ReadinessHandler())

	return mw.Chain(mux, mw.RequestID(), mw.AccessLog(), mw.Recover())
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store returns the history backend.
func (s *Server) Store() history.Store {
	return s.store
}

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address. Only valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then marks the service
// as draining and waits up to the shutdown timeout for in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Address, err)
	}
	s.addr = listener.Addr()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}

	serveDone := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg := s.cfg.Server.TLS; tlsCfg.Enabled {
			err = srv.ServeTLS(listener, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	s.checker.SetReady()
	close(s.ready)
	slog.Info("http server listening", "address", s.addr.String(), "version", Version)

	select {
	case <-ctx.Done():
		slog.Info("http server shutting down")
	case err := <-serveDone:
		s.checker.SetDraining()
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	}

	s.checker.SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}

	slog.Info("http server stopped")
	return nil
}

// Close releases the store and any connections opened for it.
func (s *Server) Close() error {
	errs := []error{s.store.Close()}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStore builds the backend named by cfg.Store.Backend. The returned
// closers release resources the store does not own.
func openStore(ctx context.Context, cfg *config.Config) (history.Store, []func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		store := history.NewMemoryStore(cfg.HistoryOptions())
		store.StartCleanupRoutine(cfg.History.CleanupInterval)
		return store, nil, nil
	case config.BackendRedis:
		store, err := openRedis(ctx, cfg)
		return store, nil, err
	case config.BackendPostgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openRedis(ctx context.Context, cfg *config.Config) (history.Store, error) {
	c, err := codec.New(cfg.Store.Codec)
	if err != nil {
		return nil, err
	}

	client := redisstore.NewClient(redisstore.ClientConfig{
		Host:               cfg.Redis.Host,
		Port:               cfg.Redis.Port,
		Username:           cfg.Redis.Username,
		Password:           cfg.Redis.Password,
		DB:                 cfg.Redis.DB,
		TLS:                cfg.Redis.TLSEnabled(),
		InsecureSkipVerify: cfg.Redis.InsecureSkipVerify,
		PoolSize:           cfg.Redis.PoolSize,
		MaxRetries:         cfg.Redis.MaxRetries,
		DialTimeout:        cfg.Redis.DialTimeout,
		ReadTimeout:        cfg.History.OpTimeout,
		WriteTimeout:       cfg.History.OpTimeout,
	})
	store := redisstore.New(client, redisstore.Config{
		Options:   cfg.HistoryOptions(),
		KeyPrefix: cfg.Store.KeyPrefix,
		Codec:     c,
	})

	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connecting to redis at %s:%d: %w", cfg.Redis.Host, cfg.Redis.Port, err)
	}

	slog.Info("connected to redis",
		"host", cfg.Redis.Host,
		"port", cfg.Redis.Port,
		"tls", cfg.Redis.TLSEnabled(),
		"codec", c.Name(),
	)
	return store, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (history.Store, []func() error, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}

	store := postgres.New(db, postgres.Config{
		Options:    cfg.HistoryOptions(),
		MaxRetries: cfg.Database.MaxRetries,
	})
	store.StartCleanupRoutine(cfg.History.CleanupInterval)

	slog.Info("connected to postgres", "max_open_conns", cfg.Database.MaxOpenConns)
	return store, []func() error{db.Close}, nil
}
