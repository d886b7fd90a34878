// Package server is the main orchestrator that ties all components together.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jfld/openclaw-man/api"
	"github.com/jfld/openclaw-man/auth"
	"github.com/jfld/openclaw-man/config"
	"github.com/jfld/openclaw-man/history"
	"github.com/jfld/openclaw-man/relay"
	"github.com/jfld/openclaw-man/store"
)

// Server is the main server process.
type Server struct {
	cfg     *config.Config
	store   store.Store
	history *history.Service
	relay   *relay.Server
	api     *api.Server
	logger  *slog.Logger
}

// New creates a new server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Token verifier; the builtin service also issues tokens.
	verifier, authSvc, err := auth.NewVerifier(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	// Bootstrap (creates the initial admin user for builtin auth).
	if authSvc != nil {
		if err := authSvc.Bootstrap(context.Background()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap auth: %w", err)
		}
	}

	weapp := auth.NewWeappClient(cfg.Auth.WeappAppID, cfg.Auth.WeappSecret)

	hist, err := history.NewService(cfg.History.Directory, cfg.History.MaxRecords)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history: %w", err)
	}

	resolver := relay.NewResolver(db, verifier)
	rly := relay.New(resolver, hist, logger, relay.Options{
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		MaxAgentMsgBytes:    cfg.Relay.MaxAgentMsgBytes,
		MaxOperatorMsgBytes: cfg.Relay.MaxOperatorMsgBytes,
	})

	apiSrv := api.NewServer(db, verifier, authSvc, weapp, hist, rly, cfg, logger)

	srv := &Server{
		cfg:     cfg,
		store:   db,
		history: hist,
		relay:   rly,
		api:     apiSrv,
		logger:  logger.With("component", "server"),
	}

	// Startup validation warnings.
	if authSvc != nil {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
		if weapp.Mock() {
			logger.Warn("weapp app id not configured, mini-program login runs in mock mode")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	s.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = s.store.Close()
		return err
	}
}
