package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mkarpov/booksync/internal/db"
	"github.com/mkarpov/booksync/internal/handlers"
	"github.com/mkarpov/booksync/internal/logger"
	"github.com/mkarpov/booksync/internal/metrics"
	"github.com/mkarpov/booksync/internal/provider"
	"github.com/mkarpov/booksync/internal/repository"
	"github.com/mkarpov/booksync/internal/repository/memory"
	"github.com/mkarpov/booksync/internal/repository/postgres"
	"github.com/mkarpov/booksync/internal/service/books"
	"github.com/mkarpov/booksync/internal/service/connection"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Initialize repositories. Connections live in postgres when a DSN is
	// given, otherwise in memory. Anti-forgery states are short-lived and
	// always kept in memory.
	var connRepo repository.ConnectionRepo = memory.NewConnectionRepo()
	if c.DatabaseDSN != "" {
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		connRepo = &postgres.ConnectionRepo{DB: pool}
	} else {
		log.Warn("No database configured, connections will not survive restarts")
	}
	stateRepo := memory.NewStateRepo(connection.StateTTL())

	// Initialize provider client and services
	providerClient := provider.NewClient(provider.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      c.AuthURL,
		TokenURL:     c.TokenURL,
		RevokeURL:    c.RevokeURL,
		Scope:        c.Scope,
	}, log)

	m := metrics.New()

	connService, err := connection.NewService(
		connection.Config{
			RedirectURI: c.RedirectURI,
			Environment: c.ProviderEnvironment,
		},
		providerClient,
		connRepo,
		stateRepo,
		log,
		m,
	)
	if err != nil {
		return nil, fmt.Errorf("error while creating connection service. Err: %w", err)
	}

	booksClient := books.NewClient(c.APIBaseURL, connService, log)

	mux := handlers.NewRouter(
		connService,
		booksClient,
		c.FrontendURL,
		m.Handler(),
		log,
	)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    mux,
		logger:     log,
	}, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err == context.DeadlineExceeded {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}
