package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/api"
	"github.com/JakeFAU/metadata-inventory/internal/clock/system"
	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/id/uuid"
	"github.com/JakeFAU/metadata-inventory/internal/publisher"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
)

// API is the assembled producer process.
type API struct {
	cfg    config.Config
	logger *zap.Logger
	srv    *http.Server
	pub    publisher.Publisher
	repo   repository.Repository
}

// BuildAPI wires the publisher, the record store, and the HTTP server.
// Connect failures surface here so the process can exit non-zero at startup.
func BuildAPI(ctx context.Context, cfg config.Config, logger *zap.Logger) (*API, error) {
	pub, err := setupPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	repo, err := setupRepository(ctx, cfg, logger)
	if err != nil {
		if closeErr := pub.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("publisher_close_failed", zap.Error(closeErr))
		}
		return nil, err
	}

	server := api.NewServer(pub, repo, uuid.New(), system.New(), cfg.API, logger.Named("api"))
	return &API{
		cfg:    cfg,
		logger: logger,
		pub:    pub,
		repo:   repo,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.API.Port),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run serves HTTP until ctx is canceled, then shuts everything down.
func (a *API) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http_server_started", zap.Int("port", a.cfg.API.Port))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("shutdown_initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http_server_shutdown_failed", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases the publisher and the store.
func (a *API) Close(ctx context.Context) error {
	if err := a.pub.Close(ctx); err != nil {
		a.logger.Warn("publisher_close_failed", zap.Error(err))
	}
	if err := a.repo.Close(ctx); err != nil {
		a.logger.Warn("store_close_failed", zap.Error(err))
	}
	a.logger.Info("shutdown_complete")
	return nil
}
