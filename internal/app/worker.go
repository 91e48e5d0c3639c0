package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/broker"
	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/fetcher/httpclient"
	"github.com/JakeFAU/metadata-inventory/internal/metrics"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
	"github.com/JakeFAU/metadata-inventory/internal/worker"
)

// Worker is the assembled consumer process.
type Worker struct {
	cfg      config.Config
	logger   *zap.Logger
	consumer *broker.Consumer
	repo     repository.Repository
	loop     *worker.Worker
	metrics  *http.Server
}

// BuildWorker wires the store, the fetcher, the broker consumer, and the
// consume loop. The worker always talks to the real broker; only the store
// backend is selectable.
func BuildWorker(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Worker, error) {
	repo, err := setupRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	consumer := broker.NewConsumer(cfg.Broker, broker.Dial, logger.Named("consumer"))
	if err := consumer.Connect(ctx); err != nil {
		if closeErr := repo.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("store_close_failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("consumer connect: %w", err)
	}

	fetch := httpclient.New(cfg.Fetch)
	proc := worker.NewProcessor(repo, fetch, cfg.Worker, logger.Named("processor"))
	loop := worker.New(consumer, proc, logger.Named("worker"))

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Worker{
		cfg:      cfg,
		logger:   logger,
		consumer: consumer,
		repo:     repo,
		loop:     loop,
		metrics: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run consumes until ctx is canceled, then waits up to the shutdown grace
// for the in-flight delivery before closing broker then store.
func (w *Worker) Run(ctx context.Context) error {
	go func() {
		w.logger.Info("metrics_server_started", zap.Int("port", w.cfg.Worker.MetricsPort))
		if err := w.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("metrics_server_error", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.loop.Run(ctx); err != nil {
			w.logger.Error("worker_loop_error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	w.logger.Info("shutdown_initiated")

	select {
	case <-done:
	case <-time.After(w.cfg.Worker.ShutdownGrace()):
		// The broker will redeliver anything still unacked.
		w.logger.Warn("shutdown_grace_exceeded")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.metrics.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn("metrics_server_shutdown_failed", zap.Error(err))
	}
	return w.Close(shutdownCtx)
}

// Close releases the broker consumer and the store, in that order.
func (w *Worker) Close(ctx context.Context) error {
	if err := w.consumer.Close(ctx); err != nil {
		w.logger.Warn("consumer_close_failed", zap.Error(err))
	}
	if err := w.repo.Close(ctx); err != nil {
		w.logger.Warn("store_close_failed", zap.Error(err))
	}
	w.logger.Info("shutdown_complete")
	return nil
}
