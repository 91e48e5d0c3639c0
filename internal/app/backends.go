// Package app builds and runs the two processes of the service: the
// producer API and the queue worker.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/broker"
	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/publisher"
	pubMemory "github.com/JakeFAU/metadata-inventory/internal/publisher/memory"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
	repoMemory "github.com/JakeFAU/metadata-inventory/internal/repository/memory"
	mongoRepo "github.com/JakeFAU/metadata-inventory/internal/repository/mongo"
)

func setupPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisher.Publisher, error) {
	var pub publisher.Publisher
	switch cfg.Broker.PublisherBackend {
	case config.BackendMemory:
		logger.Info("using in-memory publisher backend")
		pub = pubMemory.New(cfg.Broker.QueueMaxLength)
	default:
		pub = broker.NewPublisher(cfg.Broker, broker.Dial, logger.Named("publisher"))
	}
	if err := pub.Connect(ctx); err != nil {
		return nil, fmt.Errorf("publisher connect: %w", err)
	}
	return pub, nil
}

func setupRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.Repository, error) {
	if cfg.Store.Backend == config.BackendMemory {
		logger.Info("using in-memory repository backend")
		return repoMemory.New(), nil
	}
	repo, err := mongoRepo.Connect(ctx, cfg.Store, mongoConnectOptions(cfg.Broker), logger.Named("mongo"))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return repo, nil
}

// mongoConnectOptions reuses the broker's connect schedule for the store so a
// single set of knobs governs startup patience for both dependencies.
func mongoConnectOptions(b config.BrokerConfig) mongoRepo.ConnectOptions {
	return mongoRepo.ConnectOptions{
		Attempts: b.MaxConnectionAttempts,
		Delay:    b.InitialBackoff(),
		MaxDelay: b.MaxBackoff(),
	}
}
