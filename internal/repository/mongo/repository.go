// Package mongo implements the metadata repository on MongoDB. Every write
// is an upsert keyed on the canonical URL, guarded by a unique index, so the
// at-least-once pipeline can replay any step without duplicating records.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/metadata"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
)

const pingTimeout = 10 * time.Second

// ConnectOptions bounds the dial-and-ping retry loop.
type ConnectOptions struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Repository persists metadata records in a MongoDB collection.
type Repository struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// Connect dials MongoDB with retries, verifies the connection with a ping,
// and ensures the indexes the pipeline relies on.
func Connect(ctx context.Context, cfg config.StoreConfig, opts ConnectOptions, logger *zap.Logger) (*Repository, error) {
	var client *mongo.Client
	err := retry.Do(
		func() error {
			c, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
			if err != nil {
				return fmt.Errorf("connect mongo: %w", err)
			}
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if err := c.Ping(pingCtx, nil); err != nil {
				_ = c.Disconnect(ctx)
				return fmt.Errorf("ping mongo: %w", err)
			}
			client = c
			return nil
		},
		retry.Attempts(uint(opts.Attempts)),
		retry.Delay(opts.Delay),
		retry.MaxDelay(opts.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("mongo_connect_attempt", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		logger:     logger,
	}
	if err := r.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.Info("mongo_connected",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection),
	)
	return r, nil
}

// EnsureIndexes creates the unique URL index and the created_at index.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "url", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_metadata_url"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_metadata_created_at"),
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// EnsurePending creates the record in PENDING if it does not exist. A
// duplicate key error means another writer inserted it first, which is the
// state this call wants anyway.
func (r *Repository) EnsurePending(ctx context.Context, url, requestID string) error {
	now := time.Now().UTC()
	opts := options.Update().SetUpsert(true)
	_, err := r.collection.UpdateOne(ctx, bson.M{"url": url}, ensurePendingUpdate(url, requestID, now), opts)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("ensure pending %q: %w", url, err)
	}
	return nil
}

// MarkInProgress claims the record for one attempt with a single
// find-and-modify that skips terminal records, so a redelivered message can
// never resurrect a COMPLETED or FAILED_PERMANENT record.
func (r *Repository) MarkInProgress(ctx context.Context, url, requestID string) (int, bool, error) {
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var rec metadata.Record
	err := r.collection.FindOneAndUpdate(ctx, claimFilter(url), claimUpdate(requestID, now), opts).Decode(&rec)
	if err == nil {
		return rec.Processing.AttemptNumber, false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, fmt.Errorf("claim %q: %w", url, err)
	}

	// No claim: the record is either terminal or gone.
	existing, err := r.Get(ctx, url)
	if err != nil {
		return 0, false, err
	}
	if existing.Status.Terminal() {
		return existing.Processing.AttemptNumber, true, nil
	}
	return 0, false, fmt.Errorf("claim %q: record changed concurrently", url)
}

// MarkCompleted stores the page and moves the record to COMPLETED.
func (r *Repository) MarkCompleted(ctx context.Context, url, requestID string, page metadata.Page) error {
	now := time.Now().UTC()
	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, bson.M{"url": url}, completedUpdate(url, page, requestID, now), opts); err != nil {
		return fmt.Errorf("mark completed %q: %w", url, err)
	}
	return nil
}

// MarkRetryableFailure records a transient failure.
func (r *Repository) MarkRetryableFailure(ctx context.Context, url, requestID, errMsg string) error {
	return r.fail(ctx, url, requestID, errMsg, metadata.StatusFailedRetryable)
}

// MarkPermanentFailure records a terminal failure.
func (r *Repository) MarkPermanentFailure(ctx context.Context, url, requestID, errMsg string) error {
	return r.fail(ctx, url, requestID, errMsg, metadata.StatusFailedPermanent)
}

func (r *Repository) fail(ctx context.Context, url, requestID, errMsg string, status metadata.Status) error {
	now := time.Now().UTC()
	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, bson.M{"url": url}, failureUpdate(url, status, errMsg, requestID, now), opts); err != nil {
		return fmt.Errorf("mark %s %q: %w", status, url, err)
	}
	return nil
}

// Get returns the record for the canonical URL, or ErrNotFound.
func (r *Repository) Get(ctx context.Context, url string) (*metadata.Record, error) {
	var rec metadata.Record
	err := r.collection.FindOne(ctx, bson.M{"url": url}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", url, err)
	}
	return &rec, nil
}

// Ping verifies the server is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (r *Repository) Close(ctx context.Context) error {
	if err := r.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
