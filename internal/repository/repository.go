// Package repository defines the persistence port for metadata records.
package repository

import (
	"context"
	"errors"

	"github.com/JakeFAU/metadata-inventory/internal/metadata"
)

// ErrNotFound is returned by Get when no record exists for the URL.
var ErrNotFound = errors.New("metadata record not found")

// Repository persists metadata records keyed by canonical URL. Every write
// is an idempotent upsert keyed on the URL so redeliveries and concurrent
// workers never produce duplicate records.
type Repository interface {
	// EnsurePending creates the record in PENDING if it does not exist.
	// Existing records are left untouched apart from updated_at.
	EnsurePending(ctx context.Context, url, requestID string) error

	// MarkInProgress atomically claims the record for one processing
	// attempt and increments the attempt counter. When the record is
	// already COMPLETED or FAILED_PERMANENT it is left untouched and
	// terminal is true, with attempt reporting the stored counter.
	MarkInProgress(ctx context.Context, url, requestID string) (attempt int, terminal bool, err error)

	// MarkCompleted stores the fetched page and moves the record to
	// COMPLETED, clearing any earlier error message.
	MarkCompleted(ctx context.Context, url, requestID string, page metadata.Page) error

	// MarkRetryableFailure records a transient failure. The record stays
	// eligible for another attempt.
	MarkRetryableFailure(ctx context.Context, url, requestID, errMsg string) error

	// MarkPermanentFailure records a terminal failure.
	MarkPermanentFailure(ctx context.Context, url, requestID, errMsg string) error

	// Get returns the record for the canonical URL, or ErrNotFound.
	Get(ctx context.Context, url string) (*metadata.Record, error)

	// Ping verifies the backend is reachable, for readiness probes.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close(ctx context.Context) error
}
