// Package memory provides an in-process repository for local development
// and tests. It applies the same transitions as the Mongo implementation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/metadata-inventory/internal/metadata"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
)

// Repository keeps records in a map keyed by canonical URL.
type Repository struct {
	mu      sync.RWMutex
	records map[string]*metadata.Record
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{records: make(map[string]*metadata.Record)}
}

// EnsurePending creates the record in PENDING if it does not exist.
func (r *Repository) EnsurePending(_ context.Context, url, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if rec, ok := r.records[url]; ok {
		rec.UpdatedAt = now
		return nil
	}
	r.records[url] = &metadata.Record{
		URL:    url,
		Status: metadata.StatusPending,
		Page:   metadata.EmptyPage(),
		Processing: metadata.ProcessingInfo{
			LastAttemptAt: now,
			LastRequestID: requestID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// MarkInProgress claims the record for one attempt unless it is terminal.
func (r *Repository) MarkInProgress(_ context.Context, url, requestID string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[url]
	if !ok {
		return 0, false, repository.ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec.Processing.AttemptNumber, true, nil
	}
	now := time.Now().UTC()
	rec.Status = metadata.StatusInProgress
	rec.Processing.AttemptNumber++
	rec.Processing.ErrorMsg = ""
	rec.Processing.LastAttemptAt = now
	rec.Processing.LastRequestID = requestID
	rec.UpdatedAt = now
	return rec.Processing.AttemptNumber, false, nil
}

// MarkCompleted stores the page and moves the record to COMPLETED.
func (r *Repository) MarkCompleted(_ context.Context, url, requestID string, page metadata.Page) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	rec := r.upsertLocked(url, now)
	rec.Status = metadata.StatusCompleted
	rec.Page = page
	rec.Processing.ErrorMsg = ""
	rec.Processing.LastAttemptAt = now
	rec.Processing.LastRequestID = requestID
	rec.UpdatedAt = now
	return nil
}

// MarkRetryableFailure records a transient failure.
func (r *Repository) MarkRetryableFailure(_ context.Context, url, requestID, errMsg string) error {
	return r.fail(url, requestID, errMsg, metadata.StatusFailedRetryable)
}

// MarkPermanentFailure records a terminal failure.
func (r *Repository) MarkPermanentFailure(_ context.Context, url, requestID, errMsg string) error {
	return r.fail(url, requestID, errMsg, metadata.StatusFailedPermanent)
}

func (r *Repository) fail(url, requestID, errMsg string, status metadata.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	rec := r.upsertLocked(url, now)
	rec.Status = status
	rec.Processing.ErrorMsg = errMsg
	rec.Processing.LastAttemptAt = now
	rec.Processing.LastRequestID = requestID
	rec.UpdatedAt = now
	return nil
}

// Get returns a copy of the record so callers cannot mutate stored state.
func (r *Repository) Get(_ context.Context, url string) (*metadata.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[url]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (r *Repository) Close(context.Context) error {
	return nil
}

func (r *Repository) upsertLocked(url string, now time.Time) *metadata.Record {
	rec, ok := r.records[url]
	if !ok {
		rec = &metadata.Record{
			URL:       url,
			Page:      metadata.EmptyPage(),
			CreatedAt: now,
		}
		r.records[url] = rec
	}
	return rec
}
