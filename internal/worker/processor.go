package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/fetcher"
	"github.com/JakeFAU/metadata-inventory/internal/metadata"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
)

// Outcome classifies one processed message and drives the ack decision.
type Outcome int

const (
	// OutcomeCompleted means the page was fetched and persisted.
	OutcomeCompleted Outcome = iota
	// OutcomeRetryable means a transient failure was recorded and the
	// message should be redelivered.
	OutcomeRetryable
	// OutcomePermanent means a terminal failure was recorded.
	OutcomePermanent
	// OutcomeMalformed means the envelope can never be processed.
	OutcomeMalformed
	// OutcomeSkipped means the record was already terminal.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Processor runs the per-message pipeline: decode, claim, fetch, persist.
// Every step is an idempotent upsert so a redelivered message converges on
// the same record instead of duplicating work already done.
type Processor struct {
	repo          repository.Repository
	fetch         fetcher.Fetcher
	maxRetries    int
	maxPageSource int
	logger        *zap.Logger
}

// NewProcessor wires the processing pipeline.
func NewProcessor(repo repository.Repository, fetch fetcher.Fetcher, cfg config.WorkerConfig, logger *zap.Logger) *Processor {
	return &Processor{
		repo:          repo,
		fetch:         fetch,
		maxRetries:    cfg.MaxRetries,
		maxPageSource: cfg.MaxPageSourceLength,
		logger:        logger,
	}
}

// Process handles one message body. A non-nil error means infrastructure
// failed mid-flight and the message should be redelivered; every domain
// result, including failures, comes back as an Outcome.
func (p *Processor) Process(ctx context.Context, body []byte) (Outcome, error) {
	task, err := metadata.DecodeTask(body)
	if err != nil {
		p.logger.Warn("malformed_message", zap.Error(err))
		return OutcomeMalformed, nil
	}

	url, err := metadata.CanonicalURL(task.URL)
	if err != nil {
		p.logger.Warn("malformed_message", zap.String("url", task.URL), zap.Error(err))
		return OutcomeMalformed, nil
	}

	log := p.logger.With(zap.String("url", url), zap.String("request_id", task.RequestID))

	if err := p.repo.EnsurePending(ctx, url, task.RequestID); err != nil {
		return 0, fmt.Errorf("ensure pending: %w", err)
	}

	attempt, terminal, err := p.repo.MarkInProgress(ctx, url, task.RequestID)
	if err != nil {
		return 0, fmt.Errorf("mark in progress: %w", err)
	}
	if terminal {
		log.Info("task_already_terminal", zap.Int("attempt_number", attempt))
		return OutcomeSkipped, nil
	}

	page, fetchErr := p.fetch.Fetch(ctx, url)
	if fetchErr == nil {
		page = metadata.TruncatePage(page, p.maxPageSource)
		if err := p.repo.MarkCompleted(ctx, url, task.RequestID, page); err != nil {
			return 0, fmt.Errorf("mark completed: %w", err)
		}
		log.Info("metadata_persisted",
			zap.Int("attempt_number", attempt),
			zap.Int("status_code", page.StatusCode),
		)
		return OutcomeCompleted, nil
	}

	var permanent *fetcher.PermanentError
	if errors.As(fetchErr, &permanent) {
		if err := p.repo.MarkPermanentFailure(ctx, url, task.RequestID, fetchErr.Error()); err != nil {
			return 0, fmt.Errorf("mark permanent failure: %w", err)
		}
		log.Warn("metadata_permanent_failure",
			zap.Int("attempt_number", attempt),
			zap.String("error_msg", fetchErr.Error()),
		)
		return OutcomePermanent, nil
	}

	if attempt < p.maxRetries {
		if err := p.repo.MarkRetryableFailure(ctx, url, task.RequestID, fetchErr.Error()); err != nil {
			return 0, fmt.Errorf("mark retryable failure: %w", err)
		}
		log.Warn("metadata_retryable_failure",
			zap.Int("attempt_number", attempt),
			zap.Int("max_retries", p.maxRetries),
			zap.String("error_msg", fetchErr.Error()),
		)
		return OutcomeRetryable, nil
	}

	// Retries exhausted: the transient failure becomes terminal.
	if err := p.repo.MarkPermanentFailure(ctx, url, task.RequestID, fetchErr.Error()); err != nil {
		return 0, fmt.Errorf("mark permanent failure: %w", err)
	}
	log.Warn("metadata_permanent_failure",
		zap.Int("attempt_number", attempt),
		zap.String("error_msg", fetchErr.Error()),
		zap.Bool("retries_exhausted", true),
	)
	return OutcomePermanent, nil
}
