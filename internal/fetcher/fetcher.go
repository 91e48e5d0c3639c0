// Package fetcher defines the outbound fetch port and its error taxonomy.
// The worker decides between redelivery and a permanent failure purely from
// the error type, so every implementation must classify its failures.
package fetcher

import (
	"context"

	"github.com/JakeFAU/metadata-inventory/internal/metadata"
)

// Fetcher retrieves one URL and assembles its page metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (metadata.Page, error)
}

// RetryableError is a fetch failure that may succeed on a later attempt:
// timeouts, transport failures, HTTP 5xx.
type RetryableError struct {
	Msg string
	Err error
}

func (e *RetryableError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "retryable fetch failure"
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError is a fetch failure that no retry can fix: HTTP 4xx and
// other non-transport failures.
type PermanentError struct {
	Msg string
	Err error
}

func (e *PermanentError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "permanent fetch failure"
}

func (e *PermanentError) Unwrap() error { return e.Err }
