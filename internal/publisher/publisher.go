// Package publisher defines the port the API uses to hand accepted URLs to
// the processing pipeline.
package publisher

import (
	"context"

	"github.com/JakeFAU/metadata-inventory/internal/metadata"
)

// Publisher accepts task envelopes for asynchronous processing. Publish must
// not return until the backend has durably taken responsibility for the
// message, so a nil error is a safe basis for a 202 response.
type Publisher interface {
	Connect(ctx context.Context) error
	Ready() bool
	Publish(ctx context.Context, task metadata.TaskMessage) error
	Close(ctx context.Context) error
}
