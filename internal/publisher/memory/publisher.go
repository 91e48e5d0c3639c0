// Package memory provides an in-process publisher for local development and
// tests. It applies the same queue bound as the broker so overflow handling
// can be exercised without RabbitMQ.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/metadata-inventory/internal/broker"
	"github.com/JakeFAU/metadata-inventory/internal/metadata"
)

// Publisher buffers task envelopes in memory. A full buffer rejects the
// publish just like a reject-publish overflow queue does.
type Publisher struct {
	mu        sync.RWMutex
	maxLength int
	messages  []metadata.TaskMessage
	ready     bool
	closed    bool
}

// New returns a publisher that holds at most maxLength envelopes. A
// maxLength of zero means unbounded.
func New(maxLength int) *Publisher {
	return &Publisher{maxLength: maxLength}
}

// Connect marks the publisher ready.
func (p *Publisher) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return broker.ErrClosed
	}
	p.ready = true
	return nil
}

// Ready reports whether Connect has run and Close has not.
func (p *Publisher) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready && !p.closed
}

// Publish appends the envelope, rejecting once the buffer is full.
func (p *Publisher) Publish(_ context.Context, task metadata.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return broker.ErrClosed
	case !p.ready:
		return broker.ErrNotReady
	case p.maxLength > 0 && len(p.messages) >= p.maxLength:
		return broker.ErrQueueRejected
	}
	p.messages = append(p.messages, task)
	return nil
}

// Close stops the publisher. Further publishes fail with ErrClosed.
func (p *Publisher) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.ready = false
	return nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []metadata.TaskMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]metadata.TaskMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
