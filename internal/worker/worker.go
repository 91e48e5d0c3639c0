// Package worker implements the queue consume loop and the per-message
// ingestion pipeline.
package worker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/metrics"
)

// Source is the stream of queue deliveries the worker consumes and the
// handle used to stop it. broker.Consumer satisfies it.
type Source interface {
	// Deliveries returns the delivery channel. It is never closed, so the
	// worker decides when to stop by watching its context.
	Deliveries() <-chan amqp.Delivery
	// Cancel stops the subscription so no new deliveries arrive.
	Cancel(ctx context.Context) error
}

// Worker pulls deliveries one at a time and acknowledges each based on the
// processing outcome. Redelivery is the only retry mechanism: a nack with
// requeue sends the message back to the queue for another round.
type Worker struct {
	source Source
	proc   *Processor
	logger *zap.Logger
}

// New wires the consume loop.
func New(source Source, proc *Processor, logger *zap.Logger) *Worker {
	return &Worker{source: source, proc: proc, logger: logger}
}

// Run consumes until ctx is canceled, then drains deliveries already in
// flight before returning. Processing errors are absorbed into nacks so
// the loop keeps going.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker_started")
	for {
		select {
		case <-ctx.Done():
			w.drain(ctx)
			return nil
		case d := <-w.source.Deliveries():
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	w.logger.Debug("message_received",
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Bool("redelivered", d.Redelivered),
	)

	// A message already taken off the queue is finished even if shutdown
	// starts mid-flight; aborting a half-processed fetch would only force
	// a redelivery that redoes the same work.
	outcome, err := w.process(context.WithoutCancel(ctx), d.Body)
	if err != nil {
		metrics.ObserveMessage("error")
		w.logger.Error("processing_failed",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
		w.nack(d)
		return
	}

	metrics.ObserveMessage(outcome.String())
	if outcome == OutcomeRetryable {
		w.nack(d)
		return
	}
	w.ack(d)
}

// process guards the pipeline against panics so one poisonous message
// cannot take down the consume loop.
func (w *Worker) process(ctx context.Context, body []byte) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing message: %v", r)
		}
	}()
	return w.proc.Process(ctx, body)
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.logger.Error("ack_failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

func (w *Worker) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		w.logger.Error("nack_failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// drain stops the subscription and works off whatever the broker already
// pushed. With prefetch 1 that is at most a single delivery.
func (w *Worker) drain(ctx context.Context) {
	w.logger.Info("worker_stop")
	if err := w.source.Cancel(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("consumer_cancel_failed", zap.Error(err))
	}
	for {
		select {
		case d := <-w.source.Deliveries():
			w.handle(ctx, d)
		default:
			return
		}
	}
}
