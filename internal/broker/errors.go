package broker

import "errors"

var (
	// ErrNotReady is returned by Publish when the publisher has no confirmed
	// channel, typically while a reconnect is in flight.
	ErrNotReady = errors.New("publisher not ready")

	// ErrQueueRejected is returned when the broker nacks a publish, which
	// for a reject-publish overflow queue means the queue is full.
	ErrQueueRejected = errors.New("queue rejected publish")

	// ErrConnectionLost is returned when the connection drops mid-operation.
	ErrConnectionLost = errors.New("broker connection lost")

	// ErrConfirmTimeout is returned when the broker does not confirm a
	// publish within the configured window.
	ErrConfirmTimeout = errors.New("publish confirm timed out")

	// ErrClosed is returned by operations on an endpoint after Close.
	ErrClosed = errors.New("broker endpoint closed")
)
