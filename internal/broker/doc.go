// Package broker implements the AMQP side of the pipeline: a confirm-mode
// publisher and a manual-ack consumer that share one durable, bounded queue.
// Both ends run the same connection ladder and reconnect on their own; losing
// the broker degrades service but never kills the process.
package broker
