// Package broker defines the adapter boundary over an external message
// queue. The transport is assumed to provide at-least-once delivery of
// opaque byte payloads to named queues; everything above this interface is
// transport-agnostic.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable indicates a transient transport failure. Callers may
	// retry the enqueue.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrUnknownDelivery indicates an ack/nack for a delivery the broker
	// is not tracking (already settled, or from another broker instance)
	ErrUnknownDelivery = errors.New("unknown delivery")
)

// Delivery is a dequeued message together with its delivery handle.
// Attempt is 1 on first delivery and increments on every redelivery.
type Delivery struct {
	Queue   string
	Payload []byte
	Attempt int
	// Tag is the broker-assigned delivery handle used to ack or nack
	Tag string
}

// Broker is the adapter over an external queue.
//
// Delivery guarantee: at-least-once. A message that is dequeued but never
// acked may be delivered again; consumers must either be idempotent-aware
// or use late acknowledgment to bound duplicate-execution risk.
type Broker interface {
	// Enqueue publishes a payload to a named queue.
	// Fails with ErrUnavailable on transport failure.
	Enqueue(ctx context.Context, queue string, payload []byte) error

	// Dequeue pulls the next message from a queue, blocking up to
	// blockTimeout. Returns (nil, nil) on timeout; never blocks
	// indefinitely.
	Dequeue(ctx context.Context, queue string, blockTimeout time.Duration) (*Delivery, error)

	// Ack marks the delivery complete; the message will not be redelivered
	Ack(ctx context.Context, d *Delivery) error

	// Nack abandons the delivery. With requeue the message becomes
	// eligible for redelivery to another consumer; without it the message
	// is dead-lettered.
	Nack(ctx context.Context, d *Delivery, requeue bool) error
}
