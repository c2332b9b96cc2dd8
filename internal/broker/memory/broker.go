// Package memory provides the in-memory reference implementation of the
// broker adapter. It is suitable for tests and single-process deployments;
// it honors the at-least-once contract but does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/internal/broker"
	"github.com/taskgrid/taskgrid/internal/config"
)

type entry struct {
	payload []byte
	attempt int
}

type pendingDelivery struct {
	queue string
	entry *entry
}

// Broker is an in-memory queue broker with per-queue FIFO delivery,
// unacked-delivery tracking, redelivery backoff on nack(requeue) and
// dead-letter capture on nack(drop).
type Broker struct {
	mu          sync.Mutex
	queues      map[string]chan *entry
	pending     map[string]*pendingDelivery // delivery tag -> unacked delivery
	deadLetters map[string][][]byte
	timers      map[string]*time.Timer // outstanding redelivery timers by tag
	closed      bool
	closeCh     chan struct{}

	cfg    config.BrokerConfig
	logger *slog.Logger
}

// Stats is a point-in-time snapshot of broker state
type Stats struct {
	QueueDepths map[string]int
	Pending     int
	DeadLetters map[string]int
}

// NewBroker creates an in-memory broker
func NewBroker(cfg config.BrokerConfig, logger *slog.Logger) *Broker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = config.DefaultQueueCapacity
	}
	return &Broker{
		queues:      make(map[string]chan *entry),
		pending:     make(map[string]*pendingDelivery),
		deadLetters: make(map[string][][]byte),
		timers:      make(map[string]*time.Timer),
		closeCh:     make(chan struct{}),
		cfg:         cfg,
		logger:      logger,
	}
}

// Enqueue publishes a payload to a queue
func (b *Broker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if queue == "" {
		return fmt.Errorf("queue name cannot be empty")
	}

	ch, err := b.queueChan(queue)
	if err != nil {
		return err
	}

	e := &entry{payload: payload, attempt: 0}
	select {
	case ch <- e:
		return nil
	default:
		return fmt.Errorf("queue %s full (capacity %d): %w",
			queue, b.cfg.QueueCapacity, broker.ErrUnavailable)
	}
}

// Dequeue pulls the next message, blocking up to blockTimeout.
// Returns (nil, nil) when the queue stays empty for the whole window.
func (b *Broker) Dequeue(ctx context.Context, queue string, blockTimeout time.Duration) (*broker.Delivery, error) {
	ch, err := b.queueChan(queue)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(blockTimeout)
	defer timer.Stop()

	select {
	case e := <-ch:
		return b.track(queue, e), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closeCh:
		return nil, broker.ErrUnavailable
	}
}

// Ack settles a delivery; the message will not be seen again
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[d.Tag]; !exists {
		return fmt.Errorf("ack tag %s: %w", d.Tag, broker.ErrUnknownDelivery)
	}
	delete(b.pending, d.Tag)
	return nil
}

// Nack abandons a delivery. requeue schedules redelivery after backoff;
// otherwise the payload is dead-lettered.
func (b *Broker) Nack(ctx context.Context, d *broker.Delivery, requeue bool) error {
	b.mu.Lock()
	pd, exists := b.pending[d.Tag]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("nack tag %s: %w", d.Tag, broker.ErrUnknownDelivery)
	}
	delete(b.pending, d.Tag)

	if !requeue {
		b.deadLetters[pd.queue] = append(b.deadLetters[pd.queue], pd.entry.payload)
		b.mu.Unlock()
		b.logger.Warn("message dead-lettered",
			"queue", pd.queue,
			"attempt", pd.entry.attempt,
		)
		return nil
	}

	delay := b.cfg.Redelivery.Delay(pd.entry.attempt)
	if delay <= 0 {
		delay = time.Millisecond
	}
	timerTag := uuid.NewString()
	b.timers[timerTag] = time.AfterFunc(delay, func() {
		b.redeliver(pd.queue, pd.entry, timerTag)
	})
	b.mu.Unlock()
	return nil
}

// DeadLetters returns a copy of the payloads dead-lettered on a queue
func (b *Broker) DeadLetters(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.deadLetters[queue]
	out := make([][]byte, len(src))
	copy(out, src)
	return out
}

// Stats returns a snapshot of queue depths, unacked deliveries and
// dead-letter counts
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		QueueDepths: make(map[string]int, len(b.queues)),
		DeadLetters: make(map[string]int, len(b.deadLetters)),
		Pending:     len(b.pending),
	}
	for q, ch := range b.queues {
		s.QueueDepths[q] = len(ch)
	}
	for q, msgs := range b.deadLetters {
		s.DeadLetters[q] = len(msgs)
	}
	return s
}

// Close shuts the broker down. Blocked Dequeue calls return ErrUnavailable
// and scheduled redeliveries are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[string]*time.Timer)
}

func (b *Broker) queueChan(queue string) (chan *entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrUnavailable
	}
	ch, exists := b.queues[queue]
	if !exists {
		ch = make(chan *entry, b.cfg.QueueCapacity)
		b.queues[queue] = ch
	}
	return ch, nil
}

func (b *Broker) track(queue string, e *entry) *broker.Delivery {
	e.attempt++

	b.mu.Lock()
	tag := uuid.NewString()
	b.pending[tag] = &pendingDelivery{queue: queue, entry: e}
	b.mu.Unlock()

	return &broker.Delivery{
		Queue:   queue,
		Payload: e.payload,
		Attempt: e.attempt,
		Tag:     tag,
	}
}

func (b *Broker) redeliver(queue string, e *entry, timerTag string) {
	b.mu.Lock()
	delete(b.timers, timerTag)
	if b.closed {
		b.mu.Unlock()
		return
	}
	ch, exists := b.queues[queue]
	if !exists {
		ch = make(chan *entry, b.cfg.QueueCapacity)
		b.queues[queue] = ch
	}
	b.mu.Unlock()

	select {
	case ch <- e:
	default:
		// Queue filled up while the message waited for redelivery.
		b.mu.Lock()
		b.deadLetters[queue] = append(b.deadLetters[queue], e.payload)
		b.mu.Unlock()
		b.logger.Warn("redelivery dropped to dead letters, queue full",
			"queue", queue,
			"attempt", e.attempt,
		)
	}
}
