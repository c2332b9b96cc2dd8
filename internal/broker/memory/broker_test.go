package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/taskgrid/taskgrid/internal/broker"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/retry"
)

func newTestBroker() *Broker {
	cfg := config.BrokerConfig{
		QueueCapacity: 16,
		Redelivery: retry.Policy{
			InitialDelay:      5 * time.Millisecond,
			MaxDelay:          20 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(cfg, logger)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	b := newTestBroker()
	defer b.Close()
	ctx := context.Background()

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, p := range payloads {
		if err := b.Enqueue(ctx, "q", p); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	for _, want := range payloads {
		d, err := b.Dequeue(ctx, "q", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if d == nil {
			t.Fatalf("expected a delivery for %q", want)
		}
		if !bytes.Equal(d.Payload, want) {
			t.Fatalf("expected payload %q, got %q", want, d.Payload)
		}
		if d.Attempt != 1 {
			t.Fatalf("expected first attempt, got %d", d.Attempt)
		}
		if err := b.Ack(ctx, d); err != nil {
			t.Fatalf("ack failed: %v", err)
		}
	}

	stats := b.Stats()
	if stats.Pending != 0 {
		t.Fatalf("expected no pending deliveries, got %d", stats.Pending)
	}
}

func TestDequeueBlockTimeout(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	start := time.Now()
	d, err := b.Dequeue(context.Background(), "empty", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil delivery on timeout, got %+v", d)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("dequeue returned too early: %s", elapsed)
	}
}

func TestNackRequeueIncrementsAttempt(t *testing.T) {
	b := newTestBroker()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q", []byte("retry-me")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	d, err := b.Dequeue(ctx, "q", 100*time.Millisecond)
	if err != nil || d == nil {
		t.Fatalf("dequeue failed: %v, %+v", err, d)
	}
	if err := b.Nack(ctx, d, true); err != nil {
		t.Fatalf("nack failed: %v", err)
	}

	// Redelivery is paced by backoff, so allow a generous window
	d2, err := b.Dequeue(ctx, "q", time.Second)
	if err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	if d2 == nil {
		t.Fatalf("expected redelivery")
	}
	if !bytes.Equal(d2.Payload, []byte("retry-me")) {
		t.Fatalf("redelivered payload mismatch: %q", d2.Payload)
	}
	if d2.Attempt != 2 {
		t.Fatalf("expected attempt 2 on redelivery, got %d", d2.Attempt)
	}
}

func TestNackRedeliveryChurn(t *testing.T) {
	cfg := config.BrokerConfig{
		QueueCapacity: 16,
		Redelivery: retry.Policy{
			InitialDelay:      time.Nanosecond, // clamped to the 1ms floor
			MaxDelay:          time.Millisecond,
			BackoffMultiplier: 1.0,
		},
	}
	b := NewBroker(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q", []byte("churn")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Rapid nack/redeliver cycles exercise the timer bookkeeping under
	// concurrent scheduling
	last := 0
	for i := 0; i < 20; i++ {
		d, err := b.Dequeue(ctx, "q", time.Second)
		if err != nil || d == nil {
			t.Fatalf("dequeue %d failed: %v, %+v", i, err, d)
		}
		last = d.Attempt
		if err := b.Nack(ctx, d, true); err != nil {
			t.Fatalf("nack %d failed: %v", i, err)
		}
	}
	if last != 20 {
		t.Fatalf("expected attempt 20 on final delivery, got %d", last)
	}
}

func TestNackDeadLetters(t *testing.T) {
	b := newTestBroker()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q", []byte("poison")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	d, err := b.Dequeue(ctx, "q", 100*time.Millisecond)
	if err != nil || d == nil {
		t.Fatalf("dequeue failed: %v, %+v", err, d)
	}
	if err := b.Nack(ctx, d, false); err != nil {
		t.Fatalf("nack failed: %v", err)
	}

	dead := b.DeadLetters("q")
	if len(dead) != 1 || !bytes.Equal(dead[0], []byte("poison")) {
		t.Fatalf("expected poison in dead letters, got %v", dead)
	}

	// The message must not come back
	d2, err := b.Dequeue(ctx, "q", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if d2 != nil {
		t.Fatalf("dead-lettered message was redelivered")
	}
}

func TestSettleUnknownDelivery(t *testing.T) {
	b := newTestBroker()
	defer b.Close()
	ctx := context.Background()

	bogus := &broker.Delivery{Queue: "q", Tag: "no-such-tag"}
	if err := b.Ack(ctx, bogus); !errors.Is(err, broker.ErrUnknownDelivery) {
		t.Fatalf("expected ErrUnknownDelivery from ack, got %v", err)
	}
	if err := b.Nack(ctx, bogus, true); !errors.Is(err, broker.ErrUnknownDelivery) {
		t.Fatalf("expected ErrUnknownDelivery from nack, got %v", err)
	}
}

func TestDoubleAck(t *testing.T) {
	b := newTestBroker()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	d, _ := b.Dequeue(ctx, "q", 100*time.Millisecond)
	if d == nil {
		t.Fatalf("expected delivery")
	}
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("first ack failed: %v", err)
	}
	if err := b.Ack(ctx, d); !errors.Is(err, broker.ErrUnknownDelivery) {
		t.Fatalf("expected ErrUnknownDelivery on double ack, got %v", err)
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	b := newTestBroker()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "q", 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, broker.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue did not unblock on close")
	}

	if err := b.Enqueue(context.Background(), "q", []byte("x")); !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after close, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	cfg := config.BrokerConfig{QueueCapacity: 2, Redelivery: retry.DefaultPolicy()}
	b := NewBroker(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Enqueue(ctx, "q", []byte("x")); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if err := b.Enqueue(ctx, "q", []byte("x")); !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable when queue full, got %v", err)
	}
}

func TestStats(t *testing.T) {
	b := newTestBroker()
	defer b.Close()
	ctx := context.Background()

	_ = b.Enqueue(ctx, "a", []byte("1"))
	_ = b.Enqueue(ctx, "a", []byte("2"))
	_ = b.Enqueue(ctx, "b", []byte("3"))

	d, _ := b.Dequeue(ctx, "b", 100*time.Millisecond)
	if d == nil {
		t.Fatalf("expected delivery from b")
	}
	_ = b.Nack(ctx, d, false)

	stats := b.Stats()
	if stats.QueueDepths["a"] != 2 {
		t.Errorf("expected depth 2 on a, got %d", stats.QueueDepths["a"])
	}
	if stats.DeadLetters["b"] != 1 {
		t.Errorf("expected 1 dead letter on b, got %d", stats.DeadLetters["b"])
	}
	if stats.Pending != 0 {
		t.Errorf("expected no pending deliveries, got %d", stats.Pending)
	}
}
