// Package worker implements the task execution engine: a pool of slots
// pulling messages from broker queues and running registered handlers under
// soft/hard timeout and acknowledgment policies.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/taskgrid/taskgrid/internal/broker"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/resultstore"
	"github.com/taskgrid/taskgrid/internal/task"
)

// Config is an alias to the config package type
type Config = config.WorkerConfig

// Worker pulls messages from one or more queues and executes them on a
// fixed number of concurrent slots. Start/Stop bound its lifecycle.
type Worker struct {
	cfg      config.WorkerConfig
	broker   broker.Broker
	registry *task.Registry
	store    resultstore.Store
	codec    task.Codec
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool. The registry should be frozen before
// Start is called.
func NewWorker(
	cfg config.WorkerConfig,
	b broker.Broker,
	registry *task.Registry,
	store resultstore.Store,
	codec task.Codec,
	logger *slog.Logger,
) *Worker {
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = config.DefaultBlockTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		broker:   b,
		registry: registry,
		store:    store,
		codec:    codec,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker slots
func (w *Worker) Start() {
	w.logger.Info("starting worker pool",
		"queues", w.cfg.Queues,
		"concurrency", w.cfg.Concurrency,
	)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runSlot(i)
	}
}

// Stop signals all slots to finish and waits for them. Tasks still running
// under LATE acknowledgment are nacked back to the broker for redelivery.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker pool")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker pool stopped")
}

// runSlot is one unit of concurrency: it round-robins the configured
// queues, blocking up to BlockTimeout on each
func (w *Worker) runSlot(slot int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		for _, queue := range w.cfg.Queues {
			d, err := w.broker.Dequeue(w.ctx, queue, w.cfg.BlockTimeout)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrUnavailable) {
					return
				}
				w.logger.Error("dequeue failed",
					"slot", slot,
					"queue", queue,
					"error", err,
				)
				continue
			}
			if d == nil {
				continue // block timeout, try next queue
			}
			w.processDelivery(slot, d)
		}
	}
}

// processDelivery runs the execution state machine for one delivery:
// RECEIVED -> RUNNING -> {SUCCEEDED, SOFT_TIMED_OUT -> FAILED_OR_RECOVERED,
// HARD_TIMED_OUT -> KILLED}
func (w *Worker) processDelivery(slot int, d *broker.Delivery) {
	msg, err := task.DecodeMessage(w.codec, d.Payload)
	if err != nil {
		w.logger.Error("malformed message payload, dead-lettering",
			"slot", slot,
			"queue", d.Queue,
			"error", err,
		)
		w.nack(d, false)
		return
	}
	msg.DeliveryAttempt = d.Attempt

	w.logger.Debug("task received",
		"slot", slot,
		"task_id", msg.ID,
		"task_type", msg.Signature.Type,
		"attempt", d.Attempt,
		"ack_policy", msg.AckPolicy,
	)

	// EARLY ack: accept at-most-once risk, the message is settled before
	// execution and will never re-run after a crash.
	acked := false
	if msg.AckPolicy == task.AckEarly {
		if err := w.broker.Ack(w.ctx, d); err != nil {
			w.logger.Error("early ack failed", "task_id", msg.ID, "error", err)
		}
		acked = true
	}

	handler, defPolicy, err := w.registry.Resolve(msg.Signature.Type)
	if err != nil {
		w.logger.Error("unresolvable task type, dead-lettering",
			"task_id", msg.ID,
			"task_type", msg.Signature.Type,
		)
		w.recordTerminal(msg.ID, task.StateFailure, nil, false,
			task.NewErrorInfo(task.ErrKindUnknownTaskType, err))
		if !acked {
			w.nack(d, false)
		}
		return
	}

	policy := task.EffectivePolicy(defPolicy, &msg.Signature)
	out := w.runHandler(msg, handler)
	w.settle(msg, d, policy, acked, out)
}

func (w *Worker) nack(d *broker.Delivery, requeue bool) {
	if err := w.broker.Nack(context.Background(), d, requeue); err != nil {
		w.logger.Error("nack failed",
			"queue", d.Queue,
			"requeue", requeue,
			"error", err,
		)
	}
}
