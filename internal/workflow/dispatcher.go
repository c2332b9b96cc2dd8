package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/internal/broker"
	"github.com/taskgrid/taskgrid/internal/resultstore"
	"github.com/taskgrid/taskgrid/internal/task"
)

// Dispatcher turns signatures into broker messages: it resolves the
// effective policy, creates the PENDING result and enqueues the encoded
// message.
type Dispatcher struct {
	broker    broker.Broker
	store     resultstore.Store
	registry  *task.Registry
	codec     task.Codec
	logger    *slog.Logger
	resultTTL time.Duration
}

// NewDispatcher creates a dispatcher. resultTTL zero means the store
// default.
func NewDispatcher(
	b broker.Broker,
	store resultstore.Store,
	registry *task.Registry,
	codec task.Codec,
	logger *slog.Logger,
	resultTTL time.Duration,
) *Dispatcher {
	return &Dispatcher{
		broker:    b,
		store:     store,
		registry:  registry,
		codec:     codec,
		logger:    logger,
		resultTTL: resultTTL,
	}
}

// AsyncResult is a handle to a dispatched task's eventual result
type AsyncResult struct {
	ID    string
	store resultstore.Store
}

// Get returns the current result snapshot without blocking
func (r *AsyncResult) Get(ctx context.Context) (*task.Result, error) {
	return r.store.Get(ctx, r.ID)
}

// Await blocks cooperatively until the result is terminal or ctx is done
func (r *AsyncResult) Await(ctx context.Context) (*task.Result, error) {
	return r.store.Await(ctx, r.ID)
}

// Dispatch enqueues a single signature and returns a result handle.
// The signature is consumed: callers must not mutate it afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *task.Signature) (*AsyncResult, error) {
	_, defPolicy, err := d.registry.Resolve(sig.Type)
	if err != nil {
		return nil, err
	}

	policy := task.EffectivePolicy(defPolicy, sig)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("cannot dispatch %s: %w", sig.Type, err)
	}

	msg := &task.Message{
		ID:          uuid.NewString(),
		Signature:   *sig,
		EnqueuedAt:  time.Now(),
		AckPolicy:   policy.AckPolicy,
		SoftTimeout: policy.SoftTimeout,
		HardTimeout: policy.HardTimeout,
	}

	payload, err := task.EncodeMessage(d.codec, msg)
	if err != nil {
		return nil, err
	}

	if err := d.store.Put(ctx, msg.ID, d.resultTTL); err != nil {
		return nil, fmt.Errorf("failed to create result for task %s: %w", msg.ID, err)
	}

	if err := d.broker.Enqueue(ctx, policy.Queue, payload); err != nil {
		// The PENDING result exists but nothing will ever run it; fail it
		// so callers holding the ID observe a terminal state.
		storeErr := d.store.Update(ctx, msg.ID, resultstore.Update{
			State: task.StateFailure,
			Err:   task.NewErrorInfo(task.ErrKindBrokerUnavailable, err),
		})
		if storeErr != nil {
			d.logger.Error("failed to fail result after enqueue error",
				"task_id", msg.ID,
				"error", storeErr,
			)
		}
		return nil, fmt.Errorf("failed to enqueue task %s: %w", msg.ID, err)
	}

	d.logger.Debug("task dispatched",
		"task_id", msg.ID,
		"task_type", sig.Type,
		"queue", policy.Queue,
		"ack_policy", policy.AckPolicy,
		"content_type", d.codec.ContentType(),
	)

	return &AsyncResult{ID: msg.ID, store: d.store}, nil
}
