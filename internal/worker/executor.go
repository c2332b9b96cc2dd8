package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/taskgrid/taskgrid/internal/broker"
	"github.com/taskgrid/taskgrid/internal/resultstore"
	"github.com/taskgrid/taskgrid/internal/task"
)

// outcome captures how a handler execution ended
type outcome struct {
	value     any
	err       error
	softFired bool // soft timer fired before completion
	hardFired bool // hard timer fired; the handler goroutine was abandoned
	shutdown  bool // worker stopped while the handler was running
}

// runHandler executes the handler on its own goroutine and arbitrates it
// against the soft and hard timers.
//
// The soft timer cancels the handler context: a cooperative signal the
// handler may observe to perform bounded cleanup. The hard timer abandons
// the execution unit — the goroutine is left to drain on its canceled
// context and the slot stops waiting for it. Go cannot kill a goroutine,
// so a handler ignoring both its context and the hard deadline leaks until
// it returns; the task outcome is recorded on time regardless.
func (w *Worker) runHandler(msg *task.Message, handler task.Handler) outcome {
	hctx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	hctx = task.WithProgressReporter(hctx, func(ctx context.Context, meta map[string]any) {
		if err := w.store.UpdateProgress(ctx, msg.ID, meta); err != nil {
			w.logger.Warn("progress update failed", "task_id", msg.ID, "error", err)
		}
	})

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		value, err := handler(hctx, msg.Signature.Args, msg.Signature.Kwargs)
		done <- outcome{value: value, err: err}
	}()

	var softC, hardC <-chan time.Time
	if msg.SoftTimeout > 0 {
		softTimer := time.NewTimer(msg.SoftTimeout)
		defer softTimer.Stop()
		softC = softTimer.C
	}
	if msg.HardTimeout > 0 {
		hardTimer := time.NewTimer(msg.HardTimeout)
		defer hardTimer.Stop()
		hardC = hardTimer.C
	}

	softFired := false
	for {
		select {
		case out := <-done:
			out.softFired = softFired
			return out

		case <-softC:
			softFired = true
			softC = nil
			w.logger.Warn("soft timeout, signaling handler",
				"task_id", msg.ID,
				"task_type", msg.Signature.Type,
				"soft_timeout", msg.SoftTimeout,
			)
			cancel()

		case <-hardC:
			w.logger.Error("hard timeout, abandoning execution",
				"task_id", msg.ID,
				"task_type", msg.Signature.Type,
				"hard_timeout", msg.HardTimeout,
			)
			return outcome{hardFired: true, softFired: softFired, err: task.ErrHardTimeout}

		case <-w.ctx.Done():
			return outcome{shutdown: true}
		}
	}
}

// settle turns an outcome into the terminal result, acknowledgment and
// retry decisions for the delivery.
func (w *Worker) settle(msg *task.Message, d *broker.Delivery, policy task.Policy, acked bool, out outcome) {
	switch {
	case out.shutdown:
		// Worker is stopping. Under LATE ack the message goes back for
		// another worker; an EARLY-acked task is lost (accepted risk).
		if !acked {
			w.nack(d, true)
		}
		w.logger.Warn("task abandoned by shutdown",
			"task_id", msg.ID,
			"requeued", !acked,
		)

	case out.hardFired:
		w.settleHardTimeout(msg, d, policy, acked)

	case out.err != nil:
		w.settleFailure(msg, d, policy, acked, out)

	default:
		if !acked {
			if err := w.broker.Ack(context.Background(), d); err != nil {
				w.logger.Error("late ack failed", "task_id", msg.ID, "error", err)
			}
		}
		w.recordTerminal(msg.ID, task.StateSuccess, out.value, true, nil)
		w.logger.Debug("task succeeded",
			"task_id", msg.ID,
			"task_type", msg.Signature.Type,
			"attempt", d.Attempt,
		)
	}
}

// settleHardTimeout applies the retry budget to a forcibly-terminated task
func (w *Worker) settleHardTimeout(msg *task.Message, d *broker.Delivery, policy task.Policy, acked bool) {
	errInfo := task.NewErrorInfo(task.ErrKindHardTimeout,
		fmt.Errorf("%w after %s", task.ErrHardTimeout, msg.HardTimeout))

	if !acked && d.Attempt <= policy.MaxRetries {
		// Budget remains: requeue and keep the result non-terminal so the
		// redelivered attempt can still set the terminal state.
		w.recordAttempt(msg.ID, d.Attempt, errInfo)
		w.nack(d, true)
		return
	}

	if acked {
		// EARLY ack forfeits broker-level retry; the failure is final.
		w.recordTerminal(msg.ID, task.StateFailure, nil, false, errInfo)
		return
	}

	w.nack(d, false)
	w.recordTerminal(msg.ID, task.StateRevoked, nil, false, errInfo)
	w.logger.Warn("task revoked, retry budget exhausted",
		"task_id", msg.ID,
		"task_type", msg.Signature.Type,
		"attempts", d.Attempt,
	)
}

// settleFailure handles handler-raised errors, including unrecovered soft
// timeouts
func (w *Worker) settleFailure(msg *task.Message, d *broker.Delivery, policy task.Policy, acked bool, out outcome) {
	herr := &task.HandlerError{TaskType: msg.Signature.Type, Err: out.err}

	if out.softFired {
		// The handler observed the cancellation signal and did not
		// recover. Soft timeouts are advisory: no retry budget is spent
		// and the failure is final.
		errInfo := task.NewErrorInfo(task.ErrKindSoftTimeout,
			fmt.Errorf("%w: %v", task.ErrSoftTimeout, herr))
		if !acked {
			if err := w.broker.Ack(context.Background(), d); err != nil {
				w.logger.Error("late ack failed", "task_id", msg.ID, "error", err)
			}
		}
		w.recordTerminal(msg.ID, task.StateFailure, nil, false, errInfo)
		return
	}

	retryable := !task.IsPermanent(out.err)
	if !acked && retryable && d.Attempt <= policy.MaxRetries {
		w.recordAttempt(msg.ID, d.Attempt, task.NewErrorInfo(task.ErrKindHandlerError, herr))
		w.nack(d, true)
		w.logger.Warn("task failed, requeued for retry",
			"task_id", msg.ID,
			"task_type", msg.Signature.Type,
			"attempt", d.Attempt,
			"max_retries", policy.MaxRetries,
			"error", out.err,
		)
		return
	}

	if !acked {
		if err := w.broker.Ack(context.Background(), d); err != nil {
			w.logger.Error("late ack failed", "task_id", msg.ID, "error", err)
		}
	}
	w.recordTerminal(msg.ID, task.StateFailure, nil, false,
		task.NewErrorInfo(task.ErrKindHandlerError, herr))
	w.logger.Error("task failed",
		"task_id", msg.ID,
		"task_type", msg.Signature.Type,
		"attempt", d.Attempt,
		"error", out.err,
	)
}

// recordTerminal writes the exactly-once terminal transition
func (w *Worker) recordTerminal(taskID string, state task.State, value any, setValue bool, errInfo *task.ErrorInfo) {
	err := w.store.Update(context.Background(), taskID, resultstore.Update{
		State:    state,
		Value:    value,
		SetValue: setValue,
		Err:      errInfo,
	})
	if err != nil {
		w.logger.Error("failed to record terminal result",
			"task_id", taskID,
			"state", state,
			"error", err,
		)
	}
}

// recordAttempt notes a failed attempt that will be retried, without
// touching the terminal state
func (w *Worker) recordAttempt(taskID string, attempt int, errInfo *task.ErrorInfo) {
	err := w.store.Update(context.Background(), taskID, resultstore.Update{
		State: task.StateProgress,
		Err:   errInfo,
		Progress: map[string]any{
			"last_attempt": attempt,
			"last_error":   errInfo.Message,
			"retrying":     true,
		},
	})
	if err != nil {
		w.logger.Error("failed to record attempt failure",
			"task_id", taskID,
			"error", err,
		)
	}
}
