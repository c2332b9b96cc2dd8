package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/internal/resultstore"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/workflow"
)

// Coordinator executes sagas through the workflow composer, recording a
// queryable status snapshot per saga in the result store.
type Coordinator struct {
	composer *workflow.Composer
	store    resultstore.Store
	logger   *slog.Logger
	sagaTTL  time.Duration
}

// NewCoordinator creates a saga coordinator. sagaTTL bounds how long a
// finished saga's status stays queryable (zero = store default).
func NewCoordinator(composer *workflow.Composer, store resultstore.Store, logger *slog.Logger, sagaTTL time.Duration) *Coordinator {
	return &Coordinator{
		composer: composer,
		store:    store,
		logger:   logger,
		sagaTTL:  sagaTTL,
	}
}

// Execute runs the steps in order, blocking on each action's terminal
// result. On any action failure it compensates completed steps in strict
// reverse order (each compensation attempted at most once, failures logged
// but never aborting the rest of the rollback) and ends ABORTED. A non-nil
// error is returned only for infrastructure problems (context cancellation,
// undispatchable saga); business failures are reported through the saga's
// final state and step statuses.
func (c *Coordinator) Execute(ctx context.Context, steps []Step) (*Saga, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga needs at least one step")
	}

	saga := newSaga(uuid.NewString(), steps)
	if err := c.store.Put(ctx, saga.ID, c.sagaTTL); err != nil {
		return nil, fmt.Errorf("failed to create saga record: %w", err)
	}

	c.logger.Info("saga started",
		"saga_id", saga.ID,
		"steps", len(steps),
	)

	for i := range steps {
		res, err := c.runStep(ctx, saga, i, steps[i].Action)
		if err != nil {
			// Infrastructure failure: we cannot know the action's fate, so
			// compensate what is known DONE and abort.
			saga.setStep(i, StepFailed, task.NewErrorInfo(task.ErrKindSagaStepFailed, err))
			c.compensate(ctx, saga, i-1)
			c.finish(ctx, saga, StateAborted)
			return saga, err
		}

		if res.State != task.StateSuccess {
			errInfo := res.Err
			if errInfo == nil {
				errInfo = task.NewErrorInfo(task.ErrKindSagaStepFailed,
					fmt.Errorf("%w: step %d ended %s", ErrStepFailed, i, res.State))
			}
			saga.setStep(i, StepFailed, errInfo)
			c.logger.Error("saga step failed, compensating",
				"saga_id", saga.ID,
				"step", i,
				"task_type", steps[i].Action.Type,
				"error", errInfo,
			)
			c.compensate(ctx, saga, i-1)
			c.finish(ctx, saga, StateAborted)
			return saga, nil
		}

		saga.setStep(i, StepDone, nil)
		saga.advance()
		c.recordProgress(ctx, saga)
	}

	c.finish(ctx, saga, StateCompleted)
	return saga, nil
}

// runStep dispatches one action as a single task and waits for its terminal
// result
func (c *Coordinator) runStep(ctx context.Context, saga *Saga, i int, action *task.Signature) (*workflow.NodeResult, error) {
	c.logger.Debug("saga step dispatching",
		"saga_id", saga.ID,
		"step", i,
		"task_type", action.Type,
	)

	an, err := c.composer.Dispatch(ctx, workflow.Task(action.Clone()))
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch step %d (%s): %w", i, action.Type, err)
	}
	return an.Await(ctx)
}

// compensate rolls back steps [from..0] that are DONE, in reverse order.
// Each compensation is attempted at most once; a compensation failure marks
// the step FAILED and rollback continues for earlier steps.
func (c *Coordinator) compensate(ctx context.Context, saga *Saga, from int) {
	saga.setState(StateCompensating)
	c.recordProgress(ctx, saga)

	for i := from; i >= 0; i-- {
		saga.mu.RLock()
		st := saga.steps[i]
		status := st.status
		comp := st.step.Compensation
		actionType := st.step.Action.Type
		saga.mu.RUnlock()

		if status != StepDone {
			continue
		}
		if comp == nil {
			// Nothing to undo for this step.
			saga.setStep(i, StepCompensated, nil)
			continue
		}

		an, err := c.composer.Dispatch(ctx, workflow.Task(comp.Clone()))
		if err != nil {
			c.recordCompensationFailure(saga, i, actionType,
				task.NewErrorInfo(task.ErrKindCompensationFailed, err))
			continue
		}

		res, err := an.Await(ctx)
		if err != nil {
			c.recordCompensationFailure(saga, i, actionType,
				task.NewErrorInfo(task.ErrKindCompensationFailed, err))
			continue
		}
		if res.State != task.StateSuccess {
			errInfo := res.Err
			if errInfo == nil {
				errInfo = task.NewErrorInfo(task.ErrKindCompensationFailed, ErrCompensationFailed)
			}
			c.recordCompensationFailure(saga, i, actionType, errInfo)
			continue
		}

		saga.setStep(i, StepCompensated, nil)
		c.logger.Info("saga step compensated",
			"saga_id", saga.ID,
			"step", i,
			"task_type", actionType,
		)
	}
}

func (c *Coordinator) recordCompensationFailure(saga *Saga, i int, actionType string, errInfo *task.ErrorInfo) {
	saga.setStep(i, StepFailed, errInfo)
	c.logger.Error("saga compensation failed, continuing rollback",
		"saga_id", saga.ID,
		"step", i,
		"task_type", actionType,
		"error", errInfo,
	)
}

// finish records the terminal saga state in the saga record
func (c *Coordinator) finish(ctx context.Context, saga *Saga, state State) {
	saga.setState(state)

	u := resultstore.Update{Progress: c.progressMeta(saga)}
	switch state {
	case StateCompleted:
		u.State = task.StateSuccess
	case StateAborted:
		u.State = task.StateFailure
		u.Err = task.NewErrorInfo(task.ErrKindSagaStepFailed, ErrStepFailed)
	}

	if err := c.store.Update(ctx, saga.ID, u); err != nil {
		c.logger.Error("failed to record saga outcome",
			"saga_id", saga.ID,
			"state", state,
			"error", err,
		)
	}

	c.logger.Info("saga finished",
		"saga_id", saga.ID,
		"state", state,
		"step_statuses", saga.StepStatuses(),
	)
}

// recordProgress mirrors step statuses into the saga's result record so
// callers holding the saga ID can query a snapshot
func (c *Coordinator) recordProgress(ctx context.Context, saga *Saga) {
	if err := c.store.UpdateProgress(ctx, saga.ID, c.progressMeta(saga)); err != nil {
		c.logger.Warn("failed to record saga progress",
			"saga_id", saga.ID,
			"error", err,
		)
	}
}

func (c *Coordinator) progressMeta(saga *Saga) map[string]any {
	statuses := saga.StepStatuses()
	metaStatuses := make([]any, len(statuses))
	for i, st := range statuses {
		metaStatuses[i] = string(st)
	}
	return map[string]any{
		"saga_state":    string(saga.State()),
		"cursor":        saga.position(),
		"step_statuses": metaStatuses,
	}
}
