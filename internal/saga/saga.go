// Package saga implements compensating multi-step transactions: an ordered
// list of (action, compensation) steps where any action failure triggers
// best-effort compensation of completed steps in strict reverse order.
package saga

import (
	"errors"
	"sync"

	"github.com/taskgrid/taskgrid/internal/task"
)

var (
	// ErrStepFailed indicates a step action failed and the saga was
	// compensated
	ErrStepFailed = errors.New("saga step failed")
	// ErrCompensationFailed indicates a compensation task failed; rollback
	// of earlier steps continues regardless
	ErrCompensationFailed = errors.New("saga compensation failed")
)

// StepStatus tracks one step through the saga lifecycle
type StepStatus string

const (
	// StepPending means the action has not run yet
	StepPending StepStatus = "pending"
	// StepDone means the action succeeded
	StepDone StepStatus = "done"
	// StepCompensated means the compensation ran after a later failure
	StepCompensated StepStatus = "compensated"
	// StepFailed means the action failed, or its compensation did
	StepFailed StepStatus = "failed"
)

// State is the saga lifecycle state
type State string

const (
	// StateRunning means the cursor is advancing through actions
	StateRunning State = "running"
	// StateCompleted means every action succeeded; terminal
	StateCompleted State = "completed"
	// StateCompensating means a failure occurred and completed steps are
	// being rolled back in reverse order
	StateCompensating State = "compensating"
	// StateAborted means compensation finished; terminal
	StateAborted State = "aborted"
)

// Step pairs an action with its optional compensation. A nil compensation
// means the action needs no rollback.
type Step struct {
	Action       *task.Signature
	Compensation *task.Signature
}

type stepState struct {
	step   Step
	status StepStatus
	err    *task.ErrorInfo
}

// Saga tracks a single multi-step operation. The cursor only advances
// forward on success; once compensation begins the saga never re-enters
// RUNNING, and COMPLETED/ABORTED are mutually exclusive and final.
type Saga struct {
	ID string

	mu     sync.RWMutex
	steps  []*stepState
	cursor int
	state  State
}

func newSaga(id string, steps []Step) *Saga {
	ss := make([]*stepState, len(steps))
	for i, s := range steps {
		ss[i] = &stepState{step: s, status: StepPending}
	}
	return &Saga{ID: id, steps: ss, state: StateRunning}
}

// State returns the current saga state
func (s *Saga) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StepStatuses returns a snapshot of every step's status in declaration
// order
func (s *Saga) StepStatuses() []StepStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StepStatus, len(s.steps))
	for i, st := range s.steps {
		out[i] = st.status
	}
	return out
}

// StepError returns the recorded error for step i, or nil
func (s *Saga) StepError(i int) *task.ErrorInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.steps) {
		return nil
	}
	return s.steps[i].err
}

func (s *Saga) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Saga) setStep(i int, status StepStatus, err *task.ErrorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[i].status = status
	if err != nil {
		s.steps[i].err = err
	}
}

func (s *Saga) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor++
}

func (s *Saga) position() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}
