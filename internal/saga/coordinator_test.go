package saga

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/taskgrid/taskgrid/internal/broker/memory"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/resultstore"
	"github.com/taskgrid/taskgrid/internal/retry"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/worker"
	"github.com/taskgrid/taskgrid/internal/workflow"
)

// callLog records handler invocations in order, across goroutines
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == name {
			n++
		}
	}
	return n
}

type sagaHarness struct {
	coordinator *Coordinator
	store       *resultstore.MemoryStore
	log         *callLog
}

func newSagaHarness(t *testing.T, register func(r *task.Registry, log *callLog)) *sagaHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec, err := task.NewCBORCodec()
	if err != nil {
		t.Fatalf("codec failed: %v", err)
	}

	b := memory.NewBroker(config.BrokerConfig{
		QueueCapacity: 64,
		Redelivery: retry.Policy{
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}, logger)
	store := resultstore.NewMemoryStore(config.DefaultStoreConfig(), logger)

	log := &callLog{}
	registry := task.NewRegistry()
	register(registry, log)
	registry.Freeze()

	w := worker.NewWorker(worker.Config{
		Queues:       []string{"default"},
		Concurrency:  2,
		BlockTimeout: 10 * time.Millisecond,
	}, b, registry, store, codec, logger)
	w.Start()
	t.Cleanup(func() {
		w.Stop()
		b.Close()
		store.Close()
	})

	dispatcher := workflow.NewDispatcher(b, store, registry, codec, logger, 0)
	composer := workflow.NewComposer(dispatcher, logger)
	return &sagaHarness{
		coordinator: NewCoordinator(composer, store, logger, 0),
		store:       store,
		log:         log,
	}
}

// registerRecorder registers a handler that logs its invocation and succeeds
func registerRecorder(t *testing.T, r *task.Registry, log *callLog, name string) {
	t.Helper()
	err := r.Register(name, func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		log.record(name)
		return name, nil
	}, task.DefaultPolicy())
	if err != nil {
		t.Fatalf("register %s failed: %v", name, err)
	}
}

// registerFailing registers a handler that logs its invocation and fails
// permanently
func registerFailing(t *testing.T, r *task.Registry, log *callLog, name string) {
	t.Helper()
	err := r.Register(name, func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		log.record(name)
		return nil, task.Permanent(fmt.Errorf("%s failed", name))
	}, task.DefaultPolicy())
	if err != nil {
		t.Fatalf("register %s failed: %v", name, err)
	}
}

func TestSagaCompletes(t *testing.T) {
	h := newSagaHarness(t, func(r *task.Registry, log *callLog) {
		registerRecorder(t, r, log, "order.create")
		registerRecorder(t, r, log, "inventory.reserve")
		registerRecorder(t, r, log, "payment.charge")
		registerRecorder(t, r, log, "order.cancel")
		registerRecorder(t, r, log, "inventory.release")
	})

	saga, err := h.coordinator.Execute(context.Background(), []Step{
		{Action: task.NewSignature("order.create"), Compensation: task.NewSignature("order.cancel")},
		{Action: task.NewSignature("inventory.reserve"), Compensation: task.NewSignature("inventory.release")},
		{Action: task.NewSignature("payment.charge")},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if saga.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", saga.State())
	}
	for i, st := range saga.StepStatuses() {
		if st != StepDone {
			t.Fatalf("step %d: expected done, got %s", i, st)
		}
	}
	if h.log.count("order.cancel") != 0 || h.log.count("inventory.release") != 0 {
		t.Fatalf("compensations ran on a successful saga: %v", h.log.snapshot())
	}

	res, err := h.store.Get(context.Background(), saga.ID)
	if err != nil {
		t.Fatalf("saga record missing: %v", err)
	}
	if res.State != task.StateSuccess {
		t.Fatalf("expected saga record success, got %s", res.State)
	}
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	h := newSagaHarness(t, func(r *task.Registry, log *callLog) {
		registerRecorder(t, r, log, "order.create")
		registerRecorder(t, r, log, "inventory.reserve")
		registerFailing(t, r, log, "payment.charge")
		registerRecorder(t, r, log, "order.cancel")
		registerRecorder(t, r, log, "inventory.release")
		registerRecorder(t, r, log, "payment.refund")
	})

	saga, err := h.coordinator.Execute(context.Background(), []Step{
		{Action: task.NewSignature("order.create"), Compensation: task.NewSignature("order.cancel")},
		{Action: task.NewSignature("inventory.reserve"), Compensation: task.NewSignature("inventory.release")},
		{Action: task.NewSignature("payment.charge"), Compensation: task.NewSignature("payment.refund")},
	})
	if err != nil {
		t.Fatalf("execute returned infra error: %v", err)
	}

	if saga.State() != StateAborted {
		t.Fatalf("expected aborted, got %s", saga.State())
	}
	statuses := saga.StepStatuses()
	want := []StepStatus{StepCompensated, StepCompensated, StepFailed}
	for i, st := range statuses {
		if st != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], st)
		}
	}

	// The failed step's own compensation never runs; completed steps roll
	// back newest-first, each exactly once.
	calls := h.log.snapshot()
	if h.log.count("payment.refund") != 0 {
		t.Fatalf("failed step's compensation ran: %v", calls)
	}
	if h.log.count("inventory.release") != 1 || h.log.count("order.cancel") != 1 {
		t.Fatalf("compensations must run exactly once: %v", calls)
	}
	releaseIdx, cancelIdx := -1, -1
	for i, c := range calls {
		switch c {
		case "inventory.release":
			releaseIdx = i
		case "order.cancel":
			cancelIdx = i
		}
	}
	if releaseIdx > cancelIdx {
		t.Fatalf("compensation order not reversed: %v", calls)
	}

	res, err := h.store.Get(context.Background(), saga.ID)
	if err != nil {
		t.Fatalf("saga record missing: %v", err)
	}
	if res.State != task.StateFailure {
		t.Fatalf("expected saga record failure, got %s", res.State)
	}
	if res.Err == nil || res.Err.Kind != task.ErrKindSagaStepFailed {
		t.Fatalf("expected saga_step_failed, got %+v", res.Err)
	}
}

func TestSagaFirstStepFailureCompensatesNothing(t *testing.T) {
	h := newSagaHarness(t, func(r *task.Registry, log *callLog) {
		registerFailing(t, r, log, "order.create")
		registerRecorder(t, r, log, "order.cancel")
		registerRecorder(t, r, log, "inventory.reserve")
	})

	saga, err := h.coordinator.Execute(context.Background(), []Step{
		{Action: task.NewSignature("order.create"), Compensation: task.NewSignature("order.cancel")},
		{Action: task.NewSignature("inventory.reserve")},
	})
	if err != nil {
		t.Fatalf("execute returned infra error: %v", err)
	}

	if saga.State() != StateAborted {
		t.Fatalf("expected aborted, got %s", saga.State())
	}
	if h.log.count("order.cancel") != 0 {
		t.Fatalf("no step completed, nothing to compensate: %v", h.log.snapshot())
	}
	if h.log.count("inventory.reserve") != 0 {
		t.Fatalf("steps after the failure must not run: %v", h.log.snapshot())
	}
	if saga.StepStatuses()[1] != StepPending {
		t.Fatalf("unreached step should stay pending, got %s", saga.StepStatuses()[1])
	}
}

func TestSagaCompensationFailureContinuesRollback(t *testing.T) {
	h := newSagaHarness(t, func(r *task.Registry, log *callLog) {
		registerRecorder(t, r, log, "step.a")
		registerRecorder(t, r, log, "step.b")
		registerFailing(t, r, log, "step.c")
		registerRecorder(t, r, log, "undo.a")
		registerFailing(t, r, log, "undo.b")
	})

	saga, err := h.coordinator.Execute(context.Background(), []Step{
		{Action: task.NewSignature("step.a"), Compensation: task.NewSignature("undo.a")},
		{Action: task.NewSignature("step.b"), Compensation: task.NewSignature("undo.b")},
		{Action: task.NewSignature("step.c")},
	})
	if err != nil {
		t.Fatalf("execute returned infra error: %v", err)
	}

	if saga.State() != StateAborted {
		t.Fatalf("expected aborted, got %s", saga.State())
	}
	statuses := saga.StepStatuses()
	if statuses[1] != StepFailed {
		t.Fatalf("failed compensation should mark step failed, got %s", statuses[1])
	}
	if statuses[0] != StepCompensated {
		t.Fatalf("rollback must continue past a failed compensation, got %s", statuses[0])
	}
	if h.log.count("undo.a") != 1 {
		t.Fatalf("earlier compensation skipped: %v", h.log.snapshot())
	}
	if saga.StepError(1) == nil || saga.StepError(1).Kind != task.ErrKindCompensationFailed {
		t.Fatalf("expected compensation_failed on step 1, got %+v", saga.StepError(1))
	}
}

func TestSagaNilCompensationIsSkipped(t *testing.T) {
	h := newSagaHarness(t, func(r *task.Registry, log *callLog) {
		registerRecorder(t, r, log, "step.a")
		registerFailing(t, r, log, "step.b")
	})

	saga, err := h.coordinator.Execute(context.Background(), []Step{
		{Action: task.NewSignature("step.a")}, // no rollback needed
		{Action: task.NewSignature("step.b")},
	})
	if err != nil {
		t.Fatalf("execute returned infra error: %v", err)
	}

	if saga.State() != StateAborted {
		t.Fatalf("expected aborted, got %s", saga.State())
	}
	if saga.StepStatuses()[0] != StepCompensated {
		t.Fatalf("nil compensation should still mark the step compensated, got %s", saga.StepStatuses()[0])
	}
}

func TestSagaRejectsEmptySteps(t *testing.T) {
	h := newSagaHarness(t, func(r *task.Registry, log *callLog) {})

	if _, err := h.coordinator.Execute(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty saga")
	}
}
