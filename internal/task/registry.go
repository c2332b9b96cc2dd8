package task

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes a task. Args and kwargs come from the dispatched
// signature. The context is the cancellation signal of the execution
// engine: a soft timeout cancels it, and handlers that want the cleanup
// window must observe ctx.Done() at reasonable intervals.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

type registration struct {
	handler Handler
	policy  Policy
}

// Registry maps task type names to handlers and their default execution
// policies. Registration is a startup-only phase: once Freeze is called the
// registry is read-only and Resolve needs no coordination with workers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	frozen  bool
}

// NewRegistry creates an empty task registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registration),
	}
}

// Register adds a handler for a task type with its default policy.
// Fails with ErrDuplicateTaskType if the type is already registered and
// with ErrRegistryFrozen after Freeze.
func (r *Registry) Register(taskType string, handler Handler, policy Policy) error {
	if taskType == "" {
		return fmt.Errorf("task type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil for task type %s", taskType)
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy for task type %s: %w", taskType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("cannot register %s: %w", taskType, ErrRegistryFrozen)
	}
	if _, exists := r.entries[taskType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskType, taskType)
	}

	r.entries[taskType] = registration{handler: handler, policy: policy}
	return nil
}

// Resolve returns the handler and default policy for a task type.
// Fails with ErrUnknownTaskType if the type is not registered.
func (r *Registry) Resolve(taskType string) (Handler, Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.entries[taskType]
	if !exists {
		return nil, Policy{}, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return reg.handler, reg.policy, nil
}

// Freeze ends the registration phase. Workers should only start pulling
// after the registry is frozen.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Types returns the registered task type names
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	return out
}
