package task

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a task result
type State string

const (
	// StatePending indicates the task has been dispatched but not yet picked up
	StatePending State = "pending"
	// StateProgress indicates the task is executing and has reported progress
	StateProgress State = "progress"
	// StateSuccess indicates the task completed successfully
	StateSuccess State = "success"
	// StateFailure indicates the task failed permanently
	StateFailure State = "failure"
	// StateRevoked indicates the task was abandoned after exhausting its retry budget
	StateRevoked State = "revoked"
)

// Terminal reports whether the state is final. Once a result reaches a
// terminal state no further state transitions are accepted.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// AckPolicy controls when a worker acknowledges a delivery to the broker
type AckPolicy string

const (
	// AckEarly acknowledges immediately after dequeue. The message is never
	// redelivered, even if the worker crashes mid-execution (at-most-once).
	AckEarly AckPolicy = "early"
	// AckLate acknowledges only after execution completes. A crashed worker
	// leaves the message eligible for redelivery (at-least-once).
	AckLate AckPolicy = "late"
)

// Policy holds the execution policy for a task type
type Policy struct {
	// Queue is the broker queue the task is dispatched to
	Queue string
	// AckPolicy controls when the delivery is acknowledged
	AckPolicy AckPolicy
	// SoftTimeout is the cooperative deadline; zero disables it
	SoftTimeout time.Duration
	// HardTimeout is the forced-termination deadline; zero disables it
	HardTimeout time.Duration
	// MaxRetries is the number of redeliveries allowed after the first
	// attempt (0 = no retries)
	MaxRetries int
}

// DefaultPolicy returns the default execution policy for registered tasks
func DefaultPolicy() Policy {
	return Policy{
		Queue:      "default",
		AckPolicy:  AckLate,
		MaxRetries: 3,
	}
}

// Validate checks the policy invariants. A hard timeout must be absent or
// strictly greater than the soft timeout.
func (p Policy) Validate() error {
	if p.Queue == "" {
		return fmt.Errorf("policy queue cannot be empty")
	}
	if p.AckPolicy != AckEarly && p.AckPolicy != AckLate {
		return fmt.Errorf("invalid ack policy: %q", p.AckPolicy)
	}
	if p.HardTimeout > 0 && p.SoftTimeout > 0 && p.HardTimeout <= p.SoftTimeout {
		return fmt.Errorf("hard timeout (%s) must be greater than soft timeout (%s)",
			p.HardTimeout, p.SoftTimeout)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative: %d", p.MaxRetries)
	}
	return nil
}

// Options carries per-dispatch overrides of the registered default policy.
// Zero values mean "use the registered default". Options travel with the
// signature so a redelivered message executes under the same policy.
type Options struct {
	Queue       string        `cbor:"queue,omitempty"`
	AckPolicy   AckPolicy     `cbor:"ack_policy,omitempty"`
	SoftTimeout time.Duration `cbor:"soft_timeout,omitempty"`
	HardTimeout time.Duration `cbor:"hard_timeout,omitempty"`
	MaxRetries  *int          `cbor:"max_retries,omitempty"`
}

// Signature is an unexecuted recipe for invoking a handler: a task type
// plus arguments. Signatures are composed into workflows or dispatched
// directly; once dispatched they are never mutated.
type Signature struct {
	Type      string         `cbor:"type"`
	Args      []any          `cbor:"args,omitempty"`
	Kwargs    map[string]any `cbor:"kwargs,omitempty"`
	Immutable bool           `cbor:"immutable,omitempty"`
	Stamps    map[string]any `cbor:"stamps,omitempty"`
	Options   Options        `cbor:"options,omitempty"`
}

// NewSignature creates a signature for the given task type and positional args
func NewSignature(taskType string, args ...any) *Signature {
	return &Signature{
		Type: taskType,
		Args: args,
	}
}

// WithKwarg sets a named argument and returns the signature for chaining
func (s *Signature) WithKwarg(name string, value any) *Signature {
	if s.Kwargs == nil {
		s.Kwargs = make(map[string]any)
	}
	s.Kwargs[name] = value
	return s
}

// WithStamp attaches an opaque stamp to the signature
func (s *Signature) WithStamp(name string, value any) *Signature {
	if s.Stamps == nil {
		s.Stamps = make(map[string]any)
	}
	s.Stamps[name] = value
	return s
}

// WithQueue overrides the registered queue for this dispatch
func (s *Signature) WithQueue(queue string) *Signature {
	s.Options.Queue = queue
	return s
}

// WithAckPolicy overrides the registered ack policy for this dispatch
func (s *Signature) WithAckPolicy(p AckPolicy) *Signature {
	s.Options.AckPolicy = p
	return s
}

// WithTimeouts overrides the registered soft/hard timeouts for this dispatch
func (s *Signature) WithTimeouts(soft, hard time.Duration) *Signature {
	s.Options.SoftTimeout = soft
	s.Options.HardTimeout = hard
	return s
}

// WithMaxRetries overrides the registered retry budget for this dispatch
func (s *Signature) WithMaxRetries(n int) *Signature {
	s.Options.MaxRetries = &n
	return s
}

// AsImmutable marks the signature immutable: workflow composition will not
// append predecessor results to its arguments.
func (s *Signature) AsImmutable() *Signature {
	s.Immutable = true
	return s
}

// Clone returns a deep-enough copy of the signature. Args, Kwargs and
// Stamps containers are copied; element values are shared.
func (s *Signature) Clone() *Signature {
	out := &Signature{
		Type:      s.Type,
		Immutable: s.Immutable,
		Options:   s.Options,
	}
	if s.Args != nil {
		out.Args = make([]any, len(s.Args))
		copy(out.Args, s.Args)
	}
	if s.Kwargs != nil {
		out.Kwargs = make(map[string]any, len(s.Kwargs))
		for k, v := range s.Kwargs {
			out.Kwargs[k] = v
		}
	}
	if s.Stamps != nil {
		out.Stamps = make(map[string]any, len(s.Stamps))
		for k, v := range s.Stamps {
			out.Stamps[k] = v
		}
	}
	if s.Options.MaxRetries != nil {
		n := *s.Options.MaxRetries
		out.Options.MaxRetries = &n
	}
	return out
}

// EffectivePolicy merges per-dispatch signature overrides over the
// registered default policy for the task type.
func EffectivePolicy(base Policy, sig *Signature) Policy {
	p := base
	if sig.Options.Queue != "" {
		p.Queue = sig.Options.Queue
	}
	if sig.Options.AckPolicy != "" {
		p.AckPolicy = sig.Options.AckPolicy
	}
	if sig.Options.SoftTimeout > 0 {
		p.SoftTimeout = sig.Options.SoftTimeout
	}
	if sig.Options.HardTimeout > 0 {
		p.HardTimeout = sig.Options.HardTimeout
	}
	if sig.Options.MaxRetries != nil {
		p.MaxRetries = *sig.Options.MaxRetries
	}
	return p
}

// Message is the wire representation of a dispatched task. Created by the
// dispatcher on enqueue, consumed by a worker, and destroyed (acked or
// nacked) once execution completes or is abandoned.
type Message struct {
	ID              string        `cbor:"id"`
	Signature       Signature     `cbor:"signature"`
	EnqueuedAt      time.Time     `cbor:"enqueued_at"`
	DeliveryAttempt int           `cbor:"delivery_attempt,omitempty"`
	AckPolicy       AckPolicy     `cbor:"ack_policy"`
	SoftTimeout     time.Duration `cbor:"soft_timeout,omitempty"`
	HardTimeout     time.Duration `cbor:"hard_timeout,omitempty"`
}

// Result is the observable outcome of a task. It is created PENDING when
// the task is dispatched, may accumulate progress updates while running,
// and is updated exactly once with a terminal state.
type Result struct {
	ID           string         `json:"id"`
	State        State          `json:"state"`
	Value        any            `json:"value,omitempty"`
	Err          *ErrorInfo     `json:"error,omitempty"`
	ProgressMeta map[string]any `json:"progress_meta,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a copy of the result safe to hand to callers
func (r *Result) Clone() *Result {
	out := *r
	if r.ProgressMeta != nil {
		out.ProgressMeta = make(map[string]any, len(r.ProgressMeta))
		for k, v := range r.ProgressMeta {
			out.ProgressMeta[k] = v
		}
	}
	return &out
}
