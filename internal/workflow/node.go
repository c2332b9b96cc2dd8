// Package workflow builds and dispatches composite task graphs: sequential
// chains, parallel groups and groups with a completion callback (chords).
package workflow

import (
	"fmt"

	"github.com/taskgrid/taskgrid/internal/task"
)

// NodeKind tags the workflow node variants
type NodeKind string

const (
	// KindTask is a leaf: a single task signature
	KindTask NodeKind = "task"
	// KindChain dispatches children sequentially, feeding each result
	// forward
	KindChain NodeKind = "chain"
	// KindGroup dispatches children concurrently
	KindGroup NodeKind = "group"
	// KindChord is a group whose terminal results trigger a callback
	KindChord NodeKind = "chord"
)

// Node is a workflow tree node. Nodes are immutable once dispatched.
type Node struct {
	Kind     NodeKind
	Sig      *task.Signature // set for KindTask
	Children []*Node         // set for KindChain/KindGroup/KindChord
	Callback *task.Signature // set for KindChord
}

// Task wraps a signature as a leaf node
func Task(sig *task.Signature) *Node {
	return &Node{Kind: KindTask, Sig: sig}
}

// Chain builds a sequential composition of nodes
func Chain(children ...*Node) *Node {
	return &Node{Kind: KindChain, Children: children}
}

// Group builds a parallel composition of nodes
func Group(children ...*Node) *Node {
	return &Node{Kind: KindGroup, Children: children}
}

// Chord builds a parallel composition whose ordered terminal results are
// passed to callback once every member is terminal
func Chord(callback *task.Signature, children ...*Node) *Node {
	return &Node{Kind: KindChord, Children: children, Callback: callback}
}

// Validate checks that every signature in the tree resolves against the
// registry and that every per-dispatch policy is coherent. Dispatch
// validates the whole tree up front so a chain never fails halfway through
// on an unregistered type.
func (n *Node) Validate(registry *task.Registry) error {
	switch n.Kind {
	case KindTask:
		if n.Sig == nil {
			return fmt.Errorf("task node has no signature")
		}
		return validateSignature(registry, n.Sig)
	case KindChain, KindGroup, KindChord:
		if n.Kind == KindChord {
			if n.Callback == nil {
				return fmt.Errorf("chord node has no callback")
			}
			if err := validateSignature(registry, n.Callback); err != nil {
				return err
			}
		}
		for _, child := range n.Children {
			if err := child.Validate(registry); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown node kind: %q", n.Kind)
	}
}

func validateSignature(registry *task.Registry, sig *task.Signature) error {
	_, defPolicy, err := registry.Resolve(sig.Type)
	if err != nil {
		return err
	}
	if err := task.EffectivePolicy(defPolicy, sig).Validate(); err != nil {
		return fmt.Errorf("signature %s: %w", sig.Type, err)
	}
	return nil
}

// NodeResult is the aggregate outcome of a dispatched node. Results holds
// the individual task results in declaration order.
type NodeResult struct {
	State   task.State
	Value   any
	Err     *task.ErrorInfo
	Results []*task.Result
}
