package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/taskgrid/taskgrid/internal/task"
)

// Composer dispatches workflow trees and aggregates their results
type Composer struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewComposer creates a composer over a dispatcher
func NewComposer(dispatcher *Dispatcher, logger *slog.Logger) *Composer {
	return &Composer{dispatcher: dispatcher, logger: logger}
}

// AsyncNode is a handle to a dispatched workflow node's aggregate result
type AsyncNode struct {
	done   chan struct{}
	result *NodeResult
}

// Await blocks until the node's aggregate result is available or ctx is
// done
func (n *AsyncNode) Await(ctx context.Context) (*NodeResult, error) {
	select {
	case <-n.done:
		return n.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch validates the whole tree against the registry, then drives it
// asynchronously. The returned handle resolves once the aggregate result is
// known.
func (c *Composer) Dispatch(ctx context.Context, node *Node) (*AsyncNode, error) {
	if err := node.Validate(c.dispatcher.registry); err != nil {
		return nil, err
	}

	an := &AsyncNode{done: make(chan struct{})}
	go func() {
		an.result = c.run(ctx, node)
		close(an.done)
	}()
	return an, nil
}

// run drives one node to its aggregate result, blocking until every task it
// dispatched is terminal
func (c *Composer) run(ctx context.Context, node *Node) *NodeResult {
	switch node.Kind {
	case KindTask:
		return c.runTask(ctx, node.Sig)
	case KindChain:
		return c.runChain(ctx, node)
	case KindGroup:
		return c.runGroup(ctx, node)
	case KindChord:
		return c.runChord(ctx, node)
	default:
		return &NodeResult{
			State: task.StateFailure,
			Err:   &task.ErrorInfo{Kind: task.ErrKindHandlerError, Message: "unknown node kind"},
		}
	}
}

func (c *Composer) runTask(ctx context.Context, sig *task.Signature) *NodeResult {
	ar, err := c.dispatcher.Dispatch(ctx, sig)
	if err != nil {
		return &NodeResult{
			State: task.StateFailure,
			Err:   task.ClassifyError(err),
		}
	}

	res, err := ar.Await(ctx)
	if err != nil {
		return &NodeResult{
			State: task.StateFailure,
			Err:   task.NewErrorInfo(task.ErrKindCanceled, err),
		}
	}

	return &NodeResult{
		State:   res.State,
		Value:   res.Value,
		Err:     res.Err,
		Results: []*task.Result{res},
	}
}

// runChain dispatches children one at a time. A child's SUCCESS value is
// appended to the next child's arguments, unless that child is a composite
// node or its signature is immutable. The first failure aborts the chain:
// remaining children are never dispatched.
func (c *Composer) runChain(ctx context.Context, node *Node) *NodeResult {
	var results []*task.Result
	var prev *NodeResult

	for _, child := range node.Children {
		effective := child
		if prev != nil && child.Kind == KindTask && !child.Sig.Immutable {
			sig := child.Sig.Clone()
			sig.Args = append(sig.Args, prev.Value)
			effective = Task(sig)
		}

		res := c.run(ctx, effective)
		results = append(results, res.Results...)

		if res.State != task.StateSuccess {
			return &NodeResult{
				State:   task.StateFailure,
				Err:     res.Err,
				Results: results,
			}
		}
		prev = res
	}

	out := &NodeResult{State: task.StateSuccess, Results: results}
	if prev != nil {
		out.Value = prev.Value
	}
	return out
}

// runGroup dispatches all children concurrently. The aggregate is SUCCESS
// only when every child succeeds; failing children do not cancel their
// siblings (only a saga provides rollback). Child results keep declaration
// order.
func (c *Composer) runGroup(ctx context.Context, node *Node) *NodeResult {
	n := len(node.Children)
	if n == 0 {
		return &NodeResult{State: task.StateSuccess, Value: []any{}}
	}

	childResults := make([]*NodeResult, n)
	var wg sync.WaitGroup
	for i, child := range node.Children {
		wg.Add(1)
		go func(i int, child *Node) {
			defer wg.Done()
			childResults[i] = c.run(ctx, child)
		}(i, child)
	}
	wg.Wait()

	out := &NodeResult{State: task.StateSuccess}
	values := make([]any, 0, n)
	for _, res := range childResults {
		values = append(values, res.Value)
		out.Results = append(out.Results, res.Results...)
		if res.State != task.StateSuccess && out.State == task.StateSuccess {
			out.State = task.StateFailure
			out.Err = res.Err
		}
	}
	out.Value = values
	return out
}

// runChord waits for every group member to reach a terminal state, then
// dispatches the callback exactly once with the ordered member values as
// its final argument. An empty group fires the callback immediately with an
// empty sequence.
func (c *Composer) runChord(ctx context.Context, node *Node) *NodeResult {
	group := c.runGroup(ctx, &Node{Kind: KindGroup, Children: node.Children})

	callback := node.Callback
	if !callback.Immutable {
		sig := callback.Clone()
		sig.Args = append(sig.Args, group.Value)
		callback = sig
	}

	cbRes := c.runTask(ctx, callback)

	out := &NodeResult{
		State:   cbRes.State,
		Value:   cbRes.Value,
		Err:     cbRes.Err,
		Results: append(group.Results, cbRes.Results...),
	}
	if group.State != task.StateSuccess {
		// A failed member fails the chord even when the callback succeeds;
		// the callback's value and results are still reported.
		out.State = task.StateFailure
		if out.Err == nil {
			out.Err = group.Err
		}
	}
	return out
}
