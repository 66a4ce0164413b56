package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

// run is one execution in progress. Parallel branches share it, so every
// mutation of the execution goes through mu.
type run struct {
	engine    *Engine
	execution *models.Execution
	workflow  *models.Workflow
	graph     *graph
	starts    []*models.Node
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	waiting int
	steps   atomic.Int64

	approvalsMu sync.Mutex
	approvals   map[string]*approvalWaiter
}

// frame is one traversal: the root walk, a loop iteration or a parallel branch.
type frame struct {
	scope   *Scope
	visited map[string]bool
}

func newFrame(scope *Scope, visited map[string]bool) *frame {
	if visited == nil {
		visited = make(map[string]bool)
	}

	return &frame{scope: scope, visited: visited}
}

func (f *frame) fork(scope *Scope) *frame {
	return newFrame(scope, maps.Clone(f.visited))
}

// result is what a node handler produced.
type result struct {
	handles []string
	key     string
	value   any
	skipped bool
}

func (r result) output() map[string]any {
	if r.skipped {
		return map[string]any{"skipped": true}
	}

	out := map[string]any{"handles": r.handles}
	if r.key != "" {
		out["result_key"] = r.key
		out["value"] = r.value
	}

	return out
}

// traverse walks the graph from every start node in a shared root frame.
func (r *run) traverse(ctx context.Context, root *frame) error {
	for _, start := range r.starts {
		err := r.walk(ctx, root, start)
		if err != nil {
			return err
		}
	}

	return nil
}

// walk runs node and then follows the edges its outcome selected. A node is
// visited at most once per frame.
func (r *run) walk(ctx context.Context, f *frame, node *models.Node) error {
	if f.visited[node.NodeID] {
		return nil
	}

	f.visited[node.NodeID] = true

	err := r.checkpoint(ctx)
	if err != nil {
		return err
	}

	if limit := r.engine.config.MaxSteps; limit > 0 && r.steps.Add(1) > int64(limit) {
		return &NodeError{NodeID: node.NodeID, NodeType: node.Type, Err: ErrStepLimit}
	}

	handles, err := r.runNode(ctx, f, node)
	if err != nil {
		return err
	}

	return r.follow(ctx, f, node.NodeID, handles...)
}

// checkpoint stops the walk once the run is cancelled, or once the stored
// execution was finalized by another process.
func (r *run) checkpoint(ctx context.Context) error {
	err := context.Cause(ctx)
	if err != nil {
		return err
	}

	stored, err := r.engine.store.Executions().GetByID(ctx, r.execution.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to read stored execution status", "error", err)

		return nil
	}

	if stored.Status.IsTerminal() {
		r.logger.InfoContext(ctx, "execution finalized elsewhere, stopping", "status", stored.Status)
		r.cancel(ErrCancelled)

		return ErrCancelled
	}

	return nil
}

// follow walks every edge of nodeID attached to one of handles whose
// condition holds, in execution order.
func (r *run) follow(ctx context.Context, f *frame, nodeID string, handles ...string) error {
	for _, conn := range r.graph.edges(nodeID, handles...) {
		if conn.Condition != nil {
			ok, err := conn.Condition.Evaluate(f.scope.Resolve)
			if err != nil {
				r.logger.WarnContext(ctx, "connection condition failed, edge not followed",
					"source_node_id", conn.SourceNodeID, "target_node_id", conn.TargetNodeID, "error", err)

				continue
			}

			if !ok {
				continue
			}
		}

		target, err := r.graph.node(conn.TargetNodeID)
		if err != nil {
			return &NodeError{NodeID: conn.TargetNodeID, Err: err}
		}

		err = r.walk(ctx, f, target)
		if err != nil {
			return err
		}
	}

	return nil
}

// runNode executes node with retries and applies its result to the frame.
// It returns the handles to follow, or an error that ends the execution.
func (r *run) runNode(ctx context.Context, f *frame, node *models.Node) ([]string, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.engine.tracer, "engine.node",
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.NodeIDKey, node.NodeID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
	)
	defer span.End()

	handle, ok := r.engine.handlers[node.Type]
	if !ok {
		err := permanentf("no handler for node type %s", node.Type)
		r.record(ctx, node, 1, models.AttemptStatusFailed, r.engine.now(), nil, err)
		otelhelper.SetError(span, err)

		return nil, &NodeError{NodeID: node.NodeID, NodeType: node.Type, Attempts: 1, Err: err}
	}

	r.logger.DebugContext(ctx, "running node", "node_id", node.NodeID, "node_type", node.Type)

	res, tries, err := r.attempt(ctx, node, func(ctx context.Context) (result, error) {
		return handle(ctx, r, f, node)
	})
	span.SetAttributes(attribute.Int(otelhelper.AttemptKey, tries))

	if err != nil {
		otelhelper.SetError(span, err)

		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}

		if node.Optional {
			r.logger.WarnContext(ctx, "optional node failed, continuing",
				"node_id", node.NodeID, "attempts", tries, "error", err)

			return []string{""}, nil
		}

		r.logger.ErrorContext(ctx, "node failed", "node_id", node.NodeID, "attempts", tries, "error", err)

		return nil, &NodeError{NodeID: node.NodeID, NodeType: node.Type, Attempts: tries, Err: unwrapPermanent(err)}
	}

	if res.skipped {
		return nil, nil
	}

	if res.key != "" {
		f.scope.Set(res.key, res.value)
	}

	if res.handles == nil {
		return []string{""}, nil
	}

	return res.handles, nil
}

// transition fires event on the execution and persists the new status.
func (r *run) transition(ctx context.Context, event models.ExecutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.transitionLocked(ctx, event)
}

func (r *run) transitionLocked(ctx context.Context, event models.ExecutionEvent) error {
	err := r.execution.Fire(event, r.engine.now())
	if err != nil {
		return err
	}

	written, err := r.engine.commit(context.WithoutCancel(ctx), r.execution, false)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to persist execution status", "status", r.execution.Status, "error", err)

		return nil
	}

	if !written {
		r.cancel(ErrCancelled)

		return ErrCancelled
	}

	return nil
}

// pause moves the execution to PAUSED while at least one branch waits.
func (r *run) pause(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiting++
	if r.waiting == 1 {
		err := r.transitionLocked(ctx, models.ExecutionEventPause)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to pause execution", "error", err)
		}
	}
}

func (r *run) resume(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiting--
	if r.waiting == 0 && r.execution.Status == models.ExecutionStatusPaused {
		err := r.transitionLocked(ctx, models.ExecutionEventResume)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to resume execution", "error", err)
		}
	}
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}

	return err
}
