package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowgraph/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type branchOutcome struct {
	frame *frame
	err   error
}

// runParallel walks every listed node concurrently, each branch in a cloned
// scope, and joins them according to the failure policy. Writes of the
// succeeded branches are merged back in listed order.
func runParallel(ctx context.Context, r *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.ParallelConfig](node)
	if err != nil {
		return result{}, err
	}

	starts := make([]*models.Node, len(cfg.NodeIDs))

	for i, nodeID := range cfg.NodeIDs {
		starts[i], err = r.graph.node(nodeID)
		if err != nil {
			return result{}, err
		}
	}

	groupCtx := ctx

	if timeout := cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc

		groupCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	group, groupCtx := errgroup.WithContext(groupCtx)
	slots := semaphore.NewWeighted(int64(max(r.engine.config.MaxParallelBranches, 1)))

	outcomes := make([]branchOutcome, len(starts))
	for i := range starts {
		branch := f.fork(f.scope.Child())
		branch.visited[node.NodeID] = true
		outcomes[i].frame = branch
	}

	for i, start := range starts {
		group.Go(func() error {
			err := slots.Acquire(groupCtx, 1)
			if err != nil {
				outcomes[i].err = context.Cause(groupCtx)

				return nil
			}
			defer slots.Release(1)

			err = r.walk(groupCtx, outcomes[i].frame, start)
			outcomes[i].err = err

			if err != nil && cfg.FailurePolicy == models.FailOnAny {
				return fmt.Errorf("branch %s: %w", start.NodeID, err)
			}

			return nil
		})
	}

	groupErr := group.Wait()

	if cause := context.Cause(ctx); cause != nil {
		return result{}, cause
	}

	branches := make(map[string]any, len(starts))
	succeeded, failed := 0, 0

	for i, start := range starts {
		out := outcomes[i]
		entry := map[string]any{"status": "succeeded", "results": out.frame.scope.Written()}

		if out.err != nil {
			failed++
			entry["status"] = "failed"
			entry["error"] = out.err.Error()
		} else {
			succeeded++
		}

		branches[start.NodeID] = entry
	}

	switch {
	case groupErr != nil:
		return result{}, permanent(groupErr)
	case failed > 0 && cfg.FailurePolicy == models.WaitForAll:
		return result{}, permanent(fmt.Errorf("%d of %d branches failed: %w", failed, len(starts), firstBranchError(outcomes)))
	}

	for _, out := range outcomes {
		for nodeID := range out.frame.visited {
			f.visited[nodeID] = true
		}

		if out.err == nil {
			f.scope.Merge(out.frame.scope)
		}
	}

	return result{
		key: cfg.ResultKey,
		value: map[string]any{
			"branches":  branches,
			"succeeded": succeeded,
			"failed":    failed,
			"policy":    string(cfg.FailurePolicy),
		},
	}, nil
}

func firstBranchError(outcomes []branchOutcome) error {
	for _, out := range outcomes {
		if out.err != nil {
			return out.err
		}
	}

	return errors.New("unknown branch failure")
}
