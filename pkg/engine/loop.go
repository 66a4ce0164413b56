package engine

import (
	"context"
	"fmt"

	"github.com/dukex/flowgraph/pkg/models"
)

// runLoop walks the body handle once per item, sequentially, each iteration in
// its own child scope. An empty collection selects the empty path only.
func runLoop(ctx context.Context, r *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.LoopConfig](node)
	if err != nil {
		return result{}, err
	}

	items, err := collection(f.scope, cfg.SourceKey)
	if err != nil {
		return result{}, err
	}

	if len(items) == 0 {
		return result{
			handles: []string{cfg.EmptyPath},
			key:     cfg.ResultKey,
			value:   map[string]any{"count": 0, "iterations": []any{}},
		}, nil
	}

	limit := len(items)
	if cfg.MaxIterations > 0 && limit > cfg.MaxIterations {
		limit = cfg.MaxIterations
	}

	iterations := make([]any, 0, limit)

	for index, item := range items[:limit] {
		scope := f.scope.Child()
		scope.Set(cfg.ItemVariable, item)
		scope.Set(cfg.IndexVariable, index)

		body := newFrame(scope, map[string]bool{node.NodeID: true})

		err := r.follow(ctx, body, node.NodeID, cfg.BodyHandle)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return result{}, cause
			}

			return result{}, permanent(fmt.Errorf("iteration %d: %w", index, err))
		}

		results := scope.Written()
		delete(results, cfg.ItemVariable)
		delete(results, cfg.IndexVariable)

		iterations = append(iterations, map[string]any{
			"index":   index,
			"item":    item,
			"results": results,
		})
	}

	return result{
		key: cfg.ResultKey,
		value: map[string]any{
			"count":      len(iterations),
			"total":      len(items),
			"truncated":  limit < len(items),
			"iterations": iterations,
		},
	}, nil
}
