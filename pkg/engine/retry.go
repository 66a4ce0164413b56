package engine

import (
	"context"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

func (e *Engine) backoff(retryLimit int) retry.Backoff {
	b := retry.NewExponential(e.config.RetryBaseDelay)
	b = retry.WithCappedDuration(e.config.RetryMaxDelay, b)

	return retry.WithMaxRetries(uint64(max(retryLimit, 0)), b)
}

// attempt runs fn until it succeeds, fails permanently or the node's retry
// limit is spent. Every try is recorded on the execution.
func (r *run) attempt(ctx context.Context, node *models.Node, fn func(ctx context.Context) (result, error)) (result, int, error) {
	var (
		out   result
		tries int
	)

	timeout := r.nodeTimeout(node)

	err := retry.Do(ctx, r.engine.backoff(node.RetryLimit), func(ctx context.Context) error {
		tries++

		attemptCtx := ctx

		if timeout > 0 {
			var cancel context.CancelFunc

			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		started := r.engine.now()
		res, err := fn(attemptCtx)

		if err == nil {
			out = res

			status := models.AttemptStatusSucceeded
			if res.skipped {
				status = models.AttemptStatusSkipped
			}

			r.record(ctx, node, tries, status, started, res.output(), nil)

			return nil
		}

		retryable := !IsPermanent(err) && ctx.Err() == nil && tries <= node.RetryLimit

		status := models.AttemptStatusFailed
		if retryable {
			status = models.AttemptStatusRetrying
		}

		r.record(ctx, node, tries, status, started, nil, err)

		if !retryable {
			return err
		}

		r.logger.WarnContext(ctx, "node attempt failed, retrying",
			"node_id", node.NodeID, "attempt", tries, "retry_limit", node.RetryLimit, "error", err)

		return retry.RetryableError(err)
	})

	return out, tries, err
}

// nodeTimeout is the per-attempt deadline of node. Control nodes that run
// subgraphs or wait for people only get one when it is set explicitly.
func (r *run) nodeTimeout(node *models.Node) time.Duration {
	if timeout := node.Timeout(); timeout > 0 {
		return timeout
	}

	switch node.Type {
	case models.NodeTypeQuery,
		models.NodeTypeCreateRecord,
		models.NodeTypeUpdateRecord,
		models.NodeTypeSendEmail,
		models.NodeTypeSendSMS:
		return r.engine.config.DefaultNodeTimeout
	default:
		return 0
	}
}

func (r *run) record(
	ctx context.Context,
	node *models.Node,
	attempt int,
	status models.AttemptStatus,
	started time.Time,
	output map[string]any,
	failure error,
) {
	entry := &models.NodeAttempt{
		ID:          uuid.NewString(),
		ExecutionID: r.execution.ID,
		NodeID:      node.NodeID,
		NodeType:    node.Type,
		Attempt:     attempt,
		Status:      status,
		Output:      output,
		StartedAt:   started,
		FinishedAt:  r.engine.now(),
	}

	if failure != nil {
		entry.Error = failure.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.engine.store.Executions().RecordAttempt(context.WithoutCancel(ctx), entry)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record node attempt", "node_id", node.NodeID, "attempt", attempt, "error", err)
	}
}
