package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/protocol"
)

// Decision answers a pending approval.
type Decision struct {
	// NodeID selects the approval node; it may be empty while only one approval is pending.
	NodeID   string `json:"node_id,omitempty"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Comment  string `json:"comment,omitempty"`
}

type approvalWaiter struct {
	approvers []string
	decisions chan Decision
}

// runApproval pauses the execution until a decision arrives or the approval
// expires. Expiry counts as a rejection.
func runApproval(ctx context.Context, r *run, _ *frame, node *models.Node) (result, error) {
	cfg := configOrZero[models.ApprovalConfig](node)
	if cfg.ApprovedHandle == "" {
		cfg.ApprovedHandle = "approved"
	}

	if cfg.RejectedHandle == "" {
		cfg.RejectedHandle = "rejected"
	}

	waiter := &approvalWaiter{approvers: cfg.Approvers, decisions: make(chan Decision, 1)}

	r.approvalsMu.Lock()
	r.approvals[node.NodeID] = waiter
	r.approvalsMu.Unlock()

	defer func() {
		r.approvalsMu.Lock()
		delete(r.approvals, node.NodeID)
		r.approvalsMu.Unlock()
	}()

	r.pause(ctx)
	defer r.resume(ctx)

	r.logger.InfoContext(ctx, "awaiting approval", "node_id", node.NodeID, "approvers", cfg.Approvers)

	var expired <-chan time.Time

	if expiration := cfg.Expiration(); expiration > 0 {
		timer := time.NewTimer(expiration)
		defer timer.Stop()

		expired = timer.C
	}

	var (
		decision  Decision
		isExpired bool
	)

	select {
	case decision = <-waiter.decisions:
	case <-expired:
		isExpired = true
	case <-ctx.Done():
		return result{}, permanent(context.Cause(ctx))
	}

	handle := cfg.RejectedHandle
	status := "rejected"

	if decision.Approved && !isExpired {
		handle = cfg.ApprovedHandle
		status = "approved"
	}

	return result{
		handles: []string{handle},
		key:     cfg.ResultKey,
		value: map[string]any{
			"decision":   status,
			"actor":      decision.Actor,
			"comment":    decision.Comment,
			"decided_at": r.engine.now().Format(time.RFC3339),
			"expired":    isExpired,
		},
	}, nil
}

// deliver hands decision to the waiting approval node.
func (r *run) deliver(decision Decision) error {
	r.approvalsMu.Lock()
	defer r.approvalsMu.Unlock()

	nodeID := decision.NodeID

	if nodeID == "" {
		switch len(r.approvals) {
		case 0:
			return ErrNotPaused
		case 1:
			for id := range r.approvals {
				nodeID = id
			}
		default:
			return ErrAmbiguousApproval
		}
	}

	waiter, ok := r.approvals[nodeID]
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotPaused, nodeID)
	}

	if len(waiter.approvers) > 0 && !slices.Contains(waiter.approvers, decision.Actor) {
		return fmt.Errorf("%w: %s may not decide on node %s", protocol.ErrForbidden, decision.Actor, nodeID)
	}

	decision.NodeID = nodeID

	select {
	case waiter.decisions <- decision:
		delete(r.approvals, nodeID)

		return nil
	default:
		return fmt.Errorf("%w: node %s already decided", ErrNotPaused, nodeID)
	}
}
