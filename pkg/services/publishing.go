package services

import (
	"context"
	"errors"

	"github.com/dukex/flowgraph/pkg/models"
)

// Publishing Validation Errors (400 Bad Request).
var (
	ErrNodesRequired       = errors.New("workflow must have at least one node")
	ErrTriggerNodeRequired = errors.New("workflow must have at least one trigger or schedule node")
)

// Publish activates a workflow so it starts receiving trigger events and schedule fires.
func (w *Workflow) Publish(ctx context.Context, caller Caller, workflowID string) (*models.Workflow, error) {
	status := models.WorkflowStatusActive

	return w.Update(ctx, caller, workflowID, UpdateWorkflowRequest{Status: &status})
}

// validateForPublishing ensures a workflow graph can start executions.
func validateForPublishing(nodes []*models.Node) error {
	if len(nodes) == 0 {
		return NewValidationError("Publish", "NODES_REQUIRED", ErrNodesRequired.Error(), ErrNodesRequired)
	}

	for _, node := range nodes {
		if node.Type == models.NodeTypeTrigger || node.Type == models.NodeTypeSchedule {
			return nil
		}
	}

	return NewValidationError("Publish", "TRIGGER_REQUIRED", ErrTriggerNodeRequired.Error(), ErrTriggerNodeRequired)
}
