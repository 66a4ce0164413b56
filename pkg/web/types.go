package web

import (
	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/services"
)

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	Name        string `json:"name"        validate:"required,max=255"`
	Description string `json:"description" validate:"max=2000"`
}

// UpdateWorkflowRequest represents the request body for updating an existing workflow.
// All fields are optional to support partial updates.
type UpdateWorkflowRequest struct {
	Name        *string                `json:"name,omitempty"        validate:"omitempty,min=1,max=255"`
	Description *string                `json:"description,omitempty" validate:"omitempty,max=2000"`
	Status      *models.WorkflowStatus `json:"status,omitempty"`
}

// SyncGraphRequest is the canvas submitted to PUT /workflows/:id/graph.
type SyncGraphRequest struct {
	Nodes       []services.SyncNode       `json:"nodes"`
	Connections []services.SyncConnection `json:"connections"`
}

// RunWorkflowRequest starts a manual execution.
type RunWorkflowRequest struct {
	Data map[string]any `json:"data"`
}

// ApprovalRequest resolves a pending approval node.
type ApprovalRequest struct {
	NodeID   string `json:"node_id,omitempty"`
	Approved *bool  `json:"approved"          validate:"required"`
	Comment  string `json:"comment,omitempty" validate:"max=2000"`
}

// NodeTypeResponse describes a node type and its configuration schema.
type NodeTypeResponse struct {
	Type           models.NodeType `json:"type"`
	RequiresConfig bool            `json:"requires_config"`
	Schema         map[string]any  `json:"schema"`
}
