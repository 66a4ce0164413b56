package protocol

import (
	"context"
	"errors"
)

// ErrForbidden is returned when an actor may not perform an action.
var ErrForbidden = errors.New("forbidden")

// Actions checked by the workflow services.
const (
	ActionWorkflowRead   = "workflow:read"
	ActionWorkflowWrite  = "workflow:write"
	ActionWorkflowDelete = "workflow:delete"
	ActionGraphSync      = "graph:sync"
	ActionWorkflowRun    = "workflow:run"
	ActionApprove        = "execution:approve"
)

// PermissionChecker authorizes an actor of an organization.
type PermissionChecker interface {
	// RequirePermission returns an error wrapping ErrForbidden when the actor lacks action.
	RequirePermission(ctx context.Context, organizationID, actor, action string) error
}
