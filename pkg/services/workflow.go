package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Caller identifies who performs an operation and on behalf of which organization.
type Caller struct {
	OrganizationID string
	Actor          string
}

type Workflow struct {
	persistence persistence.Persistence
	permissions protocol.PermissionChecker
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(persistence persistence.Persistence, permissions protocol.PermissionChecker, logger *slog.Logger) *Workflow {
	return &Workflow{
		persistence: persistence,
		permissions: permissions,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "workflow_service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateWorkflowRequest contains the fields of a new workflow.
type CreateWorkflowRequest struct {
	Name        string `validate:"required,max=255"`
	Description string `validate:"max=2000"`
}

// UpdateWorkflowRequest changes the fields that are set.
type UpdateWorkflowRequest struct {
	Name        *string                `validate:"omitempty,min=1,max=255"`
	Description *string                `validate:"omitempty,max=2000"`
	Status      *models.WorkflowStatus `validate:"omitempty"`
}

// ListWorkflowsRequest contains options for listing workflows.
type ListWorkflowsRequest struct {
	// Pagination
	Limit  int
	Offset int

	// Filtering
	Status       *models.WorkflowStatus
	NameContains string

	// Sorting
	SortBy    string
	SortOrder string
}

// Create stores a new DRAFT workflow. Names are unique per organization.
func (w *Workflow) Create(ctx context.Context, caller Caller, req CreateWorkflowRequest) (*models.Workflow, error) {
	err := w.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowWrite)
	if err != nil {
		return nil, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)

	err = w.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("Create", "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	now := w.now()
	workflow := &models.Workflow{
		ID:             uuid.NewString(),
		OrganizationID: caller.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         models.WorkflowStatusDraft,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = persistence.RunInTx(ctx, w.persistence, func(uow persistence.UnitOfWork) error {
		err := w.checkName(ctx, uow, workflow.OrganizationID, workflow.Name, "")
		if err != nil {
			return err
		}

		return uow.Workflows().Create(ctx, workflow)
	})
	if err != nil {
		return nil, mapNameConflict(err, "failed to create workflow")
	}

	w.logger.InfoContext(ctx, "workflow created",
		"workflow_id", workflow.ID, "organization_id", workflow.OrganizationID, "actor", caller.Actor)

	return workflow, nil
}

// Update renames, redescribes or changes the status of a workflow.
func (w *Workflow) Update(ctx context.Context, caller Caller, workflowID string, req UpdateWorkflowRequest) (*models.Workflow, error) {
	err := w.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowWrite)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		req.Name = &name
	}

	err = w.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("Update", "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	if req.Status != nil && !req.Status.IsValid() {
		return nil, NewValidationError("Update", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", *req.Status), ErrInvalidStatus)
	}

	var workflow *models.Workflow

	err = persistence.RunInTx(ctx, w.persistence, func(uow persistence.UnitOfWork) error {
		workflow, err = lockOwned(ctx, uow, caller, workflowID)
		if err != nil {
			return err
		}

		if workflow.IsArchived() {
			return ErrWorkflowArchived
		}

		if req.Name != nil && *req.Name != workflow.Name {
			err = w.checkName(ctx, uow, workflow.OrganizationID, *req.Name, workflow.ID)
			if err != nil {
				return err
			}

			workflow.Name = *req.Name
		}

		if req.Description != nil {
			workflow.Description = strings.TrimSpace(*req.Description)
		}

		if req.Status != nil {
			err = w.transition(ctx, uow, workflow, *req.Status)
			if err != nil {
				return err
			}
		}

		workflow.UpdatedAt = w.now()

		return uow.Workflows().Update(ctx, workflow)
	})
	if err != nil {
		return nil, mapNameConflict(err, "failed to update workflow")
	}

	w.logger.InfoContext(ctx, "workflow updated", "workflow_id", workflow.ID, "status", workflow.Status, "actor", caller.Actor)

	return workflow, nil
}

// Archive makes the workflow read-only. Its executions are kept.
func (w *Workflow) Archive(ctx context.Context, caller Caller, workflowID string) (*models.Workflow, error) {
	err := w.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowWrite)
	if err != nil {
		return nil, err
	}

	var workflow *models.Workflow

	err = persistence.RunInTx(ctx, w.persistence, func(uow persistence.UnitOfWork) error {
		workflow, err = lockOwned(ctx, uow, caller, workflowID)
		if err != nil {
			return err
		}

		if workflow.IsArchived() {
			return ErrWorkflowArchived
		}

		now := w.now()
		workflow.ApplyStatus(models.WorkflowStatusArchived, now)
		workflow.UpdatedAt = now

		return uow.Workflows().Update(ctx, workflow)
	})
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "workflow archived", "workflow_id", workflow.ID, "actor", caller.Actor)

	return workflow, nil
}

// Delete removes a workflow with its graph. The active execution check runs
// under the workflow lock that execution creation also takes.
func (w *Workflow) Delete(ctx context.Context, caller Caller, workflowID string) error {
	err := w.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowDelete)
	if err != nil {
		return err
	}

	err = persistence.RunInTx(ctx, w.persistence, func(uow persistence.UnitOfWork) error {
		_, err := lockOwned(ctx, uow, caller, workflowID)
		if err != nil {
			return err
		}

		active, err := uow.Executions().CountActive(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to count active executions: %w", err)
		}

		if active > 0 {
			return &ServiceError{
				Op:      "Delete",
				Code:    "ACTIVE_EXECUTIONS",
				Message: fmt.Sprintf("workflow has %d active execution(s)", active),
				Err:     ErrActiveExecutions,
			}
		}

		return uow.Workflows().Delete(ctx, workflowID)
	})
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "workflow deleted", "workflow_id", workflowID, "actor", caller.Actor)

	return nil
}

// FetchByID returns the workflow with its nodes and connections.
func (w *Workflow) FetchByID(ctx context.Context, caller Caller, workflowID string) (*models.Workflow, error) {
	err := w.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowRead)
	if err != nil {
		return nil, err
	}

	workflow, err := w.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.OrganizationID != caller.OrganizationID {
		return nil, persistence.NewWorkflowError("FetchByID", workflowID, ErrWorkflowNotFound)
	}

	workflow.Nodes, err = w.persistence.Graph().FindNodes(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}

	workflow.Connections, err = w.persistence.Graph().FindConnections(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	return workflow, nil
}

// List retrieves workflows of the caller's organization with filtering, sorting, and pagination.
func (w *Workflow) List(ctx context.Context, caller Caller, req ListWorkflowsRequest) (*persistence.WorkflowListResult, error) {
	err := w.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowRead)
	if err != nil {
		return nil, err
	}

	if req.Status != nil && !req.Status.IsValid() {
		return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", *req.Status), ErrInvalidStatus)
	}

	opts := persistence.ListWorkflowsOptions{
		OrganizationID: caller.OrganizationID,
		Status:         req.Status,
		NameContains:   strings.TrimSpace(req.NameContains),
		SortBy:         req.SortBy,
		SortOrder:      req.SortOrder,
		Limit:          req.Limit,
		Offset:         req.Offset,
	}

	err = opts.Normalize()
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, NewValidationError("List", "INVALID_SORT_FIELD", err.Error(), ErrInvalidSortField)
		}

		return nil, NewValidationError("List", "INVALID_SORT_ORDER", err.Error(), ErrInvalidSortOrder)
	}

	result, err := w.persistence.Workflows().List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return result, nil
}

func (w *Workflow) checkName(ctx context.Context, uow persistence.UnitOfWork, organizationID, name, excludeID string) error {
	exists, err := uow.Workflows().ExistsByName(ctx, organizationID, name, excludeID)
	if err != nil {
		return fmt.Errorf("failed to check workflow name: %w", err)
	}

	if exists {
		return &ServiceError{Op: "checkName", Code: "NAME_CONFLICT", Message: fmt.Sprintf("workflow %q already exists", name), Err: ErrNameConflict}
	}

	return nil
}

func (w *Workflow) transition(ctx context.Context, uow persistence.UnitOfWork, workflow *models.Workflow, next models.WorkflowStatus) error {
	if next == models.WorkflowStatusActive && workflow.Status != models.WorkflowStatusActive {
		nodes, err := uow.Graph().FindNodes(ctx, workflow.ID)
		if err != nil {
			return fmt.Errorf("failed to load nodes: %w", err)
		}

		err = validateForPublishing(nodes)
		if err != nil {
			return err
		}
	}

	if !workflow.ApplyStatus(next, w.now()) {
		return &ServiceError{
			Op:      "Update",
			Code:    "INVALID_STATUS_TRANSITION",
			Message: fmt.Sprintf("cannot move workflow from %s to %s", workflow.Status, next),
			Err:     ErrInvalidStatusTransition,
		}
	}

	return nil
}

// lockOwned locks the workflow and hides workflows of other organizations.
func lockOwned(ctx context.Context, uow persistence.UnitOfWork, caller Caller, workflowID string) (*models.Workflow, error) {
	workflow, err := uow.Workflows().Lock(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.OrganizationID != caller.OrganizationID {
		return nil, persistence.NewWorkflowError("Lock", workflowID, ErrWorkflowNotFound)
	}

	return workflow, nil
}

func mapNameConflict(err error, msg string) error {
	if persistence.IsNameConflict(err) {
		return &ServiceError{Op: "checkName", Code: "NAME_CONFLICT", Message: err.Error(), Err: ErrNameConflict}
	}

	if IsValidationError(err) || IsConflictError(err) || IsNotFoundError(err) {
		return err
	}

	return fmt.Errorf("%s: %w", msg, err)
}
