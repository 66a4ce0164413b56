package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/protocol"
)

// Runner is the part of the engine the execution service drives.
type Runner interface {
	Submit(ctx context.Context, workflowID string, payload models.TriggerPayload) (*models.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Approve(ctx context.Context, executionID string, decision engine.Decision) error
}

// Execution starts, inspects and steers workflow executions on behalf of a caller.
type Execution struct {
	persistence persistence.Persistence
	runner      Runner
	permissions protocol.PermissionChecker
	logger      *slog.Logger
}

func NewExecution(
	persistence persistence.Persistence,
	runner Runner,
	permissions protocol.PermissionChecker,
	logger *slog.Logger,
) *Execution {
	return &Execution{
		persistence: persistence,
		runner:      runner,
		permissions: permissions,
		logger:      logger.With("module", "execution_service"),
	}
}

// Run starts a manual execution of the workflow with data as trigger data.
func (e *Execution) Run(ctx context.Context, caller Caller, workflowID string, data map[string]any) (*models.Execution, error) {
	err := e.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowRun)
	if err != nil {
		return nil, err
	}

	workflow, err := e.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.OrganizationID != caller.OrganizationID {
		return nil, persistence.NewWorkflowError("Run", workflowID, ErrWorkflowNotFound)
	}

	execution, err := e.runner.Submit(ctx, workflowID, models.TriggerPayload{
		OrganizationID: caller.OrganizationID,
		Event:          models.TriggerEventManual,
		Data:           data,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	e.logger.InfoContext(ctx, "manual execution started",
		"workflow_id", workflowID, "execution_id", execution.ID, "actor", caller.Actor)

	return execution, nil
}

// Get returns the execution with its node attempts.
func (e *Execution) Get(ctx context.Context, caller Caller, executionID string) (*models.Execution, error) {
	err := e.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowRead)
	if err != nil {
		return nil, err
	}

	return e.owned(ctx, caller, executionID)
}

// List returns the executions of a workflow, newest first.
func (e *Execution) List(ctx context.Context, caller Caller, workflowID string, limit, offset int) ([]*models.Execution, error) {
	err := e.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowRead)
	if err != nil {
		return nil, err
	}

	workflow, err := e.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.OrganizationID != caller.OrganizationID {
		return nil, persistence.NewWorkflowError("List", workflowID, ErrWorkflowNotFound)
	}

	return e.persistence.Executions().ListByWorkflow(ctx, workflowID, limit, offset)
}

// Cancel stops a pending, running or paused execution.
func (e *Execution) Cancel(ctx context.Context, caller Caller, executionID string) error {
	err := e.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowRun)
	if err != nil {
		return err
	}

	_, err = e.owned(ctx, caller, executionID)
	if err != nil {
		return err
	}

	err = e.runner.Cancel(ctx, executionID)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "execution cancelled", "execution_id", executionID, "actor", caller.Actor)

	return nil
}

// Approve answers the approval an execution is waiting on. The caller is the deciding actor.
func (e *Execution) Approve(ctx context.Context, caller Caller, executionID string, decision engine.Decision) error {
	err := e.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionApprove)
	if err != nil {
		return err
	}

	_, err = e.owned(ctx, caller, executionID)
	if err != nil {
		return err
	}

	decision.Actor = caller.Actor

	return e.runner.Approve(ctx, executionID, decision)
}

func (e *Execution) owned(ctx context.Context, caller Caller, executionID string) (*models.Execution, error) {
	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.OrganizationID != caller.OrganizationID {
		return nil, &persistence.ExecutionError{Op: "GetByID", ExecutionID: executionID, Err: ErrExecutionNotFound}
	}

	return execution, nil
}
