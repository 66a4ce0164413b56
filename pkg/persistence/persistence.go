// Package persistence provides the storage abstraction for workflows, their graphs and executions.
package persistence

import (
	"context"
	"fmt"

	"github.com/dukex/flowgraph/pkg/models"
)

// Persistence is a graph store. Reads through the repositories it exposes
// are auto-committed; writes that must be atomic go through Begin.
type Persistence interface {
	Begin(ctx context.Context) (UnitOfWork, error)

	Workflows() WorkflowRepository
	Graph() GraphRepository
	Executions() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// UnitOfWork scopes repositories to one transaction. Exactly one of Commit or
// Rollback must be called; Rollback after Commit is a no-op.
type UnitOfWork interface {
	Workflows() WorkflowRepository
	Graph() GraphRepository
	Executions() ExecutionRepository

	Commit() error
	Rollback() error
}

// WorkflowRepository stores workflow rows without their graph.
type WorkflowRepository interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	Update(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	// Lock reads the workflow and excludes concurrent writers until the unit of work ends.
	Lock(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context, opts ListWorkflowsOptions) (*WorkflowListResult, error)
	ListActive(ctx context.Context, organizationID string) ([]*models.Workflow, error)
	ExistsByName(ctx context.Context, organizationID, name, excludeID string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// GraphRepository stores the nodes and connections of workflows.
type GraphRepository interface {
	// FindNodes returns nodes ordered by execution order (unset last), then creation time.
	FindNodes(ctx context.Context, workflowID string) ([]*models.Node, error)
	// UpsertNode creates or updates the node keyed by (workflowID, node.NodeID),
	// preserving the storage id of an existing node.
	UpsertNode(ctx context.Context, workflowID string, node *models.Node) (*models.Node, error)
	// DeleteNodes removes the nodes with the given logical ids and every connection touching them.
	DeleteNodes(ctx context.Context, workflowID string, nodeIDs []string) error
	// FindConnections returns connections ordered by execution order, then creation time.
	FindConnections(ctx context.Context, workflowID string) ([]*models.Connection, error)
	// ReplaceConnections deletes every connection of the workflow and inserts conns,
	// resolving their logical endpoints to stored nodes.
	ReplaceConnections(ctx context.Context, workflowID string, conns []*models.Connection) ([]*models.Connection, error)
}

// ExecutionRepository stores executions and their node attempts.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	Update(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Execution, error)
	CountActive(ctx context.Context, workflowID string) (int, error)
	RecordAttempt(ctx context.Context, attempt *models.NodeAttempt) error
	Attempts(ctx context.Context, executionID string) ([]*models.NodeAttempt, error)
}

// ListWorkflowsOptions filters and paginates workflow listings.
type ListWorkflowsOptions struct {
	OrganizationID string
	Status         *models.WorkflowStatus
	NameContains   string
	SortBy         string
	SortOrder      string
	Limit          int
	Offset         int
}

// WorkflowListResult is one page of workflows.
type WorkflowListResult struct {
	Workflows   []*models.Workflow `json:"workflows"`
	TotalCount  int64              `json:"total_count"`
	HasNextPage bool               `json:"has_next_page"`
}

// Default list settings.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// AllowedSortFields is the allowlist of workflow sort columns.
var AllowedSortFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"name":       true,
	"status":     true,
}

// Normalize applies list defaults and validates the sort parameters.
func (o *ListWorkflowsOptions) Normalize() error {
	if o.Limit <= 0 || o.Limit > MaxListLimit {
		o.Limit = DefaultListLimit
	}

	if o.Offset < 0 {
		o.Offset = 0
	}

	if o.SortBy == "" {
		o.SortBy = "created_at"
	}

	if o.SortOrder == "" {
		o.SortOrder = "desc"
	}

	if !AllowedSortFields[o.SortBy] {
		return fmt.Errorf("%w: %s", ErrInvalidSortField, o.SortBy)
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		return fmt.Errorf("%w: %s", ErrInvalidSortOrder, o.SortOrder)
	}

	return nil
}

// RunInTx runs fn inside a unit of work, committing when fn returns nil and
// rolling back otherwise.
func RunInTx(ctx context.Context, p Persistence, fn func(uow UnitOfWork) error) error {
	uow, err := p.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin unit of work: %w", err)
	}

	defer func() {
		_ = uow.Rollback()
	}()

	err = fn(uow)
	if err != nil {
		return err
	}

	err = uow.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit unit of work: %w", err)
	}

	return nil
}
