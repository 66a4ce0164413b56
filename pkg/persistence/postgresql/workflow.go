package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
)

const workflowColumns = `
			id
		  , organization_id
		  , name
		  , description
		  , status
		  , version
		  , total_executions
		  , successful_executions
		  , failed_executions
		  , created_at
		  , updated_at
		  , published_at
		  , archived_at`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     querier
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db querier, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// Create inserts a new workflow row.
func (r *WorkflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	query := `
		INSERT INTO workflows (id, organization_id, name, description, status, version,
			total_executions, successful_executions, failed_executions,
			created_at, updated_at, published_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.OrganizationID,
		workflow.Name,
		workflow.Description,
		workflow.Status,
		workflow.Version,
		workflow.TotalExecutions,
		workflow.SuccessfulExecutions,
		workflow.FailedExecutions,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.PublishedAt,
		workflow.ArchivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowNameConflict)
		}

		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	return nil
}

// Update overwrites the mutable columns of a workflow.
func (r *WorkflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	query := `
		UPDATE workflows SET
			name = $2,
			description = $3,
			status = $4,
			version = $5,
			total_executions = $6,
			successful_executions = $7,
			failed_executions = $8,
			updated_at = $9,
			published_at = $10,
			archived_at = $11
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Status,
		workflow.Version,
		workflow.TotalExecutions,
		workflow.SuccessfulExecutions,
		workflow.FailedExecutions,
		workflow.UpdatedAt,
		workflow.PublishedAt,
		workflow.ArchivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewWorkflowError("Update", workflow.ID, persistence.ErrWorkflowNameConflict)
		}

		return fmt.Errorf("failed to update workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Update", workflow.ID, persistence.ErrWorkflowNotFound)
	}

	return nil
}

// GetByID returns the workflow row without its graph.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	return r.get(ctx, "GetByID", "SELECT"+workflowColumns+" FROM workflows WHERE id = $1", id)
}

// Lock reads the workflow with a row lock held until the surrounding transaction ends.
func (r *WorkflowRepository) Lock(ctx context.Context, id string) (*models.Workflow, error) {
	return r.get(ctx, "Lock", "SELECT"+workflowColumns+" FROM workflows WHERE id = $1 FOR UPDATE", id)
}

func (r *WorkflowRepository) get(ctx context.Context, op, query, id string) (*models.Workflow, error) {
	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError(op, id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

// List returns one page of workflows matching opts.
func (r *WorkflowRepository) List(ctx context.Context, opts persistence.ListWorkflowsOptions) (*persistence.WorkflowListResult, error) {
	where, args, err := r.buildListQuery(&opts)
	if err != nil {
		return nil, err
	}

	var total int64

	err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows"+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	query := fmt.Sprintf("SELECT%s FROM workflows%s ORDER BY %s %s, id LIMIT $%d OFFSET $%d",
		workflowColumns, where, opts.SortBy, strings.ToUpper(opts.SortOrder), len(args)+1, len(args)+2)

	workflows, err := r.query(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, err
	}

	return &persistence.WorkflowListResult{
		Workflows:   workflows,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(workflows)) < total,
	}, nil
}

// buildListQuery validates opts and returns the WHERE clause with its arguments.
func (r *WorkflowRepository) buildListQuery(opts *persistence.ListWorkflowsOptions) (string, []any, error) {
	err := opts.Normalize()
	if err != nil {
		return "", nil, err
	}

	var (
		conditions []string
		args       []any
	)

	if opts.OrganizationID != "" {
		args = append(args, opts.OrganizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if opts.NameContains != "" {
		args = append(args, "%"+opts.NameContains+"%")
		conditions = append(conditions, fmt.Sprintf("name ILIKE $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args, nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// ListActive returns ACTIVE workflows, optionally restricted to one organization.
func (r *WorkflowRepository) ListActive(ctx context.Context, organizationID string) ([]*models.Workflow, error) {
	query := "SELECT" + workflowColumns + `
		FROM workflows
		WHERE status = $1 AND ($2 = '' OR organization_id = $2)
		ORDER BY created_at`

	return r.query(ctx, query, models.WorkflowStatusActive, organizationID)
}

// ExistsByName reports whether another workflow of the organization uses name.
func (r *WorkflowRepository) ExistsByName(ctx context.Context, organizationID, name, excludeID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM workflows
			WHERE organization_id = $1 AND name = $2 AND id::text <> $3
		)
	`

	var exists bool

	err := r.db.QueryRowContext(ctx, query, organizationID, name, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check workflow name: %w", err)
	}

	return exists, nil
}

// Delete removes the workflow together with its graph and executions.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) query(ctx context.Context, query string, args ...any) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow    models.Workflow
		publishedAt sql.NullTime
		archivedAt  sql.NullTime
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.OrganizationID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Status,
		&workflow.Version,
		&workflow.TotalExecutions,
		&workflow.SuccessfulExecutions,
		&workflow.FailedExecutions,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&publishedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	if publishedAt.Valid {
		workflow.PublishedAt = &publishedAt.Time
	}

	if archivedAt.Valid {
		workflow.ArchivedAt = &archivedAt.Time
	}

	return &workflow, nil
}
