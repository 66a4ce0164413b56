package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/lib/pq"
)

const executionColumns = `
			id
		  , workflow_id
		  , organization_id
		  , status
		  , trigger
		  , context
		  , error
		  , created_at
		  , started_at
		  , finished_at`

// ExecutionRepository handles execution and node attempt database operations.
type ExecutionRepository struct {
	db     querier
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db querier, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts a new execution.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	triggerJSON, contextJSON, err := marshalExecution(execution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (id, workflow_id, organization_id, status, trigger, context,
			error, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.OrganizationID,
		execution.Status,
		triggerJSON,
		contextJSON,
		execution.Error,
		execution.CreatedAt,
		execution.StartedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return &persistence.ExecutionError{Op: "Create", ExecutionID: execution.ID, Err: err}
	}

	return nil
}

// Update saves the status, context and timestamps of an execution.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	_, contextJSON, err := marshalExecution(execution)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions SET
			status = $2,
			context = $3,
			error = $4,
			started_at = $5,
			finished_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.Status,
		contextJSON,
		execution.Error,
		execution.StartedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return &persistence.ExecutionError{Op: "Update", ExecutionID: execution.ID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return &persistence.ExecutionError{Op: "Update", ExecutionID: execution.ID, Err: persistence.ErrExecutionNotFound}
	}

	return nil
}

// GetByID returns the execution with its node attempts.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT"+executionColumns+" FROM executions WHERE id = $1", id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.ExecutionError{Op: "GetByID", ExecutionID: id, Err: persistence.ErrExecutionNotFound}
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	execution.Attempts, err = r.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}

	return execution, nil
}

// ListByWorkflow returns executions of a workflow, newest first.
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Execution, error) {
	if limit <= 0 || limit > persistence.MaxListLimit {
		limit = persistence.DefaultListLimit
	}

	query := "SELECT" + executionColumns + `
		FROM executions
		WHERE workflow_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, workflowID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// CountActive counts the pending, running and paused executions of a workflow.
func (r *ExecutionRepository) CountActive(ctx context.Context, workflowID string) (int, error) {
	statuses := make([]string, 0, len(models.ActiveExecutionStatuses))
	for _, status := range models.ActiveExecutionStatuses {
		statuses = append(statuses, string(status))
	}

	var count int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE workflow_id = $1 AND status = ANY($2)",
		workflowID, pq.Array(statuses),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active executions: %w", err)
	}

	return count, nil
}

// RecordAttempt appends a node attempt to the execution history.
func (r *ExecutionRepository) RecordAttempt(ctx context.Context, attempt *models.NodeAttempt) error {
	var output any

	if attempt.Output != nil {
		data, err := json.Marshal(attempt.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt output: %w", err)
		}

		output = nullableJSON(data)
	}

	query := `
		INSERT INTO node_attempts (id, execution_id, node_id, node_type, attempt, status,
			error, output, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.ExecutionID,
		attempt.NodeID,
		attempt.NodeType,
		attempt.Attempt,
		attempt.Status,
		attempt.Error,
		output,
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	if err != nil {
		return &persistence.ExecutionError{Op: "RecordAttempt", ExecutionID: attempt.ExecutionID, Err: err}
	}

	return nil
}

// Attempts returns the node attempts of an execution in the order they started.
func (r *ExecutionRepository) Attempts(ctx context.Context, executionID string) ([]*models.NodeAttempt, error) {
	query := `
		SELECT id, execution_id, node_id, node_type, attempt, status, error, output, started_at, finished_at
		FROM node_attempts
		WHERE execution_id = $1
		ORDER BY started_at, attempt, id
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node attempts: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	attempts := make([]*models.NodeAttempt, 0)

	for rows.Next() {
		var (
			attempt    models.NodeAttempt
			outputJSON []byte
		)

		err := rows.Scan(
			&attempt.ID,
			&attempt.ExecutionID,
			&attempt.NodeID,
			&attempt.NodeType,
			&attempt.Attempt,
			&attempt.Status,
			&attempt.Error,
			&outputJSON,
			&attempt.StartedAt,
			&attempt.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node attempt: %w", err)
		}

		if len(outputJSON) > 0 {
			err = json.Unmarshal(outputJSON, &attempt.Output)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal attempt output: %w", err)
			}
		}

		attempts = append(attempts, &attempt)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating node attempts: %w", err)
	}

	return attempts, nil
}

func marshalExecution(execution *models.Execution) ([]byte, any, error) {
	triggerJSON, err := json.Marshal(execution.Trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal execution trigger: %w", err)
	}

	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}

	return triggerJSON, nullableJSON(contextJSON), nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution   models.Execution
		triggerJSON []byte
		contextJSON []byte
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.OrganizationID,
		&execution.Status,
		&triggerJSON,
		&contextJSON,
		&execution.Error,
		&execution.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(triggerJSON, &execution.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution trigger: %w", err)
	}

	if len(contextJSON) > 0 {
		err = json.Unmarshal(contextJSON, &execution.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
		}
	}

	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}

	if finishedAt.Valid {
		execution.FinishedAt = &finishedAt.Time
	}

	return &execution, nil
}
