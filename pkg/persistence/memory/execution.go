package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	memdb "github.com/hashicorp/go-memdb"
)

// ExecutionRepository stores executions and node attempts in memory.
type ExecutionRepository struct {
	store
}

func (r *ExecutionRepository) Create(_ context.Context, execution *models.Execution) error {
	return r.write(func(txn *memdb.Txn) error {
		return insert(txn, tableExecutions, copyExecution(execution))
	})
}

func (r *ExecutionRepository) Update(_ context.Context, execution *models.Execution) error {
	return r.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableExecutions, indexID, execution.ID)
		if err != nil {
			return fmt.Errorf("failed to read execution: %w", err)
		}

		if existing == nil {
			return &persistence.ExecutionError{Op: "Update", ExecutionID: execution.ID, Err: persistence.ErrExecutionNotFound}
		}

		return insert(txn, tableExecutions, copyExecution(execution))
	})
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	var execution *models.Execution

	err := r.read(func(txn *memdb.Txn) error {
		obj, err := txn.First(tableExecutions, indexID, id)
		if err != nil {
			return fmt.Errorf("failed to read execution: %w", err)
		}

		if obj == nil {
			return &persistence.ExecutionError{Op: "GetByID", ExecutionID: id, Err: persistence.ErrExecutionNotFound}
		}

		execution = copyExecution(obj.(*models.Execution))
		execution.Attempts, err = attempts(txn, id)

		return err
	})

	return execution, err
}

func (r *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string, limit, offset int) ([]*models.Execution, error) {
	if limit <= 0 || limit > persistence.MaxListLimit {
		limit = persistence.DefaultListLimit
	}

	var executions []*models.Execution

	err := r.read(func(txn *memdb.Txn) error {
		stored, err := collect[models.Execution](txn, tableExecutions, indexWorkflow, workflowID)
		if err != nil {
			return err
		}

		for _, execution := range stored {
			executions = append(executions, copyExecution(execution))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(executions, func(a, b *models.Execution) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), strings.Compare(a.ID, b.ID))
	})

	start := min(max(offset, 0), len(executions))
	end := min(start+limit, len(executions))

	return executions[start:end], nil
}

func (r *ExecutionRepository) CountActive(_ context.Context, workflowID string) (int, error) {
	var count int

	err := r.read(func(txn *memdb.Txn) error {
		stored, err := collect[models.Execution](txn, tableExecutions, indexWorkflow, workflowID)
		if err != nil {
			return err
		}

		for _, execution := range stored {
			if !execution.Status.IsTerminal() {
				count++
			}
		}

		return nil
	})

	return count, err
}

func (r *ExecutionRepository) RecordAttempt(_ context.Context, attempt *models.NodeAttempt) error {
	return r.write(func(txn *memdb.Txn) error {
		clone := *attempt
		clone.Output = maps.Clone(attempt.Output)

		return insert(txn, tableAttempts, &clone)
	})
}

func (r *ExecutionRepository) Attempts(_ context.Context, executionID string) ([]*models.NodeAttempt, error) {
	var out []*models.NodeAttempt

	err := r.read(func(txn *memdb.Txn) error {
		var err error

		out, err = attempts(txn, executionID)

		return err
	})

	return out, err
}

func attempts(txn *memdb.Txn, executionID string) ([]*models.NodeAttempt, error) {
	stored, err := collect[models.NodeAttempt](txn, tableAttempts, indexExecution, executionID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.NodeAttempt, 0, len(stored))

	for _, attempt := range stored {
		clone := *attempt
		out = append(out, &clone)
	}

	slices.SortStableFunc(out, func(a, b *models.NodeAttempt) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.Attempt, b.Attempt), strings.Compare(a.ID, b.ID))
	})

	return out, nil
}

func copyExecution(execution *models.Execution) *models.Execution {
	clone := *execution
	clone.Context = maps.Clone(execution.Context)
	clone.Attempts = nil

	return &clone
}
