package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	memdb "github.com/hashicorp/go-memdb"
)

// WorkflowRepository stores workflow rows in memory.
type WorkflowRepository struct {
	store
}

func (r *WorkflowRepository) Create(_ context.Context, workflow *models.Workflow) error {
	return r.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableWorkflows, indexID, workflow.ID)
		if err != nil {
			return fmt.Errorf("failed to read workflow: %w", err)
		}

		if existing != nil {
			return fmt.Errorf("workflow %s already exists", workflow.ID)
		}

		err = checkNameFree(txn, workflow)
		if err != nil {
			return persistence.NewWorkflowError("Create", workflow.ID, err)
		}

		return insert(txn, tableWorkflows, copyWorkflow(workflow))
	})
}

func (r *WorkflowRepository) Update(_ context.Context, workflow *models.Workflow) error {
	return r.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableWorkflows, indexID, workflow.ID)
		if err != nil {
			return fmt.Errorf("failed to read workflow: %w", err)
		}

		if existing == nil {
			return persistence.NewWorkflowError("Update", workflow.ID, persistence.ErrWorkflowNotFound)
		}

		updated := copyWorkflow(workflow)
		updated.OrganizationID = existing.(*models.Workflow).OrganizationID
		updated.CreatedAt = existing.(*models.Workflow).CreatedAt

		err = checkNameFree(txn, updated)
		if err != nil {
			return persistence.NewWorkflowError("Update", workflow.ID, err)
		}

		return insert(txn, tableWorkflows, updated)
	})
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow *models.Workflow

	err := r.read(func(txn *memdb.Txn) error {
		obj, err := txn.First(tableWorkflows, indexID, id)
		if err != nil {
			return fmt.Errorf("failed to read workflow: %w", err)
		}

		if obj == nil {
			return persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		workflow = copyWorkflow(obj.(*models.Workflow))

		return nil
	})

	return workflow, err
}

// Lock is GetByID: a unit of work already holds the only write transaction.
func (r *WorkflowRepository) Lock(ctx context.Context, id string) (*models.Workflow, error) {
	return r.GetByID(ctx, id)
}

func (r *WorkflowRepository) List(_ context.Context, opts persistence.ListWorkflowsOptions) (*persistence.WorkflowListResult, error) {
	err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	var matched []*models.Workflow

	err = r.read(func(txn *memdb.Txn) error {
		all, err := collect[models.Workflow](txn, tableWorkflows, indexID)
		if err != nil {
			return err
		}

		needle := strings.ToLower(opts.NameContains)

		for _, workflow := range all {
			if opts.OrganizationID != "" && workflow.OrganizationID != opts.OrganizationID {
				continue
			}

			if opts.Status != nil && workflow.Status != *opts.Status {
				continue
			}

			if needle != "" && !strings.Contains(strings.ToLower(workflow.Name), needle) {
				continue
			}

			matched = append(matched, copyWorkflow(workflow))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(matched, func(a, b *models.Workflow) int {
		c := compareWorkflows(a, b, opts.SortBy)
		if opts.SortOrder == "desc" {
			c = -c
		}

		if c == 0 {
			return strings.Compare(a.ID, b.ID)
		}

		return c
	})

	total := len(matched)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)

	return &persistence.WorkflowListResult{
		Workflows:   matched[start:end],
		TotalCount:  int64(total),
		HasNextPage: end < total,
	}, nil
}

func (r *WorkflowRepository) ListActive(_ context.Context, organizationID string) ([]*models.Workflow, error) {
	var active []*models.Workflow

	err := r.read(func(txn *memdb.Txn) error {
		all, err := collect[models.Workflow](txn, tableWorkflows, indexStatus, string(models.WorkflowStatusActive))
		if err != nil {
			return err
		}

		for _, workflow := range all {
			if organizationID == "" || workflow.OrganizationID == organizationID {
				active = append(active, copyWorkflow(workflow))
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(active, func(a, b *models.Workflow) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})

	return active, nil
}

func (r *WorkflowRepository) ExistsByName(_ context.Context, organizationID, name, excludeID string) (bool, error) {
	var exists bool

	err := r.read(func(txn *memdb.Txn) error {
		obj, err := txn.First(tableWorkflows, indexOrgName, organizationID, name)
		if err != nil {
			return fmt.Errorf("failed to read workflow: %w", err)
		}

		exists = obj != nil && obj.(*models.Workflow).ID != excludeID

		return nil
	})

	return exists, err
}

// Delete removes the workflow and everything that belongs to it.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	return r.write(func(txn *memdb.Txn) error {
		obj, err := txn.First(tableWorkflows, indexID, id)
		if err != nil {
			return fmt.Errorf("failed to read workflow: %w", err)
		}

		if obj == nil {
			return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
		}

		executions, err := collect[models.Execution](txn, tableExecutions, indexWorkflow, id)
		if err != nil {
			return err
		}

		for _, execution := range executions {
			_, err = txn.DeleteAll(tableAttempts, indexExecution, execution.ID)
			if err != nil {
				return fmt.Errorf("failed to delete node attempts: %w", err)
			}
		}

		for _, table := range []string{tableExecutions, tableConnections, tableNodes} {
			removed, err := txn.DeleteAll(table, indexWorkflow, id)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", table, err)
			}

			r.logger.DebugContext(ctx, "cascaded workflow delete", "workflow_id", id, "table", table, "rows", removed)
		}

		err = txn.Delete(tableWorkflows, obj)
		if err != nil {
			return fmt.Errorf("failed to delete workflow: %w", err)
		}

		return nil
	})
}

func checkNameFree(txn *memdb.Txn, workflow *models.Workflow) error {
	obj, err := txn.First(tableWorkflows, indexOrgName, workflow.OrganizationID, workflow.Name)
	if err != nil {
		return fmt.Errorf("failed to read workflow: %w", err)
	}

	if obj != nil && obj.(*models.Workflow).ID != workflow.ID {
		return persistence.ErrWorkflowNameConflict
	}

	return nil
}

func compareWorkflows(a, b *models.Workflow, field string) int {
	switch field {
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func copyWorkflow(workflow *models.Workflow) *models.Workflow {
	clone := *workflow
	clone.Nodes = nil
	clone.Connections = nil

	return &clone
}

func insert(txn *memdb.Txn, table string, obj any) error {
	err := txn.Insert(table, obj)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", table, err)
	}

	return nil
}
