package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/google/uuid"
	memdb "github.com/hashicorp/go-memdb"
)

// GraphRepository stores nodes and connections in memory.
type GraphRepository struct {
	store
}

func (r *GraphRepository) FindNodes(_ context.Context, workflowID string) ([]*models.Node, error) {
	nodes := make([]*models.Node, 0)

	err := r.read(func(txn *memdb.Txn) error {
		stored, err := collect[models.Node](txn, tableNodes, indexWorkflow, workflowID)
		if err != nil {
			return err
		}

		for _, node := range stored {
			nodes = append(nodes, copyNode(node))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(nodes, compareNodes)

	return nodes, nil
}

func (r *GraphRepository) UpsertNode(_ context.Context, workflowID string, node *models.Node) (*models.Node, error) {
	stored := copyNode(node)
	stored.WorkflowID = workflowID

	err := r.write(func(txn *memdb.Txn) error {
		now := time.Now().UTC()

		existing, err := txn.First(tableNodes, indexLogical, workflowID, node.NodeID)
		if err != nil {
			return fmt.Errorf("failed to read node: %w", err)
		}

		if existing != nil {
			stored.ID = existing.(*models.Node).ID
			stored.CreatedAt = existing.(*models.Node).CreatedAt
		} else {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate node id: %w", err)
			}

			stored.ID = id.String()
			stored.CreatedAt = now
		}

		stored.UpdatedAt = now

		return insert(txn, tableNodes, stored)
	})
	if err != nil {
		return nil, &persistence.NodeError{Op: "UpsertNode", WorkflowID: workflowID, NodeID: node.NodeID, Err: err}
	}

	return copyNode(stored), nil
}

// DeleteNodes removes the nodes and cascades to their connections.
func (r *GraphRepository) DeleteNodes(ctx context.Context, workflowID string, nodeIDs []string) error {
	return r.write(func(txn *memdb.Txn) error {
		for _, nodeID := range nodeIDs {
			obj, err := txn.First(tableNodes, indexLogical, workflowID, nodeID)
			if err != nil {
				return fmt.Errorf("failed to read node: %w", err)
			}

			if obj == nil {
				continue
			}

			id := obj.(*models.Node).ID

			for _, index := range []string{indexSource, indexTarget} {
				removed, err := txn.DeleteAll(tableConnections, index, id)
				if err != nil {
					return fmt.Errorf("failed to delete connections: %w", err)
				}

				if removed > 0 {
					r.logger.DebugContext(ctx, "cascaded node delete", "workflow_id", workflowID, "node_id", nodeID, "connections", removed)
				}
			}

			err = txn.Delete(tableNodes, obj)
			if err != nil {
				return fmt.Errorf("failed to delete node: %w", err)
			}
		}

		return nil
	})
}

func (r *GraphRepository) FindConnections(_ context.Context, workflowID string) ([]*models.Connection, error) {
	connections := make([]*models.Connection, 0)

	err := r.read(func(txn *memdb.Txn) error {
		stored, err := collect[models.Connection](txn, tableConnections, indexWorkflow, workflowID)
		if err != nil {
			return err
		}

		for _, conn := range stored {
			connections = append(connections, copyConnection(conn))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(connections, func(a, b *models.Connection) int {
		return cmp.Or(
			cmp.Compare(a.ExecutionOrder, b.ExecutionOrder),
			a.CreatedAt.Compare(b.CreatedAt),
			strings.Compare(a.ID, b.ID),
		)
	})

	return connections, nil
}

func (r *GraphRepository) ReplaceConnections(
	_ context.Context,
	workflowID string,
	conns []*models.Connection,
) ([]*models.Connection, error) {
	stored := make([]*models.Connection, 0, len(conns))

	err := r.write(func(txn *memdb.Txn) error {
		_, err := txn.DeleteAll(tableConnections, indexWorkflow, workflowID)
		if err != nil {
			return fmt.Errorf("failed to delete connections: %w", err)
		}

		now := time.Now().UTC()

		for _, conn := range conns {
			source, err := txn.First(tableNodes, indexLogical, workflowID, conn.SourceNodeID)
			if err != nil {
				return fmt.Errorf("failed to read node: %w", err)
			}

			target, err := txn.First(tableNodes, indexLogical, workflowID, conn.TargetNodeID)
			if err != nil {
				return fmt.Errorf("failed to read node: %w", err)
			}

			if source == nil || target == nil {
				return &persistence.ConnectionError{
					Op:           "ReplaceConnections",
					WorkflowID:   workflowID,
					SourceNodeID: conn.SourceNodeID,
					TargetNodeID: conn.TargetNodeID,
					Err:          persistence.ErrNodeNotFound,
				}
			}

			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate connection id: %w", err)
			}

			saved := copyConnection(conn)
			saved.ID = id.String()
			saved.WorkflowID = workflowID
			saved.SourceID = source.(*models.Node).ID
			saved.TargetID = target.(*models.Node).ID
			saved.CreatedAt = now

			err = insert(txn, tableConnections, saved)
			if err != nil {
				return err
			}

			stored = append(stored, copyConnection(saved))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

func compareNodes(a, b *models.Node) int {
	switch {
	case a.ExecutionOrder != nil && b.ExecutionOrder == nil:
		return -1
	case a.ExecutionOrder == nil && b.ExecutionOrder != nil:
		return 1
	case a.ExecutionOrder != nil && b.ExecutionOrder != nil && *a.ExecutionOrder != *b.ExecutionOrder:
		return cmp.Compare(*a.ExecutionOrder, *b.ExecutionOrder)
	}

	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
}

func copyNode(node *models.Node) *models.Node {
	clone := *node

	if node.ExecutionOrder != nil {
		order := *node.ExecutionOrder
		clone.ExecutionOrder = &order
	}

	if node.TimeoutMs != nil {
		timeout := *node.TimeoutMs
		clone.TimeoutMs = &timeout
	}

	return &clone
}

func copyConnection(conn *models.Connection) *models.Connection {
	clone := *conn

	return &clone
}
