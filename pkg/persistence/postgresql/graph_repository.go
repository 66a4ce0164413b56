package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// GraphRepository handles node and connection database operations.
type GraphRepository struct {
	db     querier
	logger *slog.Logger
}

// NewGraphRepository creates a new graph repository.
func NewGraphRepository(db querier, logger *slog.Logger) *GraphRepository {
	return &GraphRepository{db: db, logger: logger}
}

// FindNodes returns the nodes of a workflow.
func (r *GraphRepository) FindNodes(ctx context.Context, workflowID string) ([]*models.Node, error) {
	query := `
		SELECT id, workflow_id, node_id, type, name, position_x, position_y, config,
			execution_order, timeout_ms, retry_limit, optional, created_at, updated_at
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY execution_order NULLS LAST, created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow nodes: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	nodes := make([]*models.Node, 0)

	for rows.Next() {
		var (
			node           models.Node
			configJSON     []byte
			executionOrder sql.NullInt32
			timeoutMs      sql.NullInt64
		)

		err := rows.Scan(
			&node.ID,
			&node.WorkflowID,
			&node.NodeID,
			&node.Type,
			&node.Name,
			&node.Position.X,
			&node.Position.Y,
			&configJSON,
			&executionOrder,
			&timeoutMs,
			&node.RetryLimit,
			&node.Optional,
			&node.CreatedAt,
			&node.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow node: %w", err)
		}

		node.Config, err = models.DecodeNodeConfig(node.Type, configJSON)
		if err != nil {
			return nil, &persistence.NodeError{Op: "FindNodes", WorkflowID: workflowID, NodeID: node.NodeID, Err: err}
		}

		if executionOrder.Valid {
			order := int(executionOrder.Int32)
			node.ExecutionOrder = &order
		}

		if timeoutMs.Valid {
			timeout := timeoutMs.Int64
			node.TimeoutMs = &timeout
		}

		nodes = append(nodes, &node)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow nodes: %w", err)
	}

	return nodes, nil
}

// UpsertNode inserts the node or updates the row keyed by its logical id.
func (r *GraphRepository) UpsertNode(ctx context.Context, workflowID string, node *models.Node) (*models.Node, error) {
	configJSON, err := json.Marshal(node.Config)
	if err != nil {
		return nil, &persistence.NodeError{Op: "UpsertNode", WorkflowID: workflowID, NodeID: node.NodeID, Err: err}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate node id: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO workflow_nodes (id, workflow_id, node_id, type, name, position_x, position_y,
			config, execution_order, timeout_ms, retry_limit, optional, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (workflow_id, node_id) DO UPDATE SET
			type = EXCLUDED.type,
			name = EXCLUDED.name,
			position_x = EXCLUDED.position_x,
			position_y = EXCLUDED.position_y,
			config = EXCLUDED.config,
			execution_order = EXCLUDED.execution_order,
			timeout_ms = EXCLUDED.timeout_ms,
			retry_limit = EXCLUDED.retry_limit,
			optional = EXCLUDED.optional,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	stored := *node
	stored.WorkflowID = workflowID

	err = r.db.QueryRowContext(ctx, query,
		id.String(),
		workflowID,
		node.NodeID,
		node.Type,
		node.Name,
		node.Position.X,
		node.Position.Y,
		nullableJSON(configJSON),
		node.ExecutionOrder,
		node.TimeoutMs,
		node.RetryLimit,
		node.Optional,
		now,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, &persistence.NodeError{
			Op:         "UpsertNode",
			WorkflowID: workflowID,
			NodeID:     node.NodeID,
			Err:        fmt.Errorf("failed to upsert node: %w", err),
		}
	}

	return &stored, nil
}

// DeleteNodes removes nodes by logical id. Connections go with them through the foreign keys.
func (r *GraphRepository) DeleteNodes(ctx context.Context, workflowID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		"DELETE FROM workflow_nodes WHERE workflow_id = $1 AND node_id = ANY($2)",
		workflowID, pq.Array(nodeIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to delete workflow nodes: %w", err)
	}

	return nil
}

// FindConnections returns the connections of a workflow with both id forms filled in.
func (r *GraphRepository) FindConnections(ctx context.Context, workflowID string) ([]*models.Connection, error) {
	query := `
		SELECT c.id, c.workflow_id, c.source_id, c.target_id, s.node_id, t.node_id,
			c.source_handle, c.target_handle, c.execution_order, c.label, c.condition, c.style, c.created_at
		FROM workflow_connections c
		JOIN workflow_nodes s ON s.id = c.source_id
		JOIN workflow_nodes t ON t.id = c.target_id
		WHERE c.workflow_id = $1
		ORDER BY c.execution_order, c.created_at, c.id
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow connections: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	connections := make([]*models.Connection, 0)

	for rows.Next() {
		var (
			conn          models.Connection
			conditionJSON []byte
			styleJSON     []byte
		)

		err := rows.Scan(
			&conn.ID,
			&conn.WorkflowID,
			&conn.SourceID,
			&conn.TargetID,
			&conn.SourceNodeID,
			&conn.TargetNodeID,
			&conn.SourceHandle,
			&conn.TargetHandle,
			&conn.ExecutionOrder,
			&conn.Label,
			&conditionJSON,
			&styleJSON,
			&conn.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow connection: %w", err)
		}

		if len(conditionJSON) > 0 {
			err = json.Unmarshal(conditionJSON, &conn.Condition)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal connection condition: %w", err)
			}
		}

		if len(styleJSON) > 0 {
			err = json.Unmarshal(styleJSON, &conn.Style)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal connection style: %w", err)
			}
		}

		connections = append(connections, &conn)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow connections: %w", err)
	}

	return connections, nil
}

// ReplaceConnections swaps the full connection set of a workflow.
func (r *GraphRepository) ReplaceConnections(
	ctx context.Context,
	workflowID string,
	conns []*models.Connection,
) ([]*models.Connection, error) {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_connections WHERE workflow_id = $1", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete workflow connections: %w", err)
	}

	if len(conns) == 0 {
		return []*models.Connection{}, nil
	}

	storageIDs, err := r.nodeStorageIDs(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO workflow_connections (id, workflow_id, source_id, target_id, source_handle,
			target_handle, execution_order, label, condition, style, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	now := time.Now().UTC()
	stored := make([]*models.Connection, 0, len(conns))

	for _, conn := range conns {
		sourceID, sourceOK := storageIDs[conn.SourceNodeID]
		targetID, targetOK := storageIDs[conn.TargetNodeID]

		if !sourceOK || !targetOK {
			return nil, &persistence.ConnectionError{
				Op:           "ReplaceConnections",
				WorkflowID:   workflowID,
				SourceNodeID: conn.SourceNodeID,
				TargetNodeID: conn.TargetNodeID,
				Err:          persistence.ErrNodeNotFound,
			}
		}

		conditionJSON, err := marshalOptional(conn.Condition != nil, conn.Condition)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal connection condition: %w", err)
		}

		styleJSON, err := marshalOptional(len(conn.Style) > 0, conn.Style)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal connection style: %w", err)
		}

		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate connection id: %w", err)
		}

		_, err = r.db.ExecContext(ctx, query,
			id.String(),
			workflowID,
			sourceID,
			targetID,
			conn.SourceHandle,
			conn.TargetHandle,
			conn.ExecutionOrder,
			conn.Label,
			conditionJSON,
			styleJSON,
			now,
		)
		if err != nil {
			return nil, &persistence.ConnectionError{
				Op:           "ReplaceConnections",
				WorkflowID:   workflowID,
				SourceNodeID: conn.SourceNodeID,
				TargetNodeID: conn.TargetNodeID,
				Err:          fmt.Errorf("failed to insert connection: %w", err),
			}
		}

		saved := *conn
		saved.ID = id.String()
		saved.WorkflowID = workflowID
		saved.SourceID = sourceID
		saved.TargetID = targetID
		saved.CreatedAt = now
		stored = append(stored, &saved)
	}

	return stored, nil
}

func (r *GraphRepository) nodeStorageIDs(ctx context.Context, workflowID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT node_id, id FROM workflow_nodes WHERE workflow_id = $1", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node ids: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	ids := make(map[string]string)

	for rows.Next() {
		var nodeID, id string

		err := rows.Scan(&nodeID, &id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node id: %w", err)
		}

		ids[nodeID] = id
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating node ids: %w", err)
	}

	return ids, nil
}

func marshalOptional(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return data, nil
}
