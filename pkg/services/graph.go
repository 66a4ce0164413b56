package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/otelhelper"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/dukex/flowgraph/pkg/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SyncNode is one node of a submitted canvas, identified by its logical id.
type SyncNode struct {
	NodeID         string          `json:"node_id"`
	Type           models.NodeType `json:"type"`
	Name           string          `json:"name"`
	Position       models.Position `json:"position"`
	Config         map[string]any  `json:"config"`
	ExecutionOrder *int            `json:"execution_order,omitempty"`
	TimeoutMs      *int64          `json:"timeout_ms,omitempty"`
	RetryLimit     *int            `json:"retry_limit,omitempty"`
	Optional       bool            `json:"optional"`
}

// SyncConnection is one edge of a submitted canvas between logical node ids.
type SyncConnection struct {
	SourceNodeID   string                 `json:"source_node_id"`
	TargetNodeID   string                 `json:"target_node_id"`
	SourceHandle   string                 `json:"source_handle,omitempty"`
	TargetHandle   string                 `json:"target_handle,omitempty"`
	ExecutionOrder int                    `json:"execution_order"`
	Label          string                 `json:"label,omitempty"`
	Condition      *models.ConditionGroup `json:"condition,omitempty"`
	Style          map[string]any         `json:"style,omitempty"`
}

// SyncRequest is the complete desired graph of a workflow.
type SyncRequest struct {
	Nodes       []SyncNode       `json:"nodes"`
	Connections []SyncConnection `json:"connections"`
}

// Graph reconciles and reads workflow graphs.
type Graph struct {
	persistence persistence.Persistence
	registry    *schema.Registry
	permissions protocol.PermissionChecker
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewGraph creates a new graph service.
func NewGraph(
	persistence persistence.Persistence,
	registry *schema.Registry,
	permissions protocol.PermissionChecker,
	logger *slog.Logger,
) *Graph {
	return &Graph{
		persistence: persistence,
		registry:    registry,
		permissions: permissions,
		logger:      logger.With("module", "graph_service"),
		tracer:      otelhelper.Tracer("flowgraph/services"),
	}
}

// Sync replaces the stored graph of a workflow with the submitted one in a
// single unit of work. Nodes missing from the submission are deleted with
// their connections; connections are always recreated.
func (g *Graph) Sync(ctx context.Context, caller Caller, workflowID string, req SyncRequest) (*models.Graph, error) {
	ctx, span := g.tracer.Start(ctx, "services.graph.sync", trace.WithAttributes(
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
		attribute.String(otelhelper.OrganizationIDKey, caller.OrganizationID),
		attribute.Int("flowgraph.graph.nodes", len(req.Nodes)),
		attribute.Int("flowgraph.graph.connections", len(req.Connections)),
	))
	defer span.End()

	err := g.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionGraphSync)
	if err != nil {
		return nil, err
	}

	nodes, conns, err := g.prepare(req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	var graph *models.Graph

	err = persistence.RunInTx(ctx, g.persistence, func(uow persistence.UnitOfWork) error {
		workflow, err := lockOwned(ctx, uow, caller, workflowID)
		if err != nil {
			return err
		}

		if workflow.IsArchived() {
			return ErrWorkflowArchived
		}

		stored, err := uow.Graph().FindNodes(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to load nodes: %w", err)
		}

		var removed []string

		for _, node := range stored {
			if !slices.ContainsFunc(nodes, func(n *models.Node) bool { return n.NodeID == node.NodeID }) {
				removed = append(removed, node.NodeID)
			}
		}

		if len(removed) > 0 {
			err = uow.Graph().DeleteNodes(ctx, workflowID, removed)
			if err != nil {
				return fmt.Errorf("failed to delete nodes: %w", err)
			}
		}

		for _, node := range nodes {
			_, err = uow.Graph().UpsertNode(ctx, workflowID, node)
			if err != nil {
				return err
			}
		}

		_, err = uow.Graph().ReplaceConnections(ctx, workflowID, conns)
		if err != nil {
			return err
		}

		workflow.Version++
		workflow.UpdatedAt = time.Now().UTC()

		err = uow.Workflows().Update(ctx, workflow)
		if err != nil {
			return err
		}

		graph, err = readGraph(ctx, uow.Graph(), workflow)

		return err
	})
	if err != nil {
		otelhelper.SetError(span, err)
		g.logger.WarnContext(ctx, "graph sync rejected", "workflow_id", workflowID, "error", err)

		return nil, err
	}

	g.logger.InfoContext(ctx, "graph synchronized",
		"workflow_id", workflowID,
		"version", graph.Version,
		"nodes", len(graph.Nodes),
		"connections", len(graph.Connections),
		"actor", caller.Actor)

	return graph, nil
}

// Fetch returns the stored graph of a workflow.
func (g *Graph) Fetch(ctx context.Context, caller Caller, workflowID string) (*models.Graph, error) {
	err := g.permissions.RequirePermission(ctx, caller.OrganizationID, caller.Actor, protocol.ActionWorkflowRead)
	if err != nil {
		return nil, err
	}

	workflow, err := g.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.OrganizationID != caller.OrganizationID {
		return nil, persistence.NewWorkflowError("Fetch", workflowID, ErrWorkflowNotFound)
	}

	return readGraph(ctx, g.persistence.Graph(), workflow)
}

// prepare validates the submission without touching storage.
func (g *Graph) prepare(req SyncRequest) ([]*models.Node, []*models.Connection, error) {
	nodes := make([]*models.Node, 0, len(req.Nodes))
	seen := make(map[string]bool, len(req.Nodes))

	for i, in := range req.Nodes {
		nodeID := strings.TrimSpace(in.NodeID)
		if nodeID == "" {
			return nil, nil, NewValidationError("Sync", "NODE_ID_REQUIRED", fmt.Sprintf("node %d has no node_id", i), ErrInvalidRequest)
		}

		if seen[nodeID] {
			return nil, nil, NewValidationError("Sync", "DUPLICATE_NODE_ID", fmt.Sprintf("node_id %q is used twice", nodeID), ErrDuplicateNodeID)
		}

		seen[nodeID] = true

		config, err := g.registry.Validate(nodeID, in.Type, in.Config)
		if err != nil {
			return nil, nil, err
		}

		retryLimit := models.DefaultRetryLimit
		if in.RetryLimit != nil {
			retryLimit = *in.RetryLimit
		}

		if retryLimit < 0 || retryLimit > 10 {
			return nil, nil, NewValidationError("Sync", "INVALID_RETRY_LIMIT",
				fmt.Sprintf("node %s: retry_limit must be between 0 and 10", nodeID), ErrInvalidRequest)
		}

		if in.TimeoutMs != nil && *in.TimeoutMs < 0 {
			return nil, nil, NewValidationError("Sync", "INVALID_TIMEOUT",
				fmt.Sprintf("node %s: timeout_ms must not be negative", nodeID), ErrInvalidRequest)
		}

		nodes = append(nodes, &models.Node{
			NodeID:         nodeID,
			Type:           in.Type,
			Name:           strings.TrimSpace(in.Name),
			Position:       in.Position,
			Config:         config,
			ExecutionOrder: in.ExecutionOrder,
			TimeoutMs:      in.TimeoutMs,
			RetryLimit:     retryLimit,
			Optional:       in.Optional,
		})
	}

	for _, node := range nodes {
		parallel, ok := node.Config.(*models.ParallelConfig)
		if !ok {
			continue
		}

		for _, target := range parallel.NodeIDs {
			if !seen[target] || target == node.NodeID {
				return nil, nil, NewValidationError("Sync", "INVALID_PARALLEL_TARGET",
					fmt.Sprintf("parallel node %s references unknown node %q", node.NodeID, target), ErrInvalidRequest)
			}
		}
	}

	conns := make([]*models.Connection, 0, len(req.Connections))

	for i, in := range req.Connections {
		source := strings.TrimSpace(in.SourceNodeID)
		target := strings.TrimSpace(in.TargetNodeID)

		if source == "" || target == "" {
			return nil, nil, NewValidationError("Sync", "CONNECTION_ENDPOINT_REQUIRED",
				fmt.Sprintf("connection %d needs source_node_id and target_node_id", i), ErrInvalidRequest)
		}

		err := g.registry.ValidateConditionGroup(in.Condition)
		if err != nil {
			return nil, nil, fmt.Errorf("connection %s -> %s: %w", source, target, err)
		}

		conns = append(conns, &models.Connection{
			SourceNodeID:   source,
			TargetNodeID:   target,
			SourceHandle:   strings.TrimSpace(in.SourceHandle),
			TargetHandle:   strings.TrimSpace(in.TargetHandle),
			ExecutionOrder: in.ExecutionOrder,
			Label:          in.Label,
			Condition:      in.Condition,
			Style:          in.Style,
		})
	}

	return nodes, conns, nil
}

func readGraph(ctx context.Context, repo persistence.GraphRepository, workflow *models.Workflow) (*models.Graph, error) {
	nodes, err := repo.FindNodes(ctx, workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}

	conns, err := repo.FindConnections(ctx, workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	return &models.Graph{WorkflowID: workflow.ID, Version: workflow.Version, Nodes: nodes, Connections: conns}, nil
}
