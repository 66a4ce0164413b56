// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// CreateTestWorkflow creates an active workflow with default values that can be overridden.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:             uuid.NewString(),
		OrganizationID: "org-test",
		Name:           "Test Workflow " + uuid.NewString()[:8],
		Status:         models.WorkflowStatusActive,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithStatus sets the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// WithOrganization sets the workflow organization.
func WithOrganization(organizationID string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.OrganizationID = organizationID
	}
}

// CreateTestNode creates a node of the configuration's type.
func CreateTestNode(nodeID string, config models.NodeConfig, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		NodeID: nodeID,
		Type:   config.NodeType(),
		Name:   nodeID,
		Config: config,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithRetryLimit sets the node retry limit.
func WithRetryLimit(limit int) func(*models.Node) {
	return func(n *models.Node) {
		n.RetryLimit = limit
	}
}

// WithOptional marks the node optional.
func WithOptional() func(*models.Node) {
	return func(n *models.Node) {
		n.Optional = true
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) func(*models.Node) {
	return func(n *models.Node) {
		ms := timeout.Milliseconds()
		n.TimeoutMs = &ms
	}
}

// WithExecutionOrder sets the node execution order.
func WithExecutionOrder(order int) func(*models.Node) {
	return func(n *models.Node) {
		n.ExecutionOrder = &order
	}
}

// Connect creates a connection between two logical node ids.
func Connect(source, target string, overrides ...func(*models.Connection)) *models.Connection {
	conn := &models.Connection{SourceNodeID: source, TargetNodeID: target}

	for _, override := range overrides {
		override(conn)
	}

	return conn
}

// FromHandle attaches the connection to a source handle.
func FromHandle(handle string) func(*models.Connection) {
	return func(c *models.Connection) {
		c.SourceHandle = handle
	}
}

// WithOrder sets the connection execution order.
func WithOrder(order int) func(*models.Connection) {
	return func(c *models.Connection) {
		c.ExecutionOrder = order
	}
}

// When guards the connection with a condition group.
func When(group models.ConditionGroup) func(*models.Connection) {
	return func(c *models.Connection) {
		c.Condition = &group
	}
}

// SeedWorkflow stores the workflow with its graph.
func SeedWorkflow(t *testing.T, p persistence.Persistence, workflow *models.Workflow, nodes []*models.Node, conns []*models.Connection) {
	t.Helper()

	ctx := context.Background()

	err := persistence.RunInTx(ctx, p, func(uow persistence.UnitOfWork) error {
		err := uow.Workflows().Create(ctx, workflow)
		if err != nil {
			return err
		}

		for _, node := range nodes {
			_, err = uow.Graph().UpsertNode(ctx, workflow.ID, node)
			if err != nil {
				return err
			}
		}

		_, err = uow.Graph().ReplaceConnections(ctx, workflow.ID, conns)

		return err
	})
	require.NoError(t, err)
}
