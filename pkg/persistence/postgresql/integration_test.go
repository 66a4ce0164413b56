package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last.
	for _, table := range []string{"node_attempts", "executions", "workflow_connections", "workflow_nodes", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if os.Getenv("FLOWGRAPH_PG_INTEGRATION") != "1" {
		t.Skip("set FLOWGRAPH_PG_INTEGRATION=1 to run PostgreSQL container tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowgraph_test"),
			postgres.WithUsername("flowgraph"),
			postgres.WithPassword("flowgraph"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx
}

func newWorkflow(t *testing.T, org, name string) *models.Workflow {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.Workflow{
		ID:             id.String(),
		OrganizationID: org,
		Name:           name,
		Status:         models.WorkflowStatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgres_GraphLifecycle(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := newWorkflow(t, "org-1", "Onboarding")
	require.NoError(t, p.Workflows().Create(ctx, workflow))

	err := p.Workflows().Create(ctx, newWorkflow(t, "org-1", "Onboarding"))
	assert.True(t, persistence.IsNameConflict(err))

	require.NoError(t, p.Workflows().Create(ctx, newWorkflow(t, "org-2", "Onboarding")))

	start, err := p.Graph().UpsertNode(ctx, workflow.ID, &models.Node{
		NodeID:     "start",
		Type:       models.NodeTypeTrigger,
		Config:     &models.TriggerConfig{Event: models.TriggerEventManual},
		RetryLimit: models.DefaultRetryLimit,
	})
	require.NoError(t, err)

	wait, err := p.Graph().UpsertNode(ctx, workflow.ID, &models.Node{
		NodeID: "wait",
		Type:   models.NodeTypeDelay,
		Config: &models.DelayConfig{DurationMs: 100},
	})
	require.NoError(t, err)

	again, err := p.Graph().UpsertNode(ctx, workflow.ID, &models.Node{
		NodeID:   "wait",
		Type:     models.NodeTypeDelay,
		Name:     "Short wait",
		Position: models.Position{X: 40, Y: 80},
		Config:   &models.DelayConfig{DurationMs: 200},
	})
	require.NoError(t, err)
	assert.Equal(t, wait.ID, again.ID)

	conns, err := p.Graph().ReplaceConnections(ctx, workflow.ID, []*models.Connection{
		{SourceNodeID: "start", TargetNodeID: "wait", Label: "go"},
	})
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, start.ID, conns[0].SourceID)

	_, err = p.Graph().ReplaceConnections(ctx, workflow.ID, []*models.Connection{
		{SourceNodeID: "start", TargetNodeID: "ghost"},
	})
	assert.True(t, persistence.IsNodeNotFound(err))

	nodes, err := p.Graph().FindNodes(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	stored, err := p.Graph().FindConnections(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	_, err = p.Graph().ReplaceConnections(ctx, workflow.ID, []*models.Connection{
		{SourceNodeID: "start", TargetNodeID: "wait"},
	})
	require.NoError(t, err)

	require.NoError(t, p.Graph().DeleteNodes(ctx, workflow.ID, []string{"wait"}))

	stored, err = p.Graph().FindConnections(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPostgres_UnitOfWorkRollsBack(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := newWorkflow(t, "org-1", "Rollback")

	err := persistence.RunInTx(ctx, p, func(uow persistence.UnitOfWork) error {
		require.NoError(t, uow.Workflows().Create(ctx, workflow))

		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = p.Workflows().GetByID(ctx, workflow.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestPostgres_Executions(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := newWorkflow(t, "org-1", "Runs")
	require.NoError(t, p.Workflows().Create(ctx, workflow))

	execution := models.NewExecution(uuid.NewString(), workflow, models.TriggerPayload{
		OrganizationID: "org-1",
		Event:          models.TriggerEventManual,
	}, time.Now().UTC())
	require.NoError(t, p.Executions().Create(ctx, execution))

	count, err := p.Executions().CountActive(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, execution.Fire(models.ExecutionEventStart, time.Now().UTC()))
	require.NoError(t, execution.Fire(models.ExecutionEventSucceed, time.Now().UTC()))
	execution.Context = map[string]any{"done": true}
	require.NoError(t, p.Executions().Update(ctx, execution))

	require.NoError(t, p.Executions().RecordAttempt(ctx, &models.NodeAttempt{
		ID:          uuid.NewString(),
		ExecutionID: execution.ID,
		NodeID:      "start",
		NodeType:    models.NodeTypeTrigger,
		Attempt:     1,
		Status:      models.AttemptStatusSucceeded,
		StartedAt:   time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
	}))

	loaded, err := p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, loaded.Status)
	assert.Equal(t, true, loaded.Context["done"])
	assert.Len(t, loaded.Attempts, 1)

	count, err = p.Executions().CountActive(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
