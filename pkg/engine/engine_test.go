package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/mocks"
	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/persistence/memory"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/dukex/flowgraph/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memory.Persistence
	records *mocks.MockRecordStore
	sender  *mocks.MockSender
	engine  *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store, err := memory.NewPersistence(logger)
	require.NoError(t, err)

	f := &fixture{store: store, records: &mocks.MockRecordStore{}, sender: &mocks.MockSender{}}
	f.engine = engine.New(store, f.records, f.sender, logger, engine.Config{
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      2 * time.Millisecond,
		DefaultNodeTimeout: time.Second,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = f.engine.Shutdown(ctx)
	})

	return f
}

func (f *fixture) seed(t *testing.T, nodes []*models.Node, conns []*models.Connection, overrides ...func(*models.Workflow)) *models.Workflow {
	t.Helper()

	workflow := testutil.CreateTestWorkflow(overrides...)
	testutil.SeedWorkflow(t, f.store, workflow, nodes, conns)

	return workflow
}

func (f *fixture) attempts(t *testing.T, executionID, nodeID string) []models.AttemptStatus {
	t.Helper()

	all, err := f.store.Executions().Attempts(context.Background(), executionID)
	require.NoError(t, err)

	var statuses []models.AttemptStatus

	for _, attempt := range all {
		if attempt.NodeID == nodeID {
			statuses = append(statuses, attempt.Status)
		}
	}

	return statuses
}

func (f *fixture) waitForStatus(t *testing.T, executionID string, status models.ExecutionStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		execution, err := f.store.Executions().GetByID(context.Background(), executionID)

		return err == nil && execution.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

func manual(data map[string]any) models.TriggerPayload {
	return models.TriggerPayload{Event: models.TriggerEventManual, Data: data}
}

func start() *models.Node {
	return testutil.CreateTestNode("start", &models.TriggerConfig{Event: models.TriggerEventManual, ResultKey: "trigger"})
}

// marker is a zero delay node that leaves its id in the scope when it runs.
func marker(id string) *models.Node {
	return testutil.CreateTestNode(id, &models.DelayConfig{ResultKey: id})
}

func TestEngine_ConditionSelectsBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("check", &models.ConditionConfig{
				Conditions: []models.Predicate{
					{Field: "status", Operator: models.OperatorEquals, Value: "Active"},
					{Field: "amount", Operator: models.OperatorGreaterThan, Value: 100},
				},
				LogicalOperator: models.LogicalAnd,
				TrueHandle:      "true",
				FalseHandle:     "false",
				ResultKey:       "condition",
			}),
			marker("high_value"),
			marker("regular"),
		},
		[]*models.Connection{
			testutil.Connect("start", "check"),
			testutil.Connect("check", "high_value", testutil.FromHandle("true")),
			testutil.Connect("check", "regular", testutil.FromHandle("false")),
		},
	)

	execution, err := f.engine.Execute(ctx, workflow.ID, manual(map[string]any{"status": "Active", "amount": 50}))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "regular")
	assert.NotContains(t, execution.Context, "high_value")
	assert.Equal(t, map[string]any{"result": false, "handle": "false"}, execution.Context["condition"])

	execution, err = f.engine.Execute(ctx, workflow.ID, manual(map[string]any{"status": "Active", "amount": 150}))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "high_value")
	assert.NotContains(t, execution.Context, "regular")
}

func TestEngine_ConnectionConditions(t *testing.T) {
	f := newFixture(t)

	workflow := f.seed(t,
		[]*models.Node{start(), marker("eu"), marker("us")},
		[]*models.Connection{
			testutil.Connect("start", "eu", testutil.When(models.ConditionGroup{Conditions: []models.Predicate{
				{Field: "region", Operator: models.OperatorEquals, Value: "eu"},
			}})),
			testutil.Connect("start", "us", testutil.When(models.ConditionGroup{Conditions: []models.Predicate{
				{Field: "region", Operator: models.OperatorEquals, Value: "us"},
			}})),
		},
	)

	execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{"region": "us"}))
	require.NoError(t, err)
	assert.Contains(t, execution.Context, "us")
	assert.NotContains(t, execution.Context, "eu")
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)

	f.records.On("Create", mock.Anything, "org-test", "customer", map[string]any{"name": "Ada"}).
		Return("", errors.New("store timeout")).Once()
	f.records.On("Create", mock.Anything, "org-test", "customer", map[string]any{"name": "Ada"}).
		Return("rec-1", nil).Once()

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("create", &models.CreateRecordConfig{
				Model:     "customer",
				Fields:    map[string]string{"name": "{{ .trigger.data.name }}"},
				ResultKey: "record_id",
			}, testutil.WithRetryLimit(2)),
		},
		[]*models.Connection{testutil.Connect("start", "create")},
	)

	execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Equal(t, "rec-1", execution.Context["record_id"])
	assert.Equal(t, []models.AttemptStatus{models.AttemptStatusRetrying, models.AttemptStatusSucceeded}, f.attempts(t, execution.ID, "create"))
	f.records.AssertExpectations(t)
}

func TestEngine_NonOptionalFailureFailsExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.records.On("Create", mock.Anything, "org-test", "invoice", mock.Anything).Return("", errors.New("store down"))

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("create", &models.CreateRecordConfig{
				Model:  "invoice",
				Fields: map[string]string{"total": "10"},
			}, testutil.WithRetryLimit(1)),
			marker("after"),
		},
		[]*models.Connection{testutil.Connect("start", "create"), testutil.Connect("create", "after")},
	)

	execution, err := f.engine.Execute(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "store down")
	assert.NotContains(t, execution.Context, "after")
	assert.NotNil(t, execution.FinishedAt)
	assert.Equal(t, []models.AttemptStatus{models.AttemptStatusRetrying, models.AttemptStatusFailed}, f.attempts(t, execution.ID, "create"))

	f.records.ExpectedCalls = nil
	f.records.On("Create", mock.Anything, "org-test", "invoice", mock.Anything).Return("inv-1", nil)

	execution, err = f.engine.Execute(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)

	stored, err := f.store.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.TotalExecutions)
	assert.Equal(t, int64(1), stored.SuccessfulExecutions)
	assert.Equal(t, int64(1), stored.FailedExecutions)
}

func TestEngine_OptionalFailureContinues(t *testing.T) {
	f := newFixture(t)

	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(msg protocol.Message) bool {
		return msg.To == "ada@example.com" && msg.Body == "Hello Ada" && msg.Channel == protocol.ChannelEmail
	})).Return(errors.New("smtp unavailable"))

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("notify", &models.SendEmailConfig{
				To:   "{{ .trigger.data.email }}",
				Body: "Hello {{ .trigger.data.name }}",
			}, testutil.WithOptional()),
			marker("after"),
		},
		[]*models.Connection{testutil.Connect("start", "notify"), testutil.Connect("notify", "after")},
	)

	execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{"email": "ada@example.com", "name": "Ada"}))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "after")
	assert.Equal(t, []models.AttemptStatus{models.AttemptStatusFailed}, f.attempts(t, execution.ID, "notify"))
	f.sender.AssertExpectations(t)
}

func TestEngine_Loop(t *testing.T) {
	f := newFixture(t)

	f.records.On("Create", mock.Anything, "org-test", "task", mock.Anything).Return("task-id", nil)

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("each", &models.LoopConfig{
				SourceKey:     "items",
				ItemVariable:  "item",
				IndexVariable: "index",
				MaxIterations: 2,
				ResultKey:     "loop",
				EmptyPath:     "empty",
				BodyHandle:    "body",
			}),
			testutil.CreateTestNode("create", &models.CreateRecordConfig{
				Model:     "task",
				Fields:    map[string]string{"title": "{{ .item }}", "position": "{{ .index }}"},
				ResultKey: "task_id",
			}),
			marker("nothing"),
			marker("done"),
		},
		[]*models.Connection{
			testutil.Connect("start", "each"),
			testutil.Connect("each", "create", testutil.FromHandle("body")),
			testutil.Connect("each", "nothing", testutil.FromHandle("empty")),
			testutil.Connect("each", "done"),
		},
	)

	execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{"items": []any{"a", "b", "c"}}))
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "done")
	assert.NotContains(t, execution.Context, "nothing")
	assert.NotContains(t, execution.Context, "task_id")

	loop, ok := execution.Context["loop"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, loop["count"])
	assert.Equal(t, true, loop["truncated"])

	iterations, ok := loop["iterations"].([]any)
	require.True(t, ok)
	require.Len(t, iterations, 2)
	assert.Equal(t, map[string]any{
		"index":   1,
		"item":    "b",
		"results": map[string]any{"task_id": "task-id"},
	}, iterations[1])

	f.records.AssertNumberOfCalls(t, "Create", 2)
	f.records.AssertCalled(t, "Create", mock.Anything, "org-test", "task", map[string]any{"title": "a", "position": 0.0})

	execution, err = f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{"items": []any{}}))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "nothing")
	assert.NotContains(t, execution.Context, "done")
	f.records.AssertNumberOfCalls(t, "Create", 2)
}

func TestEngine_ParallelFailurePolicies(t *testing.T) {
	tests := []struct {
		policy    models.FailurePolicy
		status    models.ExecutionStatus
		continued bool
	}{
		{models.ContinueOnFailure, models.ExecutionStatusSucceeded, true},
		{models.WaitForAll, models.ExecutionStatusFailed, false},
		{models.FailOnAny, models.ExecutionStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t)

			f.records.On("Create", mock.Anything, "org-test", "audit", mock.Anything).Return("", errors.New("rejected"))

			workflow := f.seed(t,
				[]*models.Node{
					start(),
					testutil.CreateTestNode("fan", &models.ParallelConfig{
						NodeIDs:       []string{"ok", "bad"},
						FailurePolicy: tt.policy,
						ResultKey:     "parallel",
					}),
					marker("ok"),
					testutil.CreateTestNode("bad", &models.CreateRecordConfig{Model: "audit", Fields: map[string]string{"x": "1"}}),
					marker("after"),
				},
				[]*models.Connection{testutil.Connect("start", "fan"), testutil.Connect("fan", "after")},
			)

			execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, execution.Status)

			if !tt.continued {
				assert.NotContains(t, execution.Context, "after")

				return
			}

			assert.Contains(t, execution.Context, "after")
			assert.Contains(t, execution.Context, "ok")

			parallel, ok := execution.Context["parallel"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, 1, parallel["succeeded"])
			assert.Equal(t, 1, parallel["failed"])
		})
	}
}

func TestEngine_ApprovalPausesUntilDecided(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("gate", &models.ApprovalConfig{
				Approvers:      []string{"alice"},
				ApprovedHandle: "approved",
				RejectedHandle: "rejected",
				ResultKey:      "approval",
			}),
			marker("shipped"),
			marker("dropped"),
		},
		[]*models.Connection{
			testutil.Connect("start", "gate"),
			testutil.Connect("gate", "shipped", testutil.FromHandle("approved")),
			testutil.Connect("gate", "dropped", testutil.FromHandle("rejected")),
		},
	)

	pending, err := f.engine.Submit(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, pending.Status)

	f.waitForStatus(t, pending.ID, models.ExecutionStatusPaused)

	err = f.engine.Approve(ctx, pending.ID, engine.Decision{Approved: true, Actor: "bob"})
	require.ErrorIs(t, err, protocol.ErrForbidden)

	require.NoError(t, f.engine.Approve(ctx, pending.ID, engine.Decision{Approved: true, Actor: "alice", Comment: "ok"}))

	execution, err := f.engine.Wait(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "shipped")
	assert.NotContains(t, execution.Context, "dropped")

	approval, ok := execution.Context["approval"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approved", approval["decision"])
	assert.Equal(t, "alice", approval["actor"])

	assert.ErrorIs(t, f.engine.Approve(ctx, pending.ID, engine.Decision{Approved: true, Actor: "alice"}), engine.ErrNotPaused)
}

func TestEngine_ApprovalExpiryRejects(t *testing.T) {
	f := newFixture(t)

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("gate", &models.ApprovalConfig{ExpiresAfterMs: 10, ResultKey: "approval"}),
			marker("shipped"),
			marker("dropped"),
		},
		[]*models.Connection{
			testutil.Connect("start", "gate"),
			testutil.Connect("gate", "shipped", testutil.FromHandle("approved")),
			testutil.Connect("gate", "dropped", testutil.FromHandle("rejected")),
		},
	)

	execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(nil))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "dropped")

	approval, ok := execution.Context["approval"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, approval["expired"])
}

func TestEngine_CancelStopsRunningExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("wait", &models.DelayConfig{DurationMs: 10_000}),
			marker("after"),
		},
		[]*models.Connection{testutil.Connect("start", "wait"), testutil.Connect("wait", "after")},
	)

	pending, err := f.engine.Submit(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)

	f.waitForStatus(t, pending.ID, models.ExecutionStatusRunning)
	require.NoError(t, f.engine.Cancel(ctx, pending.ID))

	execution, err := f.engine.Wait(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.NotContains(t, execution.Context, "after")

	assert.ErrorIs(t, f.engine.Cancel(ctx, pending.ID), engine.ErrIllegalTransition)
}

func TestEngine_DispatchMatchesTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invoiceTrigger := func() *models.Node {
		return testutil.CreateTestNode("on_invoice", &models.TriggerConfig{
			Event:      models.TriggerEventRecordCreated,
			Model:      "invoice",
			Conditions: []models.Predicate{{Field: "amount", Operator: models.OperatorGreaterThan, Value: 100}},
		})
	}

	matching := f.seed(t, []*models.Node{invoiceTrigger(), marker("seen")}, []*models.Connection{testutil.Connect("on_invoice", "seen")})
	f.seed(t, []*models.Node{invoiceTrigger()}, nil, testutil.WithStatus(models.WorkflowStatusDraft))
	f.seed(t, []*models.Node{testutil.CreateTestNode("on_customer", &models.TriggerConfig{
		Event: models.TriggerEventRecordCreated,
		Model: "customer",
	})}, nil)

	payload := models.TriggerPayload{
		OrganizationID: "org-test",
		Event:          models.TriggerEventRecordCreated,
		Model:          "Invoice",
		RecordID:       "inv-1",
		Data:           map[string]any{"amount": 150},
	}

	started, err := f.engine.Dispatch(ctx, payload)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, matching.ID, started[0].WorkflowID)

	execution, err := f.engine.Wait(ctx, started[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "seen")

	payload.Data = map[string]any{"amount": 50}

	started, err = f.engine.Dispatch(ctx, payload)
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestEngine_SchedulePayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("weekly", &models.ScheduleConfig{
				Cron:      "0 8 * * 1",
				Timezone:  "America/New_York",
				Active:    true,
				ResultKey: "schedule",
			}),
			marker("tick"),
		},
		[]*models.Connection{testutil.Connect("start", "weekly"), testutil.Connect("weekly", "tick")},
	)

	execution, err := f.engine.Execute(ctx, workflow.ID, models.TriggerPayload{
		Event:          models.TriggerEventSchedule,
		ScheduleNodeID: "weekly",
		Data:           map[string]any{"cron": "0 8 * * 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "tick")
	assert.Equal(t, map[string]any{"cron": "0 8 * * 1"}, execution.Context["schedule"])

	execution, err = f.engine.Execute(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.NotContains(t, execution.Context, "tick")
	assert.Equal(t, []models.AttemptStatus{models.AttemptStatusSkipped}, f.attempts(t, execution.ID, "weekly"))
}

func TestEngine_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := f.seed(t, []*models.Node{start()}, nil, testutil.WithStatus(models.WorkflowStatusDraft))

	_, err := f.engine.Execute(ctx, draft.ID, manual(nil))
	require.ErrorIs(t, err, engine.ErrWorkflowNotActive)

	require.ErrorIs(t, f.engine.Cancel(ctx, "missing"), engine.ErrExecutionNotFound)
	require.ErrorIs(t, f.engine.Approve(ctx, "missing", engine.Decision{Approved: true}), engine.ErrExecutionNotFound)

	active := f.seed(t, []*models.Node{start()}, nil)
	require.NoError(t, f.engine.Shutdown(ctx))

	_, err = f.engine.Submit(ctx, active.ID, manual(nil))
	require.ErrorIs(t, err, engine.ErrShuttingDown)
}

func TestEngine_CancelFromAnotherEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := engine.New(f.store, f.records, f.sender, slog.New(slog.DiscardHandler), engine.Config{})

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("wait", &models.DelayConfig{DurationMs: 300}),
			marker("after"),
		},
		[]*models.Connection{testutil.Connect("start", "wait"), testutil.Connect("wait", "after")},
	)

	pending, err := f.engine.Submit(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)

	f.waitForStatus(t, pending.ID, models.ExecutionStatusRunning)
	require.NoError(t, other.Cancel(ctx, pending.ID))

	execution, err := f.engine.Wait(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.NotContains(t, execution.Context, "after")
	assert.Empty(t, f.attempts(t, pending.ID, "after"))

	stored, err := f.store.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalExecutions)
	assert.Equal(t, int64(0), stored.SuccessfulExecutions)

	assert.ErrorIs(t, other.Cancel(ctx, pending.ID), engine.ErrIllegalTransition)
	assert.ErrorIs(t, f.engine.Cancel(ctx, pending.ID), engine.ErrIllegalTransition)
}

type relayRecorder struct {
	mu        sync.Mutex
	cancels   []string
	decisions []engine.Decision
}

func (r *relayRecorder) RelayCancel(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancels = append(r.cancels, execution.ID)

	return nil
}

func (r *relayRecorder) RelayApproval(_ context.Context, _ *models.Execution, decision engine.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decisions = append(r.decisions, decision)

	return nil
}

func TestEngine_ApproveRelaysToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	relay := &relayRecorder{}
	unrelayed := engine.New(f.store, nil, nil, logger, engine.Config{})
	relayed := engine.New(f.store, nil, nil, logger, engine.Config{}, engine.WithRelay(relay))

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("gate", &models.ApprovalConfig{Approvers: []string{"alice"}}),
			marker("shipped"),
		},
		[]*models.Connection{
			testutil.Connect("start", "gate"),
			testutil.Connect("gate", "shipped", testutil.FromHandle("approved")),
		},
	)

	pending, err := f.engine.Submit(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)

	f.waitForStatus(t, pending.ID, models.ExecutionStatusPaused)

	decision := engine.Decision{NodeID: "gate", Approved: true, Actor: "alice"}

	require.ErrorIs(t, unrelayed.Approve(ctx, pending.ID, decision), engine.ErrNotPaused)
	require.ErrorIs(t, relayed.Approve(ctx, pending.ID, engine.Decision{NodeID: "gate", Approved: true, Actor: "bob"}), protocol.ErrForbidden)
	require.ErrorIs(t, relayed.Approve(ctx, pending.ID, engine.Decision{NodeID: "shipped", Approved: true, Actor: "alice"}), engine.ErrNotPaused)
	require.NoError(t, relayed.Approve(ctx, pending.ID, decision))
	assert.Equal(t, []engine.Decision{decision}, relay.decisions)

	delivered, err := relayed.Deliver(ctx, pending.ID, decision)
	require.NoError(t, err)
	assert.False(t, delivered)

	delivered, err = f.engine.Deliver(ctx, pending.ID, decision)
	require.NoError(t, err)
	assert.True(t, delivered)

	execution, err := f.engine.Wait(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Contains(t, execution.Context, "shipped")
}

func TestEngine_CancelRelaysToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	relay := &relayRecorder{}
	other := engine.New(f.store, nil, nil, slog.New(slog.DiscardHandler), engine.Config{}, engine.WithRelay(relay))

	workflow := f.seed(t,
		[]*models.Node{start(), testutil.CreateTestNode("wait", &models.DelayConfig{DurationMs: 10_000})},
		[]*models.Connection{testutil.Connect("start", "wait")},
	)

	pending, err := f.engine.Submit(ctx, workflow.ID, manual(nil))
	require.NoError(t, err)

	f.waitForStatus(t, pending.ID, models.ExecutionStatusRunning)
	require.NoError(t, other.Cancel(ctx, pending.ID))
	assert.Equal(t, []string{pending.ID}, relay.cancels)

	assert.False(t, other.Interrupt(ctx, pending.ID))
	assert.True(t, f.engine.Interrupt(ctx, pending.ID))

	execution, err := f.engine.Wait(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
}

// brokenGraph fails to read the nodes of one workflow.
type brokenGraph struct {
	persistence.GraphRepository

	workflowID string
}

func (g brokenGraph) FindNodes(ctx context.Context, workflowID string) ([]*models.Node, error) {
	if workflowID == g.workflowID {
		return nil, errors.New("graph unavailable")
	}

	return g.GraphRepository.FindNodes(ctx, workflowID)
}

type brokenGraphStore struct {
	*memory.Persistence

	graph brokenGraph
}

func (s *brokenGraphStore) Graph() persistence.GraphRepository {
	return s.graph
}

func TestEngine_DispatchContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	onInvoice := func() *models.Node {
		return testutil.CreateTestNode("on_invoice", &models.TriggerConfig{Event: models.TriggerEventRecordCreated, Model: "invoice"})
	}

	broken := f.seed(t, []*models.Node{onInvoice()}, nil)
	healthy := f.seed(t, []*models.Node{onInvoice(), marker("seen")}, []*models.Connection{testutil.Connect("on_invoice", "seen")})

	store := &brokenGraphStore{
		Persistence: f.store,
		graph:       brokenGraph{GraphRepository: f.store.Graph(), workflowID: broken.ID},
	}

	eng := engine.New(store, nil, nil, slog.New(slog.DiscardHandler), engine.Config{})
	t.Cleanup(func() {
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = eng.Shutdown(shutdown)
	})

	started, err := eng.Dispatch(ctx, models.TriggerPayload{
		OrganizationID: "org-test",
		Event:          models.TriggerEventRecordCreated,
		Model:          "invoice",
		RecordID:       "inv-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph unavailable")
	require.Len(t, started, 1)
	assert.Equal(t, healthy.ID, started[0].WorkflowID)

	execution, err := eng.Wait(ctx, started[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
}

func TestEngine_QueryNode(t *testing.T) {
	query := protocol.RecordQuery{
		Model:   "customer",
		Filters: []models.Predicate{{Field: "region", Operator: models.OperatorEquals, Value: "eu"}},
		Limit:   10,
	}

	tests := []struct {
		name        string
		rows        []protocol.Record
		fallbackKey string
		want        any
	}{
		{
			name: "rows stored under the result key",
			rows: []protocol.Record{{"id": "c-1"}, {"id": "c-2"}},
			want: []any{map[string]any{"id": "c-1"}, map[string]any{"id": "c-2"}},
		},
		{
			name:        "no rows uses the fallback",
			rows:        []protocol.Record{},
			fallbackKey: "defaults",
			want:        []any{"c-default"},
		},
		{
			name: "no rows without fallback",
			rows: []protocol.Record{},
			want: []any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			f.records.On("Query", mock.Anything, "org-test", query).Return(tt.rows, nil).Once()

			workflow := f.seed(t,
				[]*models.Node{
					start(),
					testutil.CreateTestNode("lookup", &models.QueryConfig{
						Model:       "customer",
						Filters:     []models.Predicate{{Field: "region", Operator: models.OperatorEquals, Value: "{{ .trigger.data.region }}"}},
						Limit:       10,
						ResultKey:   "customers",
						FallbackKey: tt.fallbackKey,
					}),
				},
				[]*models.Connection{testutil.Connect("start", "lookup")},
			)

			execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{
				"region":   "eu",
				"defaults": []any{"c-default"},
			}))
			require.NoError(t, err)
			require.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
			assert.Equal(t, tt.want, execution.Context["customers"])
			f.records.AssertExpectations(t)
		})
	}
}

func TestEngine_FilterNode(t *testing.T) {
	lines := []any{
		map[string]any{"sku": "a", "qty": 5},
		map[string]any{"sku": "b", "qty": 1},
	}

	tests := []struct {
		name   string
		region string
		want   any
	}{
		{"item fields and scope fields", "eu", []any{map[string]any{"sku": "a", "qty": 5}}},
		{"nothing kept uses the fallback", "us", "no-lines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			workflow := f.seed(t,
				[]*models.Node{
					start(),
					testutil.CreateTestNode("bulk", &models.FilterConfig{
						SourceKey: "lines",
						Conditions: []models.Predicate{
							{Field: "qty", Operator: models.OperatorGreaterThan, Value: 2},
							{Field: "region", Operator: models.OperatorEquals, Value: "eu"},
						},
						LogicalOperator: models.LogicalAnd,
						ResultKey:       "bulk_lines",
						FallbackKey:     "empty_marker",
					}),
				},
				[]*models.Connection{testutil.Connect("start", "bulk")},
			)

			execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{
				"lines":        lines,
				"region":       tt.region,
				"empty_marker": "no-lines",
			}))
			require.NoError(t, err)
			require.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
			assert.Equal(t, tt.want, execution.Context["bulk_lines"])
		})
	}
}

func TestEngine_UpdateRecordNode(t *testing.T) {
	tests := []struct {
		name     string
		recordID string
		status   models.ExecutionStatus
		attempts []models.AttemptStatus
	}{
		{"record id from the trigger", "inv-1", models.ExecutionStatusSucceeded, []models.AttemptStatus{models.AttemptStatusSucceeded}},
		{"empty record id fails without retries", "", models.ExecutionStatusFailed, []models.AttemptStatus{models.AttemptStatusFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			f.records.On("Update", mock.Anything, "org-test", "invoice", "inv-1", map[string]any{"status": "paid"}).Return(nil)

			workflow := f.seed(t,
				[]*models.Node{
					start(),
					testutil.CreateTestNode("mark_paid", &models.UpdateRecordConfig{
						Model:     "invoice",
						RecordID:  "{{ .trigger.record_id }}",
						Fields:    map[string]string{"status": "{{ .trigger.data.status }}"},
						ResultKey: "updated",
					}, testutil.WithRetryLimit(3)),
				},
				[]*models.Connection{testutil.Connect("start", "mark_paid")},
			)

			payload := manual(map[string]any{"status": "paid"})
			payload.RecordID = tt.recordID

			execution, err := f.engine.Execute(context.Background(), workflow.ID, payload)
			require.NoError(t, err)
			assert.Equal(t, tt.status, execution.Status)
			assert.Equal(t, tt.attempts, f.attempts(t, execution.ID, "mark_paid"))

			if tt.recordID == "" {
				assert.Contains(t, execution.Error, "rendered empty")
				f.records.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

				return
			}

			assert.Equal(t, "inv-1", execution.Context["updated"])
			f.records.AssertExpectations(t)
		})
	}
}

func TestEngine_DelayDoesNotBlockSiblingBranch(t *testing.T) {
	f := newFixture(t)

	workflow := f.seed(t,
		[]*models.Node{
			start(),
			testutil.CreateTestNode("fan", &models.ParallelConfig{
				NodeIDs:       []string{"slow", "fast"},
				FailurePolicy: models.WaitForAll,
			}),
			testutil.CreateTestNode("slow", &models.DelayConfig{DurationMs: 300, ResultKey: "slow"}),
			marker("fast"),
		},
		[]*models.Connection{testutil.Connect("start", "fan")},
	)

	execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(nil))
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusSucceeded, execution.Status)

	at := func(key, field string) time.Time {
		t.Helper()

		value, ok := execution.Context[key].(map[string]any)
		require.True(t, ok, key)

		parsed, err := time.Parse(time.RFC3339Nano, value[field].(string))
		require.NoError(t, err)

		return parsed
	}

	slowStarted, slowResumed := at("slow", "started_at"), at("slow", "resumed_at")
	assert.GreaterOrEqual(t, slowResumed.Sub(slowStarted), 300*time.Millisecond)
	assert.True(t, at("fast", "resumed_at").Before(slowResumed), "fast branch waited for the delay")
}

func TestEngine_ParallelSharedTimeout(t *testing.T) {
	tests := []struct {
		policy models.FailurePolicy
		status models.ExecutionStatus
	}{
		{models.ContinueOnFailure, models.ExecutionStatusSucceeded},
		{models.WaitForAll, models.ExecutionStatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t)

			workflow := f.seed(t,
				[]*models.Node{
					start(),
					testutil.CreateTestNode("fan", &models.ParallelConfig{
						NodeIDs:       []string{"slow", "fast"},
						FailurePolicy: tt.policy,
						TimeoutMs:     50,
						ResultKey:     "parallel",
					}),
					testutil.CreateTestNode("slow", &models.DelayConfig{DurationMs: 5_000, ResultKey: "slow"}),
					marker("fast"),
					marker("after"),
				},
				[]*models.Connection{testutil.Connect("start", "fan"), testutil.Connect("fan", "after")},
			)

			began := time.Now()

			execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(nil))
			require.NoError(t, err)
			assert.Less(t, time.Since(began), 2*time.Second)
			assert.Equal(t, tt.status, execution.Status)
			assert.NotContains(t, execution.Context, "slow")

			if tt.status == models.ExecutionStatusFailed {
				assert.Contains(t, execution.Error, context.DeadlineExceeded.Error())
				assert.NotContains(t, execution.Context, "after")

				return
			}

			assert.Contains(t, execution.Context, "fast")
			assert.Contains(t, execution.Context, "after")

			parallel, ok := execution.Context["parallel"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, 1, parallel["succeeded"])
			assert.Equal(t, 1, parallel["failed"])

			branches, ok := parallel["branches"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "failed", branches["slow"].(map[string]any)["status"])
		})
	}
}

func TestEngine_LoopMaxIterations(t *testing.T) {
	tests := []struct {
		name          string
		items         []any
		maxIterations int
		count         int
		truncated     bool
	}{
		{"truncated at the limit", []any{"a", "b", "c"}, 2, 2, true},
		{"under the limit", []any{"a", "b"}, 5, 2, false},
		{"exactly the limit", []any{"a", "b"}, 2, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			workflow := f.seed(t,
				[]*models.Node{
					start(),
					testutil.CreateTestNode("each", &models.LoopConfig{
						SourceKey:     "items",
						ItemVariable:  "item",
						IndexVariable: "index",
						MaxIterations: tt.maxIterations,
						ResultKey:     "loop",
						BodyHandle:    "body",
					}),
					marker("visit"),
				},
				[]*models.Connection{
					testutil.Connect("start", "each"),
					testutil.Connect("each", "visit", testutil.FromHandle("body")),
				},
			)

			execution, err := f.engine.Execute(context.Background(), workflow.ID, manual(map[string]any{"items": tt.items}))
			require.NoError(t, err)
			require.Equal(t, models.ExecutionStatusSucceeded, execution.Status)

			loop, ok := execution.Context["loop"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.count, loop["count"])
			assert.Equal(t, len(tt.items), loop["total"])
			assert.Equal(t, tt.truncated, loop["truncated"])
		})
	}
}
