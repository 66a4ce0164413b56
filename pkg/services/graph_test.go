package services

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/flowgraph/pkg/mocks"
	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/permission"
	"github.com/dukex/flowgraph/pkg/persistence/memory"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/dukex/flowgraph/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type GraphSyncSuite struct {
	suite.Suite

	ctx       context.Context
	store     *memory.Persistence
	workflows *Workflow
	graphs    *Graph
	caller    Caller
	workflow  *models.Workflow
}

func TestGraphSyncSuite(t *testing.T) {
	suite.Run(t, new(GraphSyncSuite))
}

func (s *GraphSyncSuite) SetupTest() {
	logger := slog.New(slog.DiscardHandler)

	store, err := memory.NewPersistence(logger)
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.store = store
	s.caller = Caller{OrganizationID: "org-1", Actor: "designer"}
	s.workflows = NewWorkflow(store, permission.AllowAll{}, logger)
	s.graphs = NewGraph(store, schema.MustNewRegistry(), permission.AllowAll{}, logger)

	s.workflow, err = s.workflows.Create(s.ctx, s.caller, CreateWorkflowRequest{Name: "Onboarding"})
	s.Require().NoError(err)
}

func (s *GraphSyncSuite) sync(req SyncRequest) (*models.Graph, error) {
	return s.graphs.Sync(s.ctx, s.caller, s.workflow.ID, req)
}

func (s *GraphSyncSuite) stored() *models.Graph {
	graph, err := s.graphs.Fetch(s.ctx, s.caller, s.workflow.ID)
	s.Require().NoError(err)

	return graph
}

func trigger(id string) SyncNode {
	return SyncNode{NodeID: id, Type: models.NodeTypeTrigger, Config: map[string]any{"event": "manual"}}
}

func delay(id string) SyncNode {
	return SyncNode{NodeID: id, Type: models.NodeTypeDelay, Config: map[string]any{"duration_ms": 1000}}
}

func edge(source, target string) SyncConnection {
	return SyncConnection{SourceNodeID: source, TargetNodeID: target}
}

func endpoints(conns []*models.Connection) [][2]string {
	out := make([][2]string, 0, len(conns))
	for _, conn := range conns {
		out = append(out, [2]string{conn.SourceNodeID, conn.TargetNodeID})
	}

	return out
}

func (s *GraphSyncSuite) TestEmptyConfigIsRejectedBeforeAnyWrite() {
	for _, nodeType := range []models.NodeType{models.NodeTypeSchedule, models.NodeTypeQuery, models.NodeTypeDelay, models.NodeTypeLoop} {
		_, err := s.sync(SyncRequest{Nodes: []SyncNode{
			trigger("start"),
			{NodeID: "configless", Type: nodeType, Config: map[string]any{}},
		}})

		s.Require().Error(err, nodeType)
		s.ErrorIs(err, schema.ErrConfigRequired)
		s.True(IsValidationError(err))

		var validationErr *schema.ValidationError
		s.Require().ErrorAs(err, &validationErr)
		s.Equal("configless", validationErr.NodeID)
		s.Equal(nodeType, validationErr.NodeType)

		s.Empty(s.stored().Nodes)
	}
}

func (s *GraphSyncSuite) TestScheduleStringsAreTrimmed() {
	graph, err := s.sync(SyncRequest{Nodes: []SyncNode{{
		NodeID: " weekly ",
		Type:   models.NodeTypeSchedule,
		Config: map[string]any{"cron": " 0 12 * * * ", "timezone": " Europe/Paris ", "result_key": " fire "},
	}}})
	s.Require().NoError(err)
	s.Require().Len(graph.Nodes, 1)

	node := s.stored().Nodes[0]
	s.Equal("weekly", node.NodeID)

	cfg, ok := node.Config.(*models.ScheduleConfig)
	s.Require().True(ok)
	s.Equal("0 12 * * *", cfg.Cron)
	s.Equal("Europe/Paris", cfg.Timezone)
	s.Equal("fire", cfg.ResultKey)
}

func (s *GraphSyncSuite) TestInvalidCronIsRejected() {
	_, err := s.sync(SyncRequest{Nodes: []SyncNode{{
		NodeID: "broken",
		Type:   models.NodeTypeSchedule,
		Config: map[string]any{"cron": "every monday", "timezone": "UTC"},
	}}})

	s.ErrorIs(err, schema.ErrInvalidConfig)
	s.Empty(s.stored().Nodes)
}

func (s *GraphSyncSuite) TestSyncIsIdempotent() {
	req := SyncRequest{
		Nodes:       []SyncNode{trigger("start"), delay("wait"), delay("later")},
		Connections: []SyncConnection{edge("start", "wait"), edge("wait", "later")},
	}

	first, err := s.sync(req)
	s.Require().NoError(err)

	second, err := s.sync(req)
	s.Require().NoError(err)

	s.Require().Len(second.Nodes, 3)

	for i := range first.Nodes {
		s.Equal(first.Nodes[i].ID, second.Nodes[i].ID)
		s.Equal(first.Nodes[i].NodeID, second.Nodes[i].NodeID)
		s.Equal(first.Nodes[i].Config, second.Nodes[i].Config)
	}

	s.ElementsMatch(endpoints(first.Connections), endpoints(second.Connections))
	s.Equal(first.Version+1, second.Version)
}

func (s *GraphSyncSuite) TestResyncDeletesOmittedNodesWithTheirConnections() {
	_, err := s.sync(SyncRequest{
		Nodes:       []SyncNode{trigger("start"), delay("wait"), delay("later")},
		Connections: []SyncConnection{edge("start", "wait"), edge("wait", "later"), edge("start", "later")},
	})
	s.Require().NoError(err)

	graph, err := s.sync(SyncRequest{
		Nodes:       []SyncNode{trigger("start"), delay("wait")},
		Connections: []SyncConnection{edge("start", "wait")},
	})
	s.Require().NoError(err)

	s.Len(graph.Nodes, 2)
	s.Equal([][2]string{{"start", "wait"}}, endpoints(graph.Connections))

	ids := map[string]bool{}
	for _, node := range graph.Nodes {
		ids[node.ID] = true
	}

	for _, conn := range s.stored().Connections {
		s.True(ids[conn.SourceID], "orphaned source %s", conn.SourceID)
		s.True(ids[conn.TargetID], "orphaned target %s", conn.TargetID)
	}
}

func (s *GraphSyncSuite) TestUnresolvedConnectionRollsBackEverything() {
	before, err := s.sync(SyncRequest{
		Nodes:       []SyncNode{trigger("start"), delay("wait")},
		Connections: []SyncConnection{edge("start", "wait")},
	})
	s.Require().NoError(err)

	_, err = s.sync(SyncRequest{
		Nodes:       []SyncNode{trigger("start"), delay("other")},
		Connections: []SyncConnection{edge("start", "ghost")},
	})
	s.Require().Error(err)
	s.True(IsNotFoundError(err))

	after := s.stored()
	s.Equal(before.Version, after.Version)
	s.Equal(before.Nodes, after.Nodes)
	s.Equal(endpoints(before.Connections), endpoints(after.Connections))
}

func (s *GraphSyncSuite) TestSubmissionErrors() {
	tests := []struct {
		name string
		req  SyncRequest
		err  error
	}{
		{
			name: "duplicate node id",
			req:  SyncRequest{Nodes: []SyncNode{trigger("start"), trigger("start")}},
			err:  ErrDuplicateNodeID,
		},
		{
			name: "missing node id",
			req:  SyncRequest{Nodes: []SyncNode{trigger(" ")}},
			err:  ErrInvalidRequest,
		},
		{
			name: "parallel target not submitted",
			req: SyncRequest{Nodes: []SyncNode{trigger("start"), {
				NodeID: "fan",
				Type:   models.NodeTypeParallel,
				Config: map[string]any{"node_ids": []any{"nowhere"}},
			}}},
			err: ErrInvalidRequest,
		},
		{
			name: "retry limit out of range",
			req:  SyncRequest{Nodes: []SyncNode{{NodeID: "start", Type: models.NodeTypeTrigger, RetryLimit: ptr(11)}}},
			err:  ErrInvalidRequest,
		},
		{
			name: "unknown node type",
			req:  SyncRequest{Nodes: []SyncNode{{NodeID: "x", Type: "TELEPORT", Config: map[string]any{"a": 1}}}},
			err:  schema.ErrUnknownNodeType,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.sync(tt.req)
			s.ErrorIs(err, tt.err)
			s.True(IsValidationError(err))
		})
	}
}

func (s *GraphSyncSuite) TestArchivedWorkflowCannotBeSynced() {
	_, err := s.workflows.Archive(s.ctx, s.caller, s.workflow.ID)
	s.Require().NoError(err)

	_, err = s.sync(SyncRequest{Nodes: []SyncNode{trigger("start")}})
	s.ErrorIs(err, ErrWorkflowArchived)
	s.True(IsConflictError(err))
}

func (s *GraphSyncSuite) TestOtherOrganizationCannotSync() {
	_, err := s.graphs.Sync(s.ctx, Caller{OrganizationID: "org-2", Actor: "intruder"}, s.workflow.ID, SyncRequest{})
	s.True(IsNotFoundError(err))
}

func (s *GraphSyncSuite) TestTriggerAndScheduleEndToEnd() {
	_, err := s.sync(SyncRequest{
		Nodes: []SyncNode{
			trigger("start"),
			{
				NodeID: "weekly",
				Type:   models.NodeTypeSchedule,
				Config: map[string]any{"cron": "0 8 * * 1", "timezone": "America/New_York"},
			},
		},
		Connections: []SyncConnection{edge("start", "weekly")},
	})
	s.Require().NoError(err)

	workflow, err := s.workflows.FetchByID(s.ctx, s.caller, s.workflow.ID)
	s.Require().NoError(err)
	s.Len(workflow.Nodes, 2)
	s.Len(workflow.Connections, 1)

	var schedule *models.ScheduleConfig

	for _, node := range workflow.Nodes {
		if node.Type == models.NodeTypeSchedule {
			schedule, _ = node.Config.(*models.ScheduleConfig)
		}
	}

	s.Require().NotNil(schedule)
	s.Equal("0 8 * * 1", schedule.Cron)
	s.Equal("America/New_York", schedule.Timezone)
	s.True(schedule.Active)
}

func TestGraph_SyncRequiresPermission(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	store, err := memory.NewPersistence(logger)
	require.NoError(t, err)

	checker := &mocks.MockPermissionChecker{}
	checker.On("RequirePermission", mock.Anything, "org-1", "viewer", protocol.ActionGraphSync).Return(protocol.ErrForbidden)

	graphs := NewGraph(store, schema.MustNewRegistry(), checker, logger)

	_, err = graphs.Sync(context.Background(), Caller{OrganizationID: "org-1", Actor: "viewer"}, "wf-1", SyncRequest{})
	assert.True(t, IsForbiddenError(err))
	checker.AssertExpectations(t)
}

func ptr[T any](v T) *T {
	return &v
}
