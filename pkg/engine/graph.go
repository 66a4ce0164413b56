package engine

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
)

// graph is the read-only, indexed form of a stored workflow graph.
type graph struct {
	nodes    map[string]*models.Node
	order    []*models.Node
	outgoing map[string][]*models.Connection
}

func newGraph(nodes []*models.Node, conns []*models.Connection) *graph {
	g := &graph{
		nodes:    make(map[string]*models.Node, len(nodes)),
		order:    nodes,
		outgoing: make(map[string][]*models.Connection),
	}

	for _, node := range nodes {
		g.nodes[node.NodeID] = node
	}

	for _, conn := range conns {
		g.outgoing[conn.SourceNodeID] = append(g.outgoing[conn.SourceNodeID], conn)
	}

	for source := range g.outgoing {
		slices.SortStableFunc(g.outgoing[source], func(a, b *models.Connection) int {
			return cmp.Compare(a.ExecutionOrder, b.ExecutionOrder)
		})
	}

	return g
}

func (g *graph) node(nodeID string) (*models.Node, error) {
	node, ok := g.nodes[nodeID]
	if !ok {
		return nil, permanentf("node %s is not part of the workflow", nodeID)
	}

	return node, nil
}

// edges returns the outgoing connections of nodeID attached to one of handles.
func (g *graph) edges(nodeID string, handles ...string) []*models.Connection {
	var out []*models.Connection

	for _, conn := range g.outgoing[nodeID] {
		if slices.Contains(handles, conn.SourceHandle) {
			out = append(out, conn)
		}
	}

	return out
}

// startNodes returns the nodes a payload starts from: the firing schedule
// node for schedule payloads, otherwise every trigger node matching it.
func (g *graph) startNodes(payload models.TriggerPayload, scope *Scope) ([]*models.Node, error) {
	if payload.Event == models.TriggerEventSchedule && payload.ScheduleNodeID != "" {
		node, ok := g.nodes[payload.ScheduleNodeID]
		if !ok || node.Type != models.NodeTypeSchedule {
			return nil, fmt.Errorf("%w: schedule node %s", ErrNoMatchingTrigger, payload.ScheduleNodeID)
		}

		return []*models.Node{node}, nil
	}

	var (
		matched  []*models.Node
		triggers []*models.Node
	)

	for _, node := range g.order {
		if node.Type != models.NodeTypeTrigger {
			continue
		}

		triggers = append(triggers, node)

		ok, err := triggerMatches(node, payload, scope)
		if err != nil {
			return nil, err
		}

		if ok {
			matched = append(matched, node)
		}
	}

	// a manual run of a workflow without a manual trigger starts from all of them
	if len(matched) == 0 && payload.Event == models.TriggerEventManual {
		matched = triggers
	}

	if len(matched) == 0 {
		return nil, ErrNoMatchingTrigger
	}

	return matched, nil
}

func triggerMatches(node *models.Node, payload models.TriggerPayload, scope *Scope) (bool, error) {
	cfg := configOrZero[models.TriggerConfig](node)

	event := cfg.Event
	if event == "" {
		event = models.TriggerEventManual
	}

	if event != payload.Event {
		return false, nil
	}

	if cfg.Model != "" && !strings.EqualFold(cfg.Model, payload.Model) {
		return false, nil
	}

	ok, err := cfg.Group().Evaluate(scope.Resolve)
	if err != nil {
		return false, fmt.Errorf("trigger %s conditions: %w", node.NodeID, err)
	}

	return ok, nil
}

// configOf returns the typed configuration of node.
func configOf[T any](node *models.Node) (T, error) {
	switch c := any(node.Config).(type) {
	case *T:
		if c != nil {
			return *c, nil
		}
	case T:
		return c, nil
	}

	var zero T

	return zero, permanentf("node %s has no %T configuration", node.NodeID, zero)
}

// configOrZero is configOf for node types whose configuration is optional.
func configOrZero[T any](node *models.Node) T {
	cfg, _ := configOf[T](node)

	return cfg
}

func newRootScope(execution *models.Execution, workflow *models.Workflow) *Scope {
	payload := execution.Trigger

	data := map[string]any{}
	if payload.Data != nil {
		data = deepCopyMap(payload.Data)
	}

	return NewScope(map[string]any{
		"trigger": map[string]any{
			"event":           string(payload.Event),
			"model":           payload.Model,
			"record_id":       payload.RecordID,
			"organization_id": payload.OrganizationID,
			"occurred_at":     payload.OccurredAt.UTC().Format(time.RFC3339),
			"data":            data,
		},
		"workflow": map[string]any{
			"id":      workflow.ID,
			"name":    workflow.Name,
			"version": workflow.Version,
		},
		"execution": map[string]any{
			"id": execution.ID,
		},
	})
}
