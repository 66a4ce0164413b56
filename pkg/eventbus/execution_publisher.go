package eventbus

import (
	"context"
	"time"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/events"
	"github.com/dukex/flowgraph/pkg/models"
)

// ExecutionPublisher announces finished executions on the bus and relays
// cancellations and approval decisions to the owning process. Every event is
// keyed by workflow.
type ExecutionPublisher struct {
	bus EventBus
	now func() time.Time
}

var (
	_ engine.Publisher = (*ExecutionPublisher)(nil)
	_ engine.Relay     = (*ExecutionPublisher)(nil)
)

func NewExecutionPublisher(bus EventBus) *ExecutionPublisher {
	return &ExecutionPublisher{bus: bus, now: time.Now}
}

func (p *ExecutionPublisher) ExecutionFinished(ctx context.Context, execution *models.Execution) error {
	event := events.NewExecutionFinished(p.bus.GenerateID(), execution, p.now())

	return p.bus.Publish(ctx, execution.WorkflowID, event)
}

func (p *ExecutionPublisher) RelayCancel(ctx context.Context, execution *models.Execution) error {
	event := events.CancelRequested{
		BaseEvent:   events.NewBaseEvent(p.bus.GenerateID(), events.CancelRequestedEvent, execution.OrganizationID, p.now()),
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
	}

	return p.bus.Publish(ctx, execution.WorkflowID, event)
}

func (p *ExecutionPublisher) RelayApproval(ctx context.Context, execution *models.Execution, decision engine.Decision) error {
	event := events.ApprovalDecided{
		BaseEvent:   events.NewBaseEvent(p.bus.GenerateID(), events.ApprovalDecidedEvent, execution.OrganizationID, p.now()),
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		NodeID:      decision.NodeID,
		Approved:    decision.Approved,
		Actor:       decision.Actor,
		Comment:     decision.Comment,
	}

	return p.bus.Publish(ctx, execution.WorkflowID, event)
}
