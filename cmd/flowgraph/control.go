package main

import (
	"context"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/eventbus"
	"github.com/dukex/flowgraph/pkg/events"
)

// Controller is the part of the engine that acts on relayed control signals.
type Controller interface {
	Interrupt(ctx context.Context, executionID string) bool
	Deliver(ctx context.Context, executionID string, decision engine.Decision) (bool, error)
}

// ControlListener applies cancellations and approval decisions relayed by
// other processes to the executions running in this one. Signals for
// executions running elsewhere are acked and ignored.
type ControlListener struct {
	logger     *slog.Logger
	controller Controller
}

func NewControlListener(controller Controller, logger *slog.Logger) *ControlListener {
	return &ControlListener{logger: logger, controller: controller}
}

func (l *ControlListener) Register(subscriber eventbus.EventSubscriber) error {
	err := subscriber.Handle(events.CancelRequestedEvent, l.handleCancelRequested)
	if err != nil {
		return err
	}

	return subscriber.Handle(events.ApprovalDecidedEvent, l.handleApprovalDecided)
}

func (l *ControlListener) handleCancelRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.CancelRequested)
	if !ok {
		l.logger.ErrorContext(ctx, "Invalid event type for CancelRequested")

		return nil
	}

	if l.controller.Interrupt(ctx, requested.ExecutionID) {
		l.logger.InfoContext(ctx, "Relayed cancellation applied", "event_id", requested.ID, "execution_id", requested.ExecutionID)
	}

	return nil
}

func (l *ControlListener) handleApprovalDecided(ctx context.Context, event any) error {
	decided, ok := event.(*events.ApprovalDecided)
	if !ok {
		l.logger.ErrorContext(ctx, "Invalid event type for ApprovalDecided")

		return nil
	}

	logger := l.logger.With("event_id", decided.ID, "execution_id", decided.ExecutionID, "node_id", decided.NodeID)

	delivered, err := l.controller.Deliver(ctx, decided.ExecutionID, engine.Decision{
		NodeID:   decided.NodeID,
		Approved: decided.Approved,
		Actor:    decided.Actor,
		Comment:  decided.Comment,
	})
	if err != nil {
		// The decision was checked against the waiting node; redelivery gets the same answer.
		logger.WarnContext(ctx, "Relayed approval rejected", "actor", decided.Actor, "error", err)

		return nil
	}

	if delivered {
		logger.InfoContext(ctx, "Relayed approval delivered", "approved", decided.Approved, "actor", decided.Actor)
	}

	return nil
}
