package main

import (
	"context"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/eventbus"
	"github.com/dukex/flowgraph/pkg/events"
	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/services"
	cli "github.com/urfave/cli/v3"
)

// Runner is the part of the engine the worker feeds from the bus.
type Runner interface {
	Controller
	Dispatch(ctx context.Context, payload models.TriggerPayload) ([]*models.Execution, error)
	Submit(ctx context.Context, workflowID string, payload models.TriggerPayload) (*models.Execution, error)
}

type WorkerManager struct {
	id       string
	logger   *slog.Logger
	runner   Runner
	eventBus eventbus.EventSubscriber
}

func NewWorkerManager(id string, runner Runner, eventBus eventbus.EventSubscriber, logger *slog.Logger) *WorkerManager {
	return &WorkerManager{
		id:       id,
		logger:   logger.With("module", "flowgraph-worker", "worker_id", id),
		runner:   runner,
		eventBus: eventBus,
	}
}

// Start subscribes to record, trigger and control events and blocks until
// ctx is done.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.eventBus.Handle(events.RecordChangedEvent, w.handleRecordChanged)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.WorkflowTriggeredEvent, w.handleWorkflowTriggered)
	if err != nil {
		return err
	}

	err = NewControlListener(w.runner, w.logger).Register(w.eventBus)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	<-ctx.Done()
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *WorkerManager) handleRecordChanged(ctx context.Context, event any) error {
	changed, ok := event.(*events.RecordChanged)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RecordChanged")

		return nil
	}

	logger := w.logger.With(
		"event_id", changed.ID,
		"organization_id", changed.OrganizationID,
		"model", changed.Model,
		"record_id", changed.RecordID,
	)

	executions, err := w.runner.Dispatch(ctx, changed.Payload())
	if err != nil {
		// Redelivery would start the executions that did start a second time.
		if len(executions) > 0 {
			logger.ErrorContext(ctx, "Record event partially dispatched", "executions", len(executions), "error", err)

			return nil
		}

		logger.ErrorContext(ctx, "Failed to dispatch record event", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Record event dispatched", "executions", len(executions))

	return nil
}

func (w *WorkerManager) handleWorkflowTriggered(ctx context.Context, event any) error {
	triggered, ok := event.(*events.WorkflowTriggered)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for WorkflowTriggered")

		return nil
	}

	logger := w.logger.With("event_id", triggered.ID, "workflow_id", triggered.WorkflowID)

	execution, err := w.runner.Submit(ctx, triggered.WorkflowID, triggered.Payload)
	if err != nil {
		// Redelivery cannot fix a workflow that is gone or not runnable.
		if services.IsNotFoundError(err) || services.IsConflictError(err) {
			logger.WarnContext(ctx, "Dropping workflow trigger", "error", err)

			return nil
		}

		logger.ErrorContext(ctx, "Failed to submit workflow", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Workflow submitted", "execution_id", execution.ID)

	return nil
}

func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:    "worker",
		Aliases: []string{"w"},
		Usage:   "Execute workflows for record and trigger events",
		Flags: append(commonFlags(), &cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = newInstanceID("worker")
			}

			rt, err := newRuntime(ctx, command, "worker", workerID)
			if err != nil {
				return err
			}
			defer rt.close()

			return NewWorkerManager(workerID, rt.engine, rt.eventBus, rt.logger).Start(ctx)
		},
	}
}
