package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/cmd"
	"github.com/dukex/flowgraph/pkg/config"
	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/eventbus"
	"github.com/dukex/flowgraph/pkg/log"
	"github.com/dukex/flowgraph/pkg/otelhelper"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/records/memory"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

// runtime holds the collaborators every subcommand shares.
type runtime struct {
	logger      *slog.Logger
	config      *config.File
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	engine      *engine.Engine
}

// newRuntime wires the shared collaborators. instanceID names this process on
// the control topic.
func newRuntime(ctx context.Context, command *cli.Command, module, instanceID string) (*runtime, error) {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule(module)

	file, err := config.Load(command.String("config-file"))
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{}

	if command.Bool("otel") {
		tracer, err := otelhelper.NewTracer(ctx, "flowgraph-"+module)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		opts = append(opts, engine.WithTracer(tracer))
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, err
	}

	bus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), "flowgraph-"+module, instanceID, logger)
	if err != nil {
		_ = store.Close(ctx)

		return nil, err
	}

	records, err := memory.NewStore(logger)
	if err != nil {
		_ = store.Close(ctx)
		_ = bus.Close()

		return nil, err
	}

	publisher := eventbus.NewExecutionPublisher(bus)
	opts = append(opts, engine.WithPublisher(publisher), engine.WithRelay(publisher))

	return &runtime{
		logger:      logger,
		config:      file,
		persistence: store,
		eventBus:    bus,
		engine:      engine.New(store, records, file.Sender(logger), logger, file.EngineConfig(), opts...),
	}, nil
}

// listen applies control signals relayed by other processes to the
// executions this process runs.
func (r *runtime) listen(ctx context.Context) error {
	err := NewControlListener(r.engine, r.logger).Register(r.eventBus)
	if err != nil {
		return err
	}

	return r.eventBus.Subscribe(ctx)
}

// close drains the engine before releasing the bus and the store.
func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Engine.ShutdownTimeout)
	defer cancel()

	err := errors.Join(
		r.engine.Shutdown(ctx),
		r.eventBus.Close(),
		r.persistence.Close(ctx),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "shutdown finished with errors", "error", err)
	}
}

// newInstanceID names a process that was not given an id.
func newInstanceID(module string) string {
	return module + "-" + uuid.New().String()[:8]
}
