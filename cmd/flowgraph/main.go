package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowgraph/pkg/log"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/automaxprocs/maxprocs"
)

const defaultPort = 9091

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://..., memory://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "config-file",
			Usage:   "Path to the YAML tuning file",
			Sources: cli.EnvVars("CONFIG_FILE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    "otel",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "flowgraph",
		Usage:                 "Design, schedule and execute workflow graphs",
		EnableShellCompletion: true,
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			logger := log.WithModule("flowgraph")

			_, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
				logger.DebugContext(ctx, fmt.Sprintf(format, args...))
			}))
			if err != nil {
				logger.WarnContext(ctx, "failed to set GOMAXPROCS", "error", err)
			}

			return ctx, nil
		},
		Commands: []*cli.Command{
			APICommand(),
			WorkerCommand(),
			SchedulerCommand(),
		},
	}

	err := cmd.Run(ctx, os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
