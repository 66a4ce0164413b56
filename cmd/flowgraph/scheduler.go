package main

import (
	"context"

	"github.com/dukex/flowgraph/pkg/cmd"
	"github.com/dukex/flowgraph/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func SchedulerCommand() *cli.Command {
	return &cli.Command{
		Name:    "scheduler",
		Aliases: []string{"s"},
		Usage:   "Fire SCHEDULE nodes of active workflows",
		Flags: append(commonFlags(), &cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for schedule locks shared between replicas",
			Sources: cli.EnvVars("REDIS_URL"),
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "scheduler", newInstanceID("scheduler"))
			if err != nil {
				return err
			}
			defer rt.close()

			err = rt.listen(ctx)
			if err != nil {
				return err
			}

			locker, closeLocker, err := cmd.NewLocker(ctx, rt.logger, command.String("redis-url"), rt.config.Scheduler.LockPrefix)
			if err != nil {
				return err
			}

			defer func() {
				err := closeLocker()
				if err != nil {
					rt.logger.ErrorContext(ctx, "Failed to close lock client", "error", err)
				}
			}()

			return scheduler.New(rt.persistence, rt.engine, locker, rt.logger, rt.config.SchedulerConfig()).Run(ctx)
		},
	}
}
