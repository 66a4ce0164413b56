package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/dukex/flowgraph/pkg/schema"
	"github.com/dukex/flowgraph/pkg/services"
	"github.com/dukex/flowgraph/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	runner      services.Runner
	permissions protocol.PermissionChecker
	registry    *schema.Registry
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	runner services.Runner,
	permissions protocol.PermissionChecker,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		runner:      runner,
		permissions: permissions,
		registry:    schema.MustNewRegistry(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		services.NewWorkflow(a.persistence, a.permissions, a.logger),
		services.NewGraph(a.persistence, a.registry, a.permissions, a.logger),
		services.NewExecution(a.persistence, a.runner, a.permissions, a.logger),
		a.validate,
		a.registry,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("flowgraph API")
	})

	handlers.Register(app)

	return app
}

// Start serves until ctx is done.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	a.logger.InfoContext(ctx, "API listening", "port", port)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return app.Shutdown()
	}
}

func APICommand() *cli.Command {
	return &cli.Command{
		Name:    "api",
		Aliases: []string{"a"},
		Usage:   "Serve the workflow REST API",
		Flags: append(commonFlags(), &cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "api", newInstanceID("api"))
			if err != nil {
				return err
			}
			defer rt.close()

			rt.logger.InfoContext(ctx, "Initializing flowgraph API")

			err = rt.listen(ctx)
			if err != nil {
				return err
			}

			api := NewAPI(rt.logger, rt.persistence, rt.engine, rt.config.PermissionChecker())

			err = api.Start(ctx, int(command.Int("port")))
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}
}

var (
	_ services.Runner = (*engine.Engine)(nil)
	_ Runner          = (*engine.Engine)(nil)
)
