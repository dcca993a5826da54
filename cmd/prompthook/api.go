package main

import (
	"context"
	"strconv"

	"github.com/dukex/prompthook/pkg/cmd"
	"github.com/dukex/prompthook/pkg/intake"
	"github.com/dukex/prompthook/pkg/log"
	"github.com/dukex/prompthook/pkg/web"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func NewAPICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Serve the trigger, webhook and batch HTTP API",
		Flags: flags(commonFlags(), emailFlags(), gatewayFlags(), executorFlags(), storageFlags(), []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing prompthook API")

			components, err := cmd.NewComponents(ctx, configFrom(command), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := components.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close components", "error", err)
				}
			}()

			email, err := components.EmailIntake(ctx)
			if err != nil {
				return err
			}

			integration := components.IntegrationIntake()
			tester := intake.NewTester(components.Persistence, components.Dispatcher, email, integration, logger)

			handlers := web.NewAPIHandlers(
				components.Persistence,
				components.Registry(),
				email,
				integration,
				tester,
				components.Orchestrator(),
				validator.New(validator.WithRequiredStructEnabled()),
			)

			app := web.NewApp(handlers, components.Gatherer)

			ctx, stop := withSignals(ctx)
			defer stop()

			go func() {
				<-ctx.Done()

				if err := app.Shutdown(); err != nil {
					logger.ErrorContext(ctx, "Failed to shut down API server", "error", err)
				}
			}()

			return app.Listen(":" + strconv.Itoa(command.Int("port")))
		},
	}
}
