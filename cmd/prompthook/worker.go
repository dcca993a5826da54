package main

import (
	"context"

	"github.com/dukex/prompthook/pkg/cmd"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run deployment, trigger event and batch jobs",
		Flags: flags(commonFlags(), emailFlags(), gatewayFlags(), executorFlags(), smtpFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.IntFlag{
				Name:    "worker-concurrency",
				Usage:   "Number of jobs processed in parallel",
				Value:   4,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "worker-lease",
				Usage:   "How long a job may run unsettled before another worker takes it over",
				Value:   jobs.DefaultLease,
				Sources: cli.EnvVars("WORKER_LEASE"),
			},
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing prompthook worker")

			components, err := cmd.NewComponents(ctx, configFrom(command), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := components.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close components", "error", err)
				}
			}()

			worker := jobs.NewWorker(components.Queue, logger, command.Int("worker-concurrency"))
			worker.SetTracer(components.Tracer)
			worker.SetLease(command.Duration("worker-lease"))

			components.Registry().Register(worker)
			components.Executor().Register(worker)
			components.Orchestrator().Register(worker)

			ctx, stop := withSignals(ctx)
			defer stop()

			return worker.Run(ctx)
		},
	}
}
