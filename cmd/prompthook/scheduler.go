package main

import (
	"context"

	"github.com/dukex/prompthook/pkg/cmd"
	"github.com/dukex/prompthook/pkg/intake"
	"github.com/dukex/prompthook/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func NewSchedulerCommand() *cli.Command {
	return &cli.Command{
		Name:  "scheduler",
		Usage: "Record events for due scheduled triggers. Run a single instance per database",
		Flags: flags(commonFlags(), []cli.Flag{
			&cli.DurationFlag{
				Name:    "scheduler-interval",
				Usage:   "How often due schedules are polled",
				Value:   intake.DefaultScheduleInterval,
				Sources: cli.EnvVars("SCHEDULER_INTERVAL"),
			},
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("scheduler")

			components, err := cmd.NewComponents(ctx, configFrom(command), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := components.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close components", "error", err)
				}
			}()

			poller := components.SchedulePoller(command.Duration("scheduler-interval"))

			ctx, stop := withSignals(ctx)
			defer stop()

			if _, err := poller.ProcessDue(ctx); err != nil {
				logger.ErrorContext(ctx, "Initial schedule poll failed", "error", err)
			}

			poller.Start(ctx)
			<-ctx.Done()
			poller.Stop(context.WithoutCancel(ctx))

			return nil
		},
	}
}
