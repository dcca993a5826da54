package main

import (
	"context"

	"github.com/dukex/prompthook/pkg/cmd"
	"github.com/dukex/prompthook/pkg/log"
	"github.com/dukex/prompthook/pkg/reconciler"
	cli "github.com/urfave/cli/v3"
)

func NewReconcilerCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconciler",
		Usage: "Re-enqueue trigger events whose execution job was lost",
		Flags: flags(commonFlags(), []cli.Flag{
			&cli.DurationFlag{
				Name:    "reconciler-interval",
				Usage:   "How often stale events are swept",
				Value:   reconciler.DefaultInterval,
				Sources: cli.EnvVars("RECONCILER_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "reconciler-threshold",
				Usage:   "Age after which an unexecuted event is considered lost",
				Value:   reconciler.DefaultThreshold,
				Sources: cli.EnvVars("RECONCILER_THRESHOLD"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single sweep and exit",
			},
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("reconciler")

			components, err := cmd.NewComponents(ctx, configFrom(command), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := components.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close components", "error", err)
				}
			}()

			r := components.Reconciler(reconciler.Config{
				Interval:  command.Duration("reconciler-interval"),
				Threshold: command.Duration("reconciler-threshold"),
			})

			if command.Bool("once") {
				requeued, err := r.Sweep(ctx)
				if err != nil {
					return err
				}

				logger.InfoContext(ctx, "Sweep finished", "requeued", requeued)

				return nil
			}

			ctx, stop := withSignals(ctx)
			defer stop()

			if err := r.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			r.Stop(context.WithoutCancel(ctx))

			return nil
		},
	}
}
