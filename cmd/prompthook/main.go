// Package main provides the prompthook command: API server, job worker, schedule poller,
// reconciler and an offline trigger validator.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "prompthook",
		Usage:                 "Run prompts from schedules, emails, integrations and datasets",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewAPICommand(),
			NewWorkerCommand(),
			NewSchedulerCommand(),
			NewReconcilerCommand(),
			NewValidateCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
