package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dukex/prompthook/pkg/models"
	cli "github.com/urfave/cli/v3"
)

type definitionFile struct {
	Kind          models.TriggerKind `json:"trigger_kind"`
	DocumentUUID  string             `json:"document_uuid"`
	Configuration json.RawMessage    `json:"configuration"`
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a trigger definition file without touching any backing service",
		ArgsUsage: "<definition.json>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "runs",
				Usage: "Number of upcoming runs to print for scheduled triggers",
				Value: 3,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return cli.Exit("a definition file is required", 1)
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read definition: %w", err)
			}

			var definition definitionFile
			if err := json.Unmarshal(raw, &definition); err != nil {
				return cli.Exit(fmt.Sprintf("invalid definition: %v", err), 1)
			}

			configuration, err := models.DecodeConfiguration(definition.Kind, definition.Configuration)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			if err := configuration.Validate(); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			hash, err := models.DefinitionHash(definition.Kind, configuration, definition.DocumentUUID)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			w := command.Root().Writer
			fmt.Fprintf(w, "valid %s trigger\nhash: %s\n", definition.Kind, hash)

			scheduled, ok := configuration.(*models.ScheduledConfiguration)
			if !ok {
				return nil
			}

			next := time.Now()
			for range command.Int("runs") {
				next, err = scheduled.NextRunTime(next)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}

				fmt.Fprintf(w, "next run: %s\n", next.Format(time.RFC3339))
			}

			return nil
		},
	}
}
