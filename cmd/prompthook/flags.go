package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dukex/prompthook/pkg/cmd"
	"github.com/dukex/prompthook/pkg/mailer"
	"github.com/dukex/prompthook/pkg/storage"
	cli "github.com/urfave/cli/v3"
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or memory://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:     "redis-url",
			Usage:    "Redis URL for the job queue and batch counters",
			Required: true,
			Sources:  cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "kafka",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
	}
}

func emailFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "email-domain",
			Usage:   "Domain of inbound document addresses",
			Sources: cli.EnvVars("EMAIL_DOMAIN"),
		},
	}
}

func gatewayFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "public-url",
			Usage:   "Public base URL of the integration webhook endpoint",
			Sources: cli.EnvVars("PUBLIC_URL"),
		},
		&cli.StringFlag{
			Name:    "gateway-url",
			Usage:   "Base URL of the external integration gateway",
			Sources: cli.EnvVars("GATEWAY_URL"),
		},
		&cli.StringFlag{
			Name:    "gateway-token",
			Usage:   "Bearer token for the integration gateway",
			Sources: cli.EnvVars("GATEWAY_TOKEN"),
		},
		&cli.DurationFlag{
			Name:    "gateway-timeout",
			Usage:   "Timeout of each gateway request",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("GATEWAY_TIMEOUT"),
		},
	}
}

func executorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "executor-url",
			Usage:   "Base URL of the document execution service",
			Sources: cli.EnvVars("EXECUTOR_URL"),
		},
		&cli.DurationFlag{
			Name:    "executor-timeout",
			Usage:   "Timeout of each document run",
			Value:   2 * time.Minute,
			Sources: cli.EnvVars("EXECUTOR_TIMEOUT"),
		},
	}
}

func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "s3-bucket", Usage: "Bucket for email attachments", Sources: cli.EnvVars("S3_BUCKET")},
		&cli.StringFlag{Name: "s3-region", Usage: "Region of the attachment bucket", Value: "us-east-1", Sources: cli.EnvVars("S3_REGION")},
		&cli.StringFlag{Name: "s3-endpoint", Usage: "Custom S3 endpoint (MinIO, LocalStack)", Sources: cli.EnvVars("S3_ENDPOINT")},
		&cli.StringFlag{Name: "s3-access-key", Usage: "S3 access key", Sources: cli.EnvVars("S3_ACCESS_KEY")},
		&cli.StringFlag{Name: "s3-secret-key", Usage: "S3 secret key", Sources: cli.EnvVars("S3_SECRET_KEY")},
	}
}

func smtpFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "smtp-addr", Usage: "SMTP server host:port for email replies", Sources: cli.EnvVars("SMTP_ADDR")},
		&cli.StringFlag{Name: "smtp-username", Usage: "SMTP username", Sources: cli.EnvVars("SMTP_USERNAME")},
		&cli.StringFlag{Name: "smtp-password", Usage: "SMTP password", Sources: cli.EnvVars("SMTP_PASSWORD")},
		&cli.StringFlag{Name: "smtp-sender", Usage: "Fallback From address of replies", Sources: cli.EnvVars("SMTP_SENDER")},
	}
}

func flags(groups ...[]cli.Flag) []cli.Flag {
	return slices.Concat(groups...)
}

// configFrom reads every flag a command defines. Flags a command does not define read as
// zero values.
func configFrom(command *cli.Command) cmd.Config {
	return cmd.Config{
		DatabaseURL:     command.String("database-url"),
		RedisURL:        command.String("redis-url"),
		EventBus:        command.String("event-bus"),
		PublicURL:       command.String("public-url"),
		EmailDomain:     command.String("email-domain"),
		GatewayURL:      command.String("gateway-url"),
		GatewayToken:    command.String("gateway-token"),
		GatewayTimeout:  command.Duration("gateway-timeout"),
		ExecutorURL:     command.String("executor-url"),
		ExecutorTimeout: command.Duration("executor-timeout"),
		S3: storage.Config{
			Bucket:          command.String("s3-bucket"),
			Region:          command.String("s3-region"),
			EndpointURL:     command.String("s3-endpoint"),
			AccessKeyID:     command.String("s3-access-key"),
			SecretAccessKey: command.String("s3-secret-key"),
		},
		SMTP: mailer.SMTPConfig{
			Addr:     command.String("smtp-addr"),
			Username: command.String("smtp-username"),
			Password: command.String("smtp-password"),
			Sender:   command.String("smtp-sender"),
		},
		Tracing: command.Bool("tracing"),
	}
}

// withSignals returns a context cancelled on SIGINT or SIGTERM.
func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
