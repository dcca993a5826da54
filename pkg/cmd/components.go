// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/prompthook/pkg/batch"
	"github.com/dukex/prompthook/pkg/counter"
	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/execution"
	"github.com/dukex/prompthook/pkg/gateway"
	"github.com/dukex/prompthook/pkg/httpclient"
	"github.com/dukex/prompthook/pkg/intake"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/mailer"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/otelhelper"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/reconciler"
	"github.com/dukex/prompthook/pkg/storage"
	"github.com/dukex/prompthook/pkg/triggers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Config carries every setting a process may need. Each command fills what it uses.
type Config struct {
	DatabaseURL string
	RedisURL    string
	EventBus    string

	PublicURL   string
	EmailDomain string

	GatewayURL     string
	GatewayToken   string
	GatewayTimeout time.Duration

	ExecutorURL     string
	ExecutorTimeout time.Duration

	S3 storage.Config

	SMTP mailer.SMTPConfig

	Tracing bool
}

// Components holds the shared collaborators of one process.
type Components struct {
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Redis       *redis.Client
	Queue       *jobs.RedisQueue
	Counters    *counter.RedisStore
	Metrics     *metrics.PrometheusSink
	Gatherer    *prometheus.Registry
	Notifier    *eventbus.Notifier
	Dispatcher  *intake.Dispatcher
	Tracer      trace.Tracer

	config Config
	logger *slog.Logger
}

// NewComponents opens the database, Redis and the event bus.
func NewComponents(ctx context.Context, cfg Config, logger *slog.Logger) (*Components, error) {
	c := &Components{config: cfg, logger: logger, Tracer: otelhelper.Noop()}

	var err error

	c.Persistence, err = NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	c.EventBus, err = NewEventBus(cfg.EventBus, logger)
	if err != nil {
		_ = c.Close(ctx)

		return nil, err
	}

	c.Redis, err = NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		_ = c.Close(ctx)

		return nil, err
	}

	if cfg.Tracing {
		c.Tracer, err = otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			_ = c.Close(ctx)

			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
	}

	c.Queue = jobs.NewRedisQueue(c.Redis, logger)
	c.Counters = counter.NewRedisStore(c.Redis)
	c.Gatherer = prometheus.NewRegistry()
	c.Gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.NewPrometheusSink(c.Gatherer, logger)
	c.Notifier = eventbus.NewNotifier(c.EventBus, logger)
	c.Dispatcher = intake.NewDispatcher(c.Persistence, c.Queue, c.Notifier, c.Metrics, logger)
	c.Dispatcher.SetTracer(c.Tracer)

	return c, nil
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func (c *Components) Registry() *triggers.Registry {
	gw := gateway.NewHTTPGateway(httpclient.Config{
		BaseURL:  c.config.GatewayURL,
		Token:    c.config.GatewayToken,
		Timeout:  c.config.GatewayTimeout,
		Attempts: 3,
		Delay:    500 * time.Millisecond,
	}, c.logger)

	deployments := triggers.NewDeploymentManager(c.Persistence, gw, c.Metrics, c.config.PublicURL, c.logger)

	return triggers.NewRegistry(c.Persistence, deployments, c.Queue, c.Notifier, c.Metrics, c.logger)
}

func (c *Components) executionClient() *execution.HTTPClient {
	return execution.NewHTTPClient(httpclient.Config{
		BaseURL:  c.config.ExecutorURL,
		Timeout:  c.config.ExecutorTimeout,
		Attempts: 2,
		Delay:    time.Second,
	}, c.logger)
}

// EmailIntake needs attachment storage, so it fails when S3 is not configured.
func (c *Components) EmailIntake(ctx context.Context) (*intake.EmailIntake, error) {
	uploader, err := storage.NewS3Uploader(ctx, c.config.S3, c.logger)
	if err != nil {
		return nil, err
	}

	return intake.NewEmailIntake(c.Persistence, c.Dispatcher, uploader, c.config.EmailDomain, c.Metrics, c.logger), nil
}

func (c *Components) IntegrationIntake() *intake.IntegrationIntake {
	return intake.NewIntegrationIntake(c.Persistence, c.Dispatcher, c.Metrics, c.logger)
}

// Executor replies to emails only when an SMTP server is configured.
func (c *Components) Executor() *intake.Executor {
	var m mailer.Mailer
	if c.config.SMTP.Addr != "" {
		m = mailer.NewSMTPMailer(c.config.SMTP, c.logger)
	}

	executor := intake.NewExecutor(c.Persistence, c.executionClient(), m, c.Notifier, c.config.EmailDomain, c.logger)
	executor.SetTracer(c.Tracer)

	return executor
}

func (c *Components) Orchestrator() *batch.Orchestrator {
	client := c.executionClient()

	orchestrator := batch.NewOrchestrator(c.Persistence, batch.NewTracker(c.Counters), c.Queue, client, client,
		c.Notifier, c.Metrics, c.logger)
	orchestrator.SetTracer(c.Tracer)

	return orchestrator
}

func (c *Components) SchedulePoller(interval time.Duration) *intake.SchedulePoller {
	return intake.NewSchedulePoller(c.Persistence, c.Dispatcher, c.Metrics, interval, c.logger)
}

func (c *Components) Reconciler(cfg reconciler.Config) *reconciler.Reconciler {
	return reconciler.New(c.Persistence, c.Dispatcher, c.Metrics, cfg, c.logger)
}

func (c *Components) Close(ctx context.Context) error {
	var errs []error

	if c.EventBus != nil {
		if err := c.EventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	if c.Persistence != nil {
		if err := c.Persistence.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persistence: %w", err))
		}
	}

	return errors.Join(errs...)
}
