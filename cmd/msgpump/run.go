package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/msgpump"
	"github.com/glimte/msgpump/config"
	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/health"
	"github.com/glimte/msgpump/messaging"
	"github.com/glimte/msgpump/monitor"
	"github.com/glimte/msgpump/pump"
	"github.com/glimte/msgpump/reliability"
	"github.com/glimte/msgpump/serialization"
	"github.com/glimte/msgpump/transports/memory"
	"github.com/glimte/msgpump/transports/rabbitmq"
	"github.com/glimte/msgpump/transports/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type runFlags struct {
	transport         string
	jobID             string
	adminAddr         string
	schemaPath        string
	completeUnmatched bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pump job",
		Long: `Run a single job that logs every JSON message it receives. With --schema,
only messages that validate against the JSON schema are handled; the rest
are dead-lettered unless --complete-unmatched is set.

The admin server exposes /healthz, /livez, /metrics and the /jobs routes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if flags.transport != "" {
				cfg.Transport = flags.transport
			}
			if flags.jobID != "" {
				cfg.JobID = flags.jobID
			}
			if flags.adminAddr != "" {
				cfg.AdminAddr = flags.adminAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.transport, "transport", "t", "", "Transport: memory, rabbitmq or sqs (overrides MSGPUMP_TRANSPORT)")
	cmd.Flags().StringVarP(&flags.jobID, "job", "j", "", "Job id (overrides MSGPUMP_JOB_ID)")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "Admin server address (overrides MSGPUMP_ADMIN_ADDR)")
	cmd.Flags().StringVar(&flags.schemaPath, "schema", "", "JSON schema file messages must satisfy")
	cmd.Flags().BoolVar(&flags.completeUnmatched, "complete-unmatched", false, "Complete messages no handler matched instead of dead-lettering them")
	return cmd
}

func run(ctx context.Context, cfg config.Config, flags runFlags) error {
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	logger.Info("Starting msgpump", "version", version, "config", cfg.String())

	registry, err := buildRegistry(logger, flags)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := monitor.NewMetrics(monitor.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	checks := health.NewRegistry()
	receiver, err := buildReceiver(ctx, cfg, logger, checks)
	if err != nil {
		return err
	}

	host := msgpump.NewHost(
		msgpump.WithLogger(logger),
		msgpump.WithMetrics(metrics),
		msgpump.WithBreakerDefaults(reliability.WithOptions(reliability.Options{
			FailureThreshold:              cfg.Breaker.FailureThreshold,
			MessageRecoveryPeriod:         cfg.Breaker.RecoveryPeriod,
			MessageIntervalDuringRecovery: cfg.Breaker.IntervalDuringRecovery,
		})),
	)
	defer host.Close()

	if _, err := host.AddJob(cfg.JobID, receiver, registry,
		pump.WithPrefetchCount(cfg.PrefetchCount),
		pump.WithAutoComplete(cfg.AutoComplete),
		pump.WithMaxDeliveryCount(cfg.MaxDeliveryCount),
		pump.WithPollInterval(cfg.PollInterval),
		pump.WithHandlerTimeout(cfg.HandlerTimeout),
		pump.WithDispositionTimeout(cfg.DispositionTimeout),
		pump.WithLockRenewalInterval(cfg.LockRenewalInterval),
	); err != nil {
		return err
	}
	for _, id := range host.JobIDs() {
		checks.Register(health.NewJobChecker(id, host.JobState))
	}

	router := health.NewAdmin(host, checks, health.WithAdminLogger(logger)).Router()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Admin server listening", "addr", cfg.AdminAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server failed", "error", err)
		}
	}()

	runErr := host.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", "error", err)
	}

	logger.Info("msgpump stopped")
	return runErr
}

func buildRegistry(logger *slog.Logger, flags runFlags) (*messaging.HandlerRegistry, error) {
	registry := messaging.NewHandlerRegistry(messaging.WithRegistryLogger(logger))

	entryOpts := []messaging.EntryOption{messaging.WithName("log")}
	if flags.schemaPath != "" {
		schema, err := os.ReadFile(flags.schemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		d, err := serialization.NewSchemaDeserializer(string(schema), serialization.NewJSONDeserializer())
		if err != nil {
			return nil, err
		}
		entryOpts = []messaging.EntryOption{messaging.WithName("schema"), messaging.WithDeserializer(d)}
	}

	logBody := func(ctx context.Context, body map[string]any, mc contracts.MessageContext, corr contracts.CorrelationInfo) error {
		logger.Info("Message received",
			"jobId", mc.JobID,
			"messageId", mc.MessageID,
			"deliveryCount", mc.DeliveryCount,
			"operationId", corr.OperationID,
			"fields", len(body),
		)
		return nil
	}
	if err := registry.Register(messaging.NewHandlerEntry(logBody, entryOpts...)); err != nil {
		return nil, err
	}

	if flags.completeUnmatched {
		unmatched := func(ctx context.Context, raw []byte, mc contracts.MessageContext, corr contracts.CorrelationInfo) error {
			logger.Warn("Completing unmatched message", "jobId", mc.JobID, "messageId", mc.MessageID, "bytes", len(raw))
			return nil
		}
		if err := registry.RegisterFallback(messaging.NewFallbackEntry(unmatched)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildReceiver(ctx context.Context, cfg config.Config, logger *slog.Logger, checks *health.Registry) (pump.Receiver, error) {
	switch cfg.Transport {
	case config.TransportRabbitMQ:
		receiverOpts := []rabbitmq.ReceiverOption{rabbitmq.WithJobID(cfg.JobID)}
		if cfg.RabbitMQ.DeadLetterExchange != "" {
			receiverOpts = append(receiverOpts, rabbitmq.WithDeadLetterExchange(cfg.RabbitMQ.DeadLetterExchange, ""))
		}
		if cfg.RabbitMQ.NackRequeue {
			receiverOpts = append(receiverOpts, rabbitmq.WithNackRequeue())
		}
		r, err := rabbitmq.Dial(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithTopology(cfg.RabbitMQ.DeclareTopology),
			rabbitmq.WithReceiverOptions(receiverOpts...),
		)
		if err != nil {
			return nil, err
		}
		checks.Register(health.NewConnectionChecker("rabbitmq", r))
		return r, nil

	case config.TransportSQS:
		client, err := sqs.NewClient(ctx, sqs.ClientConfig{Region: cfg.SQS.Region, Endpoint: cfg.SQS.Endpoint})
		if err != nil {
			return nil, err
		}
		return sqs.NewReceiver(client, cfg.SQS.QueueURL,
			sqs.WithJobID(cfg.JobID),
			sqs.WithDeadLetterQueue(cfg.SQS.DeadLetterQueueURL),
			sqs.WithWaitTime(cfg.SQS.WaitTime),
			sqs.WithVisibilityTimeout(cfg.SQS.VisibilityTimeout),
			sqs.WithLogger(logger),
		)

	default:
		logger.Warn("Using the in-memory transport; messages are not persisted")
		return memory.NewQueue(memory.WithName(cfg.JobID)), nil
	}
}
