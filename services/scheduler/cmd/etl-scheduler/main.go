package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"spotetl/pkg/awsclient"
	"spotetl/pkg/bus"
	"spotetl/pkg/compute"
	"spotetl/pkg/config"
	"spotetl/pkg/logging"
	"spotetl/pkg/metrics"
	"spotetl/pkg/notify"
	"spotetl/pkg/s3"
	"spotetl/pkg/telemetry"
	"spotetl/services/cleanup"
	"spotetl/services/ledger"
	"spotetl/services/scheduler"
	"spotetl/services/trigger"
)

const serviceName = "etl-scheduler"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadScheduler(ctx)
	if err != nil {
		return err
	}
	tcfg := cfg.Trigger
	logger := logging.New(serviceName, tcfg.Observability.LogFormat, tcfg.Observability.LogLevel)

	tel, err := telemetry.Init(ctx, serviceName, tcfg.Observability.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	awsCfg, err := awsclient.Load(ctx, tcfg.AWS)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	provisioner := compute.NewProvisionerFromConfig(awsCfg)
	opts := []trigger.Option{
		trigger.WithMetrics(m),
		trigger.WithPresigner(s3.NewClient(awsCfg, s3.Options{
			Endpoint:       tcfg.Storage.Endpoint,
			AccessKey:      tcfg.Storage.AccessKey,
			SecretKey:      tcfg.Storage.SecretKey,
			ForcePathStyle: tcfg.Storage.ForcePathStyle,
		})),
	}

	var l *ledger.Ledger
	if tcfg.LedgerDSN != "" {
		var release func()
		l, release, err = ledger.Open(ctx, tcfg.LedgerDSN, logger)
		if err != nil {
			return err
		}
		defer release()
		opts = append(opts, trigger.WithRecorder(l))
	}

	svc, err := trigger.New(tcfg, provisioner, logger, opts...)
	if err != nil {
		return err
	}

	var runs scheduler.RunLister
	if l != nil {
		runs = l
	}
	sched, err := scheduler.New(svc, runs, m, logger, tcfg.Timeout)
	if err != nil {
		return err
	}

	if cfg.ConsumeOutcomes && tcfg.Notification.Backend == config.BackendNATS {
		closeConsumers, err := consume(ctx, tcfg, cfg, provisioner, l, m, logger)
		if err != nil {
			return err
		}
		defer closeConsumers()
	}

	if err := sched.Start(cfg.Schedule); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), tcfg.Timeout)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           tel.Middleware(sched.Routes(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", server.Addr).Str("schedule", cfg.Schedule).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// consume attaches the cleanup service and, when configured, the ledger to
// the outcome stream.
func consume(ctx context.Context, tcfg config.Trigger, cfg config.Scheduler, provisioner *compute.Provisioner, l *ledger.Ledger, m *metrics.Metrics, logger zerolog.Logger) (func(), error) {
	b, err := bus.New(tcfg.Notification.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	topic := tcfg.Notification.TopicID
	if err := b.EnsureStream(notify.StreamName(topic), topic); err != nil {
		b.Close()
		return nil, err
	}

	cleanupOpts := []cleanup.Option{cleanup.WithMetrics(m), cleanup.WithTimeout(tcfg.Timeout)}
	if l != nil {
		cleanupOpts = append(cleanupOpts, cleanup.WithRecorder(l))
	}
	cleaner, err := cleanup.New(provisioner, logger, cleanupOpts...)
	if err != nil {
		b.Close()
		return nil, err
	}

	consumers := []scheduler.Consumer{{Durable: cfg.CleanupDurable, Handle: cleaner.HandleDelivery}}
	if l != nil {
		consumers = append(consumers, scheduler.Consumer{Durable: cfg.LedgerDurable, Handle: l.HandleDelivery})
	}
	closeAll, err := scheduler.Subscribe(ctx, b, topic, consumers...)
	if err != nil {
		b.Close()
		return nil, err
	}
	logger.Info().Str("subject", topic).Int("consumers", len(consumers)).Msg("consuming outcomes")

	return func() {
		if err := closeAll(); err != nil {
			logger.Warn().Err(err).Msg("close consumers")
		}
		b.Close()
	}, nil
}
