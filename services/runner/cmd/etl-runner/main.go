package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spotetl/pkg/awsclient"
	"spotetl/pkg/config"
	"spotetl/pkg/identity"
	"spotetl/pkg/logging"
	"spotetl/pkg/notify"
	"spotetl/pkg/s3"
	"spotetl/pkg/telemetry"
	"spotetl/services/runner"
)

const serviceName = "etl-runner"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadRunner(ctx)
	if err != nil {
		return err
	}
	logger := logging.New(serviceName, cfg.Observability.LogFormat, cfg.Observability.LogLevel).
		With().Str("environment", cfg.Environment).Logger()

	// Past this point every failure must still end in a published outcome,
	// so setup errors are carried into the job body instead of returned.
	var setupErr error

	tel, err := telemetry.Init(ctx, serviceName, cfg.Observability.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown")
			}
		}()
	}

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		logger.Error().Err(err).Msg("aws config unavailable, using instance profile")
		awsCfg = awsclient.Fallback(cfg.AWS)
		setupErr = errors.Join(setupErr, fmt.Errorf("load aws config: %w", err))
	}

	publisher, release, err := notify.Open(cfg.Notification, awsCfg)
	if err != nil {
		return err
	}
	defer release()

	job, err := config.LoadJob(ctx)
	if err != nil {
		setupErr = errors.Join(setupErr, fmt.Errorf("job config: %w", err))
	}

	resolver := identity.NewCached(identity.Chain{
		identity.Static(cfg.InstanceID),
		identity.NewIMDSFromConfig(awsCfg),
	})
	secrets := s3.NewClient(awsCfg, s3.Options{})

	r, err := runner.New(resolver, publisher, runner.ConfiguredBody(job, setupErr, secrets, logger), logger, runner.Options{
		RunID:           cfg.RunID,
		Environment:     cfg.Environment,
		IdentityTimeout: job.IdentityTimeout,
		PublishTimeout:  job.PublishTimeout,
	})
	if err != nil {
		return err
	}
	return r.Run(ctx)
}
