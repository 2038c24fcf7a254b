package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"spotetl/pkg/awsclient"
	"spotetl/pkg/compute"
	"spotetl/pkg/config"
	"spotetl/pkg/logging"
	"spotetl/pkg/metrics"
	"spotetl/pkg/s3"
	"spotetl/pkg/telemetry"
	"spotetl/services/ledger"
	"spotetl/services/trigger"
)

const serviceName = "etl-trigger"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadTrigger(ctx)
	if err != nil {
		return err
	}
	logger := logging.New(serviceName, cfg.Observability.LogFormat, cfg.Observability.LogLevel)

	tel, err := telemetry.Init(ctx, serviceName, cfg.Observability.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	// lambda.Start never returns. Spans are flushed per invocation and the
	// ledger pool lives as long as the container.
	opts := []trigger.Option{
		trigger.WithMetrics(metrics.Discard()),
		trigger.WithFlush(tel.Flush),
		trigger.WithPresigner(s3.NewClient(awsCfg, s3.Options{
			Endpoint:       cfg.Storage.Endpoint,
			AccessKey:      cfg.Storage.AccessKey,
			SecretKey:      cfg.Storage.SecretKey,
			ForcePathStyle: cfg.Storage.ForcePathStyle,
		})),
	}
	if cfg.LedgerDSN != "" {
		l, _, err := ledger.Open(ctx, cfg.LedgerDSN, logger)
		if err != nil {
			return err
		}
		opts = append(opts, trigger.WithRecorder(l))
	}

	svc, err := trigger.New(cfg, compute.NewProvisionerFromConfig(awsCfg), logger, opts...)
	if err != nil {
		return err
	}

	logger.Info().Str("environment", cfg.Environment).Str("market", cfg.Market).Msg("trigger ready")
	lambda.Start(svc.HandleScheduledEvent)
	return nil
}
