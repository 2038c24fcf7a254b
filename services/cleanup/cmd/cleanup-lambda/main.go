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
	"spotetl/pkg/telemetry"
	"spotetl/services/cleanup"
	"spotetl/services/ledger"
)

const serviceName = "etl-cleanup"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadCleanup(ctx)
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
	opts := []cleanup.Option{
		cleanup.WithMetrics(metrics.Discard()),
		cleanup.WithTimeout(cfg.Timeout),
		cleanup.WithFlush(tel.Flush),
	}
	if cfg.LedgerDSN != "" {
		l, _, err := ledger.Open(ctx, cfg.LedgerDSN, logger)
		if err != nil {
			return err
		}
		opts = append(opts, cleanup.WithRecorder(l))
	}

	svc, err := cleanup.New(compute.NewProvisionerFromConfig(awsCfg), logger, opts...)
	if err != nil {
		return err
	}

	logger.Info().Msg("cleanup ready")
	lambda.Start(svc.HandleSNSEvent)
	return nil
}
