package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spotetl/pkg/awsclient"
	"spotetl/pkg/compute"
	"spotetl/pkg/config"
	"spotetl/pkg/logging"
	"spotetl/pkg/outcome"
	"spotetl/pkg/s3"
	"spotetl/services/cleanup"
	"spotetl/services/ledger"
	"spotetl/services/trigger"
)

func cliLogger(obs config.Observability) zerolog.Logger {
	return logging.NewWithWriter(os.Stderr, "etlctl", "console", obs.LogLevel)
}

func newTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Provision one compute unit now, as the scheduled trigger would",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.LoadTrigger(ctx)
			if err != nil {
				return err
			}
			logger := cliLogger(cfg.Observability)

			awsCfg, err := awsclient.Load(ctx, cfg.AWS)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}

			opts := []trigger.Option{trigger.WithPresigner(s3.NewClient(awsCfg, s3.Options{
				Endpoint:       cfg.Storage.Endpoint,
				AccessKey:      cfg.Storage.AccessKey,
				SecretKey:      cfg.Storage.SecretKey,
				ForcePathStyle: cfg.Storage.ForcePathStyle,
			}))}
			if cfg.LedgerDSN != "" {
				l, release, err := ledger.Open(ctx, cfg.LedgerDSN, logger)
				if err != nil {
					return err
				}
				defer release()
				opts = append(opts, trigger.WithRecorder(l))
			}

			svc, err := trigger.New(cfg, compute.NewProvisionerFromConfig(awsCfg), logger, opts...)
			if err != nil {
				return err
			}
			handle, err := svc.Invoke(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), handle)
		},
	}
}

func newCleanupCommand() *cobra.Command {
	var failure string

	cmd := &cobra.Command{
		Use:   "cleanup <instance-id>",
		Short: "Terminate a compute unit as if its runner had reported an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.LoadCleanup(ctx)
			if err != nil {
				return err
			}
			logger := cliLogger(cfg.Observability)

			awsCfg, err := awsclient.Load(ctx, cfg.AWS)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}

			opts := []cleanup.Option{cleanup.WithTimeout(cfg.Timeout)}
			if cfg.LedgerDSN != "" {
				l, release, err := ledger.Open(ctx, cfg.LedgerDSN, logger)
				if err != nil {
					return err
				}
				defer release()
				opts = append(opts, cleanup.WithRecorder(l))
			}

			svc, err := cleanup.New(compute.NewProvisionerFromConfig(awsCfg), logger, opts...)
			if err != nil {
				return err
			}

			meta := outcome.Meta{FinishedAt: time.Now()}
			msg := outcome.Completed(args[0], meta)
			if failure != "" {
				msg = outcome.Failed(args[0], errors.New(failure), meta)
			}
			payload, err := msg.Encode()
			if err != nil {
				return err
			}

			res, err := svc.Handle(ctx, payload)
			if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&failure, "failed", "", "Report the unit as failed with this error text")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newRunsListCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		dsn    string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if limit < 1 || limit > ledger.MaxListLimit {
				return fmt.Errorf("--limit must be between 1 and %d", ledger.MaxListLimit)
			}
			if dsn == "" {
				dsn = os.Getenv("LEDGER_DSN")
			}
			if dsn == "" {
				return errors.New("ledger dsn is required (--dsn or LEDGER_DSN)")
			}

			var obs config.Observability
			if err := config.Process(ctx, &obs); err != nil {
				return err
			}
			l, release, err := ledger.Open(ctx, dsn, cliLogger(obs))
			if err != nil {
				return err
			}
			defer release()

			runs, err := l.List(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			return writeRunsTable(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Ledger Postgres DSN (defaults to $LEDGER_DSN)")
	cmd.Flags().IntVar(&limit, "limit", ledger.DefaultListLimit, "Maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRunsTable(w io.Writer, runs []ledger.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tENVIRONMENT\tINSTANCE\tSTATE\tREQUESTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Environment, deref(r.InstanceID), r.State,
			r.RequestedAt.UTC().Format(time.RFC3339), deref(r.Error))
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
