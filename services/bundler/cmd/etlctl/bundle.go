package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"spotetl/pkg/awsclient"
	"spotetl/pkg/config"
	"spotetl/pkg/s3"
	"spotetl/services/bundler"
)

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Build, verify and publish job runner bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleBuildCommand())
	cmd.AddCommand(newBundleVerifyCommand())
	cmd.AddCommand(newBundlePushCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		sourceDir  string
		entrypoint string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from a job directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(commandContext(cmd), bundler.BuildConfig{
				SourceDir:  sourceDir,
				Entrypoint: entrypoint,
				Output:     output,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "Directory holding the job tree")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", bundler.DefaultEntrypoint, "Runner executable relative to the job tree")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("source-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundleVerifyCommand() *cobra.Command {
	var (
		bundleFile string
		publicKey  string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a bundle's signature and file digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(publicKey) == "" {
				publicKey = os.Getenv(bundler.PublicKeyEnv)
			}
			signer, err := bundler.NewSigner("", publicKey)
			if err != nil {
				return err
			}
			manifest, err := bundler.Verify(commandContext(cmd), bundleFile, signer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle ok: %d files, entrypoint %s, signed by %s\n",
				len(manifest.Files), manifest.Entrypoint, manifest.Signer)
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "Base64 ed25519 public key (defaults to $"+bundler.PublicKeyEnv+")")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBundlePushCommand() *cobra.Command {
	var (
		bundleFile string
		location   string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload a bundle to the code storage location",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if location == "" {
				location = os.Getenv("CODE_STORAGE_LOCATION")
			}
			loc, err := s3.ParseLocation(location)
			if err != nil {
				return err
			}

			var (
				awsCfg  config.AWS
				storage config.Storage
			)
			if err := config.Process(ctx, &awsCfg); err != nil {
				return err
			}
			if err := config.Process(ctx, &storage); err != nil {
				return err
			}
			sdkCfg, err := awsclient.Load(ctx, awsCfg)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}
			client := s3.NewClient(sdkCfg, s3.Options{
				Endpoint:       storage.Endpoint,
				AccessKey:      storage.AccessKey,
				SecretKey:      storage.SecretKey,
				ForcePathStyle: storage.ForcePathStyle,
			})
			return bundler.Push(ctx, client, bundleFile, loc, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&location, "location", "", "Destination, e.g. s3://bucket/etl-runner.tar.zst (defaults to $CODE_STORAGE_LOCATION)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
