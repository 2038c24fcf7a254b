package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"spotetl/pkg/config"
	"spotetl/pkg/s3"
	"spotetl/services/bundler"
)

// SecretSource fetches the dotenv file named by ETL_SECRETS_LOCATION.
type SecretSource interface {
	GetObject(ctx context.Context, loc s3.Location) (io.ReadCloser, error)
}

// ConfiguredBody builds the default ETL body from the job configuration:
// verify the job bundle when a public key is set, resolve connection strings,
// then copy the source query result into the destination table.
//
// A non-nil setupErr is returned from inside the body so that configuration
// failures are still reported as a failed outcome.
func ConfiguredBody(job config.Job, setupErr error, secrets SecretSource, logger zerolog.Logger) Body {
	return func(ctx context.Context) error {
		if setupErr != nil {
			return setupErr
		}
		if job.BundleDir != "" && job.BundlePublicKey != "" {
			if err := verifyBundle(ctx, job, logger); err != nil {
				return err
			}
		}

		srcConn, dstConn, err := connections(ctx, job, secrets)
		if err != nil {
			return err
		}

		src, err := pgx.Connect(ctx, srcConn)
		if err != nil {
			return fmt.Errorf("connect source: %w", err)
		}
		defer src.Close(context.WithoutCancel(ctx))

		dst, err := pgx.Connect(ctx, dstConn)
		if err != nil {
			return fmt.Errorf("connect destination: %w", err)
		}
		defer dst.Close(context.WithoutCancel(ctx))

		sqlJob := &SQLJob{
			Source:      src,
			Destination: dst,
			Query:       job.SourceQuery,
			Table:       job.DestTable,
			Truncate:    job.TruncateDest,
			Logger:      logger,
		}
		return sqlJob.Run(ctx)
	}
}

// connections returns the source and destination DSNs. Values from the
// secrets object take precedence over the environment.
func connections(ctx context.Context, job config.Job, secrets SecretSource) (string, string, error) {
	src, dst := job.DataSourceConn, job.DataDestConn

	if job.SecretsLocation != "" {
		values, err := loadSecrets(ctx, job.SecretsLocation, secrets)
		if err != nil {
			return "", "", err
		}
		if v, ok := values["DATA_SOURCE_CONN"]; ok {
			src = v
		}
		if v, ok := values["DATA_DEST_CONN"]; ok {
			dst = v
		}
	}

	if strings.TrimSpace(src) == "" {
		return "", "", errors.New("DATA_SOURCE_CONN is required")
	}
	if strings.TrimSpace(dst) == "" {
		return "", "", errors.New("DATA_DEST_CONN is required")
	}
	return src, dst, nil
}

func loadSecrets(ctx context.Context, raw string, secrets SecretSource) (map[string]string, error) {
	if secrets == nil {
		return nil, errors.New("ETL_SECRETS_LOCATION is set but no secret source is configured")
	}
	loc, err := s3.ParseObjectLocation(raw)
	if err != nil {
		return nil, err
	}
	rc, err := secrets.GetObject(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("fetch secrets: %w", err)
	}
	defer rc.Close()

	values, err := godotenv.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("parse secrets %s: %w", loc, err)
	}
	return values, nil
}

func verifyBundle(ctx context.Context, job config.Job, logger zerolog.Logger) error {
	signer, err := bundler.NewSigner("", job.BundlePublicKey)
	if err != nil {
		return fmt.Errorf("bundle key: %w", err)
	}
	manifest, err := bundler.VerifyDir(ctx, job.BundleDir, signer)
	if err != nil {
		return err
	}
	logger.Info().
		Int("files", len(manifest.Files)).
		Time("built_at", manifest.CreatedAt).
		Msg("job bundle verified")
	return nil
}
