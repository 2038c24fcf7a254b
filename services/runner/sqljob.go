package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Transform rewrites one extracted row. Returning keep=false drops the row.
type Transform func(row []any) (out []any, keep bool, err error)

// Source is the extract side of a SQLJob.
type Source interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Destination is the load side of a SQLJob.
type Destination interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SQLJob copies the result of a query on one database into a table on another.
type SQLJob struct {
	Source      Source
	Destination Destination
	Query       string
	Table       string
	// Truncate empties the table in the same transaction before loading.
	Truncate  bool
	Transform Transform
	Logger    zerolog.Logger
}

// Run extracts, transforms and loads. The load is a single transaction.
func (j *SQLJob) Run(ctx context.Context) error {
	if j.Source == nil || j.Destination == nil {
		return errors.New("source and destination connections are required")
	}
	if strings.TrimSpace(j.Query) == "" {
		return errors.New("ETL_SOURCE_QUERY is required")
	}
	table := tableIdentifier(j.Table)
	if table == nil {
		return errors.New("ETL_DEST_TABLE is required")
	}

	rows, err := j.Source.Query(ctx, j.Query)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	defer rows.Close()

	columns := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}

	tx, err := j.Destination.Begin(ctx)
	if err != nil {
		return fmt.Errorf("load: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if j.Truncate {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+table.Sanitize()); err != nil {
			return fmt.Errorf("load: truncate %s: %w", j.Table, err)
		}
	}

	var extracted, dropped int64
	source := pgx.CopyFromFunc(func() ([]any, error) {
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return nil, fmt.Errorf("extract: %w", err)
			}
			extracted++
			if j.Transform == nil {
				return values, nil
			}
			out, keep, err := j.Transform(values)
			if err != nil {
				return nil, fmt.Errorf("transform row %d: %w", extracted, err)
			}
			if !keep {
				dropped++
				continue
			}
			return out, nil
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
		return nil, nil
	})

	loaded, err := tx.CopyFrom(ctx, table, columns, source)
	if err != nil {
		return fmt.Errorf("load: copy into %s: %w", j.Table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("load: commit: %w", err)
	}

	j.Logger.Info().
		Int64("extracted", extracted).
		Int64("dropped", dropped).
		Int64("loaded", loaded).
		Str("table", j.Table).
		Msg("etl load committed")
	return nil
}

func tableIdentifier(name string) pgx.Identifier {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return pgx.Identifier(strings.Split(name, "."))
}
