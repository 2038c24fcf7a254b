package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"spotetl/pkg/db"
)

// Open connects to the ledger database, applies migrations and returns a
// Ledger with a release function for the connection pool.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Ledger, func(), error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	orm, err := db.ORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}
	store, err := NewSQLStore(orm, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	l, err := New(store, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return l, pool.Close, nil
}
