package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"spotetl/pkg/db"
	"spotetl/pkg/lifecycle"
)

var (
	// ErrRunNotFound is returned when no ledger row matches a lookup.
	ErrRunNotFound = errors.New("run not found")
	// ErrConflict is returned when a row changed state underneath an update.
	ErrConflict = errors.New("run state changed concurrently")
)

// Store persists runs and their transitions.
type Store interface {
	Insert(ctx context.Context, run *Run, steps []lifecycle.State) error
	// Find looks a run up by id first, then by instance id.
	Find(ctx context.Context, runID uuid.UUID, instanceID string) (*Run, error)
	// Update writes run if its stored state still equals from.
	Update(ctx context.Context, run *Run, from lifecycle.State, steps []lifecycle.State) error
	List(ctx context.Context, limit int) ([]Run, error)
}

// SQLStore writes through GORM and reads through pgx/scany.
type SQLStore struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewSQLStore binds a store to the provided handles.
func NewSQLStore(orm *gorm.DB, pool *pgxpool.Pool) (*SQLStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &SQLStore{orm: orm, pool: pool}, nil
}

func transitions(run *Run, from lifecycle.State, steps []lifecycle.State) []transitionModel {
	out := make([]transitionModel, 0, len(steps))
	prev := from
	for _, s := range steps {
		out = append(out, transitionModel{RunID: run.ID, From: prev, To: s, At: run.UpdatedAt})
		prev = s
	}
	return out
}

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, run *Run, steps []lifecycle.State) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if rows := transitions(run, lifecycle.Requested, steps); len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert transitions: %w", err)
			}
		}
		return nil
	})
}

// Find implements Store.
func (s *SQLStore) Find(ctx context.Context, runID uuid.UUID, instanceID string) (*Run, error) {
	if runID != uuid.Nil {
		var run Run
		err := db.Get(ctx, s.pool, &run, `SELECT `+runColumns+` FROM etl_runs WHERE id = $1`, runID)
		switch {
		case err == nil:
			return &run, nil
		case !db.IsNoRows(err):
			return nil, fmt.Errorf("find run: %w", err)
		}
	}
	if instanceID == "" {
		return nil, ErrRunNotFound
	}

	var run Run
	err := db.Get(ctx, s.pool, &run, `SELECT `+runColumns+` FROM etl_runs
		WHERE instance_id = $1 ORDER BY requested_at DESC LIMIT 1`, instanceID)
	if db.IsNoRows(err) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find run: %w", err)
	}
	return &run, nil
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, run *Run, from lifecycle.State, steps []lifecycle.State) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Run{}).
			Where("id = ? AND state = ?", run.ID, from).
			Updates(map[string]any{
				"instance_id":   run.InstanceID,
				"state":         run.State,
				"error":         run.Error,
				"finished_at":   run.FinishedAt,
				"terminated_at": run.TerminatedAt,
				"updated_at":    run.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update run: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrConflict, run.ID)
		}
		if rows := transitions(run, from, steps); len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert transitions: %w", err)
			}
		}
		return nil
	})
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := db.Select(ctx, s.pool, &runs, `SELECT `+runColumns+` FROM etl_runs
		ORDER BY requested_at DESC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
