package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"spotetl/pkg/lifecycle"
)

// Run is one row of the etl_runs ledger.
type Run struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" db:"id" json:"id"`
	Environment  string            `gorm:"type:text" db:"environment" json:"environment"`
	RequestID    string            `gorm:"type:text" db:"request_id" json:"request_id,omitempty"`
	InstanceID   *string           `gorm:"type:text" db:"instance_id" json:"instance_id"`
	State        lifecycle.State   `gorm:"type:text" db:"state" json:"state"`
	Error        *string           `gorm:"type:text" db:"error" json:"error,omitempty"`
	Tags         datatypes.JSONMap `gorm:"type:jsonb" db:"tags" json:"tags,omitempty"`
	RequestedAt  time.Time         `gorm:"type:timestamptz" db:"requested_at" json:"requested_at"`
	FinishedAt   *time.Time        `gorm:"type:timestamptz" db:"finished_at" json:"finished_at,omitempty"`
	TerminatedAt *time.Time        `gorm:"type:timestamptz" db:"terminated_at" json:"terminated_at,omitempty"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;autoUpdateTime" db:"updated_at" json:"updated_at"`
}

func (Run) TableName() string { return "etl_runs" }

type transitionModel struct {
	ID    int64           `gorm:"primaryKey"`
	RunID uuid.UUID       `gorm:"type:uuid"`
	From  lifecycle.State `gorm:"column:from_state;type:text"`
	To    lifecycle.State `gorm:"column:to_state;type:text"`
	At    time.Time       `gorm:"type:timestamptz"`
}

func (transitionModel) TableName() string { return "etl_run_transitions" }

const runColumns = `id, environment, request_id, instance_id, state, error, tags,
	requested_at, finished_at, terminated_at, updated_at`
