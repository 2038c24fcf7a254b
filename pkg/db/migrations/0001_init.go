package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// All lists the ledger schema migrations in version order.
func All() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1, &goose.GoFunc{RunTx: upInit}, &goose.GoFunc{RunTx: downInit}),
	}
}

// Run is the ledger row for one trigger invocation.
type Run struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Environment  string            `gorm:"type:text;not null;index"`
	RequestID    string            `gorm:"type:text;index"`
	InstanceID   *string           `gorm:"type:text;index"`
	State        string            `gorm:"type:text;not null"`
	Error        *string           `gorm:"type:text"`
	Tags         datatypes.JSONMap `gorm:"type:jsonb"`
	RequestedAt  time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	FinishedAt   *time.Time        `gorm:"type:timestamptz"`
	TerminatedAt *time.Time        `gorm:"type:timestamptz"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (Run) TableName() string { return "etl_runs" }

// Transition records each lifecycle edge a run took.
type Transition struct {
	ID    int64     `gorm:"type:bigserial;primaryKey"`
	RunID uuid.UUID `gorm:"type:uuid;not null;index"`
	From  string    `gorm:"column:from_state;type:text;not null"`
	To    string    `gorm:"column:to_state;type:text;not null"`
	At    time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run   Run       `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Transition) TableName() string { return "etl_run_transitions" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(&Run{}, &Transition{}); err != nil {
		return err
	}
	m := gormDB.WithContext(ctx).Migrator()
	if m.HasConstraint(&Transition{}, "Run") {
		return nil
	}
	return m.CreateConstraint(&Transition{}, "Run")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Transition{}, &Run{})
}
