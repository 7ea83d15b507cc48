package database

import (
	"errors"
	"time"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearStalePendingProofs = "2026-07-21_clear_stale_pending_proofs"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearStalePendingProofs, apply: clearStalePendingProofs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before the rejection path cleared pending_proof_id can carry
// a proof reference in a state that has none in flight. Recovery treats the
// column as authoritative, so stale values must go.
func clearStalePendingProofs(db *gorm.DB) error {
	return db.Model(&participant.Participant{}).
		Where("state <> ? AND pending_proof_id <> ''", participant.StateProofPending).
		Update("pending_proof_id", "").Error
}
