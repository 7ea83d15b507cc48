// Package database opens the shared SQLite handle and owns schema setup:
// GORM auto-migration for the model set plus the ordered data-migration
// runner.
package database

import (
	"fmt"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/challenge"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open establishes a SQLite connection and performs schema migrations.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// The pure-Go driver serializes writes anyway; one connection avoids
	// SQLITE_BUSY under concurrent commits.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&users.User{},
		&users.UserRole{},
		&challenge.VersionRecord{},
		&challenge.InviteRecord{},
		&participant.Participant{},
		&audit.Event{},
		&audit.LocationSample{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
