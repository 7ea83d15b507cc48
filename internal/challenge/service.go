package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/identifier"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/locking"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

const (
	opServiceNew   = "challenge.service.new"
	opCreate       = "challenge.create"
	opPublish      = "challenge.publish_version"
	opGetCurrent   = "challenge.get_current"
	opGetVersionAt = "challenge.get_version_at"
	opList         = "challenge.list"
	opInvite       = "challenge.invite"

	queryCurrentVersion = "challenge_id = ? AND valid_until IS NULL"
	queryVersionAt      = "challenge_id = ? AND valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)"

	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonMissingAuditLog    = "missing_audit_log"
	reasonNotFound           = "not_found"
	reasonInvalidDefinition  = "invalid_definition"
	reasonEncodeFailed       = "encode_failed"
	reasonDecodeFailed       = "decode_failed"
	reasonCloseFailed        = "close_failed"
	reasonInsertFailed       = "insert_failed"
	reasonQueryFailed        = "query_failed"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonAuditAppendFailed  = "audit_append_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingAuditLog   = errors.New("audit log is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig carries the dependencies for the temporal challenge store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Auditor    *audit.Log
	Logger     *zap.Logger
}

// Service stores immutable challenge versions with closed validity intervals.
// At most one version per challenge is current (open valid_until) at any
// point; publishes close the predecessor and insert the successor in one
// transaction, serialized per challenge.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   identifier.Provider
	auditor      *audit.Log
	logger       *zap.Logger
	publishLocks *locking.KeyedMutex
}

// NewService constructs the challenge store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	if cfg.Auditor == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingAuditLog, errMissingAuditLog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		auditor:      cfg.Auditor,
		logger:       logger,
		publishLocks: locking.NewKeyedMutex(),
	}, nil
}

type publishedParams struct {
	VersionID     string `json:"version_id"`
	Name          string `json:"name"`
	WaypointCount int    `json:"waypoint_count"`
}

// Create publishes the first version of a brand-new challenge and returns it.
func (s *Service) Create(ctx context.Context, definition Definition, moderatorUserID string) (Version, error) {
	normalized, err := definition.Normalize()
	if err != nil {
		return Version{}, serviceerror.New(opCreate, reasonInvalidDefinition, err)
	}

	rawID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDGenerationFailed, err)
		return Version{}, serviceerror.New(opCreate, reasonIDGenerationFailed, err)
	}
	challengeID, err := NewID(rawID)
	if err != nil {
		return Version{}, serviceerror.New(opCreate, reasonIDGenerationFailed, err)
	}

	return s.insertVersion(ctx, opCreate, challengeID, normalized, moderatorUserID, nil)
}

// PublishVersion atomically closes the current version of an existing
// challenge and inserts definition as its successor. Readers never observe
// zero or two current versions for the challenge.
func (s *Service) PublishVersion(ctx context.Context, challengeID ID, definition Definition, actorUserID string) (Version, error) {
	normalized, err := definition.Normalize()
	if err != nil {
		return Version{}, serviceerror.New(opPublish, reasonInvalidDefinition, err)
	}

	release := s.publishLocks.Acquire(challengeID.String())
	defer release()

	var current VersionRecord
	err = s.db.WithContext(ctx).
		Where(queryCurrentVersion, challengeID.String()).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, serviceerror.New(opPublish, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opPublish, reasonQueryFailed, err, zap.String("challenge_id", challengeID.String()))
		return Version{}, serviceerror.New(opPublish, reasonQueryFailed, err)
	}

	return s.insertVersion(ctx, opPublish, challengeID, normalized, current.ModeratorUserID, &current)
}

func (s *Service) insertVersion(ctx context.Context, operation string, challengeID ID, definition Definition, moderatorUserID string, predecessor *VersionRecord) (Version, error) {
	waypointsJSON, err := encodeWaypoints(definition.Waypoints)
	if err != nil {
		return Version{}, serviceerror.New(operation, reasonEncodeFailed, err)
	}

	rawVersionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGenerationFailed, err)
		return Version{}, serviceerror.New(operation, reasonIDGenerationFailed, err)
	}

	now := s.clock().UTC()
	record := VersionRecord{
		VersionID:        rawVersionID,
		ChallengeID:      challengeID.String(),
		Name:             definition.Name,
		Description:      definition.Description,
		PlannedStartTime: definition.PlannedStartTime.UTC(),
		DurationMinutes:  definition.DurationMinutes,
		ModeratorUserID:  moderatorUserID,
		WaypointsJSON:    waypointsJSON,
		ValidFrom:        now,
		ValidUntil:       nil,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if predecessor != nil {
			closed := tx.Model(&VersionRecord{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("version_id = ? AND valid_until IS NULL", predecessor.VersionID).
				Update("valid_until", now)
			if closed.Error != nil {
				s.logError(operation, reasonCloseFailed, closed.Error,
					zap.String("challenge_id", challengeID.String()),
					zap.String("version_id", predecessor.VersionID))
				return serviceerror.New(operation, reasonCloseFailed, closed.Error)
			}
			if closed.RowsAffected != 1 {
				err := errors.New("current version changed under publish")
				s.logError(operation, reasonCloseFailed, err, zap.String("challenge_id", challengeID.String()))
				return serviceerror.New(operation, reasonCloseFailed, err)
			}
		}

		if err := tx.Create(&record).Error; err != nil {
			s.logError(operation, reasonInsertFailed, err, zap.String("challenge_id", challengeID.String()))
			return serviceerror.New(operation, reasonInsertFailed, err)
		}

		params, err := audit.EncodeJSON(publishedParams{
			VersionID:     record.VersionID,
			Name:          record.Name,
			WaypointCount: len(definition.Waypoints),
		})
		if err != nil {
			return serviceerror.New(operation, reasonEncodeFailed, err)
		}
		if _, err := s.auditor.Append(ctx, tx, audit.Event{
			ChallengeID: challengeID.String(),
			ActorType:   audit.ActorModerator,
			ActorID:     moderatorUserID,
			EventType:   audit.EventVersionPublished,
			Parameters:  params,
			Outcome:     audit.OutcomeAccepted,
			EventTime:   now,
		}); err != nil {
			return serviceerror.New(operation, reasonAuditAppendFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Version{}, txErr
	}

	s.logger.Info("challenge version published",
		zap.String("challenge_id", challengeID.String()),
		zap.String("version_id", record.VersionID),
		zap.Int("waypoints", len(definition.Waypoints)))

	return recordToVersion(record)
}

// GetCurrent returns the version in force now for the challenge.
func (s *Service) GetCurrent(ctx context.Context, challengeID ID) (Version, error) {
	var record VersionRecord
	err := s.db.WithContext(ctx).
		Where(queryCurrentVersion, challengeID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, serviceerror.New(opGetCurrent, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opGetCurrent, reasonQueryFailed, err, zap.String("challenge_id", challengeID.String()))
		return Version{}, serviceerror.New(opGetCurrent, reasonQueryFailed, err)
	}
	version, err := recordToVersion(record)
	if err != nil {
		return Version{}, serviceerror.New(opGetCurrent, reasonDecodeFailed, err)
	}
	return version, nil
}

// GetVersionAt returns the version whose validity interval covers the given
// instant, so historical decisions are judged against the rules in force at
// the time.
func (s *Service) GetVersionAt(ctx context.Context, challengeID ID, at time.Time) (Version, error) {
	instant := at.UTC()
	var record VersionRecord
	err := s.db.WithContext(ctx).
		Where(queryVersionAt, challengeID.String(), instant, instant).
		Order("valid_from DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, serviceerror.New(opGetVersionAt, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opGetVersionAt, reasonQueryFailed, err, zap.String("challenge_id", challengeID.String()))
		return Version{}, serviceerror.New(opGetVersionAt, reasonQueryFailed, err)
	}
	version, err := recordToVersion(record)
	if err != nil {
		return Version{}, serviceerror.New(opGetVersionAt, reasonDecodeFailed, err)
	}
	return version, nil
}

// List returns the current version of every challenge, newest first.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	var records []VersionRecord
	if err := s.db.WithContext(ctx).
		Where("valid_until IS NULL").
		Order("valid_from DESC").
		Find(&records).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err)
		return nil, serviceerror.New(opList, reasonQueryFailed, err)
	}

	summaries := make([]Summary, 0, len(records))
	for _, record := range records {
		version, err := recordToVersion(record)
		if err != nil {
			return nil, serviceerror.New(opList, reasonDecodeFailed, err)
		}
		summaries = append(summaries, Summary{
			ChallengeID:      version.ChallengeID,
			Name:             version.Name,
			Description:      version.Description,
			PlannedStartTime: version.PlannedStartTime,
			DurationMinutes:  version.DurationMinutes,
			WaypointCount:    version.WaypointCount(),
			ModeratorUserID:  version.ModeratorUserID,
		})
	}
	return summaries, nil
}

// Invite marks a user as eligible to start the challenge. Repeat invites are
// no-ops.
func (s *Service) Invite(ctx context.Context, challengeID ID, userID, invitedByUserID string) error {
	if _, err := s.GetCurrent(ctx, challengeID); err != nil {
		return serviceerror.New(opInvite, reasonNotFound, err)
	}

	invite := InviteRecord{
		ChallengeID: challengeID.String(),
		UserID:      userID,
		InvitedBy:   invitedByUserID,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&invite)
		if result.Error != nil {
			s.logError(opInvite, reasonInsertFailed, result.Error,
				zap.String("challenge_id", challengeID.String()),
				zap.String("user_id", userID))
			return serviceerror.New(opInvite, reasonInsertFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		params, err := audit.EncodeJSON(map[string]string{"user_id": userID})
		if err != nil {
			return serviceerror.New(opInvite, reasonEncodeFailed, err)
		}
		if _, err := s.auditor.Append(ctx, tx, audit.Event{
			ChallengeID: challengeID.String(),
			ActorType:   audit.ActorModerator,
			ActorID:     invitedByUserID,
			EventType:   audit.EventInviteIssued,
			Parameters:  params,
			Outcome:     audit.OutcomeAccepted,
		}); err != nil {
			return serviceerror.New(opInvite, reasonAuditAppendFailed, err)
		}
		return nil
	})
	return txErr
}

// IsInvited reports whether the user holds an invite for the challenge.
func (s *Service) IsInvited(ctx context.Context, challengeID ID, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&InviteRecord{}).
		Where("challenge_id = ? AND user_id = ?", challengeID.String(), userID).
		Count(&count).Error; err != nil {
		return false, serviceerror.New(opInvite, reasonQueryFailed, err)
	}
	return count > 0, nil
}

func encodeWaypoints(waypoints []Waypoint) (datatypes.JSON, error) {
	raw, err := json.Marshal(waypoints)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func recordToVersion(record VersionRecord) (Version, error) {
	var waypoints []Waypoint
	if err := json.Unmarshal(record.WaypointsJSON, &waypoints); err != nil {
		return Version{}, err
	}
	return Version{
		ChallengeID:      ID(record.ChallengeID),
		VersionID:        VersionID(record.VersionID),
		Name:             record.Name,
		Description:      record.Description,
		PlannedStartTime: record.PlannedStartTime,
		DurationMinutes:  record.DurationMinutes,
		ModeratorUserID:  record.ModeratorUserID,
		Waypoints:        waypoints,
		ValidFrom:        record.ValidFrom,
		ValidUntil:       record.ValidUntil,
	}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("challenge service error", attrs...)
}
