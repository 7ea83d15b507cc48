package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

const (
	opLogNew         = "audit.log.new"
	opAppend         = "audit.append"
	opHistory        = "audit.history"
	opRecordLocation = "audit.record_location"
	opTrajectory     = "audit.trajectory"

	orderEventIDAsc  = "event_id ASC"
	orderSampleIDAsc = "sample_id ASC"

	reasonMissingDatabase    = "missing_database"
	reasonMissingParticipant = "missing_participant_id"
	reasonEncodeFailed       = "encode_failed"
	reasonInsertFailed       = "insert_failed"
	reasonQueryFailed        = "query_failed"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingParticipantID = errors.New("participant identifier is required")
	noOpLogger              = zap.NewNop()
)

// LogConfig carries the dependencies for the audit log.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log appends and reads immutable audit events. Appends may join a caller's
// transaction so a state update and its event commit or fail together.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog constructs the audit log service.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opLogNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append inserts the event using tx when provided, otherwise the log's own
// handle. EventTime defaults to the event's occurrence now; RecordedAt is
// always stamped by the log.
func (l *Log) Append(ctx context.Context, tx *gorm.DB, event Event) (Event, error) {
	handle := tx
	if handle == nil {
		handle = l.db
	}
	now := l.clock().UTC()
	if event.EventTime.IsZero() {
		event.EventTime = now
	}
	event.RecordedAt = now
	if err := handle.WithContext(ctx).Create(&event).Error; err != nil {
		l.logger.Error("audit append failed",
			zap.String("operation", opAppend),
			zap.String("participant_id", event.ParticipantID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
		return Event{}, serviceerror.New(opAppend, reasonInsertFailed, err)
	}
	return event, nil
}

// ParticipantHistory returns every event for the participant in append order.
func (l *Log) ParticipantHistory(ctx context.Context, participantID string) ([]Event, error) {
	if participantID == "" {
		return nil, serviceerror.New(opHistory, reasonMissingParticipant, errMissingParticipantID)
	}
	var events []Event
	if err := l.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order(orderEventIDAsc).
		Find(&events).Error; err != nil {
		return nil, serviceerror.New(opHistory, reasonQueryFailed, err)
	}
	return events, nil
}

// ChallengeHistory returns every event for the challenge in append order,
// including moderator events with no participant.
func (l *Log) ChallengeHistory(ctx context.Context, challengeID string) ([]Event, error) {
	var events []Event
	if err := l.db.WithContext(ctx).
		Where("challenge_id = ?", challengeID).
		Order(orderEventIDAsc).
		Find(&events).Error; err != nil {
		return nil, serviceerror.New(opHistory, reasonQueryFailed, err)
	}
	return events, nil
}

// LatestEvent returns the participant's newest event among the given types.
// Callers get gorm.ErrRecordNotFound when none has been recorded.
func (l *Log) LatestEvent(ctx context.Context, participantID string, types ...EventType) (Event, error) {
	if participantID == "" {
		return Event{}, serviceerror.New(opHistory, reasonMissingParticipant, errMissingParticipantID)
	}
	query := l.db.WithContext(ctx).Where("participant_id = ?", participantID)
	if len(types) > 0 {
		query = query.Where("event_type IN ?", types)
	}
	var event Event
	if err := query.Order("event_id DESC").First(&event).Error; err != nil {
		return Event{}, err
	}
	return event, nil
}

// RecordLocation stores one trajectory sample.
func (l *Log) RecordLocation(ctx context.Context, participantID string, latitude, longitude float64) error {
	if participantID == "" {
		return serviceerror.New(opRecordLocation, reasonMissingParticipant, errMissingParticipantID)
	}
	sample := LocationSample{
		ParticipantID: participantID,
		Latitude:      latitude,
		Longitude:     longitude,
		RecordedAt:    l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return serviceerror.New(opRecordLocation, reasonInsertFailed, err)
	}
	return nil
}

// Trajectory returns the participant's samples oldest first.
func (l *Log) Trajectory(ctx context.Context, participantID string) ([]LocationSample, error) {
	if participantID == "" {
		return nil, serviceerror.New(opTrajectory, reasonMissingParticipant, errMissingParticipantID)
	}
	var samples []LocationSample
	if err := l.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order(orderSampleIDAsc).
		Find(&samples).Error; err != nil {
		return nil, serviceerror.New(opTrajectory, reasonQueryFailed, err)
	}
	return samples, nil
}

// EncodeJSON marshals v into a JSON column value. Writers use it for event
// parameters and outcome payloads.
func EncodeJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, serviceerror.New(opAppend, reasonEncodeFailed, err)
	}
	return datatypes.JSON(raw), nil
}

// DecodeJSON unmarshals a JSON column value into out, tolerating empty columns.
func DecodeJSON(raw datatypes.JSON, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
