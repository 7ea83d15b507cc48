package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/challenge"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/geo"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/identifier"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/locking"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/proofcheck"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

const (
	opServiceNew     = "participant.service.new"
	opJoin           = "participant.join"
	opPresent        = "participant.present"
	opCheckIn        = "participant.checkin"
	opSubmitProof    = "participant.submit_proof"
	opProofStatus    = "participant.proof_status"
	opGet            = "participant.get"
	opRecordLocation = "participant.record_location"
	opResolveProof   = "participant.resolve_proof"

	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonMissingAuditLog    = "missing_audit_log"
	reasonMissingChallenges  = "missing_challenge_store"
	reasonMissingValidator   = "missing_validator"
	reasonNotFound           = "not_found"
	reasonAlreadyJoined      = "already_joined"
	reasonWrongState         = "wrong_state"
	reasonWrongWaypoint      = "wrong_waypoint"
	reasonDistanceExceeded   = "distance_exceeded"
	reasonInvalidCoordinates = "invalid_coordinates"
	reasonMissingImage       = "missing_image"
	reasonNoProof            = "no_proof"
	reasonEncodeFailed       = "encode_failed"
	reasonDecodeFailed       = "decode_failed"
	reasonFoldFailed         = "fold_failed"
	reasonQueryFailed        = "query_failed"
	reasonCommitFailed       = "commit_failed"
	reasonAuditAppendFailed  = "audit_append_failed"
	reasonIDGenerationFailed = "id_generation_failed"

	proofStatusPending = "pending"

	defaultProofTimeout = 5 * time.Minute
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingAuditLog   = errors.New("audit log is required")
	errMissingChallenges = errors.New("challenge store is required")
	errMissingValidator  = errors.New("proof validator is required")
	errAlreadyJoined     = errors.New("user already has a run for this challenge")
	errMissingImage      = errors.New("image reference is required")
	noOpLogger           = zap.NewNop()
)

// ChallengeStore is the slice of the challenge service the state machine
// reads: the version in force now, and the version in force at a past moment.
type ChallengeStore interface {
	GetCurrent(ctx context.Context, challengeID challenge.ID) (challenge.Version, error)
	GetVersionAt(ctx context.Context, challengeID challenge.ID, at time.Time) (challenge.Version, error)
}

// ProofValidator adjudicates a submitted proof image.
type ProofValidator interface {
	Validate(ctx context.Context, job proofcheck.Job) proofcheck.Verdict
}

// ProgressPublisher receives committed transitions for realtime fanout.
type ProgressPublisher interface {
	PublishProgress(update ProgressUpdate)
}

// ServiceConfig carries the dependencies for the participant state machine.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   identifier.Provider
	Challenges   ChallengeStore
	Auditor      *audit.Log
	Validator    ProofValidator
	Publisher    ProgressPublisher
	Logger       *zap.Logger
	ProofTimeout time.Duration
}

// Service serializes all operations per participant, appends every attempt to
// the audit log, and keeps the participants table as a cache of the fold.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   identifier.Provider
	challenges   ChallengeStore
	auditor      *audit.Log
	validator    ProofValidator
	publisher    ProgressPublisher
	logger       *zap.Logger
	proofTimeout time.Duration
	locks        *locking.KeyedMutex
	inFlight     sync.WaitGroup
}

// NewService constructs the participant state machine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	if cfg.Challenges == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingChallenges, errMissingChallenges)
	}
	if cfg.Auditor == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingAuditLog, errMissingAuditLog)
	}
	if cfg.Validator == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingValidator, errMissingValidator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	proofTimeout := cfg.ProofTimeout
	if proofTimeout <= 0 {
		proofTimeout = defaultProofTimeout
	}
	return &Service{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		challenges:   cfg.Challenges,
		auditor:      cfg.Auditor,
		validator:    cfg.Validator,
		publisher:    cfg.Publisher,
		logger:       logger,
		proofTimeout: proofTimeout,
		locks:        locking.NewKeyedMutex(),
	}, nil
}

// Join creates a run for (challenge, user) starting at waypoint 1 PRESENTED.
// A second join for the same pair is a conflict; re-entry goes through
// GetByChallengeUser instead.
func (s *Service) Join(ctx context.Context, challengeID challenge.ID, userID, nickname string) (Snapshot, error) {
	version, err := s.challenges.GetCurrent(ctx, challengeID)
	if err != nil {
		return Snapshot{}, err
	}

	participantID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opJoin, reasonIDGenerationFailed, err)
		return Snapshot{}, serviceerror.New(opJoin, reasonIDGenerationFailed, err)
	}

	now := s.clock().UTC()
	row := Participant{
		ParticipantID:        participantID,
		ChallengeID:          challengeID.String(),
		UserID:               userID,
		Nickname:             strings.TrimSpace(nickname),
		CurrentWaypointIndex: 1,
		State:                StatePresented,
		StateSince:           now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	joined, err := buildEvent(row, audit.ActorParticipant, userID, audit.EventParticipantJoined,
		joinedParams{Nickname: row.Nickname}, audit.OutcomeAccepted, nil, now)
	if err != nil {
		return Snapshot{}, serviceerror.New(opJoin, reasonEncodeFailed, err)
	}
	presented, err := buildEvent(row, audit.ActorParticipant, userID, audit.EventWaypointPresented,
		presentedParams{WaypointIndex: 1}, audit.OutcomeAccepted, nil, now)
	if err != nil {
		return Snapshot{}, serviceerror.New(opJoin, reasonEncodeFailed, err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Participant{}).
			Where("challenge_id = ? AND user_id = ?", row.ChallengeID, row.UserID).
			Count(&count).Error; err != nil {
			return serviceerror.New(opJoin, reasonQueryFailed, err)
		}
		if count > 0 {
			return serviceerror.New(opJoin, reasonAlreadyJoined, errAlreadyJoined)
		}
		if err := tx.Create(&row).Error; err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return serviceerror.New(opJoin, reasonAlreadyJoined, err)
			}
			return serviceerror.New(opJoin, reasonCommitFailed, err)
		}
		if _, err := s.auditor.Append(ctx, tx, joined); err != nil {
			return serviceerror.New(opJoin, reasonAuditAppendFailed, err)
		}
		if _, err := s.auditor.Append(ctx, tx, presented); err != nil {
			return serviceerror.New(opJoin, reasonAuditAppendFailed, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opJoin, "transaction_failed", txErr,
			zap.String("challenge_id", row.ChallengeID),
			zap.String("user_id", row.UserID))
		return Snapshot{}, txErr
	}

	s.publish(row, audit.EventParticipantJoined, nil, now)
	return s.snapshot(row, version), nil
}

// GetByChallengeUser finds an existing run for re-entry.
func (s *Service) GetByChallengeUser(ctx context.Context, challengeID challenge.ID, userID string) (Participant, error) {
	var row Participant
	err := s.db.WithContext(ctx).
		Where("challenge_id = ? AND user_id = ?", challengeID.String(), userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, serviceerror.New(opGet, reasonNotFound, err)
	}
	if err != nil {
		return Participant{}, serviceerror.New(opGet, reasonQueryFailed, err)
	}
	return row, nil
}

// Present confirms the waypoint the participant is working on. Legal either
// as a re-delivery of the already-current PRESENTED index (no-op, same
// payload) or as an advance from VERIFIED to the next index.
func (s *Service) Present(ctx context.Context, participantID ID, waypointIndex int) (Snapshot, error) {
	release := s.locks.Acquire(participantID.String())
	defer release()

	row, version, err := s.loadRun(ctx, opPresent, participantID)
	if err != nil {
		return Snapshot{}, err
	}
	now := s.clock().UTC()
	params := presentedParams{WaypointIndex: waypointIndex}

	if waypointIndex < 1 || waypointIndex > version.WaypointCount() {
		if err := s.recordRejection(ctx, opPresent, row, audit.EventWaypointPresented, params, reasonNotFound, now); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, serviceerror.New(opPresent, reasonNotFound,
			fmt.Errorf("waypoint %d of %d", waypointIndex, version.WaypointCount()))
	}

	switch {
	case waypointIndex == row.CurrentWaypointIndex && row.State == StatePresented:
		params.Repeat = true
		repeat, err := buildEvent(row, audit.ActorParticipant, row.UserID, audit.EventWaypointPresented,
			params, audit.OutcomeAccepted, nil, now)
		if err != nil {
			return Snapshot{}, serviceerror.New(opPresent, reasonEncodeFailed, err)
		}
		if _, err := s.auditor.Append(ctx, nil, repeat); err != nil {
			s.logError(opPresent, reasonAuditAppendFailed, err, zap.String("participant_id", row.ParticipantID))
			return Snapshot{}, serviceerror.New(opPresent, reasonAuditAppendFailed, err)
		}
		return s.snapshot(row, version), nil

	case waypointIndex == row.CurrentWaypointIndex+1 && row.State == StateVerified:
		advance, err := buildEvent(row, audit.ActorParticipant, row.UserID, audit.EventWaypointAdvanced,
			advancedParams{FromIndex: row.CurrentWaypointIndex, ToIndex: waypointIndex}, audit.OutcomeAccepted, nil, now)
		if err != nil {
			return Snapshot{}, serviceerror.New(opPresent, reasonEncodeFailed, err)
		}
		updated, err := s.commitTransition(ctx, opPresent, row, []audit.Event{advance}, "")
		if err != nil {
			s.logError(opPresent, reasonCommitFailed, err, zap.String("participant_id", row.ParticipantID))
			return Snapshot{}, err
		}
		s.publish(updated, audit.EventWaypointAdvanced, nil, now)
		return s.snapshot(updated, version), nil

	case waypointIndex != row.CurrentWaypointIndex:
		if err := s.recordRejection(ctx, opPresent, row, audit.EventWaypointPresented, params, reasonWrongWaypoint, now); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, serviceerror.New(opPresent, reasonWrongWaypoint,
			fmt.Errorf("requested waypoint %d, current is %d", waypointIndex, row.CurrentWaypointIndex))

	default:
		if err := s.recordRejection(ctx, opPresent, row, audit.EventWaypointPresented, params, reasonWrongState, now); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, serviceerror.New(opPresent, reasonWrongState,
			fmt.Errorf("present is not legal from %s", row.State))
	}
}

// CheckIn evaluates reported coordinates against the current waypoint's
// geofence. Outside the radius is a result, not an error: the state stays
// PRESENTED and the measured distance is reported back.
func (s *Service) CheckIn(ctx context.Context, participantID ID, waypointIndex int, coordinate geo.Coordinate) (CheckInResult, error) {
	if err := coordinate.Validate(); err != nil {
		return CheckInResult{}, serviceerror.New(opCheckIn, reasonInvalidCoordinates, err)
	}

	release := s.locks.Acquire(participantID.String())
	defer release()

	row, version, err := s.loadRun(ctx, opCheckIn, participantID)
	if err != nil {
		return CheckInResult{}, err
	}
	now := s.clock().UTC()
	params := checkinParams{WaypointIndex: waypointIndex, Latitude: coordinate.Latitude, Longitude: coordinate.Longitude}

	if waypointIndex < 1 || waypointIndex > version.WaypointCount() {
		if err := s.recordRejection(ctx, opCheckIn, row, audit.EventCheckinAttempted, params, reasonNotFound, now); err != nil {
			return CheckInResult{}, err
		}
		return CheckInResult{}, serviceerror.New(opCheckIn, reasonNotFound,
			fmt.Errorf("waypoint %d of %d", waypointIndex, version.WaypointCount()))
	}
	if waypointIndex != row.CurrentWaypointIndex {
		if err := s.recordRejection(ctx, opCheckIn, row, audit.EventCheckinAttempted, params, reasonWrongWaypoint, now); err != nil {
			return CheckInResult{}, err
		}
		return CheckInResult{}, serviceerror.New(opCheckIn, reasonWrongWaypoint,
			fmt.Errorf("requested waypoint %d, current is %d", waypointIndex, row.CurrentWaypointIndex))
	}
	if row.State != StatePresented {
		if err := s.recordRejection(ctx, opCheckIn, row, audit.EventCheckinAttempted, params, reasonWrongState, now); err != nil {
			return CheckInResult{}, err
		}
		return CheckInResult{}, serviceerror.New(opCheckIn, reasonWrongState,
			fmt.Errorf("checkin is not legal from %s", row.State))
	}

	waypoint, _ := version.WaypointAt(waypointIndex)
	distance := geo.DistanceMeters(waypoint.Coordinate(), coordinate)

	if !geo.WithinRadius(waypoint.Coordinate(), coordinate, waypoint.RadiusMeters) {
		attempt, err := buildEvent(row, audit.ActorParticipant, row.UserID, audit.EventCheckinAttempted,
			params, audit.OutcomeRejected,
			checkinPayload{Reason: reasonDistanceExceeded, DistanceMeters: distance, RadiusMeters: waypoint.RadiusMeters}, now)
		if err != nil {
			return CheckInResult{}, serviceerror.New(opCheckIn, reasonEncodeFailed, err)
		}
		if _, err := s.auditor.Append(ctx, nil, attempt); err != nil {
			s.logError(opCheckIn, reasonAuditAppendFailed, err, zap.String("participant_id", row.ParticipantID))
			return CheckInResult{}, serviceerror.New(opCheckIn, reasonAuditAppendFailed, err)
		}
		return CheckInResult{
			Status:         CheckInDistanceExceeded,
			DistanceMeters: distance,
			RadiusMeters:   waypoint.RadiusMeters,
			Snapshot:       s.snapshot(row, version),
		}, nil
	}

	accepted, err := buildEvent(row, audit.ActorParticipant, row.UserID, audit.EventCheckinAccepted,
		params, audit.OutcomeAccepted,
		checkinPayload{DistanceMeters: distance, RadiusMeters: waypoint.RadiusMeters}, now)
	if err != nil {
		return CheckInResult{}, serviceerror.New(opCheckIn, reasonEncodeFailed, err)
	}
	updated, err := s.commitTransition(ctx, opCheckIn, row, []audit.Event{accepted}, "")
	if err != nil {
		s.logError(opCheckIn, reasonCommitFailed, err, zap.String("participant_id", row.ParticipantID))
		return CheckInResult{}, err
	}

	s.publish(updated, audit.EventCheckinAccepted, nil, now)
	return CheckInResult{
		Status:         CheckInAccepted,
		DistanceMeters: distance,
		RadiusMeters:   waypoint.RadiusMeters,
		ProofSubject:   waypoint.ProofSubject,
		Snapshot:       s.snapshot(updated, version),
	}, nil
}

// SubmitProof registers a proof for the checked-in waypoint and returns as
// soon as the job is durably recorded; a detached goroutine drives the
// validator and commits the verdict under the participant lock.
func (s *Service) SubmitProof(ctx context.Context, participantID ID, waypointIndex int, imageReference string) (ProofReceipt, error) {
	imageReference = strings.TrimSpace(imageReference)
	if imageReference == "" {
		return ProofReceipt{}, serviceerror.New(opSubmitProof, reasonMissingImage, errMissingImage)
	}

	release := s.locks.Acquire(participantID.String())
	defer release()

	row, version, err := s.loadRun(ctx, opSubmitProof, participantID)
	if err != nil {
		return ProofReceipt{}, err
	}
	now := s.clock().UTC()
	params := proofParams{WaypointIndex: waypointIndex, ImageReference: imageReference}

	if waypointIndex < 1 || waypointIndex > version.WaypointCount() {
		if err := s.recordRejection(ctx, opSubmitProof, row, audit.EventProofSubmitted, params, reasonNotFound, now); err != nil {
			return ProofReceipt{}, err
		}
		return ProofReceipt{}, serviceerror.New(opSubmitProof, reasonNotFound,
			fmt.Errorf("waypoint %d of %d", waypointIndex, version.WaypointCount()))
	}
	if waypointIndex != row.CurrentWaypointIndex {
		if err := s.recordRejection(ctx, opSubmitProof, row, audit.EventProofSubmitted, params, reasonWrongWaypoint, now); err != nil {
			return ProofReceipt{}, err
		}
		return ProofReceipt{}, serviceerror.New(opSubmitProof, reasonWrongWaypoint,
			fmt.Errorf("requested waypoint %d, current is %d", waypointIndex, row.CurrentWaypointIndex))
	}
	if row.State != StateCheckedIn {
		if err := s.recordRejection(ctx, opSubmitProof, row, audit.EventProofSubmitted, params, reasonWrongState, now); err != nil {
			return ProofReceipt{}, err
		}
		return ProofReceipt{}, serviceerror.New(opSubmitProof, reasonWrongState,
			fmt.Errorf("submit_proof is not legal from %s", row.State))
	}

	processingID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitProof, reasonIDGenerationFailed, err)
		return ProofReceipt{}, serviceerror.New(opSubmitProof, reasonIDGenerationFailed, err)
	}
	params.ProcessingID = processingID

	submitted, err := buildEvent(row, audit.ActorParticipant, row.UserID, audit.EventProofSubmitted,
		params, audit.OutcomeAccepted, nil, now)
	if err != nil {
		return ProofReceipt{}, serviceerror.New(opSubmitProof, reasonEncodeFailed, err)
	}
	updated, err := s.commitTransition(ctx, opSubmitProof, row, []audit.Event{submitted}, processingID)
	if err != nil {
		s.logError(opSubmitProof, reasonCommitFailed, err, zap.String("participant_id", row.ParticipantID))
		return ProofReceipt{}, err
	}

	waypoint, _ := version.WaypointAt(waypointIndex)
	job := proofcheck.Job{
		ProcessingID: processingID,
		ImagePath:    imageReference,
		Subject:      waypoint.ProofSubject,
		Location: proofcheck.LocationConstraint{
			Latitude:          waypoint.Latitude,
			Longitude:         waypoint.Longitude,
			MaxDistanceMeters: waypoint.RadiusMeters,
		},
		Window: proofcheck.TimeWindow{
			Start:    version.PlannedStartTime,
			Duration: time.Duration(version.DurationMinutes) * time.Minute,
		},
	}

	s.inFlight.Add(1)
	go s.resolveProof(updated.ParticipantID, processingID, waypointIndex, job)

	s.publish(updated, audit.EventProofSubmitted, nil, now)
	return ProofReceipt{ProcessingID: processingID, Snapshot: s.snapshot(updated, version)}, nil
}

// resolveProof runs the validator without holding the participant lock, then
// re-acquires it to commit the verdict. A verdict whose job is no longer the
// row's pending proof is stale and is dropped.
func (s *Service) resolveProof(participantID, processingID string, waypointIndex int, job proofcheck.Job) {
	defer s.inFlight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.proofTimeout)
	defer cancel()

	verdict := s.validator.Validate(ctx, job)

	release := s.locks.Acquire(participantID)
	defer release()

	var row Participant
	if err := s.db.WithContext(ctx).Where("participant_id = ?", participantID).First(&row).Error; err != nil {
		s.logError(opResolveProof, reasonQueryFailed, err, zap.String("participant_id", participantID))
		return
	}
	if row.State != StateProofPending || row.PendingProofID != processingID {
		s.logger.Info("dropping stale proof verdict",
			zap.String("participant_id", participantID),
			zap.String("processing_id", processingID),
			zap.String("state", string(row.State)))
		return
	}

	now := s.clock().UTC()
	outcome := audit.OutcomeRejected
	switch verdict.Resolution {
	case proofcheck.ResolutionAccepted:
		outcome = audit.OutcomeAccepted
	case proofcheck.ResolutionUnavailable:
		outcome = audit.OutcomeError
	}

	verdictEvent, err := buildEvent(row, audit.ActorSystem, "", audit.EventProofVerdict,
		proofParams{WaypointIndex: waypointIndex, ProcessingID: processingID}, outcome,
		verdictPayload{
			Resolution:    string(verdict.Resolution),
			ContentMatch:  verdict.ContentMatch,
			LocationMatch: verdict.LocationMatch,
			Reasons:       verdict.Reasons,
		}, now)
	if err != nil {
		s.logError(opResolveProof, reasonEncodeFailed, err, zap.String("participant_id", participantID))
		return
	}
	events := []audit.Event{verdictEvent}
	lastEventType := audit.EventProofVerdict

	if verdict.Accepted() {
		cascade, err := s.cascadeEvent(ctx, row, waypointIndex, now)
		if err != nil {
			s.logError(opResolveProof, reasonQueryFailed, err, zap.String("participant_id", participantID))
			return
		}
		events = append(events, cascade)
		lastEventType = cascade.EventType
	}

	updated, err := s.commitTransition(ctx, opResolveProof, row, events, "")
	if err != nil {
		// The row stays PROOF_PENDING; startup recovery expires it.
		s.logError(opResolveProof, reasonCommitFailed, err,
			zap.String("participant_id", participantID),
			zap.String("processing_id", processingID))
		return
	}

	var reasons []string
	if !verdict.Accepted() {
		reasons = verdict.Reasons
	}
	s.publish(updated, lastEventType, reasons, now)
}

// cascadeEvent builds the transition that follows an accepted proof: advance
// to the next waypoint, or complete the challenge when none is left in the
// version in force now.
func (s *Service) cascadeEvent(ctx context.Context, row Participant, waypointIndex int, now time.Time) (audit.Event, error) {
	challengeID, err := challenge.NewID(row.ChallengeID)
	if err != nil {
		return audit.Event{}, err
	}
	version, err := s.challenges.GetCurrent(ctx, challengeID)
	if err != nil {
		return audit.Event{}, err
	}
	if waypointIndex >= version.WaypointCount() {
		return buildEvent(row, audit.ActorSystem, "", audit.EventChallengeCompleted,
			completedParams{FinalWaypointIndex: waypointIndex}, audit.OutcomeAccepted, nil, now)
	}
	return buildEvent(row, audit.ActorSystem, "", audit.EventWaypointAdvanced,
		advancedParams{FromIndex: waypointIndex, ToIndex: waypointIndex + 1}, audit.OutcomeAccepted, nil, now)
}

// ProofStatus reports the pending job or the latest recorded adjudication.
func (s *Service) ProofStatus(ctx context.Context, participantID ID) (ProofStatus, error) {
	row, err := s.loadRow(ctx, opProofStatus, participantID)
	if err != nil {
		return ProofStatus{}, err
	}
	if row.State == StateProofPending {
		return ProofStatus{Status: proofStatusPending, ProcessingID: row.PendingProofID}, nil
	}

	event, err := s.auditor.LatestEvent(ctx, row.ParticipantID, audit.EventProofVerdict, audit.EventProofExpired)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProofStatus{}, serviceerror.New(opProofStatus, reasonNoProof, err)
	}
	if err != nil {
		return ProofStatus{}, serviceerror.New(opProofStatus, reasonQueryFailed, err)
	}

	if event.EventType == audit.EventProofExpired {
		var payload expiredPayload
		if err := audit.DecodeJSON(event.OutcomePayload, &payload); err != nil {
			return ProofStatus{}, serviceerror.New(opProofStatus, reasonDecodeFailed, err)
		}
		return ProofStatus{
			Status:       string(proofcheck.ResolutionUnavailable),
			ProcessingID: payload.ProcessingID,
			Reasons:      []string{payload.Reason},
		}, nil
	}

	var params proofParams
	if err := audit.DecodeJSON(event.Parameters, &params); err != nil {
		return ProofStatus{}, serviceerror.New(opProofStatus, reasonDecodeFailed, err)
	}
	var payload verdictPayload
	if err := audit.DecodeJSON(event.OutcomePayload, &payload); err != nil {
		return ProofStatus{}, serviceerror.New(opProofStatus, reasonDecodeFailed, err)
	}
	return ProofStatus{
		Status:        payload.Resolution,
		ProcessingID:  params.ProcessingID,
		ContentMatch:  payload.ContentMatch,
		LocationMatch: payload.LocationMatch,
		Reasons:       payload.Reasons,
	}, nil
}

// Get returns the resynchronization snapshot for a participant.
func (s *Service) Get(ctx context.Context, participantID ID) (Snapshot, error) {
	row, version, err := s.loadRun(ctx, opGet, participantID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(row, version), nil
}

// RecordLocation stores a trajectory sample. No audit event, no state.
func (s *Service) RecordLocation(ctx context.Context, participantID ID, coordinate geo.Coordinate) error {
	if err := coordinate.Validate(); err != nil {
		return serviceerror.New(opRecordLocation, reasonInvalidCoordinates, err)
	}
	row, err := s.loadRow(ctx, opRecordLocation, participantID)
	if err != nil {
		return err
	}
	if err := s.auditor.RecordLocation(ctx, row.ParticipantID, coordinate.Latitude, coordinate.Longitude); err != nil {
		s.logError(opRecordLocation, reasonCommitFailed, err, zap.String("participant_id", row.ParticipantID))
		return serviceerror.New(opRecordLocation, reasonCommitFailed, err)
	}
	return nil
}

// Flush waits for in-flight proof resolutions. Shutdown and tests call it.
func (s *Service) Flush() {
	s.inFlight.Wait()
}

// commitTransition folds the events onto the row and persists both in one
// transaction. If the log write fails the state does not move.
func (s *Service) commitTransition(ctx context.Context, operation string, row Participant, events []audit.Event, pendingProofID string) (Participant, error) {
	progress := row.progress()
	for _, event := range events {
		next, err := applyEvent(progress, event)
		if err != nil {
			return Participant{}, serviceerror.New(operation, reasonFoldFailed, err)
		}
		progress = next
	}

	updated := row
	updated.CurrentWaypointIndex = progress.WaypointIndex
	updated.State = progress.State
	updated.StateSince = progress.StateSince
	updated.PendingProofID = pendingProofID
	updated.UpdatedAt = s.clock().UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, event := range events {
			if _, err := s.auditor.Append(ctx, tx, event); err != nil {
				return serviceerror.New(operation, reasonAuditAppendFailed, err)
			}
		}
		result := tx.Model(&Participant{}).
			Where("participant_id = ?", row.ParticipantID).
			Updates(map[string]any{
				"current_waypoint_index": updated.CurrentWaypointIndex,
				"state":                  updated.State,
				"state_since":            updated.StateSince,
				"pending_proof_id":       updated.PendingProofID,
				"updated_at":             updated.UpdatedAt,
			})
		if result.Error != nil {
			return serviceerror.New(operation, reasonCommitFailed, result.Error)
		}
		if result.RowsAffected != 1 {
			return serviceerror.New(operation, reasonCommitFailed,
				fmt.Errorf("participant %s row missing during commit", row.ParticipantID))
		}
		return nil
	})
	if txErr != nil {
		return Participant{}, txErr
	}
	return updated, nil
}

// recordRejection durably logs a guard-violating attempt. A failed append
// fails the request itself: the log must hold every attempt.
func (s *Service) recordRejection(ctx context.Context, operation string, row Participant, eventType audit.EventType, params any, reason string, now time.Time) error {
	event, err := buildEvent(row, audit.ActorParticipant, row.UserID, eventType,
		params, audit.OutcomeRejected, rejectionPayload{Reason: reason}, now)
	if err != nil {
		return serviceerror.New(operation, reasonEncodeFailed, err)
	}
	if _, err := s.auditor.Append(ctx, nil, event); err != nil {
		s.logError(operation, reasonAuditAppendFailed, err, zap.String("participant_id", row.ParticipantID))
		return serviceerror.New(operation, reasonAuditAppendFailed, err)
	}
	return nil
}

func (s *Service) loadRow(ctx context.Context, operation string, participantID ID) (Participant, error) {
	var row Participant
	err := s.db.WithContext(ctx).Where("participant_id = ?", participantID.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, serviceerror.New(operation, reasonNotFound, err)
	}
	if err != nil {
		return Participant{}, serviceerror.New(operation, reasonQueryFailed, err)
	}
	return row, nil
}

func (s *Service) loadRun(ctx context.Context, operation string, participantID ID) (Participant, challenge.Version, error) {
	row, err := s.loadRow(ctx, operation, participantID)
	if err != nil {
		return Participant{}, challenge.Version{}, err
	}
	challengeID, err := challenge.NewID(row.ChallengeID)
	if err != nil {
		return Participant{}, challenge.Version{}, serviceerror.New(operation, reasonQueryFailed, err)
	}
	version, err := s.challenges.GetCurrent(ctx, challengeID)
	if err != nil {
		return Participant{}, challenge.Version{}, err
	}
	return row, version, nil
}

// snapshot projects the row against the version in force. The proof subject
// is revealed only once the participant has checked in at the waypoint.
func (s *Service) snapshot(row Participant, version challenge.Version) Snapshot {
	snap := Snapshot{
		ParticipantID: row.ParticipantID,
		ChallengeID:   row.ChallengeID,
		Nickname:      row.Nickname,
		WaypointIndex: row.CurrentWaypointIndex,
		WaypointCount: version.WaypointCount(),
		State:         row.State,
		StateSince:    row.StateSince,
	}
	if row.State == StateCompleted {
		return snap
	}
	waypoint, ok := version.WaypointAt(row.CurrentWaypointIndex)
	if !ok {
		return snap
	}
	snap.Clue = waypoint.Clue
	snap.Hints = waypoint.Hints
	if row.State == StateCheckedIn || row.State == StateProofPending {
		snap.ProofSubject = waypoint.ProofSubject
	}
	return snap
}

func (s *Service) publish(row Participant, eventType audit.EventType, reasons []string, at time.Time) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishProgress(ProgressUpdate{
		ParticipantID: row.ParticipantID,
		ChallengeID:   row.ChallengeID,
		EventType:     string(eventType),
		WaypointIndex: row.CurrentWaypointIndex,
		State:         row.State,
		Reasons:       reasons,
		OccurredAt:    at,
	})
}

func buildEvent(row Participant, actor audit.ActorType, actorID string, eventType audit.EventType, params any, outcome audit.Outcome, payload any, eventTime time.Time) (audit.Event, error) {
	parameters, err := audit.EncodeJSON(params)
	if err != nil {
		return audit.Event{}, err
	}
	var outcomePayload datatypes.JSON
	if payload != nil {
		outcomePayload, err = audit.EncodeJSON(payload)
		if err != nil {
			return audit.Event{}, err
		}
	}
	return audit.Event{
		ParticipantID:  row.ParticipantID,
		ChallengeID:    row.ChallengeID,
		ActorType:      actor,
		ActorID:        actorID,
		EventType:      eventType,
		Parameters:     parameters,
		Outcome:        outcome,
		OutcomePayload: outcomePayload,
		EventTime:      eventTime,
	}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("participant service error", allFields...)
}
