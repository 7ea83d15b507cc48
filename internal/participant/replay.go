package participant

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/challenge"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

const (
	opReplayerNew = "participant.replayer.new"
	opRecover     = "participant.recover"

	reasonNoEvents = "no_events"
)

// ReplayerConfig carries the dependencies for startup recovery.
type ReplayerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Challenges ChallengeStore
	Auditor    *audit.Log
	Logger     *zap.Logger
}

// Replayer rebuilds participant rows from the audit log. It runs before the
// server accepts traffic, so open runs resume exactly where the log says they
// were, and validations that were in flight at the crash are expired rather
// than left pending forever.
type Replayer struct {
	db         *gorm.DB
	clock      func() time.Time
	challenges ChallengeStore
	auditor    *audit.Log
	logger     *zap.Logger
}

// NewReplayer constructs the recovery replayer.
func NewReplayer(cfg ReplayerConfig) (*Replayer, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opReplayerNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Challenges == nil {
		return nil, serviceerror.New(opReplayerNew, reasonMissingChallenges, errMissingChallenges)
	}
	if cfg.Auditor == nil {
		return nil, serviceerror.New(opReplayerNew, reasonMissingAuditLog, errMissingAuditLog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Replayer{
		db:         cfg.Database,
		clock:      clock,
		challenges: cfg.Challenges,
		auditor:    cfg.Auditor,
		logger:     logger,
	}, nil
}

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	Scanned  int
	Repaired int
	Expired  int
	Failed   int
}

// RecoverAll folds every open run's event log and repairs rows that disagree
// with it. One damaged run never blocks the others.
func (r *Replayer) RecoverAll(ctx context.Context) (RecoveryStats, error) {
	var rows []Participant
	if err := r.db.WithContext(ctx).Where("state <> ?", StateCompleted).Find(&rows).Error; err != nil {
		return RecoveryStats{}, serviceerror.New(opRecover, reasonQueryFailed, err)
	}

	stats := RecoveryStats{Scanned: len(rows)}
	for _, row := range rows {
		repaired, expired, err := r.recoverOne(ctx, row)
		if err != nil {
			stats.Failed++
			r.logger.Error("participant recovery failed",
				zap.String("participant_id", row.ParticipantID),
				zap.Error(err))
			continue
		}
		if repaired {
			stats.Repaired++
		}
		if expired {
			stats.Expired++
		}
	}

	if stats.Repaired > 0 || stats.Expired > 0 || stats.Failed > 0 {
		r.logger.Info("participant recovery finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("repaired", stats.Repaired),
			zap.Int("expired", stats.Expired),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}

func (r *Replayer) recoverOne(ctx context.Context, row Participant) (repaired, expired bool, err error) {
	events, err := r.auditor.ParticipantHistory(ctx, row.ParticipantID)
	if err != nil {
		return false, false, serviceerror.New(opRecover, reasonQueryFailed, err)
	}
	if len(events) == 0 {
		return false, false, serviceerror.New(opRecover, reasonNoEvents,
			fmt.Errorf("participant %s has a row but no audit events", row.ParticipantID))
	}

	progress, err := FoldEvents(events)
	if err != nil {
		return false, false, serviceerror.New(opRecover, reasonFoldFailed, err)
	}
	repaired = row.CurrentWaypointIndex != progress.WaypointIndex || row.State != progress.State

	now := r.clock().UTC()
	var synthesized []audit.Event

	switch progress.State {
	case StateProofPending:
		// The validation goroutine died with the process. Expire the job so
		// the participant can resubmit; a verdict that somehow still arrives
		// is dropped as stale.
		processingID := latestProcessingID(events)
		event, buildErr := buildEvent(row, audit.ActorSystem, "", audit.EventProofExpired,
			proofParams{WaypointIndex: progress.WaypointIndex, ProcessingID: processingID},
			audit.OutcomeError,
			expiredPayload{Reason: "validator_unavailable", ProcessingID: processingID}, now)
		if buildErr != nil {
			return false, false, serviceerror.New(opRecover, reasonEncodeFailed, buildErr)
		}
		synthesized = append(synthesized, event)
		expired = true

	case StateVerified:
		// A verdict committed without its cascade. Finish it against the
		// version in force when the verdict was recorded.
		event, buildErr := r.cascadeFor(ctx, row, events, progress, now)
		if buildErr != nil {
			return false, false, buildErr
		}
		synthesized = append(synthesized, event)
	}

	for _, event := range synthesized {
		next, foldErr := applyEvent(progress, event)
		if foldErr != nil {
			return false, false, serviceerror.New(opRecover, reasonFoldFailed, foldErr)
		}
		progress = next
	}

	if !repaired && len(synthesized) == 0 {
		return false, false, nil
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, event := range synthesized {
			if _, appendErr := r.auditor.Append(ctx, tx, event); appendErr != nil {
				return serviceerror.New(opRecover, reasonAuditAppendFailed, appendErr)
			}
		}
		result := tx.Model(&Participant{}).
			Where("participant_id = ?", row.ParticipantID).
			Updates(map[string]any{
				"current_waypoint_index": progress.WaypointIndex,
				"state":                  progress.State,
				"state_since":            progress.StateSince,
				"pending_proof_id":       "",
				"updated_at":             now,
			})
		if result.Error != nil {
			return serviceerror.New(opRecover, reasonCommitFailed, result.Error)
		}
		if result.RowsAffected != 1 {
			return serviceerror.New(opRecover, reasonCommitFailed,
				fmt.Errorf("participant %s row missing during recovery", row.ParticipantID))
		}
		return nil
	})
	if txErr != nil {
		return false, false, txErr
	}

	r.logger.Info("participant state recovered",
		zap.String("participant_id", row.ParticipantID),
		zap.Int("waypoint_index", progress.WaypointIndex),
		zap.String("state", string(progress.State)))
	return repaired, expired, nil
}

// cascadeFor builds the advance-or-complete event a crashed process owed,
// judged against the version in force at the last recorded event.
func (r *Replayer) cascadeFor(ctx context.Context, row Participant, events []audit.Event, progress Progress, now time.Time) (audit.Event, error) {
	challengeID, err := challenge.NewID(row.ChallengeID)
	if err != nil {
		return audit.Event{}, serviceerror.New(opRecover, reasonQueryFailed, err)
	}
	lastEventTime := events[len(events)-1].EventTime
	version, err := r.challenges.GetVersionAt(ctx, challengeID, lastEventTime)
	if err != nil {
		// The version history should always cover recorded events; fall back
		// to the current version rather than stranding the run.
		if reason, ok := serviceerror.ReasonOf(err); !ok || reason != reasonNotFound {
			return audit.Event{}, err
		}
		version, err = r.challenges.GetCurrent(ctx, challengeID)
		if err != nil {
			return audit.Event{}, err
		}
	}
	if progress.WaypointIndex >= version.WaypointCount() {
		return buildEvent(row, audit.ActorSystem, "", audit.EventChallengeCompleted,
			completedParams{FinalWaypointIndex: progress.WaypointIndex}, audit.OutcomeAccepted, nil, now)
	}
	return buildEvent(row, audit.ActorSystem, "", audit.EventWaypointAdvanced,
		advancedParams{FromIndex: progress.WaypointIndex, ToIndex: progress.WaypointIndex + 1},
		audit.OutcomeAccepted, nil, now)
}

// latestProcessingID finds the most recent accepted proof submission in the
// log; the row's cached copy may be behind it.
func latestProcessingID(events []audit.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event.EventType != audit.EventProofSubmitted || event.Outcome != audit.OutcomeAccepted {
			continue
		}
		var params proofParams
		if err := audit.DecodeJSON(event.Parameters, &params); err != nil {
			return ""
		}
		return params.ProcessingID
	}
	return ""
}
