package audit

import (
	"time"

	"gorm.io/datatypes"
)

// ActorType identifies who triggered an event.
type ActorType string

const (
	// ActorParticipant marks events triggered by a participant request.
	ActorParticipant ActorType = "participant"
	// ActorModerator marks events triggered by a moderator action.
	ActorModerator ActorType = "moderator"
	// ActorSystem marks events the server synthesized (cascades, recovery).
	ActorSystem ActorType = "system"
)

// EventType names one kind of state-transition attempt.
type EventType string

const (
	EventParticipantJoined  EventType = "participant_joined"
	EventWaypointPresented  EventType = "waypoint_presented"
	EventCheckinAttempted   EventType = "checkin_attempted"
	EventCheckinAccepted    EventType = "checkin_accepted"
	EventProofSubmitted     EventType = "proof_submitted"
	EventProofVerdict       EventType = "proof_verdict"
	EventProofExpired       EventType = "proof_expired"
	EventWaypointAdvanced   EventType = "waypoint_advanced"
	EventChallengeCompleted EventType = "challenge_completed"
	EventVersionPublished   EventType = "version_published"
	EventInviteIssued       EventType = "invite_issued"
)

// Outcome classifies how the attempt resolved.
type Outcome string

const (
	// OutcomeAccepted marks attempts that took effect.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected marks guard violations and failed verdicts.
	OutcomeRejected Outcome = "rejected"
	// OutcomeError marks attempts that failed for system reasons, not game rules.
	OutcomeError Outcome = "error"
)

// Event is one immutable audit record. Rows are never updated or deleted;
// the autoincrement EventID is the authoritative per-participant order.
type Event struct {
	EventID        int64          `gorm:"column:event_id;primaryKey;autoIncrement"`
	ParticipantID  string         `gorm:"column:participant_id;size:190;not null;default:'';index:idx_audit_events_participant"`
	ChallengeID    string         `gorm:"column:challenge_id;size:190;not null;index:idx_audit_events_challenge"`
	ActorType      ActorType      `gorm:"column:actor_type;size:32;not null"`
	ActorID        string         `gorm:"column:actor_id;size:190;not null;default:''"`
	EventType      EventType      `gorm:"column:event_type;size:64;not null"`
	Parameters     datatypes.JSON `gorm:"column:parameters"`
	Outcome        Outcome        `gorm:"column:outcome;size:32;not null"`
	OutcomePayload datatypes.JSON `gorm:"column:outcome_payload"`
	EventTime      time.Time      `gorm:"column:event_time;not null"`
	RecordedAt     time.Time      `gorm:"column:recorded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "audit_events"
}

// LocationSample is one trajectory point reported by a participant client.
// Samples feed visualization only; state transitions never read them.
type LocationSample struct {
	SampleID      int64     `gorm:"column:sample_id;primaryKey;autoIncrement"`
	ParticipantID string    `gorm:"column:participant_id;size:190;not null;index:idx_location_samples_participant"`
	Latitude      float64   `gorm:"column:latitude;not null"`
	Longitude     float64   `gorm:"column:longitude;not null"`
	RecordedAt    time.Time `gorm:"column:recorded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocationSample) TableName() string {
	return "location_samples"
}
