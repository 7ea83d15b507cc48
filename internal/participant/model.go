// Package participant runs the per-participant waypoint state machine. Every
// transition is decided by a pure fold over audit events; the participants
// table is a cache of the latest fold and can be rebuilt from the log.
package participant

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// ErrInvalidParticipantID indicates that a participant identifier is empty or
// exceeds storage bounds.
var ErrInvalidParticipantID = errors.New("participant: invalid participant id")

// ID represents a validated participant identifier.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidParticipantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidParticipantID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// State is one station of the waypoint progression. Values follow the wire
// format clients already consume.
type State string

const (
	// StatePresented means the waypoint clue has been revealed and the
	// participant is travelling toward it.
	StatePresented State = "PRESENTED"
	// StateCheckedIn means the participant reported coordinates inside the
	// waypoint radius and now owes a proof image.
	StateCheckedIn State = "CHECKED_IN"
	// StateProofPending means a proof is with the analyzer.
	StateProofPending State = "PROOF_PENDING"
	// StateVerified means the waypoint's proof was accepted; the cascade to
	// the next waypoint or to completion follows in the same commit.
	StateVerified State = "VERIFIED"
	// StateCompleted is the terminal whole-challenge state.
	StateCompleted State = "COMPLETED"
)

// Participant is the cached fold of one run's audit events.
type Participant struct {
	ParticipantID        string    `gorm:"column:participant_id;primaryKey;size:190;not null"`
	ChallengeID          string    `gorm:"column:challenge_id;size:190;not null;uniqueIndex:idx_participants_challenge_user,priority:1"`
	UserID               string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_participants_challenge_user,priority:2"`
	Nickname             string    `gorm:"column:nickname;size:190;not null;default:''"`
	CurrentWaypointIndex int       `gorm:"column:current_waypoint_index;not null;default:1"`
	State                State     `gorm:"column:state;size:32;not null"`
	StateSince           time.Time `gorm:"column:state_since;not null"`
	PendingProofID       string    `gorm:"column:pending_proof_id;size:190;not null;default:''"`
	CreatedAt            time.Time `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}

// Progress is the fold state: where the participant is and since when.
type Progress struct {
	WaypointIndex int
	State         State
	StateSince    time.Time
}

func (p Participant) progress() Progress {
	return Progress{
		WaypointIndex: p.CurrentWaypointIndex,
		State:         p.State,
		StateSince:    p.StateSince,
	}
}

// Snapshot is the resynchronization view returned by every successful
// operation: enough for a client to rebuild its screen without guessing.
type Snapshot struct {
	ParticipantID string    `json:"participant_id"`
	ChallengeID   string    `json:"challenge_id"`
	Nickname      string    `json:"nickname"`
	WaypointIndex int       `json:"waypoint_index"`
	WaypointCount int       `json:"waypoint_count"`
	State         State     `json:"state"`
	StateSince    time.Time `json:"state_since"`
	Clue          string    `json:"clue,omitempty"`
	Hints         []string  `json:"hints,omitempty"`
	ProofSubject  string    `json:"proof_subject,omitempty"`
}

// CheckInStatus tags the two non-error check-in outcomes.
type CheckInStatus string

const (
	// CheckInAccepted means the coordinates were inside the radius.
	CheckInAccepted CheckInStatus = "checked_in"
	// CheckInDistanceExceeded means the coordinates were outside the radius;
	// the state did not change and the caller may retry from closer.
	CheckInDistanceExceeded CheckInStatus = "distance_exceeded"
)

// CheckInResult reports a check-in attempt. DistanceMeters is always the
// measured great-circle distance; ProofSubject is set only on acceptance.
type CheckInResult struct {
	Status         CheckInStatus `json:"status"`
	DistanceMeters float64       `json:"distance_meters"`
	RadiusMeters   float64       `json:"radius_meters"`
	ProofSubject   string        `json:"proof_subject,omitempty"`
	Snapshot       Snapshot      `json:"snapshot"`
}

// ProofReceipt acknowledges an accepted proof submission; the verdict arrives
// asynchronously via the progress stream or the status endpoint.
type ProofReceipt struct {
	ProcessingID string   `json:"processing_id"`
	Snapshot     Snapshot `json:"snapshot"`
}

// ProofStatus reports the latest proof adjudication for a participant.
type ProofStatus struct {
	Status        string   `json:"status"`
	ProcessingID  string   `json:"processing_id"`
	ContentMatch  bool     `json:"content_match"`
	LocationMatch bool     `json:"location_match"`
	Reasons       []string `json:"reasons,omitempty"`
}

// ProgressUpdate is the realtime notification fanned out after a committed
// transition.
type ProgressUpdate struct {
	ParticipantID string    `json:"participant_id"`
	ChallengeID   string    `json:"challenge_id"`
	EventType     string    `json:"event_type"`
	WaypointIndex int       `json:"waypoint_index"`
	State         State     `json:"state"`
	Reasons       []string  `json:"reasons,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type joinedParams struct {
	Nickname string `json:"nickname"`
}

type presentedParams struct {
	WaypointIndex int  `json:"waypoint_index"`
	Repeat        bool `json:"repeat,omitempty"`
}

type advancedParams struct {
	FromIndex int `json:"from_index"`
	ToIndex   int `json:"to_index"`
}

type completedParams struct {
	FinalWaypointIndex int `json:"final_waypoint_index"`
}

type checkinParams struct {
	WaypointIndex int     `json:"waypoint_index"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
}

type checkinPayload struct {
	Reason         string  `json:"reason,omitempty"`
	DistanceMeters float64 `json:"distance_meters"`
	RadiusMeters   float64 `json:"radius_meters"`
}

type proofParams struct {
	WaypointIndex  int    `json:"waypoint_index"`
	ImageReference string `json:"image_reference,omitempty"`
	ProcessingID   string `json:"processing_id,omitempty"`
}

type verdictPayload struct {
	Resolution    string   `json:"resolution"`
	ContentMatch  bool     `json:"content_match"`
	LocationMatch bool     `json:"location_match"`
	Reasons       []string `json:"reasons,omitempty"`
}

type rejectionPayload struct {
	Reason string `json:"reason"`
}

type expiredPayload struct {
	Reason       string `json:"reason"`
	ProcessingID string `json:"processing_id,omitempty"`
}
