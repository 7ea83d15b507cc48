package challenge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/geo"
)

const maxIdentifierLength = 190

const (
	// DefaultRadiusMeters is applied when a waypoint omits its tolerance radius.
	DefaultRadiusMeters = 50.0
	// TimeBudgetDisabled marks a waypoint without a per-trip time budget.
	TimeBudgetDisabled int64 = -1

	maxHintsPerWaypoint = 3
)

var (
	// ErrInvalidChallengeID indicates an empty or oversized challenge identifier.
	ErrInvalidChallengeID = errors.New("challenge: invalid challenge id")
	// ErrInvalidVersionID indicates an empty or oversized version identifier.
	ErrInvalidVersionID = errors.New("challenge: invalid version id")
	// ErrInvalidDefinition indicates a challenge definition that fails validation.
	ErrInvalidDefinition = errors.New("challenge: invalid definition")
)

// ID represents a validated challenge identifier, stable across versions.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChallengeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChallengeID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// VersionID represents a validated version identifier, unique per snapshot.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVersionID, maxIdentifierLength)
	}
	return VersionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VersionID) String() string {
	return string(id)
}

// Waypoint is one target in a version's ordered sequence. Sequence numbers
// are 1-based and consecutive within a version.
type Waypoint struct {
	Sequence          int      `json:"sequence"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
	RadiusMeters      float64  `json:"radius_meters"`
	Clue              string   `json:"clue"`
	Hints             []string `json:"hints,omitempty"`
	TimeBudgetSeconds int64    `json:"time_budget_seconds"`
	ProofSubject      string   `json:"proof_subject"`
}

// Coordinate returns the waypoint target as a geo coordinate.
func (w Waypoint) Coordinate() geo.Coordinate {
	return geo.Coordinate{Latitude: w.Latitude, Longitude: w.Longitude}
}

// HasTimeBudget reports whether a per-trip budget is set. The budget is
// informational; nothing in the engine enforces it.
func (w Waypoint) HasTimeBudget() bool {
	return w.TimeBudgetSeconds != TimeBudgetDisabled
}

// Definition is the moderator-supplied content of one version.
type Definition struct {
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	PlannedStartTime time.Time  `json:"planned_start_time"`
	DurationMinutes  int        `json:"duration_minutes"`
	Waypoints        []Waypoint `json:"waypoints"`
}

// Normalize validates the definition and returns a copy with defaults
// applied: omitted radii become DefaultRadiusMeters, non-positive time
// budgets become TimeBudgetDisabled, and waypoints are ordered by sequence.
func (d Definition) Normalize() (Definition, error) {
	normalized := d
	normalized.Name = strings.TrimSpace(d.Name)
	normalized.Description = strings.TrimSpace(d.Description)

	if normalized.Name == "" {
		return Definition{}, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if normalized.PlannedStartTime.IsZero() {
		return Definition{}, fmt.Errorf("%w: planned start time is required", ErrInvalidDefinition)
	}
	if normalized.DurationMinutes <= 0 {
		return Definition{}, fmt.Errorf("%w: duration must be positive", ErrInvalidDefinition)
	}
	if len(d.Waypoints) == 0 {
		return Definition{}, fmt.Errorf("%w: at least one waypoint is required", ErrInvalidDefinition)
	}

	normalized.Waypoints = make([]Waypoint, len(d.Waypoints))
	copy(normalized.Waypoints, d.Waypoints)
	sort.SliceStable(normalized.Waypoints, func(i, j int) bool {
		return normalized.Waypoints[i].Sequence < normalized.Waypoints[j].Sequence
	})

	for i := range normalized.Waypoints {
		waypoint := &normalized.Waypoints[i]
		if waypoint.Sequence != i+1 {
			return Definition{}, fmt.Errorf("%w: waypoint sequences must be consecutive from 1, got %d at position %d",
				ErrInvalidDefinition, waypoint.Sequence, i+1)
		}
		if err := waypoint.Coordinate().Validate(); err != nil {
			return Definition{}, fmt.Errorf("%w: waypoint %d: %v", ErrInvalidDefinition, waypoint.Sequence, err)
		}
		if err := geo.ValidateRadius(waypoint.RadiusMeters); err != nil {
			return Definition{}, fmt.Errorf("%w: waypoint %d: %v", ErrInvalidDefinition, waypoint.Sequence, err)
		}
		if waypoint.RadiusMeters == 0 {
			waypoint.RadiusMeters = DefaultRadiusMeters
		}
		waypoint.Clue = strings.TrimSpace(waypoint.Clue)
		if waypoint.Clue == "" {
			return Definition{}, fmt.Errorf("%w: waypoint %d: clue is required", ErrInvalidDefinition, waypoint.Sequence)
		}
		waypoint.ProofSubject = strings.TrimSpace(waypoint.ProofSubject)
		if waypoint.ProofSubject == "" {
			return Definition{}, fmt.Errorf("%w: waypoint %d: proof subject is required", ErrInvalidDefinition, waypoint.Sequence)
		}
		if len(waypoint.Hints) > maxHintsPerWaypoint {
			return Definition{}, fmt.Errorf("%w: waypoint %d: at most %d hints allowed",
				ErrInvalidDefinition, waypoint.Sequence, maxHintsPerWaypoint)
		}
		if waypoint.TimeBudgetSeconds <= 0 {
			waypoint.TimeBudgetSeconds = TimeBudgetDisabled
		}
	}

	return normalized, nil
}

// VersionRecord is the persisted snapshot row. Rows are immutable except for
// the one-time close of valid_until when a successor is published.
type VersionRecord struct {
	VersionID        string         `gorm:"column:version_id;primaryKey;size:190;not null"`
	ChallengeID      string         `gorm:"column:challenge_id;size:190;not null;index:idx_challenge_versions_challenge,priority:1"`
	Name             string         `gorm:"column:name;size:320;not null"`
	Description      string         `gorm:"column:description;type:text;not null;default:''"`
	PlannedStartTime time.Time      `gorm:"column:planned_start_time;not null"`
	DurationMinutes  int            `gorm:"column:duration_minutes;not null"`
	ModeratorUserID  string         `gorm:"column:moderator_user_id;size:190;not null"`
	WaypointsJSON    datatypes.JSON `gorm:"column:waypoints;not null"`
	ValidFrom        time.Time      `gorm:"column:valid_from;not null;index:idx_challenge_versions_challenge,priority:2"`
	ValidUntil       *time.Time     `gorm:"column:valid_until"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "challenge_versions"
}

// InviteRecord marks a user as eligible to start a challenge.
type InviteRecord struct {
	ChallengeID string    `gorm:"column:challenge_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	InvitedBy   string    `gorm:"column:invited_by;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (InviteRecord) TableName() string {
	return "challenge_invites"
}

// Version is one decoded immutable snapshot of a challenge definition.
type Version struct {
	ChallengeID      ID
	VersionID        VersionID
	Name             string
	Description      string
	PlannedStartTime time.Time
	DurationMinutes  int
	ModeratorUserID  string
	Waypoints        []Waypoint
	ValidFrom        time.Time
	ValidUntil       *time.Time
}

// WaypointCount returns the number of waypoints in the sequence.
func (v Version) WaypointCount() int {
	return len(v.Waypoints)
}

// WaypointAt returns the waypoint with the given 1-based sequence number.
func (v Version) WaypointAt(sequence int) (Waypoint, bool) {
	if sequence < 1 || sequence > len(v.Waypoints) {
		return Waypoint{}, false
	}
	return v.Waypoints[sequence-1], true
}

// EndTime returns the scheduled end of the challenge run.
func (v Version) EndTime() time.Time {
	return v.PlannedStartTime.Add(time.Duration(v.DurationMinutes) * time.Minute)
}

// Summary is the listing projection of a challenge's current version.
type Summary struct {
	ChallengeID      ID
	Name             string
	Description      string
	PlannedStartTime time.Time
	DurationMinutes  int
	WaypointCount    int
	ModeratorUserID  string
}
