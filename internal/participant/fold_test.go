package participant

import (
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
)

var foldBase = time.Unix(1700000600, 0).UTC()

func foldEvent(t *testing.T, eventType audit.EventType, outcome audit.Outcome, params any, at time.Time) audit.Event {
	t.Helper()
	encoded, err := audit.EncodeJSON(params)
	if err != nil {
		t.Fatalf("encode params: %v", err)
	}
	return audit.Event{
		ParticipantID: "runner-1",
		ChallengeID:   "trail-1",
		ActorType:     audit.ActorParticipant,
		EventType:     eventType,
		Parameters:    encoded,
		Outcome:       outcome,
		EventTime:     at,
	}
}

func TestFoldStepsThroughTwoWaypointRun(t *testing.T) {
	at := func(offset int) time.Time { return foldBase.Add(time.Duration(offset) * time.Minute) }

	steps := []struct {
		event audit.Event
		index int
		state State
	}{
		{foldEvent(t, audit.EventParticipantJoined, audit.OutcomeAccepted, joinedParams{Nickname: "fox"}, at(0)), 1, StatePresented},
		{foldEvent(t, audit.EventWaypointPresented, audit.OutcomeAccepted, presentedParams{WaypointIndex: 1}, at(0)), 1, StatePresented},
		{foldEvent(t, audit.EventCheckinAccepted, audit.OutcomeAccepted, checkinParams{WaypointIndex: 1}, at(1)), 1, StateCheckedIn},
		{foldEvent(t, audit.EventProofSubmitted, audit.OutcomeAccepted, proofParams{WaypointIndex: 1, ProcessingID: "job-1"}, at(2)), 1, StateProofPending},
		{foldEvent(t, audit.EventProofVerdict, audit.OutcomeAccepted, proofParams{WaypointIndex: 1, ProcessingID: "job-1"}, at(3)), 1, StateVerified},
		{foldEvent(t, audit.EventWaypointAdvanced, audit.OutcomeAccepted, advancedParams{FromIndex: 1, ToIndex: 2}, at(3)), 2, StatePresented},
		{foldEvent(t, audit.EventCheckinAccepted, audit.OutcomeAccepted, checkinParams{WaypointIndex: 2}, at(4)), 2, StateCheckedIn},
		{foldEvent(t, audit.EventProofSubmitted, audit.OutcomeAccepted, proofParams{WaypointIndex: 2, ProcessingID: "job-2"}, at(5)), 2, StateProofPending},
		{foldEvent(t, audit.EventProofVerdict, audit.OutcomeAccepted, proofParams{WaypointIndex: 2, ProcessingID: "job-2"}, at(6)), 2, StateVerified},
		{foldEvent(t, audit.EventChallengeCompleted, audit.OutcomeAccepted, completedParams{FinalWaypointIndex: 2}, at(6)), 2, StateCompleted},
	}

	var progress Progress
	var err error
	for i, step := range steps {
		progress, err = applyEvent(progress, step.event)
		if err != nil {
			t.Fatalf("step %d: unexpected fold error: %v", i, err)
		}
		if progress.WaypointIndex != step.index || progress.State != step.state {
			t.Fatalf("step %d (%s): expected (%d, %s), got (%d, %s)",
				i, step.event.EventType, step.index, step.state, progress.WaypointIndex, progress.State)
		}
	}

	events := make([]audit.Event, 0, len(steps))
	for _, step := range steps {
		events = append(events, step.event)
	}
	replayed, err := FoldEvents(events)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if replayed != progress {
		t.Fatalf("replay diverged from stepwise fold: %+v vs %+v", replayed, progress)
	}
}

func TestFoldRejectedAttemptsDoNotMoveState(t *testing.T) {
	events := []audit.Event{
		foldEvent(t, audit.EventParticipantJoined, audit.OutcomeAccepted, joinedParams{}, foldBase),
		foldEvent(t, audit.EventCheckinAttempted, audit.OutcomeRejected, checkinParams{WaypointIndex: 1}, foldBase.Add(time.Minute)),
		foldEvent(t, audit.EventWaypointPresented, audit.OutcomeRejected, presentedParams{WaypointIndex: 3}, foldBase.Add(2*time.Minute)),
		foldEvent(t, audit.EventProofSubmitted, audit.OutcomeRejected, proofParams{WaypointIndex: 1}, foldBase.Add(3*time.Minute)),
	}

	progress, err := FoldEvents(events)
	if err != nil {
		t.Fatalf("unexpected fold error: %v", err)
	}
	if progress.WaypointIndex != 1 || progress.State != StatePresented {
		t.Fatalf("expected rejected attempts to leave (1, PRESENTED), got (%d, %s)", progress.WaypointIndex, progress.State)
	}
	if !progress.StateSince.Equal(foldBase) {
		t.Fatalf("expected state clock untouched, got %s", progress.StateSince)
	}
}

func TestFoldRepeatPresentationKeepsStateClock(t *testing.T) {
	events := []audit.Event{
		foldEvent(t, audit.EventParticipantJoined, audit.OutcomeAccepted, joinedParams{}, foldBase),
		foldEvent(t, audit.EventWaypointPresented, audit.OutcomeAccepted, presentedParams{WaypointIndex: 1, Repeat: true}, foldBase.Add(time.Minute)),
	}

	progress, err := FoldEvents(events)
	if err != nil {
		t.Fatalf("unexpected fold error: %v", err)
	}
	if progress.WaypointIndex != 1 || progress.State != StatePresented {
		t.Fatalf("expected (1, PRESENTED), got (%d, %s)", progress.WaypointIndex, progress.State)
	}
	if !progress.StateSince.Equal(foldBase) {
		t.Fatalf("repeat presentation must not reset state_since, got %s", progress.StateSince)
	}
}

func TestFoldVerdictOutcomes(t *testing.T) {
	testCases := []struct {
		name          string
		outcome       audit.Outcome
		expectedState State
	}{
		{name: "accepted verdict verifies", outcome: audit.OutcomeAccepted, expectedState: StateVerified},
		{name: "rejected verdict returns to checked in", outcome: audit.OutcomeRejected, expectedState: StateCheckedIn},
		{name: "validator failure returns to checked in", outcome: audit.OutcomeError, expectedState: StateCheckedIn},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			events := []audit.Event{
				foldEvent(t, audit.EventParticipantJoined, audit.OutcomeAccepted, joinedParams{}, foldBase),
				foldEvent(t, audit.EventCheckinAccepted, audit.OutcomeAccepted, checkinParams{WaypointIndex: 1}, foldBase.Add(time.Minute)),
				foldEvent(t, audit.EventProofSubmitted, audit.OutcomeAccepted, proofParams{WaypointIndex: 1, ProcessingID: "job-1"}, foldBase.Add(2*time.Minute)),
				foldEvent(t, audit.EventProofVerdict, testCase.outcome, proofParams{WaypointIndex: 1, ProcessingID: "job-1"}, foldBase.Add(3*time.Minute)),
			}

			progress, err := FoldEvents(events)
			if err != nil {
				t.Fatalf("unexpected fold error: %v", err)
			}
			if progress.State != testCase.expectedState {
				t.Fatalf("expected %s, got %s", testCase.expectedState, progress.State)
			}
			if progress.WaypointIndex != 1 {
				t.Fatalf("verdict must not change the index, got %d", progress.WaypointIndex)
			}
		})
	}
}

func TestFoldVerdictOutsidePendingIsIgnored(t *testing.T) {
	events := []audit.Event{
		foldEvent(t, audit.EventParticipantJoined, audit.OutcomeAccepted, joinedParams{}, foldBase),
		foldEvent(t, audit.EventProofVerdict, audit.OutcomeAccepted, proofParams{WaypointIndex: 1}, foldBase.Add(time.Minute)),
	}

	progress, err := FoldEvents(events)
	if err != nil {
		t.Fatalf("unexpected fold error: %v", err)
	}
	if progress.State != StatePresented || progress.WaypointIndex != 1 {
		t.Fatalf("stray verdict must be ignored, got (%d, %s)", progress.WaypointIndex, progress.State)
	}
}

func TestFoldProofExpiredReturnsToCheckedIn(t *testing.T) {
	events := []audit.Event{
		foldEvent(t, audit.EventParticipantJoined, audit.OutcomeAccepted, joinedParams{}, foldBase),
		foldEvent(t, audit.EventCheckinAccepted, audit.OutcomeAccepted, checkinParams{WaypointIndex: 1}, foldBase.Add(time.Minute)),
		foldEvent(t, audit.EventProofSubmitted, audit.OutcomeAccepted, proofParams{WaypointIndex: 1, ProcessingID: "job-1"}, foldBase.Add(2*time.Minute)),
		foldEvent(t, audit.EventProofExpired, audit.OutcomeError, proofParams{WaypointIndex: 1, ProcessingID: "job-1"}, foldBase.Add(3*time.Minute)),
	}

	progress, err := FoldEvents(events)
	if err != nil {
		t.Fatalf("unexpected fold error: %v", err)
	}
	if progress.State != StateCheckedIn || progress.WaypointIndex != 1 {
		t.Fatalf("expected (1, CHECKED_IN), got (%d, %s)", progress.WaypointIndex, progress.State)
	}
}

func TestFoldMalformedParametersFail(t *testing.T) {
	events := []audit.Event{
		foldEvent(t, audit.EventParticipantJoined, audit.OutcomeAccepted, joinedParams{}, foldBase),
		{
			EventType:  audit.EventWaypointPresented,
			Outcome:    audit.OutcomeAccepted,
			Parameters: datatypes.JSON(`{"waypoint_index":`),
			EventTime:  foldBase.Add(time.Minute),
		},
	}

	if _, err := FoldEvents(events); err == nil {
		t.Fatalf("expected fold error for malformed parameters")
	}
}
