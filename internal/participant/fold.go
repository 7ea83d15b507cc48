package participant

import (
	"fmt"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
)

// applyEvent is the one transition function, shared by live commits and by
// startup replay. It must stay a pure function of (progress, event): verdicts
// and advances are read from the recorded event, never recomputed, so a
// replay reaches the same state the live path did.
func applyEvent(progress Progress, event audit.Event) (Progress, error) {
	switch event.EventType {
	case audit.EventParticipantJoined:
		if event.Outcome != audit.OutcomeAccepted {
			return progress, nil
		}
		return Progress{WaypointIndex: 1, State: StatePresented, StateSince: event.EventTime}, nil

	case audit.EventWaypointPresented:
		if event.Outcome != audit.OutcomeAccepted {
			return progress, nil
		}
		var params presentedParams
		if err := audit.DecodeJSON(event.Parameters, &params); err != nil {
			return progress, fmt.Errorf("decode presented parameters: %w", err)
		}
		// Re-delivery of the already-current presentation is a no-op and must
		// not reset the state clock.
		if progress.State == StatePresented && progress.WaypointIndex == params.WaypointIndex {
			return progress, nil
		}
		return Progress{WaypointIndex: params.WaypointIndex, State: StatePresented, StateSince: event.EventTime}, nil

	case audit.EventCheckinAccepted:
		if event.Outcome != audit.OutcomeAccepted {
			return progress, nil
		}
		return Progress{WaypointIndex: progress.WaypointIndex, State: StateCheckedIn, StateSince: event.EventTime}, nil

	case audit.EventProofSubmitted:
		if event.Outcome != audit.OutcomeAccepted {
			return progress, nil
		}
		return Progress{WaypointIndex: progress.WaypointIndex, State: StateProofPending, StateSince: event.EventTime}, nil

	case audit.EventProofVerdict:
		if progress.State != StateProofPending {
			return progress, nil
		}
		if event.Outcome == audit.OutcomeAccepted {
			return Progress{WaypointIndex: progress.WaypointIndex, State: StateVerified, StateSince: event.EventTime}, nil
		}
		// Rejection, timeout and validator failure all hand the waypoint back
		// for another attempt.
		return Progress{WaypointIndex: progress.WaypointIndex, State: StateCheckedIn, StateSince: event.EventTime}, nil

	case audit.EventProofExpired:
		if progress.State != StateProofPending {
			return progress, nil
		}
		return Progress{WaypointIndex: progress.WaypointIndex, State: StateCheckedIn, StateSince: event.EventTime}, nil

	case audit.EventWaypointAdvanced:
		if event.Outcome != audit.OutcomeAccepted {
			return progress, nil
		}
		var params advancedParams
		if err := audit.DecodeJSON(event.Parameters, &params); err != nil {
			return progress, fmt.Errorf("decode advance parameters: %w", err)
		}
		return Progress{WaypointIndex: params.ToIndex, State: StatePresented, StateSince: event.EventTime}, nil

	case audit.EventChallengeCompleted:
		if event.Outcome != audit.OutcomeAccepted {
			return progress, nil
		}
		return Progress{WaypointIndex: progress.WaypointIndex, State: StateCompleted, StateSince: event.EventTime}, nil

	default:
		// checkin_attempted and every rejected attempt record the try without
		// moving state.
		return progress, nil
	}
}

// FoldEvents rebuilds progress from a participant's ordered event log.
func FoldEvents(events []audit.Event) (Progress, error) {
	var progress Progress
	for _, event := range events {
		next, err := applyEvent(progress, event)
		if err != nil {
			return Progress{}, fmt.Errorf("event %d (%s): %w", event.EventID, event.EventType, err)
		}
		progress = next
	}
	return progress, nil
}
