package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/metrics"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
)

func progressUpdate(participantID, eventType string) participant.ProgressUpdate {
	return participant.ProgressUpdate{
		ParticipantID: participantID,
		ChallengeID:   "challenge-1",
		EventType:     eventType,
		WaypointIndex: 1,
		State:         participant.StateCheckedIn,
		OccurredAt:    time.Now().UTC(),
	}
}

func TestProgressDispatcherDeliversToSubscriber(t *testing.T) {
	dispatcher := NewProgressDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "participant-1")
	defer cleanup()

	dispatcher.PublishProgress(progressUpdate("participant-1", "checkin_accepted"))

	select {
	case received := <-stream:
		if received.EventType != "checkin_accepted" {
			t.Fatalf("unexpected event type: %s", received.EventType)
		}
		if received.ParticipantID != "participant-1" {
			t.Fatalf("unexpected participant: %s", received.ParticipantID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected progress update within deadline")
	}
}

func TestProgressDispatcherIsolatesParticipants(t *testing.T) {
	dispatcher := NewProgressDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	firstStream, firstCleanup := dispatcher.Subscribe(ctx, "participant-1")
	defer firstCleanup()
	secondStream, secondCleanup := dispatcher.Subscribe(otherCtx, "participant-2")
	defer secondCleanup()

	dispatcher.PublishProgress(progressUpdate("participant-2", "waypoint_advanced"))

	select {
	case <-firstStream:
		t.Fatal("did not expect an update for an unrelated participant")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case received := <-secondStream:
		if received.ParticipantID != "participant-2" {
			t.Fatalf("unexpected participant: %s", received.ParticipantID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected an update for the subscribed participant")
	}
}

func TestProgressDispatcherSkipsFullBuffers(t *testing.T) {
	dispatcher := NewProgressDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "participant-1")
	defer cleanup()

	// Nobody is draining; publishing past the buffer must not block.
	for i := 0; i < streamBufferSize+4; i++ {
		dispatcher.PublishProgress(progressUpdate("participant-1", fmt.Sprintf("event-%d", i)))
	}

	drained := 0
	for {
		select {
		case <-stream:
			drained++
		default:
			if drained != streamBufferSize {
				t.Fatalf("expected %d buffered updates, got %d", streamBufferSize, drained)
			}
			return
		}
	}
}

func TestProgressDispatcherBalancesStreamGauge(t *testing.T) {
	observed := metrics.New()
	dispatcher := NewProgressDispatcher(observed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, firstCleanup := dispatcher.Subscribe(ctx, "participant-1")
	_, secondCleanup := dispatcher.Subscribe(ctx, "participant-1")

	if got := testutil.ToFloat64(observed.ProgressStreams); got != 2 {
		t.Fatalf("expected 2 open streams, got %v", got)
	}

	firstCleanup()
	firstCleanup() // idempotent
	secondCleanup()

	if got := testutil.ToFloat64(observed.ProgressStreams); got != 0 {
		t.Fatalf("expected gauge back at zero, got %v", got)
	}

	dispatcher.PublishProgress(progressUpdate("participant-1", "checkin_accepted"))
	if got := testutil.ToFloat64(observed.ProgressEvents.WithLabelValues("checkin_accepted")); got != 1 {
		t.Fatalf("expected the published event observed, got %v", got)
	}
}

func TestProgressDispatcherIgnoresEmptySubscriptions(t *testing.T) {
	dispatcher := NewProgressDispatcher(nil)

	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()

	select {
	case _, open := <-stream:
		if open {
			t.Fatal("expected a closed stream for an empty participant id")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected the stream to be closed immediately")
	}
}
