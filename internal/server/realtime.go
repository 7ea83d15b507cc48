package server

import (
	"context"
	"sync"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/metrics"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
)

const (
	// ProgressEventName is the SSE event name for committed transitions.
	ProgressEventName  = "progress"
	heartbeatEventName = "heartbeat"

	streamBufferSize = 16
)

// ProgressDispatcher fans committed participant transitions out to open
// event streams. It is the participant service's ProgressPublisher; a slow
// or absent consumer never blocks a commit, late subscribers resynchronize
// through the state endpoint instead of a backlog.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*progressSubscriber
	nextID      int64
	observed    *metrics.Metrics
}

type progressSubscriber struct {
	id     int64
	stream chan participant.ProgressUpdate
}

// NewProgressDispatcher constructs a dispatcher. The metrics handle is
// optional; when present, published events and open streams are observed.
func NewProgressDispatcher(observed *metrics.Metrics) *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[string]map[int64]*progressSubscriber),
		observed:    observed,
	}
}

// Subscribe opens a stream for one participant's updates. The returned
// cleanup is idempotent and also runs when ctx is cancelled.
func (d *ProgressDispatcher) Subscribe(ctx context.Context, participantID string) (<-chan participant.ProgressUpdate, func()) {
	if participantID == "" {
		ch := make(chan participant.ProgressUpdate)
		close(ch)
		return ch, func() {}
	}
	subscriber := &progressSubscriber{
		id:     d.nextSequence(),
		stream: make(chan participant.ProgressUpdate, streamBufferSize),
	}
	d.registerSubscriber(participantID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(participantID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishProgress delivers one update to the participant's open streams.
// Full buffers are skipped rather than awaited.
func (d *ProgressDispatcher) PublishProgress(update participant.ProgressUpdate) {
	if update.ParticipantID == "" || update.EventType == "" {
		return
	}
	if d.observed != nil {
		d.observed.ObserveProgressEvent(update.EventType)
	}
	d.mu.RLock()
	subscribers := d.subscribers[update.ParticipantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*progressSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- update:
		default:
		}
	}
}

func (d *ProgressDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ProgressDispatcher) registerSubscriber(participantID string, subscriber *progressSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[participantID]; !ok {
		d.subscribers[participantID] = make(map[int64]*progressSubscriber)
	}
	d.subscribers[participantID][subscriber.id] = subscriber
	if d.observed != nil {
		d.observed.ProgressStreams.Inc()
	}
}

func (d *ProgressDispatcher) unregisterSubscriber(participantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[participantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, participantID)
		}
	}
	if d.observed != nil {
		d.observed.ProgressStreams.Dec()
	}
	d.mu.Unlock()
}
