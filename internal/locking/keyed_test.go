package locking

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	keyed := NewKeyedMutex()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := keyed.Acquire("participant-1")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", counter)
	}
}

func TestAcquireIndependentKeysDoNotBlock(t *testing.T) {
	keyed := NewKeyedMutex()

	releaseA := keyed.Acquire("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := keyed.Acquire("b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("acquiring an independent key must not block")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	keyed := NewKeyedMutex()

	release := keyed.Acquire("a")
	release()
	release()

	again := keyed.Acquire("a")
	again()

	keyed.mu.Lock()
	remaining := len(keyed.entries)
	keyed.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected entries to be reclaimed, %d remain", remaining)
	}
}
