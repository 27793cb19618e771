package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func makeEvent(id int) Event {
	return Event{
		Type:          "status_update",
		CorrelationID: fmt.Sprintf("req-%d", id),
		Timestamp:     time.Now().UTC(),
	}
}

func correlationIDs(events []Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.CorrelationID
	}
	return ids
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory[Event](10)
	if got := h.Snapshot(); len(got) != 0 {
		t.Errorf("expected no events, got %d", len(got))
	}
	if h.Len() != 0 {
		t.Errorf("expected len 0, got %d", h.Len())
	}
}

func TestHistory_BelowLimit(t *testing.T) {
	h := NewHistory[Event](10)
	for i := 0; i < 3; i++ {
		h.Add(makeEvent(i))
	}

	got := fmt.Sprint(correlationIDs(h.Snapshot()))
	if got != "[req-0 req-1 req-2]" {
		t.Errorf("unexpected order: %s", got)
	}
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory[Event](4)
	for i := 0; i < 10; i++ {
		h.Add(makeEvent(i))
	}

	got := fmt.Sprint(correlationIDs(h.Snapshot()))
	if got != "[req-6 req-7 req-8 req-9]" {
		t.Errorf("unexpected window: %s", got)
	}
	if h.Len() != 4 {
		t.Errorf("expected len 4, got %d", h.Len())
	}
}

func TestHistory_SnapshotIsACopy(t *testing.T) {
	h := NewHistory[int](2)
	h.Add(1)
	snap := h.Snapshot()
	snap[0] = 99
	h.Add(2)

	if got := fmt.Sprint(h.Snapshot()); got != "[1 2]" {
		t.Errorf("snapshot aliased internal storage: %s", got)
	}
}

func TestHistory_NonPositiveLimit(t *testing.T) {
	h := NewHistory[int](0)
	h.Add(1)
	h.Add(2)

	if got := fmt.Sprint(h.Snapshot()); got != "[2]" {
		t.Errorf("expected only the latest item, got %s", got)
	}
}

func TestHistory_ConcurrentAdd(t *testing.T) {
	h := NewHistory[int](16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Add(i)
				h.Snapshot()
			}
		}()
	}
	wg.Wait()

	if h.Len() != 16 {
		t.Errorf("expected len 16, got %d", h.Len())
	}
}
