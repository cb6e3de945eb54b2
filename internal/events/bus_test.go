package events

import (
	"encoding/json"
	"testing"
	"time"
)

// ── Bus Publish/Subscribe ─────────────────────────────────────────────

func TestBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{})
		defer cancel()

		b.Publish("segment_finalized", 3, map[string]any{"index": 0})

		select {
		case evt := <-ch:
			if evt.Type != "segment_finalized" {
				t.Errorf("Type = %q, want segment_finalized", evt.Type)
			}
			if evt.SessionID != 3 {
				t.Errorf("SessionID = %d, want 3", evt.SessionID)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]int
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["index"] != 0 {
				t.Errorf("payload index = %d, want 0", payload["index"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching_type", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{Types: []string{"transcription_completed"}})
		defer cancel()

		b.Publish("segment_finalized", 1, nil)

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
			// expected
		}
	})

	t.Run("session_filter_narrows_delivery", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{Sessions: []int64{7}})
		defer cancel()

		b.Publish("segment_finalized", 8, nil)
		b.Publish("segment_finalized", 7, nil)

		select {
		case evt := <-ch:
			if evt.SessionID != 7 {
				t.Errorf("SessionID = %d, want 7", evt.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{})
		cancel()

		b.Publish("segment_finalized", 1, nil)

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event after cancel, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
			// expected
		}
	})
}

// ── ReplaySince ───────────────────────────────────────────────────────

func TestBusReplaySince(t *testing.T) {
	b := NewBus(8)
	var ids []string
	for i := 0; i < 5; i++ {
		b.Publish("transcription_completed", int64(i+1), nil)
	}
	for _, e := range b.ReplaySince("", Filter{}) {
		ids = append(ids, e.ID)
	}
	if len(ids) != 5 {
		t.Fatalf("full replay = %d events, want 5", len(ids))
	}

	after := b.ReplaySince(ids[2], Filter{})
	if len(after) != 2 {
		t.Fatalf("replay after third event = %d events, want 2", len(after))
	}
	if after[0].ID != ids[3] || after[1].ID != ids[4] {
		t.Error("replay should return events after the given ID, in order")
	}

	filtered := b.ReplaySince("", Filter{Types: []string{"no_such_type"}})
	if len(filtered) != 0 {
		t.Errorf("filtered replay = %d events, want 0", len(filtered))
	}
}

func TestBusRingOverwrite(t *testing.T) {
	b := NewBus(4)
	for i := 0; i < 10; i++ {
		b.Publish("segment_finalized", int64(i), nil)
	}
	got := b.ReplaySince("", Filter{})
	if len(got) != 4 {
		t.Fatalf("replay = %d events, want ring capacity 4", len(got))
	}
	if got[0].SessionID != 6 || got[3].SessionID != 9 {
		t.Errorf("ring should hold the newest events, got sessions %d..%d",
			got[0].SessionID, got[3].SessionID)
	}
}
