// Package events provides pub-sub distribution of pipeline events to SSE
// subscribers and the MQTT bridge, with a ring buffer for replay on
// reconnect.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one pipeline event as delivered to subscribers.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID int64           `json:"session_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Types    []string
	Sessions []int64
}

// Bus fans events out to subscribers and keeps recent events for replay.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates a bus holding ringSize events for replay.
func NewBus(ringSize int) *Bus {
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. Slow subscribers drop events rather than block the pipeline.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns buffered events after the given event ID, oldest
// first. An empty lastEventID replays the whole buffer.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var out []Event
	found := lastEventID == ""
	for i := 0; i < b.ringSize; i++ {
		idx := (b.ringHead + i) % b.ringSize
		e := b.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if matchesFilter(e, filter) {
			out = append(out, e)
		}
	}
	return out
}

// Publish sends an event to all matching subscribers and records it in the
// replay ring.
func (b *Bus) Publish(eventType string, sessionID int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	seq := b.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	b.mu.RUnlock()
}

func matchesFilter(e Event, f Filter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if t == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Sessions) > 0 && e.SessionID != 0 {
		match := false
		for _, s := range f.Sessions {
			if s == e.SessionID {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
