package execution

import (
	"sync"
	"time"

	"github.com/fathomlabs/relay/internal/agent"
)

/*
EVENT BUFFER - APPEND-ONLY EVENT LOG FOR STREAMING

The EventBuffer stores the ordered event sequence for one execution and
supports client disconnect/reconnect via timestamp-based resumption.

DATA STRUCTURE:

    Append-only slice ordered by timestamp:
    ┌──────────────────────────────────────────────────┐
    │ (ts1, ev) │ (ts2, ev) │ ... │ (tsN, ev)          │
    └──────────────────────────────────────────────────┘
      ts1 < ts2 < ... < tsN   (strictly increasing)

TIMESTAMPS:

    Assigned at append time by the buffer, never by the producer:
    ts = max(now in ms, last ts + 1). Wall-clock resolution is coarse
    enough that consecutive appends can land in the same millisecond;
    the +1 floor keeps ordering strict so a timestamp is always a
    unique cursor.

RESUMPTION PROTOCOL:

    Client streams with a cursor (last delivered timestamp):
    1. First attach: cursor = 0 (get everything)
    2. Each delivered event advances the cursor to its timestamp
    3. Reconnect: ReadSince(cursor) returns exactly the events the
       client has not seen - no gaps, no duplicates

WHY NOT A RING BUFFER?

    Delivery must be lossless across reconnects: a purged event would
    be a silent gap in the client's transcript. Executions are bounded
    by the turn length and evicted shortly after completion, so the
    log's memory lifetime is bounded by the registry, not by a cap.

THREAD SAFETY:

    One writer (the execution's runner) and N readers (stream
    sessions, briefly two during a reconnect race). All methods take
    mu; reads copy out so no caller ever holds the lock.
*/

// BufferedEvent wraps a stream event with its buffer-assigned timestamp
type BufferedEvent struct {
	Timestamp int64              `json:"timestamp"`
	Event     *agent.StreamEvent `json:"event"`
}

// EventBuffer is the append-only, timestamp-ordered event log for one execution
type EventBuffer struct {
	executionID string
	events      []BufferedEvent
	lastTS      int64
	frozen      bool
	mu          sync.RWMutex

	// test hook; defaults to time.Now
	now func() time.Time
}

// NewEventBuffer creates an empty buffer for the given execution
func NewEventBuffer(executionID string) *EventBuffer {
	return &EventBuffer{
		executionID: executionID,
		now:         time.Now,
	}
}

// Append assigns the next strictly-increasing timestamp and stores the
// event. Returns the assigned timestamp. Once the buffer is frozen the
// event is dropped and the last timestamp is returned unchanged.
func (b *EventBuffer) Append(event *agent.StreamEvent) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		return b.lastTS
	}

	ts := b.now().UnixMilli()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts
	b.events = append(b.events, BufferedEvent{Timestamp: ts, Event: event})
	return ts
}

// ReadSince returns events with timestamp > cursor, in append order.
// cursor=0 returns everything. The result is a copy.
func (b *EventBuffer) ReadSince(cursor int64) []BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Events are timestamp-sorted; find the first one past the cursor
	start := len(b.events)
	for i, e := range b.events {
		if e.Timestamp > cursor {
			start = i
			break
		}
	}
	if start >= len(b.events) {
		return nil
	}

	result := make([]BufferedEvent, len(b.events)-start)
	copy(result, b.events[start:])
	return result
}

// Freeze stops further appends. Called exactly once, at completion.
func (b *EventBuffer) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
}

// LastTimestamp returns the newest event's timestamp, or 0 if empty
func (b *EventBuffer) LastTimestamp() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTS
}

// Len returns the number of buffered events
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// ExecutionID returns the execution this buffer belongs to
func (b *EventBuffer) ExecutionID() string {
	return b.executionID
}
