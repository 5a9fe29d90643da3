package execution

import (
	"sync"
	"time"
)

// Execution is one agent turn's server-side state: its event buffer
// plus completion/cancellation/error flags.
//
// Mutation rules: events are appended only by the execution's runner;
// the flags are mutated only through the registry (RequestCancel) and
// the runner's completion path. Both flags are monotonic, so stream
// sessions can read them lock-free of the buffer's write path.
type Execution struct {
	id             string
	conversationID string
	buffer         *EventBuffer

	mu          sync.RWMutex
	complete    bool
	cancelled   bool
	err         error
	completedAt time.Time
}

func newExecution(id, conversationID string) *Execution {
	return &Execution{
		id:             id,
		conversationID: conversationID,
		buffer:         NewEventBuffer(id),
	}
}

// ID returns the execution identifier
func (e *Execution) ID() string { return e.id }

// ConversationID returns the owning conversation's identifier
func (e *Execution) ConversationID() string { return e.conversationID }

// Buffer returns the execution's event buffer
func (e *Execution) Buffer() *EventBuffer { return e.buffer }

// IsComplete reports whether the execution has finished
func (e *Execution) IsComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.complete
}

// IsCancelled reports whether cancellation has been requested
func (e *Execution) IsCancelled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelled
}

// Err returns the terminal error, nil unless the producer failed
func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// CompletedAt returns when the execution finished (zero while running)
func (e *Execution) CompletedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completedAt
}

// markCancelled sets the cancellation flag, unless the execution has
// already completed. Idempotent while running. The completeness check
// and the flag write share one lock so a completion can never slip in
// between them.
func (e *Execution) markCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.complete {
		return false
	}
	e.cancelled = true
	return true
}

// markComplete freezes the buffer and records terminal state. The
// freeze happens before the flag flips so that no append can land
// after a reader observed completion.
func (e *Execution) markComplete(err error) {
	e.buffer.Freeze()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.complete {
		return
	}
	e.complete = true
	e.err = err
	e.completedAt = time.Now()
}
