package stream

import (
	"context"
	"time"

	"github.com/fathomlabs/relay/internal/execution"
	"github.com/fathomlabs/relay/internal/logger"
	"github.com/fathomlabs/relay/internal/metrics"
)

// Session tuning defaults. The tick interval trades latency for cheap
// polling reads; the window bounds how long any single connection is
// held open before the client is told to reconnect.
const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultWindow       = 50 * time.Second
)

// CloseReason describes why a session's connection ended
type CloseReason string

const (
	ReasonCompleted          CloseReason = "completed"
	ReasonCancelled          CloseReason = "cancelled"
	ReasonWindowExpired      CloseReason = "window_expired"
	ReasonClientDisconnected CloseReason = "client_disconnected"
)

// Session serves one client connection attempt against one execution's
// buffer. It only ever reads: the execution and its runner are never
// touched, so a dropped connection never disturbs the turn.
type Session struct {
	exec   *execution.Execution
	sink   Sink
	cursor int64
	tick   time.Duration
	window time.Duration
}

// NewSession creates a session resuming after the given cursor
// (0 streams from the beginning)
func NewSession(exec *execution.Execution, sink Sink, cursor int64, tick, window time.Duration) *Session {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Session{
		exec:   exec,
		sink:   sink,
		cursor: cursor,
		tick:   tick,
		window: window,
	}
}

// Cursor returns the timestamp of the last event forwarded to the sink
func (s *Session) Cursor() int64 { return s.cursor }

// Run drives the session until the execution completes, the window
// expires or the client goes away. Returns the close reason; the only
// error condition is transport failure, reported as client disconnect.
func (s *Session) Run(ctx context.Context) CloseReason {
	metrics.RecordStreamAttach()
	defer metrics.RecordStreamDetach()

	attachedAt := time.Now()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		// Completion is checked before reading so the final drain below
		// always sees every event appended before the flag flipped
		if s.exec.IsComplete() {
			return s.finish()
		}

		if time.Since(attachedAt) >= s.window {
			return s.handoff()
		}

		if !s.forwardNew() {
			return ReasonClientDisconnected
		}

		select {
		case <-ctx.Done():
			logger.Info("Stream session detached: execution %s (client disconnected, cursor %d)", s.exec.ID(), s.cursor)
			return ReasonClientDisconnected
		case <-ticker.C:
		}
	}
}

// forwardNew sends events past the cursor in order. Returns false on
// transport failure.
func (s *Session) forwardNew() bool {
	for _, be := range s.exec.Buffer().ReadSince(s.cursor) {
		if err := s.sink.Send(&Frame{
			Type:      FrameEvent,
			Timestamp: be.Timestamp,
			Event:     be.Event,
		}); err != nil {
			logger.Info("Stream session send failed: execution %s: %v", s.exec.ID(), err)
			return false
		}
		s.cursor = be.Timestamp
		metrics.RecordFrameSent(string(FrameEvent))
	}
	return true
}

// finish drains whatever is left and emits the terminal marker
func (s *Session) finish() CloseReason {
	if !s.forwardNew() {
		return ReasonClientDisconnected
	}

	frame := &Frame{
		Type:        FrameCompleted,
		IsError:     s.exec.Err() != nil,
		IsCancelled: s.exec.IsCancelled(),
	}
	if err := s.exec.Err(); err != nil {
		frame.Error = execution.RedactError(err)
	}
	if err := s.sink.Send(frame); err != nil {
		return ReasonClientDisconnected
	}
	metrics.RecordFrameSent(string(FrameCompleted))

	if frame.IsCancelled {
		return ReasonCancelled
	}
	return ReasonCompleted
}

// handoff closes the window: the client is told to reconnect with the
// session's exact cursor, so the next session resumes without loss or
// duplication.
func (s *Session) handoff() CloseReason {
	if err := s.sink.Send(&Frame{
		Type:          FrameReconnect,
		ExecutionID:   s.exec.ID(),
		LastTimestamp: s.cursor,
	}); err != nil {
		return ReasonClientDisconnected
	}
	metrics.RecordFrameSent(string(FrameReconnect))
	metrics.RecordWindowHandoff()
	logger.Info("Stream window expired: execution %s handed off at cursor %d", s.exec.ID(), s.cursor)
	return ReasonWindowExpired
}
