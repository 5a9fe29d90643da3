// Package stream implements the server-side stream session: the loop
// bound to a single client connection attempt that replays an
// execution's event buffer, enforces the connection window and emits
// the resumption/terminal markers.
package stream

import "github.com/fathomlabs/relay/internal/agent"

// FrameType tags the discriminated union of wire frames
type FrameType string

const (
	// FrameEvent carries one ordinary producer event
	FrameEvent FrameType = "event"

	// FrameReconnect instructs the client to reconnect with a cursor;
	// issued when the connection window expires mid-execution
	FrameReconnect FrameType = "reconnect"

	// FrameCompleted is the terminal marker ending an execution's stream
	FrameCompleted FrameType = "completed"
)

// Frame is one wire frame of the stream protocol
type Frame struct {
	Type FrameType `json:"type"`

	// FrameEvent fields
	Timestamp int64              `json:"timestamp,omitempty"`
	Event     *agent.StreamEvent `json:"event,omitempty"`

	// FrameReconnect fields
	ExecutionID   string `json:"execution_id,omitempty"`
	LastTimestamp int64  `json:"last_timestamp,omitempty"`

	// FrameCompleted fields
	IsError     bool   `json:"is_error,omitempty"`
	IsCancelled bool   `json:"is_cancelled,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Sink is the transport half of a session: it delivers frames to one
// connected client. A Send error means the peer is gone.
type Sink interface {
	Send(frame *Frame) error
}
