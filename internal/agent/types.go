// Package agent provides the event-producer abstraction layer.
//
// types.go - Shared types for producer communication
//
// This file contains:
// - StreamEventType and StreamEvent for normalized event streaming
// - ExecuteRequest for producer invocation parameters
//
// StreamEvent provides a common format that all runtime implementations
// must convert their native events into. The streaming core treats the
// event as an opaque payload: it orders and delivers events but never
// interprets their fields beyond the type tag.

package agent

// StreamEventType represents the type of streaming event
type StreamEventType string

const (
	StreamEventSystem     StreamEventType = "system"
	StreamEventMessage    StreamEventType = "message"
	StreamEventDelta      StreamEventType = "delta"
	StreamEventToolCall   StreamEventType = "tool_call"
	StreamEventToolResult StreamEventType = "tool_result"
	StreamEventCompletion StreamEventType = "completion"
	StreamEventError      StreamEventType = "error"
	StreamEventCancelled  StreamEventType = "cancelled"
)

// StreamEvent represents a single event in producer streaming output.
// This is a normalized type that works across all producer backends.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Message fields
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// Tool call fields
	ToolID     string         `json:"tool_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Tool result fields
	IsError bool   `json:"is_error,omitempty"`
	Value   string `json:"value,omitempty"`

	// Completion fields (final event)
	FinalText string `json:"final_text,omitempty"`

	// Raw data for backend-specific fields
	Raw map[string]any `json:"-"`
}

// Message is one entry of conversation history handed to the producer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecuteRequest contains parameters for a producer invocation
type ExecuteRequest struct {
	// Required
	Message        string
	ConversationID string

	// Prior turns of the owning conversation, oldest first
	History []Message

	// Free-form context fields forwarded from the caller. When the
	// runtime declares an options schema these have already been
	// validated against it.
	Options map[string]any
}
