// Package agent provides the event-producer abstraction layer.
//
// producer.go - Producer and Runtime interface definitions
//
// A Producer is the opaque source of stream events for exactly one
// execution. The streaming core drains its channels into the event
// buffer and never restarts it: reconnection re-attaches a reader,
// never a second producer.

package agent

import "context"

// Producer is a running producer invocation for one execution
type Producer interface {
	// Events returns a channel for receiving stream events
	Events() <-chan *StreamEvent

	// Errors returns a channel for receiving errors
	Errors() <-chan error

	// Done returns a channel that closes when the producer finishes
	Done() <-chan struct{}

	// Close releases the producer's resources. Safe to call after Done.
	Close() error
}

// Runtime starts producer invocations
type Runtime interface {
	// Execute starts a producer for the given request. The returned
	// producer runs until its event source is exhausted or ctx is
	// cancelled.
	Execute(ctx context.Context, req *ExecuteRequest) (Producer, error)

	// Name identifies the runtime in logs
	Name() string
}
