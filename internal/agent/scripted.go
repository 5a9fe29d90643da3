package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// ScriptedRuntime replays a fixed event script for every execution.
// It backs the demo mode of the server and the tests of everything
// that consumes a Producer.
type ScriptedRuntime struct {
	// Script is the sequence of events each producer emits. When nil,
	// DefaultScript is used with the request message echoed back.
	Script []*StreamEvent

	// Delay is the pause between events (zero for tests)
	Delay time.Duration

	// Err, when set, is delivered on the error channel after the
	// script instead of a normal completion
	Err error
}

// DefaultScript builds the canned turn used by demo mode
func DefaultScript(message string) []*StreamEvent {
	reply := "You said: " + message
	return []*StreamEvent{
		{Type: StreamEventMessage, Role: "assistant", Text: "Thinking about it."},
		{Type: StreamEventToolCall, ToolID: "tool_1", ToolName: "echo", Parameters: map[string]any{"text": message}},
		{Type: StreamEventToolResult, ToolID: "tool_1", Value: message},
		{Type: StreamEventMessage, Role: "assistant", Text: reply},
	}
}

func (r *ScriptedRuntime) Name() string { return "scripted" }

// OptionsSchema declares the options demo executions accept
func (r *ScriptedRuntime) OptionsSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"delay_ms": {Type: "integer"},
		},
		AdditionalProperties: &jsonschema.Schema{},
	}
}

// Execute starts a goroutine that feeds the script into the event channel
func (r *ScriptedRuntime) Execute(ctx context.Context, req *ExecuteRequest) (Producer, error) {
	script := r.Script
	if script == nil {
		script = DefaultScript(req.Message)
	}

	// Close cancels this context so the feeder can never outlive its
	// consumer, even when the caller's context is background
	ctx, cancel := context.WithCancel(ctx)

	p := &scriptedProducer{
		events: make(chan *StreamEvent),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(p.done)
		defer close(p.events)

		for _, ev := range script {
			if r.Delay > 0 {
				select {
				case <-time.After(r.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case p.events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if r.Err != nil {
			p.errs <- r.Err
		}
	}()

	return p, nil
}

type scriptedProducer struct {
	events chan *StreamEvent
	errs   chan error
	done   chan struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (p *scriptedProducer) Events() <-chan *StreamEvent { return p.events }
func (p *scriptedProducer) Errors() <-chan error        { return p.errs }
func (p *scriptedProducer) Done() <-chan struct{}       { return p.done }

// Close stops the feeder goroutine. Safe to call multiple times.
func (p *scriptedProducer) Close() error {
	p.closeOnce.Do(p.cancel)
	return nil
}
