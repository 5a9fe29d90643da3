package execution

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fathomlabs/relay/internal/agent"
)

type storedMessage struct {
	conversationID string
	role           string
	content        string
}

type memStore struct {
	mu       sync.Mutex
	messages []storedMessage
}

func (s *memStore) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, storedMessage{conversationID, role, content})
	return nil
}

func (s *memStore) all() []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedMessage(nil), s.messages...)
}

// fakeProducer hands the test direct control over the producer channels
type fakeProducer struct {
	events chan *agent.StreamEvent
	errs   chan error
	done   chan struct{}
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		events: make(chan *agent.StreamEvent),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (p *fakeProducer) Events() <-chan *agent.StreamEvent { return p.events }
func (p *fakeProducer) Errors() <-chan error              { return p.errs }
func (p *fakeProducer) Done() <-chan struct{}             { return p.done }
func (p *fakeProducer) Close() error                      { return nil }

func startProducer(t *testing.T, rt *agent.ScriptedRuntime, message string) agent.Producer {
	t.Helper()
	producer, err := rt.Execute(context.Background(), &agent.ExecuteRequest{Message: message})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return producer
}

func TestRunner_NormalCompletion(t *testing.T) {
	exec := newExecution("exec-1", "conv-1")
	store := &memStore{}
	producer := startProducer(t, &agent.ScriptedRuntime{}, "hello")

	NewRunner(exec, producer, store, false).Run(context.Background())

	if !exec.IsComplete() {
		t.Fatal("IsComplete() = false after Run")
	}
	if exec.Err() != nil {
		t.Fatalf("Err() = %v, want nil", exec.Err())
	}

	// Four scripted events plus the terminal done event
	events := exec.Buffer().ReadSince(0)
	if len(events) != 5 {
		t.Fatalf("buffer has %d events, want 5", len(events))
	}
	last := events[len(events)-1].Event
	if last.Type != agent.StreamEventCompletion {
		t.Errorf("last event type = %v, want completion", last.Type)
	}
	wantFinal := "Thinking about it.\nYou said: hello"
	if last.FinalText != wantFinal {
		t.Errorf("FinalText = %q, want %q", last.FinalText, wantFinal)
	}

	msgs := store.all()
	if len(msgs) != 1 {
		t.Fatalf("store has %d messages, want 1", len(msgs))
	}
	if msgs[0].role != "assistant" || msgs[0].content != wantFinal {
		t.Errorf("persisted message = %+v, want assistant %q", msgs[0], wantFinal)
	}
}

func TestRunner_ProducerError(t *testing.T) {
	exec := newExecution("exec-1", "conv-1")
	store := &memStore{}
	boom := errors.New("model backend unreachable\nstack: ...")
	producer := startProducer(t, &agent.ScriptedRuntime{Err: boom}, "hello")

	NewRunner(exec, producer, store, false).Run(context.Background())

	if !exec.IsComplete() {
		t.Fatal("IsComplete() = false after failed Run")
	}
	if !errors.Is(exec.Err(), boom) {
		t.Errorf("Err() = %v, want %v", exec.Err(), boom)
	}

	events := exec.Buffer().ReadSince(0)
	last := events[len(events)-1].Event
	if last.Type != agent.StreamEventError || !last.IsError {
		t.Errorf("last event = %+v, want error event", last)
	}
	if strings.Contains(last.Text, "stack:") {
		t.Errorf("buffered error %q leaks details past the first line", last.Text)
	}
	if !strings.HasPrefix(last.Text, "producer error: ") {
		t.Errorf("buffered error %q missing redaction prefix", last.Text)
	}

	if len(store.all()) != 0 {
		t.Error("failed execution persisted an assistant message")
	}
}

func TestRunner_CancelBeforeOutput(t *testing.T) {
	exec := newExecution("exec-1", "conv-1")
	store := &memStore{}
	producer := newFakeProducer()

	exec.markCancelled()
	NewRunner(exec, producer, store, false).Run(context.Background())

	if !exec.IsComplete() {
		t.Fatal("IsComplete() = false after cancelled Run")
	}
	if exec.Err() != nil {
		t.Errorf("Err() = %v, want nil for cancellation", exec.Err())
	}

	events := exec.Buffer().ReadSince(0)
	if len(events) != 1 || events[0].Event.Type != agent.StreamEventCancelled {
		t.Fatalf("buffer = %d events, want exactly one cancelled event", len(events))
	}
	if len(store.all()) != 0 {
		t.Error("cancelled execution persisted a message with persistPartial disabled")
	}
}

func TestRunner_CancelMidStream(t *testing.T) {
	tests := []struct {
		name           string
		persistPartial bool
		wantPersisted  int
	}{
		{"discard partial text", false, 0},
		{"persist partial text", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newExecution("exec-1", "conv-1")
			store := &memStore{}
			producer := newFakeProducer()
			runner := NewRunner(exec, producer, store, tt.persistPartial)

			go runner.Run(context.Background())

			// The unbuffered send returns only once the runner consumed
			// the event, so the partial text is accumulated before the
			// cancel lands
			producer.events <- &agent.StreamEvent{
				Type: agent.StreamEventMessage,
				Role: "assistant",
				Text: "partial answer",
			}
			exec.markCancelled()

			waitComplete(t, exec)

			events := exec.Buffer().ReadSince(0)
			last := events[len(events)-1].Event
			if last.Type != agent.StreamEventCancelled {
				t.Errorf("last event type = %v, want cancelled", last.Type)
			}

			msgs := store.all()
			if len(msgs) != tt.wantPersisted {
				t.Fatalf("store has %d messages, want %d", len(msgs), tt.wantPersisted)
			}
			if tt.wantPersisted == 1 && msgs[0].content != "partial answer" {
				t.Errorf("persisted partial = %q, want %q", msgs[0].content, "partial answer")
			}
		})
	}
}

func TestRunner_CancelledTurnsReleaseProducer(t *testing.T) {
	store := &memStore{}
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		exec := newExecution("exec-1", "conv-1")
		producer := startProducer(t, &agent.ScriptedRuntime{Delay: 5 * time.Millisecond}, "hello")
		exec.markCancelled()
		NewRunner(exec, producer, store, false).Run(context.Background())
	}

	// Closed producer feeders unwind asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Errorf("goroutine count grew from %d to %d after cancelled turns", before, after)
	}
}

func TestRunner_RecoversPanic(t *testing.T) {
	exec := newExecution("exec-1", "conv-1")
	producer := startProducer(t, &agent.ScriptedRuntime{}, "hello")

	NewRunner(exec, producer, panickyStore{}, false).Run(context.Background())

	if !exec.IsComplete() {
		t.Fatal("IsComplete() = false after panic")
	}
	if !errors.Is(exec.Err(), ErrProducerPanic) {
		t.Errorf("Err() = %v, want ErrProducerPanic", exec.Err())
	}
}

type panickyStore struct{}

func (panickyStore) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	panic("store exploded")
}

func waitComplete(t *testing.T, exec *Execution) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !exec.IsComplete() {
		if time.Now().After(deadline) {
			t.Fatal("execution never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
