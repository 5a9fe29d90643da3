package execution

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fathomlabs/relay/internal/agent"
	"github.com/fathomlabs/relay/internal/logger"
	"github.com/fathomlabs/relay/internal/metrics"
)

// cancelPollInterval bounds the worst-case delay between a cancel
// request and the runner noticing it while the producer is quiet.
const cancelPollInterval = 50 * time.Millisecond

// ErrProducerPanic marks an execution terminated by a panicking producer
var ErrProducerPanic = errors.New("producer panicked")

// MessageStore is the slice of the conversation store the runner needs:
// durable persistence of the final assistant message.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID, role, content string) error
}

// Runner is the producer task: the single goroutine that drains one
// producer into one execution's buffer and terminates it
// deterministically. Exactly one runner exists per execution and it is
// never restarted.
type Runner struct {
	exec     *Execution
	producer agent.Producer
	store    MessageStore

	// persistPartial controls whether a cancelled turn's accumulated
	// assistant text is persisted. Default policy is discard: the
	// store records only completed assistant messages.
	persistPartial bool

	finalText strings.Builder
}

// NewRunner creates a runner for the execution. The caller must have
// already persisted the inbound user message.
func NewRunner(exec *Execution, producer agent.Producer, store MessageStore, persistPartial bool) *Runner {
	return &Runner{
		exec:           exec,
		producer:       producer,
		store:          store,
		persistPartial: persistPartial,
	}
}

// Run drains the producer until completion, cancellation or failure.
// All failures are converted into buffer events and terminal state;
// nothing escapes into the host process.
func (r *Runner) Run(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Runner panic for execution %s: %v", r.exec.ID(), rec)
			r.exec.buffer.Append(&agent.StreamEvent{
				Type: agent.StreamEventError,
				Text: "internal error",
			})
			r.exec.markComplete(ErrProducerPanic)
		}
		_ = r.producer.Close()
	}()

	// Cancellation is cooperative: checked at every output boundary
	// and on a short poll while the producer is quiet
	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()

	for {
		if r.exec.IsCancelled() {
			r.finishCancelled(ctx)
			return
		}

		select {
		case <-poll.C:
			// re-check the cancellation flag

		case event, ok := <-r.producer.Events():
			if !ok {
				// Event channel drained; wait for done/error below
				r.awaitEnd(ctx)
				return
			}
			r.handleEvent(event)

		case err := <-r.producer.Errors():
			if err != nil {
				r.finishFailed(err)
				return
			}

		case <-r.producer.Done():
			r.drainRemaining()
			if err := r.pendingError(); err != nil {
				r.finishFailed(err)
				return
			}
			r.finishCompleted(ctx)
			return
		}
	}
}

// pendingError picks up an error queued before the producer signalled
// done, so a failure racing the done channel is never mistaken for a
// clean completion.
func (r *Runner) pendingError() error {
	select {
	case err := <-r.producer.Errors():
		return err
	default:
		return nil
	}
}

// handleEvent appends one producer event and accumulates assistant text
func (r *Runner) handleEvent(event *agent.StreamEvent) {
	switch event.Type {
	case agent.StreamEventDelta:
		r.finalText.WriteString(event.Text)
	case agent.StreamEventMessage:
		if event.Role == "assistant" && event.Text != "" {
			if r.finalText.Len() > 0 {
				r.finalText.WriteString("\n")
			}
			r.finalText.WriteString(event.Text)
		}
	case agent.StreamEventCompletion:
		if event.FinalText != "" {
			r.finalText.Reset()
			r.finalText.WriteString(event.FinalText)
		}
	}

	r.exec.buffer.Append(event)
	metrics.RecordEventAppended()
}

// awaitEnd waits for the producer's terminal signal after its event
// channel closed, still honoring cancellation.
func (r *Runner) awaitEnd(ctx context.Context) {
	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()

	for {
		if r.exec.IsCancelled() {
			r.finishCancelled(ctx)
			return
		}
		select {
		case <-poll.C:
		case err := <-r.producer.Errors():
			if err != nil {
				r.finishFailed(err)
				return
			}
		case <-r.producer.Done():
			if err := r.pendingError(); err != nil {
				r.finishFailed(err)
				return
			}
			r.finishCompleted(ctx)
			return
		}
	}
}

// drainRemaining consumes events still queued when Done fired
func (r *Runner) drainRemaining() {
	for {
		select {
		case event, ok := <-r.producer.Events():
			if !ok {
				return
			}
			r.handleEvent(event)
		default:
			return
		}
	}
}

// finishCompleted records a normal completion: terminal done event,
// assistant message persisted, buffer frozen.
func (r *Runner) finishCompleted(ctx context.Context) {
	text := r.finalText.String()

	r.exec.buffer.Append(&agent.StreamEvent{
		Type:      agent.StreamEventCompletion,
		FinalText: text,
	})

	if text != "" {
		if err := r.store.AppendMessage(ctx, r.exec.ConversationID(), "assistant", text); err != nil {
			logger.Error("Failed to persist assistant message for execution %s: %v", r.exec.ID(), err)
		}
	}

	r.exec.markComplete(nil)
	metrics.RecordExecutionEnd("completed")
	logger.Info("Execution completed: %s (%d events)", r.exec.ID(), r.exec.buffer.Len())
}

// finishCancelled stops pulling producer output and records the
// cancellation. Partial assistant text is persisted only when the
// persist-partial policy is enabled.
func (r *Runner) finishCancelled(ctx context.Context) {
	r.exec.buffer.Append(&agent.StreamEvent{
		Type: agent.StreamEventCancelled,
	})

	if r.persistPartial {
		if text := r.finalText.String(); text != "" {
			if err := r.store.AppendMessage(ctx, r.exec.ConversationID(), "assistant", text); err != nil {
				logger.Error("Failed to persist partial message for execution %s: %v", r.exec.ID(), err)
			}
		}
	}

	r.exec.markComplete(nil)
	metrics.RecordExecutionEnd("cancelled")
	logger.Info("Execution cancelled: %s", r.exec.ID())
}

// finishFailed converts a producer failure into terminal state.
// The buffered description is redacted; the raw error stays server-side.
func (r *Runner) finishFailed(err error) {
	r.exec.buffer.Append(&agent.StreamEvent{
		Type:    agent.StreamEventError,
		Text:    RedactError(err),
		IsError: true,
	})

	r.exec.markComplete(err)
	metrics.RecordExecutionEnd("failed")
	logger.Error("Execution failed: %s: %v", r.exec.ID(), err)
}

// RedactError reduces a producer error to a single bounded line safe
// to hand to clients. The raw error stays in Execution.Err.
func RedactError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const maxLen = 200
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return "producer error: " + msg
}
