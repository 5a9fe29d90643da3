package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/fathomlabs/relay/internal/agent"
	"github.com/fathomlabs/relay/internal/logger"
)

// ErrInvalidOptions is returned when Start options fail the runtime's
// declared schema
var ErrInvalidOptions = errors.New("invalid execution options")

// ConversationStore is the full conversation-store surface the manager
// depends on. The concrete store lives in internal/conversation; the
// manager only cares about durability of messages and history reads.
type ConversationStore interface {
	MessageStore

	// EnsureConversation returns the id of an existing conversation,
	// or creates a new one when id is empty.
	EnsureConversation(ctx context.Context, id string) (string, error)

	// History returns the conversation's messages, oldest first
	History(ctx context.Context, conversationID string) ([]agent.Message, error)
}

// Manager ties the registry, the producer runtime and the conversation
// store together: it is the Start side of the protocol.
type Manager struct {
	registry       *Registry
	runtime        agent.Runtime
	store          ConversationStore
	persistPartial bool
}

// NewManager creates a manager
func NewManager(registry *Registry, runtime agent.Runtime, store ConversationStore, persistPartial bool) *Manager {
	return &Manager{
		registry:       registry,
		runtime:        runtime,
		store:          store,
		persistPartial: persistPartial,
	}
}

// Registry returns the underlying execution registry
func (m *Manager) Registry() *Registry { return m.registry }

// StartTurn persists the inbound user message, creates an execution
// and launches its producer task. Returns the execution and
// conversation ids.
//
// The user message is durably recorded before the producer starts, so
// the producer always sees its own turn in the conversation history.
func (m *Manager) StartTurn(ctx context.Context, conversationID, message string, options map[string]any) (string, string, error) {
	if err := agent.ValidateOptions(m.runtime, options); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	convID, err := m.store.EnsureConversation(ctx, conversationID)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve conversation: %w", err)
	}

	if err := m.store.AppendMessage(ctx, convID, "user", message); err != nil {
		return "", "", fmt.Errorf("failed to persist user message: %w", err)
	}

	history, err := m.store.History(ctx, convID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load conversation history: %w", err)
	}

	exec := m.registry.Create(convID)

	// Producers outlive the Start request: they are bound to the
	// execution's lifecycle, not the connection's
	producer, err := m.runtime.Execute(context.Background(), &agent.ExecuteRequest{
		Message:        message,
		ConversationID: convID,
		History:        history,
		Options:        options,
	})
	if err != nil {
		m.registry.Evict(exec.ID())
		return "", "", fmt.Errorf("failed to start producer: %w", err)
	}

	runner := NewRunner(exec, producer, m.store, m.persistPartial)
	go runner.Run(context.Background())

	logger.Info("Turn started: execution %s (conversation %s, runtime %s)", exec.ID(), convID, m.runtime.Name())
	return exec.ID(), convID, nil
}
