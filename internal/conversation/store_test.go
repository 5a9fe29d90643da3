package conversation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "greetings")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if conv.ID == "" {
		t.Fatal("Create() returned empty id")
	}

	got, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "greetings" {
		t.Errorf("Title = %q, want greetings", got.Title)
	}
}

func TestStore_GetUnknown(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "conv_missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Get() error = %v, want ErrConversationNotFound", err)
	}
}

func TestStore_EnsureConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	existing, err := store.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name    string
		id      string
		wantNew bool
		wantErr bool
	}{
		{"empty id creates", "", true, false},
		{"existing id passes through", existing.ID, false, false},
		{"unknown id rejected", "conv_missing", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := store.EnsureConversation(ctx, tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureConversation() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNew && id == "" {
				t.Error("EnsureConversation() returned empty id for new conversation")
			}
			if !tt.wantNew && id != tt.id {
				t.Errorf("EnsureConversation() = %q, want %q", id, tt.id)
			}
		})
	}
}

func TestStore_AppendAndReadMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.AppendMessage(ctx, conv.ID, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := store.AppendMessage(ctx, conv.ID, "assistant", "hi there"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := store.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Messages() count = %v, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Errorf("first message = %+v, want user hello", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hi there" {
		t.Errorf("second message = %+v, want assistant reply", msgs[1])
	}

	history, err := store.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Content != "hi there" {
		t.Errorf("History() = %+v, want producer-form messages in order", history)
	}
}

func TestStore_AppendMessageUnknownConversation(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendMessage(context.Background(), "conv_missing", "user", "hello")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("AppendMessage() error = %v, want ErrConversationNotFound", err)
	}
}

func TestStore_PruneBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale, err := store.Create(ctx, "stale")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.AppendMessage(ctx, stale.ID, "user", "old"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	// Everything updated before a future cutoff is pruned
	pruned, err := store.PruneBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("PruneBefore() = %v, want 1", pruned)
	}

	if _, err := store.Get(ctx, stale.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Get() after prune error = %v, want ErrConversationNotFound", err)
	}
	if _, err := store.Messages(ctx, stale.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Messages() after prune error = %v, want ErrConversationNotFound", err)
	}

	// A cutoff in the past prunes nothing
	fresh, err := store.Create(ctx, "fresh")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pruned, err = store.PruneBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}
	if pruned != 0 {
		t.Errorf("PruneBefore() = %v, want 0", pruned)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh conversation pruned: %v", err)
	}
}

func TestValidateCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"daily at 3am", "0 3 * * *", false},
		{"every minute", "* * * * *", false},
		{"sunday mornings", "30 6 * * 0", false},
		{"too few fields", "0 3 *", true},
		{"not a cron", "whenever", true},
		{"out of range", "99 3 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCron(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCron) {
				t.Errorf("ValidateCron(%q) error = %v, want ErrInvalidCron", tt.expr, err)
			}
		})
	}
}

func TestJanitor_RejectsBadSchedule(t *testing.T) {
	store := newTestStore(t)

	if _, err := NewJanitor(store, "not a schedule", time.Hour); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("NewJanitor() error = %v, want ErrInvalidCron", err)
	}

	j, err := NewJanitor(store, "0 3 * * *", time.Hour)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	j.Start()
	j.Stop()
}
