package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/relay/internal/logger"
	"github.com/fathomlabs/relay/internal/metrics"
)

// Registry configuration defaults
const (
	DefaultRetention     = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

var (
	// ErrNotFound is returned for unknown or already-evicted executions.
	// Expected for expired ids; callers map it to a clean not-found reply.
	ErrNotFound = errors.New("execution not found")

	// ErrAlreadyComplete is returned when cancelling a finished execution
	ErrAlreadyComplete = errors.New("execution already complete")
)

// Registry owns the lifecycle of in-memory executions: creation,
// lookup, cancellation and eviction. Execution state is deliberately
// process-local and ephemeral; a restart loses in-flight executions
// and clients must start a fresh turn.
type Registry struct {
	executions map[string]*Execution
	retention  time.Duration
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewRegistry creates a registry and starts its retention sweep loop
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		executions: make(map[string]*Execution),
		retention:  retention,
		ctx:        ctx,
		cancel:     cancel,
	}

	r.wg.Add(1)
	go r.sweepLoop(DefaultSweepInterval)

	return r
}

// Create allocates and registers a new execution for the conversation
func (r *Registry) Create(conversationID string) *Execution {
	exec := newExecution("exec_"+uuid.New().String(), conversationID)

	r.mu.Lock()
	r.executions[exec.ID()] = exec
	r.mu.Unlock()

	metrics.RecordExecutionStart()
	logger.Info("Execution registered: %s (conversation: %s)", exec.ID(), conversationID)
	return exec
}

// Get returns the execution with the given id
func (r *Registry) Get(id string) (*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec, nil
}

// RequestCancel sets the cancellation flag on a running execution.
// Idempotent: re-requesting cancellation on an already-cancelled,
// still-running execution is a no-op success.
func (r *Registry) RequestCancel(id string) error {
	exec, err := r.Get(id)
	if err != nil {
		return err
	}
	if !exec.markCancelled() {
		return ErrAlreadyComplete
	}

	logger.Info("Cancellation requested for execution %s", id)
	return nil
}

// Evict removes a completed execution. Safe to call multiple times.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	exec, ok := r.executions[id]
	if ok {
		delete(r.executions, id)
	}
	r.mu.Unlock()

	if ok {
		metrics.RecordExecutionEvict(exec.IsComplete())
		logger.Info("Execution evicted: %s", id)
	}
}

// Count returns the number of registered executions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}

// Close stops the sweep loop. Registered executions stay readable
// until the process exits.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

// sweepLoop periodically evicts executions past their retention period
func (r *Registry) sweepLoop(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep evicts executions that completed before now-retention
func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	var expired []string
	for id, exec := range r.executions {
		completedAt := exec.CompletedAt()
		if !completedAt.IsZero() && now.Sub(completedAt) > r.retention {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) > 0 {
		logger.Info("Sweeping %d expired executions", len(expired))
	}
	for _, id := range expired {
		r.Evict(id)
	}
}
