package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fathomlabs/relay/internal/logger"
)

// ErrInvalidCron is returned for unparseable prune schedules
var ErrInvalidCron = errors.New("invalid cron expression")

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates and parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return sched, nil
}

// ValidateCron checks if a cron expression is valid
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// Janitor prunes stale conversations on a cron schedule
type Janitor struct {
	store     *Store
	schedule  cron.Schedule
	retention time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewJanitor creates a janitor. expr is a 5-field cron expression;
// retention is how long an idle conversation is kept.
func NewJanitor(store *Store, expr string, retention time.Duration) (*Janitor, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		store:     store,
		schedule:  sched,
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins the prune loop
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
	logger.Info("Conversation janitor started (retention %v)", j.retention)
}

// Stop gracefully stops the janitor
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
	logger.Info("Conversation janitor stopped")
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-j.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.prune()
		}
	}
}

func (j *Janitor) prune() {
	cutoff := time.Now().Add(-j.retention)
	pruned, err := j.store.PruneBefore(j.ctx, cutoff)
	if err != nil {
		logger.Error("Conversation prune failed: %v", err)
		return
	}
	if pruned > 0 {
		logger.Info("Pruned %d conversations idle since %s", pruned, cutoff.Format(time.RFC3339))
	}
}
