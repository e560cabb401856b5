// Package tapescheduler drives recurring BackupPlan execution on a
// single-threaded 60-second tick loop. It deliberately does not run
// robfig/cron's own background-goroutine scheduler; instead robfig/cron's
// Parser and Schedule.Next() are used purely as a pure function from
// (expr, from) -> next fire time, and this package supplies its own tick
// loop and missed-run catch-up bookkeeping, matching this system's
// concurrency model (one BackupEngine.run at a time, driven by an explicit
// ticker rather than cron's own goroutine).
package tapescheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tapevault/tapebackarr/internal/logging"
	"github.com/tapevault/tapebackarr/internal/models"
)

const (
	tickInterval = 60 * time.Second
	queueDepth   = 8
)

// PlanStore is the narrow persistence port Scheduler depends on.
type PlanStore interface {
	ListEnabledPlans() ([]*models.BackupPlan, error)
	UpdatePlanFireTimes(planID int64, lastFire, nextFire time.Time) error
}

// Dispatcher executes one fire of plan as a BackupTask. The concrete
// implementation composes BackupEngine with whatever cartridge-resolution
// policy the deployment uses, wired at cmd/tapebackarr/main.go.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan *models.BackupPlan) error
}

// Scheduler owns BackupPlan evaluation and dispatch ordering.
type Scheduler struct {
	store      PlanStore
	dispatcher Dispatcher
	logger     *logging.Logger
	parser     cron.Parser

	mu    sync.Mutex
	queue []*models.BackupPlan

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler accepting standard 5-field cron expressions
// plus the common descriptors (@daily, @hourly, ...); 6-field (seconds)
// schedules are not part of BackupPlan.schedule's grammar.
func New(store PlanStore, dispatcher Dispatcher, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Next computes the next fire time after from for a cron expression. This
// is the only use this package makes of robfig/cron.
func (s *Scheduler) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Run drives the tick loop until ctx is cancelled or Stop is called. An
// eager first tick runs immediately so a freshly started process evaluates
// missed-run catch-up without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop requests the tick loop to exit and blocks until it has.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	plans, err := s.store.ListEnabledPlans()
	if err != nil {
		s.logError("list enabled plans", 0, err)
		return
	}

	now := time.Now().UTC()
	for _, plan := range plans {
		s.evaluate(plan, now)
	}

	s.drainQueue(ctx)
}

// evaluate computes whether plan is due and, if so, enqueues it for
// dispatch. Missed-run policy: when the service was down across N fires,
// this computes next-fire from the plan's last recorded fire time, and if
// that is already due, fires exactly ONE catch-up run and then recomputes
// cadence from now — it never replays each individually missed occurrence.
func (s *Scheduler) evaluate(plan *models.BackupPlan, now time.Time) {
	from := now
	if plan.LastFireAt != nil {
		from = *plan.LastFireAt
	}

	next, err := s.Next(plan.Schedule, from)
	if err != nil {
		s.logWarn("invalid cron expression", plan.ID, err)
		return
	}

	if next.After(now) {
		plan.NextFireAt = &next
		return
	}

	s.enqueue(plan)

	fireTime := now
	plan.LastFireAt = &fireTime
	resumed := s.nextAfterCatchUp(plan.Schedule, now)
	plan.NextFireAt = &resumed

	if err := s.store.UpdatePlanFireTimes(plan.ID, fireTime, resumed); err != nil {
		s.logError("persist plan fire times", plan.ID, err)
	}
}

func (s *Scheduler) nextAfterCatchUp(schedule string, now time.Time) time.Time {
	next, err := s.Next(schedule, now)
	if err != nil {
		return now.Add(tickInterval)
	}
	return next
}

// enqueue appends plan to the FIFO dispatch queue. An already-queued
// dispatch for the same plan is coalesced into the newest one rather than
// growing the queue; once the bounded depth is reached the oldest entry is
// dropped to make room.
func (s *Scheduler) enqueue(plan *models.BackupPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, queued := range s.queue {
		if queued.ID == plan.ID {
			s.queue[i] = plan
			return
		}
	}

	if len(s.queue) >= queueDepth {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, plan)
}

// drainQueue dispatches queued plans strictly one at a time: the scheduler
// never invokes more than one BackupEngine.run concurrently, since the
// TapeSession beneath it is single-writer regardless.
func (s *Scheduler) drainQueue(ctx context.Context) {
	for {
		plan, ok := s.popQueue()
		if !ok {
			return
		}
		if err := s.dispatcher.Dispatch(ctx, plan); err != nil {
			s.logError("dispatch failed", plan.ID, err)
		}
	}
}

func (s *Scheduler) popQueue() (*models.BackupPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	plan := s.queue[0]
	s.queue = s.queue[1:]
	return plan, true
}

func (s *Scheduler) logError(msg string, planID int64, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Error("scheduler: "+msg, map[string]interface{}{"plan_id": planID, "error": err.Error()})
}

func (s *Scheduler) logWarn(msg string, planID int64, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn("scheduler: "+msg, map[string]interface{}{"plan_id": planID, "error": err.Error()})
}
