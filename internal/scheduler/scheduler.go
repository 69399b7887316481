// Package scheduler enqueues protocol runs on cron schedules. Schedules come
// from configuration at startup; the scheduler owns no persistence of its own
// and recomputes next-run times from the cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/protoq/protoq/pkg/schema"
)

const defaultTickInterval = 30 * time.Second

// RunEnqueuer submits a run for execution. Satisfied by *engine.Engine.
type RunEnqueuer interface {
	EnqueueRun(ctx context.Context, req *schema.RunRequest) (*schema.Run, error)
}

// Schedule is one recurring run definition.
type Schedule struct {
	Name    string
	Cron    string // standard 5-field expression
	Request *schema.RunRequest
}

// entry tracks runtime state for one schedule.
type entry struct {
	schedule Schedule
	nextRun  time.Time
}

// Scheduler fires configured runs when their cron expressions come due.
type Scheduler struct {
	enqueuer RunEnqueuer
	logger   *slog.Logger
	parser   cron.Parser
	interval time.Duration

	mu       sync.Mutex
	entries  []*entry
	inflight map[string]bool
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a scheduler from config-defined schedules. Schedules with
// invalid cron expressions are rejected up front so misconfiguration
// surfaces at startup, not at fire time.
func New(enqueuer RunEnqueuer, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	s := &Scheduler{
		enqueuer: enqueuer,
		logger:   logger,
		parser:   parser,
		interval: defaultTickInterval,
		inflight: make(map[string]bool),
	}

	now := time.Now()
	for _, sched := range schedules {
		spec, err := parser.Parse(sched.Cron)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"schedule %q: invalid cron expression %q: %s", sched.Name, sched.Cron, err.Error())
		}
		s.entries = append(s.entries, &entry{
			schedule: sched,
			nextRun:  spec.Next(now),
		})
	}
	return s, nil
}

// Start begins the tick loop. Safe to call on a scheduler with no entries;
// it simply never fires.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)

	s.logger.Info("scheduler started", "schedules", len(s.entries), "interval", s.interval)
}

// Stop halts the tick loop and waits for it to exit. In-flight enqueues
// finish on their own goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every schedule whose next-run time has passed and advances it.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	for _, en := range s.entries {
		if !en.nextRun.After(now) {
			due = append(due, en)
		}
	}
	s.mu.Unlock()

	for _, en := range due {
		s.fire(ctx, en, now)
	}
}

// fire enqueues one due schedule. A schedule whose previous enqueue is still
// running is skipped for this tick rather than stacked.
func (s *Scheduler) fire(ctx context.Context, en *entry, now time.Time) {
	name := en.schedule.Name

	s.mu.Lock()
	if s.inflight[name] {
		s.mu.Unlock()
		s.logger.Warn("schedule still enqueueing, skipping tick", "schedule", name)
		return
	}
	s.inflight[name] = true
	en.nextRun = s.nextAfter(en.schedule.Cron, now)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, name)
			s.mu.Unlock()
		}()

		// Copy the request so repeated firings never share a RunID.
		req := *en.schedule.Request
		req.RunID = ""

		run, err := s.enqueuer.EnqueueRun(ctx, &req)
		if err != nil {
			s.logger.Error("scheduled run rejected", "schedule", name, "error", err)
			return
		}
		s.logger.Info("scheduled run enqueued", "schedule", name, "run_id", run.ID)
	}()
}

// nextAfter computes the next fire time strictly after t. The expression was
// validated in New, so a parse failure here means a programming error; the
// schedule is pushed far out rather than spinning.
func (s *Scheduler) nextAfter(expr string, t time.Time) time.Time {
	spec, err := s.parser.Parse(expr)
	if err != nil {
		return t.Add(24 * time.Hour)
	}
	return spec.Next(t)
}

// NextRuns reports the upcoming fire time per schedule, for status endpoints.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries))
	for _, en := range s.entries {
		out[en.schedule.Name] = en.nextRun
	}
	return out
}
