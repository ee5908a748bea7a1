// Package scheduler runs the internal cron-driven task loop described in
// spec §4.5: TOML/DB reconciliation, deterministic staggering, serial due-
// task dispatch, until_at auto-disable, and the remind() primitive.
// Grounded on github.com/robfig/cron/v3's Schedule.Next for cron-field
// parsing (the pack's cron-scheduler example — see DESIGN.md); the
// staggering and reconciliation logic is new, composed from the teacher's
// ticker-loop idiom (internal/health/checker.go's Run(ctx)).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/metrics"
)

// DB is the subset of *sqlite.DB the scheduler needs.
type DB interface {
	UpsertScheduledTask(t domain.ScheduledTask) error
	GetScheduledTask(name string) (*domain.ScheduledTask, error)
	ListScheduledTasks() ([]domain.ScheduledTask, error)
	DueScheduledTasks(asOf time.Time) ([]domain.ScheduledTask, error)
	RecordTaskRun(name string, lastRunAt time.Time, lastResult string, nextRunAt *time.Time, enabled bool) error
	SetScheduledTaskEnabled(name string, enabled bool) error
	DeleteScheduledTask(name string) error
}

// Dispatcher hands a due task to whatever runs it — the spawner for
// dispatch_mode=prompt, a named in-process job for dispatch_mode=job.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.ScheduledTask) error
}

// Scheduler owns the TOML-declared + DB-declared scheduled task set for one
// butler.
type Scheduler struct {
	db         DB
	dispatcher Dispatcher
	tick       time.Duration
	maxStagger int
	logger     *log.Logger
}

// New constructs a Scheduler. maxStagger <= 0 uses DefaultMaxStaggerSeconds.
func New(db DB, dispatcher Dispatcher, tick time.Duration, maxStagger int, logger *log.Logger) *Scheduler {
	if maxStagger <= 0 {
		maxStagger = DefaultMaxStaggerSeconds
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{db: db, dispatcher: dispatcher, tick: tick, maxStagger: maxStagger, logger: logger}
}

// ReconcileTOML upserts every declaratively-configured task as source=toml,
// computing its initial next_run_at. A toml task re-declared after having
// been disabled resumes enabled (spec §9 open-question decision): the TOML
// document is the operator's current intent, so reconciliation always
// re-derives the enabled flag from entry.Enabled rather than preserving
// whatever the DB last recorded.
func (s *Scheduler) ReconcileTOML(entries []domain.ScheduleEntry, now time.Time) error {
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Name] = true
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}

		task := domain.ScheduledTask{
			Name:         e.Name,
			Cron:         e.Cron,
			DispatchMode: domain.DispatchMode(e.DispatchMode),
			Prompt:       e.Prompt,
			JobName:      e.JobName,
			JobArgs:      e.JobArgs,
			Enabled:      enabled,
			Source:       domain.SourceTOML,
			StaggerKey:   e.Name,
			Timezone:     e.Timezone,
			DisplayTitle: e.DisplayTitle,
		}
		if err := task.Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}

		if enabled {
			next, err := s.computeNextRun(task, now)
			if err != nil {
				return fmt.Errorf("schedule %q: %w", e.Name, err)
			}
			task.NextRunAt = next
		}
		if err := s.db.UpsertScheduledTask(task); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
	}
	return s.disableRemovedTOMLTasks(seen)
}

// disableRemovedTOMLTasks turns off any source=toml task no longer present
// in the config document, without deleting its history.
func (s *Scheduler) disableRemovedTOMLTasks(seen map[string]bool) error {
	existing, err := s.db.ListScheduledTasks()
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.Source == domain.SourceTOML && !seen[t.Name] && t.Enabled {
			if err := s.db.SetScheduledTaskEnabled(t.Name, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run ticks every s.tick until ctx is cancelled, dispatching due tasks
// serially on each tick (spec §4.5 "due tasks are dispatched serially").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.RunOnce(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RunOnce(ctx, now.UTC())
		}
	}
}

// RunOnce dispatches every task due as of now, updating last_run_at,
// last_result, next_run_at, and enabled (for until_at auto-disable) in
// turn. Errors from an individual task's dispatch are captured in
// last_result and never stop the loop.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) {
	metrics.SchedulerTicks.Inc()

	due, err := s.db.DueScheduledTasks(now)
	if err != nil {
		s.logger.Printf("scheduler: list due tasks: %v", err)
		return
	}

	for _, task := range due {
		s.runOne(ctx, task, now)
	}
}

func (s *Scheduler) runOne(ctx context.Context, task domain.ScheduledTask, now time.Time) {
	var lastResult string
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.logger.Printf("scheduler: task %q failed: %v", task.Name, err)
		blob, _ := json.Marshal(map[string]string{"error": err.Error()})
		lastResult = string(blob)
		metrics.SchedulerTasksDispatched.WithLabelValues("error").Inc()
	} else {
		lastResult = `{}`
		metrics.SchedulerTasksDispatched.WithLabelValues("ok").Inc()
	}

	enabled := task.Enabled
	var nextRun *time.Time
	if task.UntilAt != nil && !now.Before(*task.UntilAt) {
		enabled = false
	} else {
		next, err := s.computeNextRun(task, now)
		if err != nil {
			s.logger.Printf("scheduler: recompute next run for %q: %v", task.Name, err)
			enabled = false
		} else {
			nextRun = next
			if nextRun == nil {
				enabled = false // one-shot task (reminder) has fired
			}
		}
	}

	if err := s.db.RecordTaskRun(task.Name, now, lastResult, nextRun, enabled); err != nil {
		s.logger.Printf("scheduler: record run for %q: %v", task.Name, err)
	}
}

// computeNextRun parses task.Cron and returns the next occurrence after
// `after`, offset by a deterministic stagger derived from task.StaggerKey.
// An empty Cron marks a one-shot task (the reminder primitive); it returns
// (nil, nil) once its single NextRunAt has fired.
func (s *Scheduler) computeNextRun(task domain.ScheduledTask, after time.Time) (*time.Time, error) {
	if task.Cron == "" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(task.Cron)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCron, err)
	}

	next1 := sched.Next(after)
	next2 := sched.Next(next1)
	cadence := int(next2.Sub(next1).Seconds())

	key := task.StaggerKey
	if key == "" {
		key = task.Name
	}
	offset := staggerOffsetSeconds(key, cadence, s.maxStagger)
	t := next1.Add(time.Duration(offset) * time.Second).UTC()
	return &t, nil
}
