package scheduler

import (
	"encoding/json"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// Create adds a new DB-sourced task (spec §4.5 "create via the tool
// endpoint"). Rejects a name already used by any task, toml or db sourced
// (domain.ErrDuplicateScheduleName).
func (s *Scheduler) Create(task domain.ScheduledTask, now time.Time) (domain.ScheduledTask, error) {
	if existing, err := s.db.GetScheduledTask(task.Name); err != nil {
		return domain.ScheduledTask{}, err
	} else if existing != nil {
		return domain.ScheduledTask{}, domain.ErrDuplicateScheduleName
	}

	task.Source = domain.SourceDB
	if task.StaggerKey == "" {
		task.StaggerKey = task.Name
	}
	if err := task.Validate(); err != nil {
		return domain.ScheduledTask{}, err
	}

	if task.Enabled {
		next, err := s.computeNextRun(task, now)
		if err != nil {
			return domain.ScheduledTask{}, err
		}
		task.NextRunAt = next
	}
	if err := s.db.UpsertScheduledTask(task); err != nil {
		return domain.ScheduledTask{}, err
	}
	return task, nil
}

// Update replaces a DB-sourced task's definition in place, recomputing
// next_run_at. Updating a toml-sourced task's cron/prompt/job fields is
// permitted (operators may want to retime a declarative schedule at
// runtime); only deletion of a toml task is rejected.
func (s *Scheduler) Update(task domain.ScheduledTask, now time.Time) (domain.ScheduledTask, error) {
	existing, err := s.db.GetScheduledTask(task.Name)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if existing == nil {
		return domain.ScheduledTask{}, domain.ErrModuleNotFound
	}

	task.Source = existing.Source
	if task.StaggerKey == "" {
		task.StaggerKey = existing.StaggerKey
	}
	if err := task.Validate(); err != nil {
		return domain.ScheduledTask{}, err
	}

	if task.Enabled {
		next, err := s.computeNextRun(task, now)
		if err != nil {
			return domain.ScheduledTask{}, err
		}
		task.NextRunAt = next
	}
	if err := s.db.UpsertScheduledTask(task); err != nil {
		return domain.ScheduledTask{}, err
	}
	return task, nil
}

// Delete removes a DB-sourced task. Rejects source=toml tasks — those are
// owned by the config document, not the tool endpoint (spec §9 decision).
func (s *Scheduler) Delete(name string) error {
	existing, err := s.db.GetScheduledTask(name)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrModuleNotFound
	}
	if existing.Source == domain.SourceTOML {
		return domain.ErrDeleteTomlTask
	}
	return s.db.DeleteScheduledTask(name)
}

// Get fetches one task by name.
func (s *Scheduler) Get(name string) (*domain.ScheduledTask, error) {
	return s.db.GetScheduledTask(name)
}

// List returns every task.
func (s *Scheduler) List() ([]domain.ScheduledTask, error) {
	return s.db.ListScheduledTasks()
}

// RemindArgs is the opaque JSON payload stored in a reminder task's
// job_args field.
type RemindArgs struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
}

// Remind creates a one-shot db-sourced task that fires once at remindAt (or
// now+delay) and then disables itself (spec §4.5 "remind primitive").
// Exactly one of delay or remindAt must be set; ErrReminderBothDelays /
// ErrReminderNoDelay otherwise.
func (s *Scheduler) Remind(name, message, channel string, delay *time.Duration, remindAt *time.Time, now time.Time) (domain.ScheduledTask, error) {
	if delay != nil && remindAt != nil {
		return domain.ScheduledTask{}, domain.ErrReminderBothDelays
	}
	if delay == nil && remindAt == nil {
		return domain.ScheduledTask{}, domain.ErrReminderNoDelay
	}

	fireAt := now
	if delay != nil {
		fireAt = now.Add(*delay)
	} else {
		fireAt = *remindAt
	}
	fireAt = fireAt.UTC()

	args, err := json.Marshal(RemindArgs{Message: message, Channel: channel})
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	task := domain.ScheduledTask{
		Name:         name,
		Cron:         "", // one-shot: no cron cadence
		DispatchMode: domain.DispatchJob,
		JobName:      "remind",
		JobArgs:      string(args),
		Enabled:      true,
		Source:       domain.SourceDB,
		NextRunAt:    &fireAt,
		StaggerKey:   name,
	}
	if err := s.db.UpsertScheduledTask(task); err != nil {
		return domain.ScheduledTask{}, err
	}
	return task, nil
}
