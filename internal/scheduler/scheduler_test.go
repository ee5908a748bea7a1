package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
)

func newTestScheduler(t *testing.T, dispatcher Dispatcher) (*Scheduler, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir(), "state")
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, dispatcher, time.Second, 60, nil), db
}

type recordingDispatcher struct {
	calls []string
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task domain.ScheduledTask) error {
	d.calls = append(d.calls, task.Name)
	return d.err
}

func TestScheduler_ReconcileTOML_ComputesNextRun(t *testing.T) {
	disp := &recordingDispatcher{}
	s, _ := newTestScheduler(t, disp)

	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	err := s.ReconcileTOML([]domain.ScheduleEntry{
		{Name: "digest", Cron: "0 9 * * *", DispatchMode: "prompt", Prompt: "summarize my day"},
	}, now)
	if err != nil {
		t.Fatalf("ReconcileTOML() error: %v", err)
	}

	task, err := s.Get("digest")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if task == nil || task.NextRunAt == nil {
		t.Fatal("expected next_run_at to be set")
	}
	if task.NextRunAt.Before(now) {
		t.Errorf("next_run_at %v is before now %v", task.NextRunAt, now)
	}
}

func TestScheduler_ReconcileTOML_DisablesRemovedTasks(t *testing.T) {
	disp := &recordingDispatcher{}
	s, _ := newTestScheduler(t, disp)
	now := time.Now().UTC()

	entries := []domain.ScheduleEntry{{Name: "digest", Cron: "0 9 * * *", DispatchMode: "prompt", Prompt: "x"}}
	if err := s.ReconcileTOML(entries, now); err != nil {
		t.Fatalf("ReconcileTOML() error: %v", err)
	}

	if err := s.ReconcileTOML(nil, now); err != nil {
		t.Fatalf("ReconcileTOML() second call error: %v", err)
	}

	task, err := s.Get("digest")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if task.Enabled {
		t.Error("task removed from toml should be disabled")
	}
}

func TestScheduler_ReconcileTOML_ResumesEnabledOnReappear(t *testing.T) {
	disp := &recordingDispatcher{}
	s, _ := newTestScheduler(t, disp)
	now := time.Now().UTC()

	entries := []domain.ScheduleEntry{{Name: "digest", Cron: "0 9 * * *", DispatchMode: "prompt", Prompt: "x"}}
	s.ReconcileTOML(entries, now)
	s.ReconcileTOML(nil, now) // removed -> disabled
	s.ReconcileTOML(entries, now) // reappears -> resumes enabled

	task, _ := s.Get("digest")
	if !task.Enabled {
		t.Error("task re-declared in toml should resume enabled")
	}
}

func TestScheduler_RunOnce_DispatchesDueTasks(t *testing.T) {
	disp := &recordingDispatcher{}
	s, db := newTestScheduler(t, disp)

	past := time.Now().Add(-time.Minute).UTC()
	task := domain.ScheduledTask{
		Name: "now-task", Cron: "* * * * *", DispatchMode: domain.DispatchPrompt,
		Prompt: "go", Enabled: true, Source: domain.SourceDB, NextRunAt: &past, StaggerKey: "now-task",
	}
	if err := db.UpsertScheduledTask(task); err != nil {
		t.Fatalf("UpsertScheduledTask() error: %v", err)
	}

	s.RunOnce(context.Background(), time.Now().UTC())

	if len(disp.calls) != 1 || disp.calls[0] != "now-task" {
		t.Fatalf("calls = %v, want [now-task]", disp.calls)
	}

	updated, err := s.Get("now-task")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if updated.LastRunAt == nil {
		t.Error("expected last_run_at to be set")
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(*updated.LastRunAt) {
		t.Errorf("expected next_run_at to advance past last_run_at, got %v vs %v", updated.NextRunAt, updated.LastRunAt)
	}
}

func TestScheduler_RunOnce_UntilAtDisables(t *testing.T) {
	disp := &recordingDispatcher{}
	s, db := newTestScheduler(t, disp)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	until := now.Add(-time.Second)
	task := domain.ScheduledTask{
		Name: "expiring", Cron: "* * * * *", DispatchMode: domain.DispatchPrompt,
		Prompt: "go", Enabled: true, Source: domain.SourceDB, NextRunAt: &past, UntilAt: &until, StaggerKey: "expiring",
	}
	db.UpsertScheduledTask(task)

	s.RunOnce(context.Background(), now)

	updated, _ := s.Get("expiring")
	if updated.Enabled {
		t.Error("task past until_at should be disabled")
	}
}

func TestScheduler_Remind_CreatesOneShotTask(t *testing.T) {
	disp := &recordingDispatcher{}
	s, _ := newTestScheduler(t, disp)

	delay := 5 * time.Minute
	task, err := s.Remind("reminder-1", "take out the trash", "sms", &delay, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("Remind() error: %v", err)
	}
	if task.JobName != "remind" || task.Cron != "" {
		t.Errorf("task = %+v", task)
	}

	s.RunOnce(context.Background(), task.NextRunAt.Add(time.Second))

	updated, err := s.Get("reminder-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if updated.Enabled {
		t.Error("one-shot reminder should disable itself after firing")
	}
}

func TestScheduler_Remind_RejectsBothDelays(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	delay := time.Minute
	at := time.Now()
	if _, err := s.Remind("r", "m", "c", &delay, &at, time.Now()); err != domain.ErrReminderBothDelays {
		t.Errorf("error = %v, want ErrReminderBothDelays", err)
	}
}

func TestScheduler_Delete_RejectsTomlTask(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	s.ReconcileTOML([]domain.ScheduleEntry{{Name: "digest", Cron: "0 9 * * *", DispatchMode: "prompt", Prompt: "x"}}, time.Now())

	if err := s.Delete("digest"); err != domain.ErrDeleteTomlTask {
		t.Errorf("error = %v, want ErrDeleteTomlTask", err)
	}
}

func TestScheduler_Create_RejectsDuplicateName(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	task := domain.ScheduledTask{Name: "dup", Cron: "0 9 * * *", DispatchMode: domain.DispatchPrompt, Prompt: "x", Enabled: true}
	if _, err := s.Create(task, time.Now()); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	if _, err := s.Create(task, time.Now()); err != domain.ErrDuplicateScheduleName {
		t.Errorf("error = %v, want ErrDuplicateScheduleName", err)
	}
}
