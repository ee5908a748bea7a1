package sqlite

import (
	"database/sql"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// UpsertScheduledTask inserts or replaces a task by name. Used both for
// TOML-sourced reconciliation at startup and for DB-sourced CRUD (spec
// §4.5).
func (d *DB) UpsertScheduledTask(t domain.ScheduledTask) error {
	_, err := d.db.Exec(
		`INSERT INTO scheduled_tasks
			(name, cron, dispatch_mode, prompt, job_name, job_args, enabled, source,
			 next_run_at, last_run_at, last_result, until_at, stagger_key, timezone,
			 start_at, end_at, display_title)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			cron=excluded.cron, dispatch_mode=excluded.dispatch_mode, prompt=excluded.prompt,
			job_name=excluded.job_name, job_args=excluded.job_args, enabled=excluded.enabled,
			source=excluded.source, next_run_at=excluded.next_run_at, until_at=excluded.until_at,
			stagger_key=excluded.stagger_key, timezone=excluded.timezone,
			start_at=excluded.start_at, end_at=excluded.end_at, display_title=excluded.display_title`,
		t.Name, t.Cron, string(t.DispatchMode), t.Prompt, t.JobName, t.JobArgs, t.Enabled, string(t.Source),
		unixPtr(t.NextRunAt), unixPtr(t.LastRunAt), t.LastResult, unixPtr(t.UntilAt), t.StaggerKey, t.Timezone,
		unixPtr(t.StartAt), unixPtr(t.EndAt), t.DisplayTitle,
	)
	return err
}

// RecordTaskRun updates the fields mutated by a completed tick (spec §4.5:
// last_run_at, last_result, next_run_at, and auto-disable via enabled).
func (d *DB) RecordTaskRun(name string, lastRunAt time.Time, lastResult string, nextRunAt *time.Time, enabled bool) error {
	_, err := d.db.Exec(
		`UPDATE scheduled_tasks SET last_run_at=?, last_result=?, next_run_at=?, enabled=? WHERE name=?`,
		lastRunAt.Unix(), lastResult, unixPtr(nextRunAt), enabled, name,
	)
	return err
}

// SetScheduledTaskEnabled toggles enabled without touching run history.
func (d *DB) SetScheduledTaskEnabled(name string, enabled bool) error {
	res, err := d.db.Exec(`UPDATE scheduled_tasks SET enabled=? WHERE name=?`, enabled, name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrModuleNotFound
	}
	return nil
}

// DeleteScheduledTask removes a DB-sourced task. Callers must reject
// deletion of source=toml tasks before calling this (spec §9 decision:
// ErrDeleteTomlTask).
func (d *DB) DeleteScheduledTask(name string) error {
	res, err := d.db.Exec(`DELETE FROM scheduled_tasks WHERE name=?`, name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrModuleNotFound
	}
	return nil
}

// GetScheduledTask fetches one task by name.
func (d *DB) GetScheduledTask(name string) (*domain.ScheduledTask, error) {
	row := d.db.QueryRow(
		`SELECT name, cron, dispatch_mode, prompt, job_name, job_args, enabled, source,
		        next_run_at, last_run_at, last_result, until_at, stagger_key, timezone,
		        start_at, end_at, display_title
		 FROM scheduled_tasks WHERE name=?`, name,
	)
	return scanScheduledTask(row)
}

// ListScheduledTasks returns every task, ordered by name.
func (d *DB) ListScheduledTasks() ([]domain.ScheduledTask, error) {
	rows, err := d.db.Query(
		`SELECT name, cron, dispatch_mode, prompt, job_name, job_args, enabled, source,
		        next_run_at, last_run_at, last_result, until_at, stagger_key, timezone,
		        start_at, end_at, display_title
		 FROM scheduled_tasks ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DueScheduledTasks returns enabled tasks whose next_run_at has passed,
// ordered by next_run_at so the scheduler dispatches in deterministic order
// (spec §4.5 "due tasks are dispatched serially").
func (d *DB) DueScheduledTasks(asOf time.Time) ([]domain.ScheduledTask, error) {
	rows, err := d.db.Query(
		`SELECT name, cron, dispatch_mode, prompt, job_name, job_args, enabled, source,
		        next_run_at, last_run_at, last_result, until_at, stagger_key, timezone,
		        start_at, end_at, display_title
		 FROM scheduled_tasks
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at, name`, asOf.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanScheduledTask(s scanner) (*domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var dispatchMode, source string
	var nextRunAt, lastRunAt, untilAt, startAt, endAt sql.NullInt64

	err := s.Scan(&t.Name, &t.Cron, &dispatchMode, &t.Prompt, &t.JobName, &t.JobArgs, &t.Enabled, &source,
		&nextRunAt, &lastRunAt, &t.LastResult, &untilAt, &t.StaggerKey, &t.Timezone,
		&startAt, &endAt, &t.DisplayTitle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.DispatchMode = domain.DispatchMode(dispatchMode)
	t.Source = domain.ScheduleSource(source)
	t.NextRunAt = nullableTimePtr(nextRunAt)
	t.LastRunAt = nullableTimePtr(lastRunAt)
	t.UntilAt = nullableTimePtr(untilAt)
	t.StartAt = nullableTimePtr(startAt)
	t.EndAt = nullableTimePtr(endAt)
	return &t, nil
}
