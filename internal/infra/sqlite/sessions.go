package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// CreateSession inserts the in-flight row before the runtime adapter is
// invoked (spec §4.6 "session bracketing" — a row exists even if the
// process never returns).
func (d *DB) CreateSession(s domain.Session, scheduleName string) error {
	toolCalls, err := json.Marshal(s.ToolCalls)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO sessions (id, prompt, trigger_source, started_at, tool_calls, schedule_name)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Prompt, string(s.TriggerSource), s.StartedAt.Unix(), string(toolCalls), scheduleName,
	)
	return err
}

// CompleteSession records the outcome unconditionally, success or failure
// (spec §4.6 — the row is always completed, never left dangling).
func (d *DB) CompleteSession(s domain.Session) error {
	toolCalls, err := json.Marshal(s.ToolCalls)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`UPDATE sessions SET
			completed_at=?, result=?, tool_calls=?, success=?, error=?,
			duration_ms=?, trace_id=?, model=?, input_tokens=?, output_tokens=?,
			cost=?, request_id=?
		 WHERE id=?`,
		unixPtr(s.CompletedAt), s.Result, string(toolCalls), s.Success, s.Error,
		s.DurationMS, s.TraceID, s.Model, s.InputTokens, s.OutputTokens,
		s.Cost, s.RequestID, s.ID,
	)
	return err
}

// GetSession fetches one session by id.
func (d *DB) GetSession(id string) (*domain.Session, error) {
	row := d.db.QueryRow(
		`SELECT id, prompt, trigger_source, started_at, completed_at, result, tool_calls,
		        success, error, duration_ms, trace_id, model, input_tokens, output_tokens, cost, request_id
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessionsOpts narrows the ListSessions query.
type ListSessionsOpts struct {
	InFlightOnly bool
	Model        string
	Limit        int
	Offset       int
}

// ListSessions returns sessions newest-first, optionally filtered.
func (d *DB) ListSessions(opts ListSessionsOpts) ([]domain.Session, error) {
	query := `SELECT id, prompt, trigger_source, started_at, completed_at, result, tool_calls,
	                 success, error, duration_ms, trace_id, model, input_tokens, output_tokens, cost, request_id
	          FROM sessions WHERE 1=1`
	var args []any
	if opts.InFlightOnly {
		query += ` AND completed_at IS NULL`
	}
	if opts.Model != "" {
		query += ` AND model = ?`
		args = append(args, opts.Model)
	}
	query += ` ORDER BY started_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// SessionSummary aggregates token/cost/failure counts per model and per
// started_at bucket since `since` (spec §4.6 "per period, per model
// summary"). period is an opaque SQL strftime format that defines the bucket
// ("%Y-%m-%d" for daily, "%Y-%m" for monthly); each row's Period holds the
// bucket value.
func (d *DB) SessionSummary(period string, since time.Time) ([]domain.SessionSummary, error) {
	rows, err := d.db.Query(
		`SELECT model, strftime(?, started_at, 'unixepoch') AS bucket,
		        COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		        COALESCE(SUM(cost),0), SUM(CASE WHEN success=0 THEN 1 ELSE 0 END)
		 FROM sessions
		 WHERE started_at >= ? AND completed_at IS NOT NULL
		 GROUP BY model, bucket
		 ORDER BY bucket DESC, model`,
		period, since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionSummary
	for rows.Next() {
		var s domain.SessionSummary
		if err := rows.Scan(&s.Model, &s.Period, &s.Count, &s.InputTokens, &s.OutputTokens, &s.Cost, &s.Failures); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DailyModelSeries returns one point per (day, model) for charting token
// usage over time.
func (d *DB) DailyModelSeries(since time.Time) ([]domain.DailyModelPoint, error) {
	rows, err := d.db.Query(
		`SELECT strftime('%Y-%m-%d', started_at, 'unixepoch') AS day, model,
		        COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0)
		 FROM sessions
		 WHERE started_at >= ? AND completed_at IS NOT NULL
		 GROUP BY day, model
		 ORDER BY day DESC, model`,
		since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DailyModelPoint
	for rows.Next() {
		var p domain.DailyModelPoint
		if err := rows.Scan(&p.Day, &p.Model, &p.Count, &p.InputTokens, &p.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopSessionsByTokens returns the n most token-expensive completed sessions.
func (d *DB) TopSessionsByTokens(n int) ([]domain.Session, error) {
	rows, err := d.db.Query(
		`SELECT id, prompt, trigger_source, started_at, completed_at, result, tool_calls,
		        success, error, duration_ms, trace_id, model, input_tokens, output_tokens, cost, request_id
		 FROM sessions
		 WHERE completed_at IS NOT NULL
		 ORDER BY (input_tokens + output_tokens) DESC
		 LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ScheduleCosts aggregates token/cost totals per originating schedule name
// (spec §4.6 "cost attribution by schedule").
func (d *DB) ScheduleCosts(since time.Time) ([]domain.ScheduleCost, error) {
	rows, err := d.db.Query(
		`SELECT schedule_name, COUNT(*), COALESCE(SUM(input_tokens),0),
		        COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
		 FROM sessions
		 WHERE started_at >= ? AND schedule_name != '' AND completed_at IS NOT NULL
		 GROUP BY schedule_name
		 ORDER BY SUM(cost) DESC`,
		since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduleCost
	for rows.Next() {
		var c domain.ScheduleCost
		if err := rows.Scan(&c.ScheduleName, &c.Count, &c.InputTokens, &c.OutputTokens, &c.Cost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSession(s scanner) (*domain.Session, error) {
	var sess domain.Session
	var trigger string
	var startedAt int64
	var completedAt sql.NullInt64
	var toolCalls string
	var success sql.NullBool

	err := s.Scan(&sess.ID, &sess.Prompt, &trigger, &startedAt, &completedAt, &sess.Result,
		&toolCalls, &success, &sess.Error, &sess.DurationMS, &sess.TraceID, &sess.Model,
		&sess.InputTokens, &sess.OutputTokens, &sess.Cost, &sess.RequestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sess.TriggerSource = domain.TriggerSource(trigger)
	sess.StartedAt = time.Unix(startedAt, 0).UTC()
	sess.CompletedAt = nullableTimePtr(completedAt)
	sess.Success = success.Valid && success.Bool
	if err := json.Unmarshal([]byte(toolCalls), &sess.ToolCalls); err != nil {
		return nil, err
	}
	return &sess, nil
}
