// Package sessionlog records and reports on ephemeral LLM CLI invocations
// (spec §3 Session, §4.3). Grounded on the teacher's repository-over-DB
// shape (internal/infra/sqlite/db.go); aggregation queries are new, since
// the teacher's model repository has no session concept.
package sessionlog

import (
	"fmt"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
)

// DB is the subset of *sqlite.DB the session log needs.
type DB interface {
	CreateSession(s domain.Session, scheduleName string) error
	CompleteSession(s domain.Session) error
	GetSession(id string) (*domain.Session, error)
	ListSessions(opts sqlite.ListSessionsOpts) ([]domain.Session, error)
	SessionSummary(period string, since time.Time) ([]domain.SessionSummary, error)
	DailyModelSeries(since time.Time) ([]domain.DailyModelPoint, error)
	TopSessionsByTokens(n int) ([]domain.Session, error)
	ScheduleCosts(since time.Time) ([]domain.ScheduleCost, error)
}

// Log is the session log (spec §4.3: create, complete, list, summarize).
type Log struct {
	db DB
}

// New wraps db in the Log API.
func New(db DB) *Log {
	return &Log{db: db}
}

// Start records the in-flight row before the runtime adapter is invoked
// (spec §4.6 "session bracketing"). scheduleName is "" for non-scheduled
// triggers. TriggerSource is validated here — the one place every session
// creation path runs through — rather than left as an invariant that
// happens to hold only because every call site constructs a valid value
// (spec §4.3 "Unknown forms are rejected at create time").
func (l *Log) Start(s domain.Session, scheduleName string) error {
	if !s.TriggerSource.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTriggerSource, s.TriggerSource)
	}
	return l.db.CreateSession(s, scheduleName)
}

// Complete records the final outcome, success or failure, unconditionally.
func (l *Log) Complete(s domain.Session) error {
	return l.db.CompleteSession(s)
}

// Get fetches one session by id.
func (l *Log) Get(id string) (*domain.Session, error) {
	return l.db.GetSession(id)
}

// List returns sessions newest-first per opts.
func (l *Log) List(opts sqlite.ListSessionsOpts) ([]domain.Session, error) {
	return l.db.ListSessions(opts)
}

// InFlight returns sessions with no completed_at, used by the spawner's
// drain path and by the status tool (spec §4.6, §4.7).
func (l *Log) InFlight() ([]domain.Session, error) {
	return l.db.ListSessions(sqlite.ListSessionsOpts{InFlightOnly: true})
}

// Period names accepted by Summary, mirroring the fixed "today"/"7d"/"30d"
// buckets the status/summary tools expose (spec §4.3).
const (
	PeriodToday = "today"
	Period7d    = "7d"
	Period30d   = "30d"
)

// Summary aggregates token/cost/failure counts for the named period, one
// row per model and bucket: daily buckets for today and 7d, monthly buckets
// for 30d. The rows are not rolled up into a single total per model.
func (l *Log) Summary(period string) ([]domain.SessionSummary, error) {
	since, bucket := periodWindow(period)
	return l.db.SessionSummary(bucket, since)
}

// DailySeries returns one point per (day, model) over the last n days, for
// the charting tool described in spec §4.3.
func (l *Log) DailySeries(days int) ([]domain.DailyModelPoint, error) {
	since := time.Now().AddDate(0, 0, -days).UTC()
	return l.db.DailyModelSeries(since)
}

// TopByTokens returns the n most token-expensive completed sessions.
func (l *Log) TopByTokens(n int) ([]domain.Session, error) {
	return l.db.TopSessionsByTokens(n)
}

// CostsBySchedule aggregates token/cost totals per originating schedule
// over the last n days.
func (l *Log) CostsBySchedule(days int) ([]domain.ScheduleCost, error) {
	since := time.Now().AddDate(0, 0, -days).UTC()
	return l.db.ScheduleCosts(since)
}

func periodWindow(period string) (time.Time, string) {
	now := time.Now().UTC()
	switch period {
	case PeriodToday:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), "%Y-%m-%d"
	case Period7d:
		return now.AddDate(0, 0, -7), "%Y-%m-%d"
	case Period30d:
		return now.AddDate(0, 0, -30), "%Y-%m"
	default:
		return now.AddDate(0, 0, -7), "%Y-%m-%d"
	}
}
