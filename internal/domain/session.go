package domain

import "time"

// ToolCall is one structured tool invocation captured during a session.
type ToolCall struct {
	Name      string    `json:"name"`
	Arguments string    `json:"arguments"` // raw JSON
	Result    string    `json:"result,omitempty"`
	CalledAt  time.Time `json:"called_at"`
}

// Session is append-only except for the single completion write (spec §3).
type Session struct {
	ID            string
	Prompt        string
	TriggerSource TriggerSource
	StartedAt     time.Time
	CompletedAt   *time.Time // nil until completion
	Result        string
	ToolCalls     []ToolCall
	Success       bool
	Error         string
	DurationMS    int64
	TraceID       string
	Model         string
	InputTokens   int
	OutputTokens  int
	Cost          float64
	RequestID     string // correlates to a MessageInbox row, if routed
}

// IsInFlight reports whether the session has not yet completed.
func (s Session) IsInFlight() bool { return s.CompletedAt == nil }

// SessionSummary aggregates sessions over a period, split by model and by
// day or month bucket within that period (spec §4.3).
type SessionSummary struct {
	Model        string
	Period       string // bucket: "YYYY-MM-DD", or "YYYY-MM" for the 30d period
	Count        int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Failures     int64
}

// DailyModelPoint is one (day, model) bucket of a daily time series.
type DailyModelPoint struct {
	Day          string // YYYY-MM-DD
	Model        string
	Count        int64
	InputTokens  int64
	OutputTokens int64
}

// ScheduleCost is the session×scheduled_tasks join described in §4.3.
type ScheduleCost struct {
	ScheduleName string
	Count        int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}
