package domain

import "time"

// DispatchMode selects how a ScheduledTask is handed to a handler (spec §4.5).
type DispatchMode string

const (
	DispatchPrompt DispatchMode = "prompt"
	DispatchJob    DispatchMode = "job"
)

func (m DispatchMode) IsValid() bool {
	return m == DispatchPrompt || m == DispatchJob
}

// ScheduleSource distinguishes declaratively-loaded tasks from ones created
// at runtime through the tool endpoint or the reminder primitive.
type ScheduleSource string

const (
	SourceTOML ScheduleSource = "toml"
	SourceDB   ScheduleSource = "db"
)

// ScheduledTask is keyed by (butler, name) uniquely (spec §3).
type ScheduledTask struct {
	Name         string
	Cron         string // 5-field, UTC
	DispatchMode DispatchMode
	Prompt       string // set iff DispatchMode == prompt
	JobName      string // set iff DispatchMode == job
	JobArgs      string // opaque payload, job mode only
	Enabled      bool
	Source       ScheduleSource
	NextRunAt    *time.Time // nil when disabled
	LastRunAt    *time.Time
	LastResult   string // JSON blob, e.g. {"error":"..."}
	UntilAt      *time.Time
	StaggerKey   string

	// Calendar-projection fields, display-only.
	Timezone     string
	StartAt      *time.Time
	EndAt        *time.Time
	DisplayTitle string
}

// Validate enforces the cross-field invariants from spec §3/§4.5/§7:
// exactly one of prompt/job_name per dispatch mode, end_at > start_at,
// until_at >= start_at.
func (t ScheduledTask) Validate() error {
	if !t.DispatchMode.IsValid() {
		return ErrInvalidDispatchMode
	}
	switch t.DispatchMode {
	case DispatchPrompt:
		if t.Prompt == "" || t.JobName != "" {
			return ErrInvalidDispatchMode
		}
	case DispatchJob:
		if t.JobName == "" || t.Prompt != "" {
			return ErrInvalidDispatchMode
		}
	}
	if t.StartAt != nil && t.EndAt != nil && !t.EndAt.After(*t.StartAt) {
		return ErrInvalidDispatchMode
	}
	if t.StartAt != nil && t.UntilAt != nil && t.UntilAt.Before(*t.StartAt) {
		return ErrInvalidDispatchMode
	}
	return nil
}
