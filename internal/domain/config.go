package domain

import "time"

// ButlerConfig is immutable after load. Created once by the orchestrator;
// any load failure is startup-fatal (spec §3 ButlerConfig, §4.1).
type ButlerConfig struct {
	Butler  ButlerSection           `toml:"butler"`
	Modules map[string]ModuleConfig `toml:"modules"`
}

// ButlerSection carries the fields spec.md calls out explicitly: unique
// name, port, optional DB coordinates, credential declarations, scheduler
// intervals, shutdown timeout, runtime-adapter selector, switchboard URL,
// and the declarative schedule list. Interval fields are plain strings
// ("30s", "120s") parsed with time.ParseDuration after load, following the
// teacher's own NetworkConfig.HeartbeatInterval convention rather than a
// custom TOML-decodable duration type.
type ButlerSection struct {
	Name               string          `toml:"name"`
	Port               int             `toml:"port"`
	DatabasePath       string          `toml:"database_path"`
	DatabaseSchema     string          `toml:"database_schema"` // required when DatabasePath is shared
	IsSwitchboard      bool            `toml:"is_switchboard"`
	RequiredEnv        []string        `toml:"required_env"`
	OptionalEnv        []string        `toml:"optional_env"`
	RuntimeAdapter     string          `toml:"runtime_adapter"`
	SwitchboardURL     string          `toml:"switchboard_url"`
	SchedulerTickEvery string          `toml:"scheduler_tick_interval"`
	HeartbeatEvery     string          `toml:"heartbeat_interval"`
	ShutdownTimeoutS   int             `toml:"shutdown_timeout_s"`
	MaxConcurrentSess  int             `toml:"max_concurrent_sessions"`
	MaxQueuedSess      int             `toml:"max_queued_sessions"`
	LivenessTTLSeconds int             `toml:"liveness_ttl_seconds"`
	Schedule           []ScheduleEntry `toml:"schedule"`
}

// SchedulerTickInterval parses SchedulerTickEvery, falling back on error.
func (b ButlerSection) SchedulerTickInterval(fallback time.Duration) time.Duration {
	return parseDurationOr(b.SchedulerTickEvery, fallback)
}

// HeartbeatInterval parses HeartbeatEvery, falling back on error.
func (b ButlerSection) HeartbeatInterval(fallback time.Duration) time.Duration {
	return parseDurationOr(b.HeartbeatEvery, fallback)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ModuleConfig is an opaque per-module payload; each module decodes its own
// shape out of the raw map at startup.
type ModuleConfig map[string]any

// ScheduleEntry is the declarative (TOML) form of a ScheduledTask.
type ScheduleEntry struct {
	Name         string `toml:"name"`
	Cron         string `toml:"cron"`
	DispatchMode string `toml:"dispatch_mode"` // "prompt" | "job"
	Prompt       string `toml:"prompt,omitempty"`
	JobName      string `toml:"job_name,omitempty"`
	JobArgs      string `toml:"job_args,omitempty"` // opaque JSON payload
	Enabled      *bool  `toml:"enabled,omitempty"`
	Timezone     string `toml:"timezone,omitempty"`
	DisplayTitle string `toml:"display_title,omitempty"`
}

// DefaultButlerConfig returns the spec-mandated defaults (§4.5 max_stagger,
// §4.6 concurrency defaults, §4.9 heartbeat interval, §4.10 shutdown
// timeout).
func DefaultButlerConfig() ButlerConfig {
	return ButlerConfig{
		Butler: ButlerSection{
			Port:               40200,
			RuntimeAdapter:     "mock",
			SwitchboardURL:     "http://localhost:40200",
			SchedulerTickEvery: "30s",
			HeartbeatEvery:     "120s",
			ShutdownTimeoutS:   30,
			MaxConcurrentSess:  1,
			MaxQueuedSess:      100,
			LivenessTTLSeconds: 300,
		},
		Modules: map[string]ModuleConfig{},
	}
}
