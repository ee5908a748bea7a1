// Package metrics provides Prometheus metrics for butlerd: counters,
// gauges, and histograms for the scheduler, spawner, session log, inbox
// routing, and liveness registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Scheduler ──────────────────────────────────────────────────────────────

// SchedulerTicks counts scheduler evaluation passes (spec §4.5).
var SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "scheduler_ticks_total",
	Help:      "Total scheduler evaluation passes.",
})

// SchedulerTasksDispatched counts due tasks handed off, by outcome.
var SchedulerTasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "scheduler_tasks_dispatched_total",
	Help:      "Scheduled tasks dispatched, by outcome.",
}, []string{"outcome"})

// ─── Spawner ────────────────────────────────────────────────────────────────

// SpawnerActiveSessions tracks sessions currently holding a concurrency
// slot (spec §4.6).
var SpawnerActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "butler",
	Name:      "spawner_active_sessions",
	Help:      "Sessions currently holding a spawner concurrency slot.",
})

// SpawnerQueueDepth tracks calls waiting for a concurrency slot.
var SpawnerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "butler",
	Name:      "spawner_queue_depth",
	Help:      "Spawn calls currently queued waiting for a concurrency slot.",
})

// SpawnerRefusals counts spawn calls refused outright, by reason.
var SpawnerRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "spawner_refusals_total",
	Help:      "Spawn calls refused without running, by reason.",
}, []string{"reason"})

// ─── Sessions ───────────────────────────────────────────────────────────────

// SessionOutcomes counts completed sessions by success/failure and
// trigger source (spec §3 Session).
var SessionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "session_outcomes_total",
	Help:      "Completed sessions, by outcome and trigger source.",
}, []string{"outcome", "trigger_source"})

// SessionDuration tracks session wall-clock duration in seconds.
var SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "butler",
	Name:      "session_duration_seconds",
	Help:      "Session duration from spawn to completion.",
	Buckets:   prometheus.DefBuckets,
})

// ─── Inbox / routing (Switchboard) ──────────────────────────────────────────

// InboxTransitions counts message_inbox lifecycle transitions (spec §4.8),
// by the state transitioned into.
var InboxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "inbox_transitions_total",
	Help:      "message_inbox lifecycle transitions, by resulting state.",
}, []string{"state"})

// InboxRecovered counts rows re-dispatched by the crash-recovery sweep at
// startup.
var InboxRecovered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "inbox_recovered_total",
	Help:      "Inbox rows re-dispatched by the crash-recovery sweep.",
})

// ─── Liveness (Switchboard) ─────────────────────────────────────────────────

// HeartbeatsReceived counts accepted heartbeat POSTs.
var HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "heartbeats_received_total",
	Help:      "Heartbeat POSTs accepted from registered butlers.",
})

// EligibilityTransitions counts registry eligibility transitions, by
// reason (spec §4.9).
var EligibilityTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "butler",
	Name:      "eligibility_transitions_total",
	Help:      "Butler registry eligibility transitions, by reason.",
}, []string{"reason"})

// RegisteredButlers tracks the number of butlers currently known to the
// registry.
var RegisteredButlers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "butler",
	Name:      "registered_butlers",
	Help:      "Butlers currently known to the registry.",
})
