package liveness

import (
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/metrics"
)

// DB is the subset of *sqlite.DB the Switchboard-side registry/eligibility
// logic needs.
type DB interface {
	GetButlerRegistration(name string) (*domain.ButlerRegistryEntry, error)
	ListButlerRegistrations() ([]domain.ButlerRegistryEntry, error)
	UpsertButlerRegistration(e domain.ButlerRegistryEntry) error
	TouchButlerHeartbeat(name string, at time.Time) error
	SetButlerEligibility(name string, to domain.EligibilityState, reason string, at time.Time) error
}

// Registry is the Switchboard-only liveness/eligibility component (spec
// §4.9, §3 ButlerRegistryEntry). It owns both the heartbeat handler and the
// periodic sweep.
type Registry struct {
	db DB
}

// NewRegistry wraps db in the Registry API.
func NewRegistry(db DB) *Registry {
	return &Registry{db: db}
}

// Register creates or refreshes a butler's registry entry (used at butler
// startup / reconfiguration — not part of the hot heartbeat path).
func (r *Registry) Register(e domain.ButlerRegistryEntry, now time.Time) error {
	if e.EligibilityState == "" {
		e.EligibilityState = domain.EligibilityActive
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = now
	}
	e.EligibilityUpdatedAt = now
	if err := r.db.UpsertButlerRegistration(e); err != nil {
		return err
	}
	r.refreshRegisteredCount()
	return nil
}

// refreshRegisteredCount sets the registered-butlers gauge from the current
// DB state. Best-effort: a listing error leaves the gauge at its last value
// rather than failing the caller's operation.
func (r *Registry) refreshRegisteredCount() {
	entries, err := r.db.ListButlerRegistrations()
	if err != nil {
		return
	}
	metrics.RegisteredButlers.Set(float64(len(entries)))
}

// Heartbeat handles one /api/heartbeat POST (spec §4.9): unknown butler
// returns domain.ErrButlerNotRegistered (the caller maps that to a 404);
// otherwise last_seen_at is updated and a stale butler resumes active.
// quarantined stays quarantined, but last_seen_at is still refreshed.
func (r *Registry) Heartbeat(name string, now time.Time) (domain.EligibilityState, error) {
	entry, err := r.db.GetButlerRegistration(name)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", domain.ErrButlerNotRegistered
	}

	if err := r.db.TouchButlerHeartbeat(name, now); err != nil {
		return "", err
	}

	if entry.EligibilityState == domain.EligibilityStale {
		if err := r.db.SetButlerEligibility(name, domain.EligibilityActive, domain.ReasonHeartbeatReceived, now); err != nil {
			return "", err
		}
		metrics.EligibilityTransitions.WithLabelValues(domain.ReasonHeartbeatReceived).Inc()
		return domain.EligibilityActive, nil
	}
	return entry.EligibilityState, nil
}

// Sweep applies the time-based eligibility transitions described in spec
// §4.9: active->stale past one ttl, stale->quarantined past two ttls.
// Butlers that have never reported a heartbeat (last_seen_at IS NULL) are
// skipped. Registered as the handler for the "eligibility_sweep" scheduled
// job (dispatch_mode=job), default cron "*/5 * * * *".
func (r *Registry) Sweep(now time.Time) error {
	entries, err := r.db.ListButlerRegistrations()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.LastSeenAt == nil {
			continue
		}
		ttl := time.Duration(e.LivenessTTLSeconds) * time.Second
		if ttl <= 0 {
			continue
		}

		switch e.EligibilityState {
		case domain.EligibilityActive:
			if e.LastSeenAt.Add(ttl).Before(now) {
				if err := r.db.SetButlerEligibility(e.Name, domain.EligibilityStale, domain.ReasonLivenessTTLExpired, now); err != nil {
					return err
				}
				metrics.EligibilityTransitions.WithLabelValues(domain.ReasonLivenessTTLExpired).Inc()
			}
		case domain.EligibilityStale:
			if e.LastSeenAt.Add(2 * ttl).Before(now) {
				if err := r.db.SetButlerEligibility(e.Name, domain.EligibilityQuarantined, domain.ReasonLivenessTTLExpired2x, now); err != nil {
					return err
				}
				metrics.EligibilityTransitions.WithLabelValues(domain.ReasonLivenessTTLExpired2x).Inc()
			}
		}
	}
	r.refreshRegisteredCount()
	return nil
}
