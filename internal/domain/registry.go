package domain

import "time"

// EligibilityState is the liveness-derived state of a registered butler
// (spec §3, §4.9).
type EligibilityState string

const (
	EligibilityActive      EligibilityState = "active"
	EligibilityStale       EligibilityState = "stale"
	EligibilityQuarantined EligibilityState = "quarantined"
)

func (s EligibilityState) IsValid() bool {
	switch s {
	case EligibilityActive, EligibilityStale, EligibilityQuarantined:
		return true
	}
	return false
}

// Eligibility transition reasons, recorded verbatim into the eligibility log.
const (
	ReasonLivenessTTLExpired   = "liveness_ttl_expired"
	ReasonLivenessTTLExpired2x = "liveness_ttl_expired_2x"
	ReasonHeartbeatReceived    = "heartbeat_received"
	ReasonRegistered           = "registered"
)

// ButlerRegistryEntry is Switchboard-only (spec §3).
type ButlerRegistryEntry struct {
	Name                  string
	EndpointURL           string
	Description           string
	Modules               []string
	LastSeenAt            *time.Time
	RegisteredAt          time.Time
	EligibilityState      EligibilityState
	EligibilityUpdatedAt  time.Time
	QuarantinedAt         *time.Time
	QuarantineReason      string
	LivenessTTLSeconds    int
}

// EligibilityLogEntry is one append-only row recording a state transition.
type EligibilityLogEntry struct {
	ID        int64
	Butler    string
	FromState EligibilityState
	ToState   EligibilityState
	Reason    string
	At        time.Time
}
