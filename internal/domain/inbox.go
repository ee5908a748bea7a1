package domain

import "time"

// InboxLifecycleState is the accept-then-process state machine for one
// routed message (spec §3, §4.8).
type InboxLifecycleState string

const (
	InboxAccepted    InboxLifecycleState = "accepted"
	InboxDispatching InboxLifecycleState = "dispatching"
	InboxInProgress  InboxLifecycleState = "in_progress"
	InboxParsed      InboxLifecycleState = "parsed"
	InboxErrored     InboxLifecycleState = "errored"
)

// IsRecoverable reports whether a row in this state must be re-dispatched
// on daemon restart (spec §3: "accepted or dispatching ... is recoverable").
func (s InboxLifecycleState) IsRecoverable() bool {
	return s == InboxAccepted || s == InboxDispatching
}

// MessageInbox stores the accept-phase handoff for a target butler (spec §3).
type MessageInbox struct {
	RequestID              string // UUIDv7
	SourceChannel          string
	SourceEndpointIdentity string
	SenderIdentity         string
	Prompt                 string
	TraceContext           string // opaque propagated trace context
	LifecycleState         InboxLifecycleState
	Classification         string
	RoutingResults         string
	CreatedAt              time.Time
	IdempotencyKey         string
}
