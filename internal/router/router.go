// Package router implements the Switchboard's accept-then-process dispatch
// into a target butler's inbox (spec §4.8, component I), plus the crash
// recovery sweep that re-dispatches any row left in flight when the daemon
// last stopped. Grounded on the teacher's internal/health/checker.go
// ticker/background-loop idiom and on internal/infra/sqlite/db.go's
// repository shape; the accept/process state machine itself is new, since
// the teacher has no request-routing concept.
package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/metrics"
)

// DB is the subset of *sqlite.DB the router needs.
type DB interface {
	InsertInboxMessage(m domain.MessageInbox) (bool, error)
	GetInboxByIdempotencyKey(key string) (*domain.MessageInbox, error)
	GetInboxMessage(requestID string) (*domain.MessageInbox, error)
	TransitionInboxState(requestID string, to domain.InboxLifecycleState, classification, routingResults string) error
	RecoverableInboxMessages() ([]domain.MessageInbox, error)
	RecordRoutingOutcome(requestID, target, outcome, detail string, at time.Time) error
}

// Dispatcher hands an accepted prompt to the spawner, tagging the resulting
// session with trigger_source=route and the originating request_id (spec
// §4.8: "the spawner session corresponds to one inbox row by request_id").
type Dispatcher interface {
	DispatchRoute(ctx context.Context, prompt, requestID, traceContext string) (domain.Session, error)
}

// ExecuteRequest is route.execute's argument set (spec §4.8).
type ExecuteRequest struct {
	RequestID              string // generated (UUIDv7) if empty
	SourceChannel          string
	SourceEndpointIdentity string
	SenderIdentity         string
	Prompt                 string
	TraceContext           string
	IdempotencyKey         string
}

// ExecuteResult is route.execute's synchronous acknowledgement: the accept
// phase's outcome only, never the eventual process-phase result.
type ExecuteResult struct {
	RequestID      string
	LifecycleState domain.InboxLifecycleState
	Duplicate      bool // true when short-circuited to a prior idempotency-key match
}

// Router is the Switchboard-only accept-then-process engine (spec §4.8,
// §6 persisted state layout: message_inbox exists on every butler, but only
// the Switchboard initiates route.execute calls into one).
type Router struct {
	db         DB
	dispatcher Dispatcher
	target     string // this butler's own name, recorded into routing_log
	logger     *log.Logger
}

// New constructs a Router. target is the name of the butler this Router's
// inbox belongs to.
func New(db DB, dispatcher Dispatcher, target string, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{db: db, dispatcher: dispatcher, target: target, logger: logger}
}

// Execute runs the synchronous accept phase: durably write the inbox row,
// then acknowledge (spec §4.8 "Only after the row is durable does the
// target acknowledge"). The process phase is kicked off asynchronously and
// does not block this call — accept-phase latency budget is <50ms (spec §5).
//
// A duplicate idempotency_key short-circuits to the prior accepted row
// instead of writing a new one (spec §4.8 "ingress deduplication").
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if req.IdempotencyKey != "" {
		if prior, err := r.db.GetInboxByIdempotencyKey(req.IdempotencyKey); err != nil {
			return ExecuteResult{}, err
		} else if prior != nil {
			return ExecuteResult{RequestID: prior.RequestID, LifecycleState: prior.LifecycleState, Duplicate: true}, nil
		}
	}

	requestID := req.RequestID
	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		requestID = id.String()
	}

	msg := domain.MessageInbox{
		RequestID:              requestID,
		SourceChannel:          req.SourceChannel,
		SourceEndpointIdentity: req.SourceEndpointIdentity,
		SenderIdentity:         req.SenderIdentity,
		Prompt:                 req.Prompt,
		TraceContext:           req.TraceContext,
		LifecycleState:         domain.InboxAccepted,
		CreatedAt:              time.Now().UTC(),
		IdempotencyKey:         req.IdempotencyKey,
	}
	inserted, err := r.db.InsertInboxMessage(msg)
	if err != nil {
		return ExecuteResult{}, err
	}
	metrics.InboxTransitions.WithLabelValues(string(domain.InboxAccepted)).Inc()
	if !inserted {
		// A row with this request_id already exists (retried accept call).
		existing, err := r.db.GetInboxMessage(requestID)
		if err != nil {
			return ExecuteResult{}, err
		}
		if existing != nil {
			return ExecuteResult{RequestID: existing.RequestID, LifecycleState: existing.LifecycleState, Duplicate: true}, nil
		}
	}

	// Process phase is asynchronous and unbounded (spec §4.8); it must not
	// hold up this call's accept-phase latency budget. Detach from ctx so
	// a cancelled request context (e.g. the HTTP handler returning) doesn't
	// abort processing that has already been accepted.
	go r.process(context.Background(), msg)

	return ExecuteResult{RequestID: requestID, LifecycleState: domain.InboxAccepted}, nil
}

// process drives one inbox row through accepted -> dispatching ->
// in_progress -> {parsed, errored} (spec §4.8 process phase).
func (r *Router) process(ctx context.Context, msg domain.MessageInbox) {
	ctx = WithRequestID(ctx, msg.RequestID)
	ctx = WithTraceContext(ctx, msg.TraceContext)

	if err := r.db.TransitionInboxState(msg.RequestID, domain.InboxDispatching, "", ""); err != nil {
		r.logger.Printf("router: transition %s to dispatching: %v", msg.RequestID, err)
		return
	}
	metrics.InboxTransitions.WithLabelValues(string(domain.InboxDispatching)).Inc()

	if err := r.db.TransitionInboxState(msg.RequestID, domain.InboxInProgress, "", ""); err != nil {
		r.logger.Printf("router: transition %s to in_progress: %v", msg.RequestID, err)
		return
	}
	metrics.InboxTransitions.WithLabelValues(string(domain.InboxInProgress)).Inc()

	session, dispatchErr := r.dispatcher.DispatchRoute(ctx, msg.Prompt, msg.RequestID, msg.TraceContext)

	now := time.Now().UTC()
	if dispatchErr != nil {
		r.logger.Printf("router: dispatch %s failed: %v", msg.RequestID, dispatchErr)
		r.db.TransitionInboxState(msg.RequestID, domain.InboxErrored, "", dispatchErr.Error())
		r.db.RecordRoutingOutcome(msg.RequestID, r.target, "errored", dispatchErr.Error(), now)
		metrics.InboxTransitions.WithLabelValues(string(domain.InboxErrored)).Inc()
		return
	}

	r.db.TransitionInboxState(msg.RequestID, domain.InboxParsed, "", session.Result)
	r.db.RecordRoutingOutcome(msg.RequestID, r.target, "parsed", "", now)
	metrics.InboxTransitions.WithLabelValues(string(domain.InboxParsed)).Inc()
}

// Recover re-dispatches every inbox row left in accepted or dispatching
// state by an unclean shutdown (spec §4.8 "crash recovery"). Called once at
// startup, before the daemon starts accepting new route.execute calls.
func (r *Router) Recover(ctx context.Context) (int, error) {
	rows, err := r.db.RecoverableInboxMessages()
	if err != nil {
		return 0, fmt.Errorf("list recoverable inbox rows: %w", err)
	}
	for _, row := range rows {
		r.logger.Printf("router: recovering inbox row %s (route.process.recovery)", row.RequestID)
		go r.process(context.Background(), row)
	}
	return len(rows), nil
}
