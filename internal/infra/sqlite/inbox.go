package sqlite

import (
	"database/sql"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// InsertInboxMessage writes the accept-phase row before the caller
// acknowledges the request (spec §4.8 "accept-then-process"). A row with a
// duplicate idempotency_key is silently ignored so retried sends are
// deduplicated at the source.
func (d *DB) InsertInboxMessage(m domain.MessageInbox) (bool, error) {
	res, err := d.db.Exec(
		`INSERT OR IGNORE INTO message_inbox
			(request_id, source_channel, source_endpoint_identity, sender_identity, prompt,
			 trace_context, lifecycle_state, classification, routing_results, created_at, idempotency_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RequestID, m.SourceChannel, m.SourceEndpointIdentity, m.SenderIdentity, m.Prompt,
		m.TraceContext, string(m.LifecycleState), m.Classification, m.RoutingResults, m.CreatedAt.Unix(), m.IdempotencyKey,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransitionInboxState advances a row's lifecycle_state and optionally its
// classification/routing_results (spec §4.8 state machine).
func (d *DB) TransitionInboxState(requestID string, to domain.InboxLifecycleState, classification, routingResults string) error {
	res, err := d.db.Exec(
		`UPDATE message_inbox SET lifecycle_state=?, classification=?, routing_results=? WHERE request_id=?`,
		string(to), classification, routingResults, requestID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInboxRowNotFound
	}
	return nil
}

// GetInboxMessage fetches one row by request id.
func (d *DB) GetInboxMessage(requestID string) (*domain.MessageInbox, error) {
	row := d.db.QueryRow(
		`SELECT request_id, source_channel, source_endpoint_identity, sender_identity, prompt,
		        trace_context, lifecycle_state, classification, routing_results, created_at, idempotency_key
		 FROM message_inbox WHERE request_id=?`, requestID,
	)
	return scanInboxMessage(row)
}

// GetInboxByIdempotencyKey fetches the row previously accepted under key,
// or (nil, nil) if none. Used to short-circuit a retried send straight to
// the prior routing result instead of re-dispatching (spec §4.8 "ingress
// deduplication").
func (d *DB) GetInboxByIdempotencyKey(key string) (*domain.MessageInbox, error) {
	if key == "" {
		return nil, nil
	}
	row := d.db.QueryRow(
		`SELECT request_id, source_channel, source_endpoint_identity, sender_identity, prompt,
		        trace_context, lifecycle_state, classification, routing_results, created_at, idempotency_key
		 FROM message_inbox WHERE idempotency_key=?`, key,
	)
	return scanInboxMessage(row)
}

// RecoverableInboxMessages returns every row left in accepted or
// dispatching state, used on startup to re-dispatch work interrupted by a
// crash (spec §4.8 "crash recovery").
func (d *DB) RecoverableInboxMessages() ([]domain.MessageInbox, error) {
	rows, err := d.db.Query(
		`SELECT request_id, source_channel, source_endpoint_identity, sender_identity, prompt,
		        trace_context, lifecycle_state, classification, routing_results, created_at, idempotency_key
		 FROM message_inbox WHERE lifecycle_state IN (?, ?) ORDER BY created_at`,
		string(domain.InboxAccepted), string(domain.InboxDispatching),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageInbox
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanInboxMessage(s scanner) (*domain.MessageInbox, error) {
	var m domain.MessageInbox
	var state string
	var createdAt int64

	err := s.Scan(&m.RequestID, &m.SourceChannel, &m.SourceEndpointIdentity, &m.SenderIdentity, &m.Prompt,
		&m.TraceContext, &state, &m.Classification, &m.RoutingResults, &createdAt, &m.IdempotencyKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.LifecycleState = domain.InboxLifecycleState(state)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &m, nil
}

// RecordRoutingOutcome appends one routing_log row (spec §6 "persisted
// state layout" — routing_log tracks per-target dispatch outcomes for a
// request, distinct from the single accept-phase message_inbox row).
func (d *DB) RecordRoutingOutcome(requestID, target, outcome, detail string, at time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO routing_log (request_id, target, outcome, detail, at) VALUES (?, ?, ?, ?, ?)`,
		requestID, target, outcome, detail, at.Unix(),
	)
	return err
}

// RoutingOutcomes returns the routing history for one request, oldest first.
func (d *DB) RoutingOutcomes(requestID string) ([]RoutingOutcome, error) {
	rows, err := d.db.Query(
		`SELECT target, outcome, detail, at FROM routing_log WHERE request_id=? ORDER BY at`, requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutingOutcome
	for rows.Next() {
		var r RoutingOutcome
		var at int64
		if err := rows.Scan(&r.Target, &r.Outcome, &r.Detail, &at); err != nil {
			return nil, err
		}
		r.At = time.Unix(at, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RoutingOutcome is one row of routing_log.
type RoutingOutcome struct {
	Target  string
	Outcome string
	Detail  string
	At      time.Time
}
