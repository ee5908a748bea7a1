package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// UpsertButlerRegistration inserts or refreshes a butler's registry entry
// (spec §4.9 "register/re-register").
func (d *DB) UpsertButlerRegistration(e domain.ButlerRegistryEntry) error {
	modules, err := json.Marshal(e.Modules)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO butler_registry
			(name, endpoint_url, description, modules, last_seen_at, registered_at,
			 eligibility_state, eligibility_updated_at, quarantined_at, quarantine_reason, liveness_ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			endpoint_url=excluded.endpoint_url, description=excluded.description, modules=excluded.modules,
			eligibility_state=excluded.eligibility_state, eligibility_updated_at=excluded.eligibility_updated_at,
			liveness_ttl_seconds=excluded.liveness_ttl_seconds`,
		e.Name, e.EndpointURL, e.Description, string(modules), unixPtr(e.LastSeenAt), e.RegisteredAt.Unix(),
		string(e.EligibilityState), e.EligibilityUpdatedAt.Unix(), unixPtr(e.QuarantinedAt), e.QuarantineReason,
		e.LivenessTTLSeconds,
	)
	return err
}

// TouchButlerHeartbeat updates last_seen_at for a known butler (spec §4.9
// heartbeat handler). Returns domain.ErrButlerNotRegistered when unknown.
func (d *DB) TouchButlerHeartbeat(name string, at time.Time) error {
	res, err := d.db.Exec(`UPDATE butler_registry SET last_seen_at=? WHERE name=?`, at.Unix(), name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrButlerNotRegistered
	}
	return nil
}

// SetButlerEligibility transitions a butler's eligibility state and appends
// a log row recording the transition (spec §4.9 "log every transition").
func (d *DB) SetButlerEligibility(name string, to domain.EligibilityState, reason string, at time.Time) error {
	current, err := d.GetButlerRegistration(name)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrButlerNotRegistered
	}
	from := current.EligibilityState

	var quarantinedAt sql.NullInt64
	if to == domain.EligibilityQuarantined {
		quarantinedAt = sql.NullInt64{Int64: at.Unix(), Valid: true}
	}

	_, err = d.db.Exec(
		`UPDATE butler_registry SET eligibility_state=?, eligibility_updated_at=?, quarantined_at=?, quarantine_reason=? WHERE name=?`,
		string(to), at.Unix(), quarantinedAt, reason, name,
	)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO butler_registry_eligibility_log (butler, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?)`,
		name, string(from), string(to), reason, at.Unix(),
	)
	return err
}

// GetButlerRegistration fetches one entry by name.
func (d *DB) GetButlerRegistration(name string) (*domain.ButlerRegistryEntry, error) {
	row := d.db.QueryRow(
		`SELECT name, endpoint_url, description, modules, last_seen_at, registered_at,
		        eligibility_state, eligibility_updated_at, quarantined_at, quarantine_reason, liveness_ttl_seconds
		 FROM butler_registry WHERE name=?`, name,
	)
	return scanButlerRegistration(row)
}

// ListButlerRegistrations returns every known butler, ordered by name.
func (d *DB) ListButlerRegistrations() ([]domain.ButlerRegistryEntry, error) {
	rows, err := d.db.Query(
		`SELECT name, endpoint_url, description, modules, last_seen_at, registered_at,
		        eligibility_state, eligibility_updated_at, quarantined_at, quarantine_reason, liveness_ttl_seconds
		 FROM butler_registry ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ButlerRegistryEntry
	for rows.Next() {
		e, err := scanButlerRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// EligibilityLog returns the transition history for one butler, newest first.
func (d *DB) EligibilityLog(butler string) ([]domain.EligibilityLogEntry, error) {
	rows, err := d.db.Query(
		`SELECT id, butler, from_state, to_state, reason, at FROM butler_registry_eligibility_log
		 WHERE butler=? ORDER BY at DESC`, butler,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EligibilityLogEntry
	for rows.Next() {
		var l domain.EligibilityLogEntry
		var from, to string
		var at int64
		if err := rows.Scan(&l.ID, &l.Butler, &from, &to, &l.Reason, &at); err != nil {
			return nil, err
		}
		l.FromState = domain.EligibilityState(from)
		l.ToState = domain.EligibilityState(to)
		l.At = time.Unix(at, 0).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanButlerRegistration(s scanner) (*domain.ButlerRegistryEntry, error) {
	var e domain.ButlerRegistryEntry
	var modules string
	var lastSeenAt, quarantinedAt sql.NullInt64
	var registeredAt, eligibilityUpdatedAt int64
	var state string

	err := s.Scan(&e.Name, &e.EndpointURL, &e.Description, &modules, &lastSeenAt, &registeredAt,
		&state, &eligibilityUpdatedAt, &quarantinedAt, &e.QuarantineReason, &e.LivenessTTLSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(modules), &e.Modules); err != nil {
		return nil, err
	}
	e.LastSeenAt = nullableTimePtr(lastSeenAt)
	e.RegisteredAt = time.Unix(registeredAt, 0).UTC()
	e.EligibilityState = domain.EligibilityState(state)
	e.EligibilityUpdatedAt = time.Unix(eligibilityUpdatedAt, 0).UTC()
	e.QuarantinedAt = nullableTimePtr(quarantinedAt)
	return &e, nil
}
