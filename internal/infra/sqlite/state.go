package sqlite

import (
	"database/sql"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// GetState fetches one key. Returns (nil, nil) when absent.
func (d *DB) GetState(key string) (*domain.StateEntry, error) {
	row := d.db.QueryRow(`SELECT key, value, version, updated_at FROM state WHERE key = ?`, key)
	return scanState(row)
}

// ListState returns keys matching prefix (all keys if prefix is ""), in
// lexicographic order (spec §4.2 "list(prefix?, keys_only?)"). When
// keysOnly is true, Value/Version/UpdatedAt are left zero-valued so callers
// don't pay for fetching values they won't use.
func (d *DB) ListState(prefix string, keysOnly bool) ([]domain.StateEntry, error) {
	if keysOnly {
		rows, err := d.db.Query(`SELECT key FROM state WHERE key LIKE ? || '%' ORDER BY key`, prefix)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []domain.StateEntry
		for rows.Next() {
			var e domain.StateEntry
			if err := rows.Scan(&e.Key); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, rows.Err()
	}

	rows, err := d.db.Query(
		`SELECT key, value, version, updated_at FROM state WHERE key LIKE ? || '%' ORDER BY key`, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StateEntry
	for rows.Next() {
		e, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SetState unconditionally upserts a key, bumping its version.
func (d *DB) SetState(key, value string) (domain.StateEntry, error) {
	now := time.Now().UTC()
	_, err := d.db.Exec(
		`INSERT INTO state (key, value, version, updated_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, version=state.version+1, updated_at=excluded.updated_at`,
		key, value, now.Unix(),
	)
	if err != nil {
		return domain.StateEntry{}, err
	}
	e, err := d.GetState(key)
	if err != nil {
		return domain.StateEntry{}, err
	}
	return *e, nil
}

// CompareAndSetState applies value only if the current version matches
// expectedVersion. expectedVersion 0 means "key must not exist yet". Returns
// domain.ErrCASConflict on mismatch (spec §4.3 CAS semantics).
func (d *DB) CompareAndSetState(key, value string, expectedVersion int64) (domain.StateEntry, error) {
	current, err := d.GetState(key)
	if err != nil {
		return domain.StateEntry{}, err
	}
	now := time.Now().UTC()

	if current == nil {
		if expectedVersion != 0 {
			return domain.StateEntry{}, &domain.ErrCASConflict{Key: key, ExpectedVer: expectedVersion, ActualVersion: 0}
		}
		_, err := d.db.Exec(`INSERT INTO state (key, value, version, updated_at) VALUES (?, ?, 1, ?)`, key, value, now.Unix())
		if err != nil {
			return domain.StateEntry{}, err
		}
		e, err := d.GetState(key)
		return *e, err
	}

	if current.Version != expectedVersion {
		return domain.StateEntry{}, &domain.ErrCASConflict{Key: key, ExpectedVer: expectedVersion, ActualVersion: current.Version}
	}

	res, err := d.db.Exec(
		`UPDATE state SET value=?, version=version+1, updated_at=? WHERE key=? AND version=?`,
		value, now.Unix(), key, expectedVersion,
	)
	if err != nil {
		return domain.StateEntry{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost a race between the read above and this write; report the
		// conflict rather than silently overwriting.
		latest, _ := d.GetState(key)
		actual := int64(0)
		if latest != nil {
			actual = latest.Version
		}
		return domain.StateEntry{}, &domain.ErrCASConflict{Key: key, ExpectedVer: expectedVersion, ActualVersion: actual}
	}
	e, err := d.GetState(key)
	return *e, err
}

// DeleteState removes a key. Idempotent: deleting an absent key is a no-op,
// not an error (spec §4.2 "delete(key) — idempotent").
func (d *DB) DeleteState(key string) error {
	_, err := d.db.Exec(`DELETE FROM state WHERE key = ?`, key)
	return err
}

func scanState(s scanner) (*domain.StateEntry, error) {
	var e domain.StateEntry
	var updatedAt int64
	err := s.Scan(&e.Key, &e.Value, &e.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}
