package sqlite

import "github.com/butlerfleet/butlers/internal/domain"

// ModuleDB adapts *DB to domain.ModuleDB, the narrow database slice passed
// to a module's OnStartup/CallTool — modules never see the full *DB or
// database/sql directly.
type ModuleDB struct {
	db *DB
}

// NewModuleDB wraps db for a module.
func NewModuleDB(db *DB) ModuleDB {
	return ModuleDB{db: db}
}

func (m ModuleDB) Exec(query string, args ...any) error {
	_, err := m.db.Exec(query, args...)
	return err
}

func (m ModuleDB) Query(query string, args ...any) (domain.Rows, error) {
	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

// sqlRows adapts *sql.Rows to domain.Rows.
type sqlRows struct {
	rows interface {
		Next() bool
		Scan(dest ...any) error
		Close() error
		Err() error
	}
}

func (r sqlRows) Next() bool            { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqlRows) Close() error          { return r.rows.Close() }
func (r sqlRows) Err() error            { return r.rows.Err() }

var _ domain.ModuleDB = ModuleDB{}
