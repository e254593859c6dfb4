package policy

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go sqlite driver, registered as "sqlite"
)

// sqlRecord mirrors Record's shape for sqlx's column scanning.
type sqlRecord struct {
	Identity  uint32 `db:"identity"`
	OpenPorts string `db:"open_ports"`
}

// SQLTable is a Table backed by a SQL access-stanza table, queried
// through sqlx. The default driver is the pure-Go modernc.org/sqlite,
// so deployments needing nothing heavier than a local policy database
// don't need cgo.
type SQLTable struct {
	db *sqlx.DB
}

// OpenSQLTable opens (or creates) a SQLite-backed policy table at
// path and ensures its schema exists.
func OpenSQLTable(ctx context.Context, path string) (*SQLTable, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("policy: open %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS access_stanza (
	identity   INTEGER PRIMARY KEY,
	open_ports TEXT NOT NULL DEFAULT ''
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("policy: create schema: %w", err)
	}

	return &SQLTable{db: db}, nil
}

// Close releases the underlying database handle.
func (t *SQLTable) Close() error {
	return t.db.Close()
}

// Lookup implements Table.
func (t *SQLTable) Lookup(identity uint32) (Record, bool) {
	var row sqlRecord
	err := t.db.Get(&row, `SELECT identity, open_ports FROM access_stanza WHERE identity = ?`, identity)
	if err != nil {
		return Record{}, false
	}
	return Record{Identity: row.Identity, OpenPorts: row.OpenPorts}, true
}

// Upsert inserts or replaces rec's row.
func (t *SQLTable) Upsert(ctx context.Context, rec Record) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO access_stanza (identity, open_ports) VALUES (?, ?)
		 ON CONFLICT(identity) DO UPDATE SET open_ports = excluded.open_ports`,
		rec.Identity, rec.OpenPorts)
	return err
}
