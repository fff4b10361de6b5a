package migrate

import (
	"database/sql"
	"embed"
	"io/fs"
)

//go:embed sql
var embedded embed.FS

// Directories inside Files.
const (
	PostgresDir = "sql/postgres"
	SQLiteDir   = "sql/sqlite"
)

// Files returns the bundled schema migrations.
func Files() fs.FS { return embedded }

// ForPostgres returns a Manager over the bundled Postgres schema. seeds may
// be nil.
func ForPostgres(db *sql.DB, seeds fs.FS, opts ...Option) *Manager {
	m := NewManager(db, embedded, PostgresDir, "", opts...)
	m.dialect = Postgres
	if seeds != nil {
		m.seeds = seeds
		m.seedsDir = "."
	}
	return m
}

// ForSQLite returns a Manager over the bundled SQLite schema.
func ForSQLite(db *sql.DB, opts ...Option) *Manager {
	m := NewManager(db, embedded, SQLiteDir, "", opts...)
	m.dialect = SQLite
	return m
}
