// Package db owns Conary's installed-state store: the SQLite schema (spec
// §6.3) plus the query layer the transaction engine, resolver, and router
// read/write through.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schema is applied with CREATE TABLE IF NOT EXISTS so Open is idempotent
// against an existing conary.db.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS troves (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	release TEXT,
	arch TEXT,
	install_reason TEXT NOT NULL,
	selection_reason TEXT,
	installed_by_changeset_id INTEGER,
	pin INTEGER NOT NULL DEFAULT 0,
	label TEXT,
	UNIQUE(name, version)
);

CREATE TABLE IF NOT EXISTS file_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trove_id INTEGER NOT NULL REFERENCES troves(id) ON DELETE CASCADE,
	path TEXT NOT NULL UNIQUE,
	sha256_hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	component_id INTEGER REFERENCES components(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS file_contents (
	sha256_hash TEXT PRIMARY KEY,
	content_path TEXT NOT NULL,
	size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS components (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_trove_id INTEGER NOT NULL REFERENCES troves(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT,
	is_installed INTEGER NOT NULL DEFAULT 1,
	UNIQUE(parent_trove_id, name)
);

CREATE TABLE IF NOT EXISTS dependencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trove_id INTEGER NOT NULL REFERENCES troves(id) ON DELETE CASCADE,
	dep_name TEXT NOT NULL,
	dep_version_constraint TEXT,
	dep_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provides (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trove_id INTEGER NOT NULL REFERENCES troves(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	version TEXT,
	UNIQUE(trove_id, name)
);

CREATE TABLE IF NOT EXISTS scriptlets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trove_id INTEGER NOT NULL REFERENCES troves(id) ON DELETE CASCADE,
	phase TEXT NOT NULL,
	interpreter TEXT NOT NULL,
	content TEXT NOT NULL,
	flags TEXT,
	source_format TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changesets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT,
	status TEXT NOT NULL,
	tx_uuid TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS file_history (
	changeset_id INTEGER NOT NULL REFERENCES changesets(id),
	path TEXT NOT NULL,
	sha256_hash TEXT,
	action TEXT NOT NULL CHECK(action IN ('add', 'modify', 'remove'))
);

CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	content_url TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 0,
	gpg_check INTEGER NOT NULL DEFAULT 1,
	gpg_strict INTEGER NOT NULL DEFAULT 0,
	gpg_key_url TEXT,
	gpg_fingerprint TEXT,
	last_sync INTEGER,
	metadata_expire INTEGER
);

CREATE TABLE IF NOT EXISTS repository_packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	arch TEXT,
	checksum TEXT NOT NULL,
	size INTEGER NOT NULL,
	download_url TEXT NOT NULL,
	dependencies_json TEXT
);

CREATE TABLE IF NOT EXISTS package_resolution (
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	package_name TEXT NOT NULL,
	version_pattern TEXT,
	primary_strategy TEXT NOT NULL,
	strategies_json TEXT NOT NULL,
	PRIMARY KEY (repository_id, package_name)
);

CREATE TABLE IF NOT EXISTS state_snapshots (
	state_number INTEGER PRIMARY KEY,
	changeset_id INTEGER NOT NULL REFERENCES changesets(id),
	summary TEXT,
	installed_set_hash TEXT NOT NULL
);

-- derived_packages supplements the schema (SPEC_FULL.md "SUPPLEMENTED
-- FEATURES"): tracks packages Conary itself built via a Recipe strategy so
-- the version policy engine can decide when a rebuild is owed.
CREATE TABLE IF NOT EXISTS derived_packages (
	trove_id INTEGER PRIMARY KEY REFERENCES troves(id) ON DELETE CASCADE,
	source_trove_id INTEGER NOT NULL REFERENCES troves(id),
	version_policy TEXT NOT NULL,
	version_suffix TEXT,
	version_specific TEXT,
	source_version_at_build TEXT NOT NULL,
	derived_status TEXT NOT NULL,
	artifact_hash TEXT,
	last_rebuilt_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_file_entries_trove ON file_entries(trove_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_trove ON dependencies(trove_id);
CREATE INDEX IF NOT EXISTS idx_repository_packages_name ON repository_packages(repository_id, name);
`

// DB wraps the SQLite connection used for all installed-state reads and
// writes. One process owns the handle; writers additionally take the
// directory-level advisory lock in internal/lock before a transaction.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. Foreign keys are enabled per-connection since SQLite treats
// that pragma as connection-scoped, not persistent.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // spec §4.7.5: serialize writers behind the lock.

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// ImmediateTx wraps a single *sql.Conn pinned for the lifetime of one
// BEGIN IMMEDIATE transaction, since database/sql's *sql.Tx gives no way
// to pick the BEGIN mode.
type ImmediateTx struct {
	conn *sql.Conn
}

func (t *ImmediateTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *ImmediateTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *ImmediateTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *ImmediateTx) Commit(ctx context.Context) error {
	defer t.conn.Close()
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

func (t *ImmediateTx) Rollback(ctx context.Context) error {
	defer t.conn.Close()
	if _, err := t.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("db: rollback: %w", err)
	}
	return nil
}

// Begin starts a BEGIN IMMEDIATE transaction: exactly one commit per
// Changeset insert, per spec §4.7.2's db_commit contract.
func (d *DB) Begin(ctx context.Context) (*ImmediateTx, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: begin immediate: %w", err)
	}
	return &ImmediateTx{conn: conn}, nil
}

// Conn exposes the underlying *sql.DB for read-only queries that don't
// need an explicit transaction.
func (d *DB) Conn() *sql.DB { return d.conn }
