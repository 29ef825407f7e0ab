package db

import (
	"context"
	"fmt"

	"github.com/ConaryLabs/conary/internal/snapshot"
)

// FinishChangeset marks changesetID applied and records a state snapshot
// over the current installed set, atomically (spec §4.11: snapshots are
// written only for already-applied changesets, never partial). It returns
// the new snapshot's state number.
func FinishChangeset(ctx context.Context, d *DB, changesetID int64, summary string) (int64, error) {
	tx, err := d.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("db: begin immediate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE changesets SET status = 'applied' WHERE id = ?`, changesetID); err != nil {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("db: mark changeset applied: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT name, version FROM troves`)
	if err != nil {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("db: query installed set: %w", err)
	}
	var installed []snapshot.Package
	for rows.Next() {
		var p snapshot.Package
		if err := rows.Scan(&p.Name, &p.Version); err != nil {
			rows.Close()
			tx.Rollback(ctx)
			return 0, fmt.Errorf("db: scan installed package: %w", err)
		}
		installed = append(installed, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback(ctx)
		return 0, fmt.Errorf("db: iterate installed set: %w", err)
	}
	rows.Close()

	var stateNumber int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(state_number), 0) + 1 FROM state_snapshots`)
	if err := row.Scan(&stateNumber); err != nil {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("db: compute next state number: %w", err)
	}

	hash := snapshot.Hash(installed)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_snapshots (state_number, changeset_id, summary, installed_set_hash) VALUES (?, ?, ?, ?)`,
		stateNumber, changesetID, summary, hash); err != nil {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("db: insert state_snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("db: commit: %w", err)
	}
	return stateNumber, nil
}

// StateSnapshots returns every recorded snapshot, ordered by state_number,
// for rollback planning (spec §4.11).
func StateSnapshots(ctx context.Context, d *DB) ([]StateSnapshot, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT state_number, changeset_id, summary, installed_set_hash FROM state_snapshots ORDER BY state_number`)
	if err != nil {
		return nil, fmt.Errorf("db: query state_snapshots: %w", err)
	}
	defer rows.Close()

	var out []StateSnapshot
	for rows.Next() {
		var s StateSnapshot
		if err := rows.Scan(&s.StateNumber, &s.ChangesetID, &s.Summary, &s.InstalledSetHash); err != nil {
			return nil, fmt.Errorf("db: scan state_snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
