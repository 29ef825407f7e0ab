package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ConaryLabs/conary/internal/router"
)

// InsertChangeset records a Changeset, with the caller's status, inside an already-open
// ImmediateTx, as the DB-commit half of spec §4.7.2's db_commit step.
func InsertChangeset(ctx context.Context, tx *ImmediateTx, cs Changeset) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO changesets (description, status, tx_uuid, created_at) VALUES (?, ?, ?, ?)`,
		cs.Description, cs.Status, cs.TxUUID, cs.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("db: insert changeset: %w", err)
	}
	return res.LastInsertId()
}

// InsertTrove inserts a Trove row inside tx.
func InsertTrove(ctx context.Context, tx *ImmediateTx, t Trove) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO troves (name, version, release, arch, install_reason, selection_reason, installed_by_changeset_id, pin, label)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Version, t.Release, t.Arch, t.InstallReason, t.SelectionReason, t.InstalledByChangesetID, t.Pin, t.Label)
	if err != nil {
		return 0, fmt.Errorf("db: insert trove: %w", err)
	}
	return res.LastInsertId()
}

// InsertFileEntry inserts a FileEntry row inside tx.
func InsertFileEntry(ctx context.Context, tx *ImmediateTx, f FileEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO file_entries (trove_id, path, sha256_hash, size, mode, component_id) VALUES (?, ?, ?, ?, ?, ?)`,
		f.TroveID, f.Path, f.SHA256Hash, f.Size, f.Mode, nullIfZero(f.ComponentID))
	if err != nil {
		return fmt.Errorf("db: insert file_entry %s: %w", f.Path, err)
	}
	return nil
}

// InsertFileHistory inserts a FileHistoryEntry row inside tx.
func InsertFileHistory(ctx context.Context, tx *ImmediateTx, h FileHistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO file_history (changeset_id, path, sha256_hash, action) VALUES (?, ?, ?, ?)`,
		h.ChangesetID, h.Path, h.SHA256Hash, h.Action)
	if err != nil {
		return fmt.Errorf("db: insert file_history %s: %w", h.Path, err)
	}
	return nil
}

// InsertComponent inserts a Component row inside tx.
func InsertComponent(ctx context.Context, tx *ImmediateTx, c Component) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO components (parent_trove_id, name, description, is_installed) VALUES (?, ?, ?, ?)`,
		c.ParentTroveID, c.Name, c.Description, c.IsInstalled)
	if err != nil {
		return 0, fmt.Errorf("db: insert component %s: %w", c.Name, err)
	}
	return res.LastInsertId()
}

// InsertDependency inserts a Dependency row inside tx.
func InsertDependency(ctx context.Context, tx *ImmediateTx, dep Dependency) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dependencies (trove_id, dep_name, dep_version_constraint, dep_type) VALUES (?, ?, ?, ?)`,
		dep.TroveID, dep.DepName, nullIfEmptyStr(dep.DepVersionConstraint), dep.DepType)
	if err != nil {
		return fmt.Errorf("db: insert dependency %s: %w", dep.DepName, err)
	}
	return nil
}

// InsertProvide inserts a Provide row inside tx.
func InsertProvide(ctx context.Context, tx *ImmediateTx, p Provide) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO provides (trove_id, name, version) VALUES (?, ?, ?)`,
		p.TroveID, p.Name, nullIfEmptyStr(p.Version))
	if err != nil {
		return fmt.Errorf("db: insert provide %s: %w", p.Name, err)
	}
	return nil
}

// InsertScriptlet inserts a Scriptlet row inside tx.
func InsertScriptlet(ctx context.Context, tx *ImmediateTx, s Scriptlet) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO scriptlets (trove_id, phase, interpreter, content, flags, source_format) VALUES (?, ?, ?, ?, ?, ?)`,
		s.TroveID, s.Phase, s.Interpreter, s.Content, nullIfEmptyStr(s.Flags), s.SourceFormat)
	if err != nil {
		return fmt.Errorf("db: insert scriptlet %s: %w", s.Phase, err)
	}
	return nil
}

// DeleteTrove deletes a Trove row inside tx; ON DELETE CASCADE removes its
// file_entries, components, dependencies, provides, and scriptlets rows
// with it (spec §3/S2: upgrade deletes the old Trove row within the same
// DB transaction that inserts the new one).
func DeleteTrove(ctx context.Context, tx *ImmediateTx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM troves WHERE id = ?`, id); err != nil {
		return fmt.Errorf("db: delete trove %d: %w", id, err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *ImmediateTx, letting read
// helpers run either standalone or against an already-open transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TroveByNameVersion looks up an installed Trove by its unique key.
func TroveByNameVersion(ctx context.Context, conn queryer, name, version string) (*Trove, error) {
	row := conn.QueryRowContext(ctx,
		`SELECT id, name, version, release, arch, install_reason, selection_reason, installed_by_changeset_id, pin, label
		 FROM troves WHERE name = ? AND version = ?`, name, version)
	var t Trove
	var release, arch, selReason, label sql.NullString
	var installedBy sql.NullInt64
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &release, &arch, &t.InstallReason, &selReason, &installedBy, &t.Pin, &label); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("db: query trove %s-%s: %w", name, version, err)
	}
	t.Release, t.Arch, t.SelectionReason, t.Label = release.String, arch.String, selReason.String, label.String
	t.InstalledByChangesetID = installedBy.Int64
	return &t, nil
}

// ChangesetIDByTxUUID looks up a committed Changeset's id by the
// transaction UUID that produced it, used by crash recovery to finish a
// changeset whose journal was never persisted past db_committing.
func ChangesetIDByTxUUID(ctx context.Context, conn queryer, txUUID string) (int64, error) {
	row := conn.QueryRowContext(ctx, `SELECT id FROM changesets WHERE tx_uuid = ?`, txUUID)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("db: query changeset by tx_uuid %s: %w", txUUID, err)
	}
	return id, nil
}

// FileOwner returns the name of the Trove owning path, if any — used by
// the transaction planner to detect file-ownership conflicts (spec
// §4.7.2 plan phase).
func FileOwner(ctx context.Context, conn *sql.DB, path string) (string, bool, error) {
	row := conn.QueryRowContext(ctx,
		`SELECT t.name FROM file_entries f JOIN troves t ON t.id = f.trove_id WHERE f.path = ?`, path)
	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("db: query file owner %s: %w", path, err)
	}
	return name, true, nil
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullIfEmptyStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// storeAdapter implements router.Store against the SQLite schema.
type storeAdapter struct {
	db *DB
}

// NewRouterStore adapts d to the router.Store interface the resolution
// router depends on.
func NewRouterStore(d *DB) router.Store { return &storeAdapter{db: d} }

func (s *storeAdapter) Redirect(name string) (string, bool) {
	// The schema has no storage for redirects (rename/obsolete aliases),
	// so this store always reports that name has no alias.
	return "", false
}

func (s *storeAdapter) RepositoriesFor(name, arch string) ([]router.Repository, error) {
	ctx := context.Background()
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT DISTINCT r.id, r.name, r.priority FROM repository_packages rp
		 JOIN repositories r ON r.id = rp.repository_id
		 WHERE rp.name = ? AND r.enabled = 1 AND (rp.arch IS NULL OR rp.arch = '' OR rp.arch = ?)
		 ORDER BY r.priority DESC`, name, arch)
	if err != nil {
		return nil, fmt.Errorf("db: query repositories for %s: %w", name, err)
	}
	defer rows.Close()

	var out []router.Repository
	for rows.Next() {
		var r router.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority); err != nil {
			return nil, fmt.Errorf("db: scan repository row: %w", err)
		}
		r.Arch = arch
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *storeAdapter) Resolution(repo router.Repository, name, version string) (*router.PackageResolution, bool, error) {
	ctx := context.Background()
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT primary_strategy, strategies_json FROM package_resolution WHERE repository_id = ? AND package_name = ?`,
		repo.ID, name)
	var primary, strategiesJSON string
	if err := row.Scan(&primary, &strategiesJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("db: query package_resolution %s: %w", name, err)
	}
	var strategies []router.Strategy
	if err := json.Unmarshal([]byte(strategiesJSON), &strategies); err != nil {
		return nil, false, fmt.Errorf("db: decode strategies_json for %s: %w", name, err)
	}
	return &router.PackageResolution{
		RepositoryID:    repo.ID,
		PackageName:     name,
		Strategies:      strategies,
	}, true, nil
}

func (s *storeAdapter) LegacyPackage(repo router.Repository, name, version string) (*router.RepositoryPackage, bool, error) {
	ctx := context.Background()
	query := `SELECT id, download_url, checksum, dependencies_json FROM repository_packages WHERE repository_id = ? AND name = ?`
	args := []any{repo.ID, name}
	if version != "" {
		query += " AND version = ?"
		args = append(args, version)
	}
	query += " ORDER BY version DESC LIMIT 1"

	row := s.db.conn.QueryRowContext(ctx, query, args...)
	var rp router.RepositoryPackage
	var deps sql.NullString
	if err := row.Scan(&rp.ID, &rp.DownloadURL, &rp.Checksum, &deps); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("db: query repository_package %s: %w", name, err)
	}
	rp.RepositoryID = repo.ID
	rp.Name = name
	rp.DependenciesJSON = deps.String
	return &rp, true, nil
}
