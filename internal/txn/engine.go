package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ConaryLabs/conary/internal/cas"
	"github.com/ConaryLabs/conary/internal/cerr"
	"github.com/ConaryLabs/conary/internal/classify"
	"github.com/ConaryLabs/conary/internal/db"
)

// Operations is the install/upgrade/remove request the plan phase
// consumes (spec §4.7.2's TransactionOperations).
type Operations struct {
	PackageName    string
	PackageVersion string
	FilesToAdd     []FileAction
	FilesToRemove  []FileAction
	IsUpgrade      bool
	OldPackage     string // old version being replaced, when IsUpgrade

	Provides     []ProvideAction
	Dependencies []DependencyAction
	Scriptlets   []ScriptletAction
}

// Engine drives one transaction's journal through the state machine.
type Engine struct {
	baseDir string
	cas     *cas.Store
	sqlDB   *db.DB
}

func New(baseDir string, casStore *cas.Store, sqlDB *db.DB) *Engine {
	return &Engine{baseDir: baseDir, cas: casStore, sqlDB: sqlDB}
}

// Run executes the full pipeline for ops: plan, prepare, backup, stage,
// apply to the filesystem, commit to the DB, then finish. An error from
// any phase up to and including the filesystem apply drives Abort; an
// error from the DB commit or the finish step is returned without
// unwinding the filesystem. Errors are returned unwrapped.
func (e *Engine) Run(ctx context.Context, ops Operations) (*Journal, error) {
	j, err := NewJournal(e.baseDir, ops.PackageName, ops.PackageVersion, ops.IsUpgrade)
	if err != nil {
		return nil, err
	}

	if err := e.plan(ctx, j, ops); err != nil {
		e.Abort(ctx, j)
		return j, err
	}
	if err := e.prepare(ctx, j, ops); err != nil {
		e.Abort(ctx, j)
		return j, err
	}
	if err := e.backup(j); err != nil {
		e.Abort(ctx, j)
		return j, err
	}
	if err := e.stage(j); err != nil {
		e.Abort(ctx, j)
		return j, err
	}
	if err := e.applyFS(j); err != nil {
		e.Abort(ctx, j)
		return j, err
	}
	if err := e.commitDB(ctx, j); err != nil {
		// Past fs_applied, per spec §4.7.3 the FS side is durable; DB
		// failure here is reported but does not unwind the FS.
		return j, err
	}
	if err := j.Advance(Finished); err != nil {
		return j, err
	}
	if j.ChangesetID != 0 {
		if _, err := db.FinishChangeset(ctx, e.sqlDB, j.ChangesetID, changesetSummary(j)); err != nil {
			return j, err
		}
	}
	e.cleanupBackups(j)
	if err := j.Archive(e.baseDir); err != nil {
		return j, err
	}
	return j, nil
}

func changesetSummary(j *Journal) string {
	verb := "install"
	if j.IsUpgrade {
		verb = "upgrade"
	}
	return fmt.Sprintf("%s %s-%s", verb, j.PackageName, j.PackageVersion)
}

// plan computes files_to_stage/files_to_backup/dirs_to_create and
// detects file-ownership conflicts; a non-empty conflict list aborts
// before any side effect (spec §4.7.2 Plan).
func (e *Engine) plan(ctx context.Context, j *Journal, ops Operations) error {
	var conflicts []string
	dirs := map[string]bool{}
	var toBackup []FileAction

	for _, f := range ops.FilesToAdd {
		if owner, ok, err := db.FileOwner(ctx, e.sqlDB.Conn(), f.Path); err != nil {
			return cerr.Wrap(cerr.Transient, "txn.plan", f.Path, "query file owner", err)
		} else if ok && owner != ops.PackageName {
			conflicts = append(conflicts, fmt.Sprintf("%s already owned by %s", f.Path, owner))
			continue
		}
		dirs[filepath.Dir(f.Path)] = true
		if _, err := os.Lstat(f.Path); err == nil {
			toBackup = append(toBackup, f)
		}
	}

	j.FilesToStage = ops.FilesToAdd
	j.FilesToBackup = toBackup
	j.FilesToRemove = ops.FilesToRemove
	for d := range dirs {
		j.DirsToCreate = append(j.DirsToCreate, d)
	}
	j.Conflicts = conflicts
	j.OldPackageVersion = ops.OldPackage
	j.Provides = ops.Provides
	j.Dependencies = ops.Dependencies
	j.Scriptlets = ops.Scriptlets

	if len(conflicts) > 0 {
		return cerr.New(cerr.Conflict, "txn.plan", ops.PackageName, fmt.Sprintf("%d file ownership conflicts", len(conflicts)))
	}
	return j.Advance(Planned)
}

// prepare checks that each incoming file's content is already present and
// intact in CAS; it does not write content into CAS itself. Idempotent:
// it only reads.
func (e *Engine) prepare(ctx context.Context, j *Journal, ops Operations) error {
	for _, f := range j.FilesToStage {
		if f.Hash == "" {
			continue
		}
		if err := e.cas.Verify(f.Hash); err != nil {
			return cerr.Wrap(cerr.Transient, "txn.prepare", f.Path, "verify CAS object", err)
		}
	}
	return j.Advance(Prepared)
}

// backup renames each file in files_to_backup to path+".backup-<tx_uuid>"
// and creates any missing directories (spec §4.7.2 Backup).
func (e *Engine) backup(j *Journal) error {
	for _, d := range j.DirsToCreate {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return cerr.Wrap(cerr.Transient, "txn.backup", d, "mkdir", err)
		}
	}
	for _, f := range j.FilesToBackup {
		backupPath := f.Path + ".backup-" + j.TxUUID
		if err := os.Rename(f.Path, backupPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cerr.Wrap(cerr.Transient, "txn.backup", f.Path, "rename to backup", err)
		}
	}
	return j.Advance(BackedUp)
}

// stage materializes each new file into path+".new-<tx_uuid>" by copying
// from CAS (spec §4.7.2 Stage).
func (e *Engine) stage(j *Journal) error {
	for _, f := range j.FilesToStage {
		newPath := f.Path + ".new-" + j.TxUUID
		if f.Hash == "" {
			continue
		}
		if err := e.cas.CopyFromCAS(f.Hash, newPath, os.FileMode(f.Mode)); err != nil {
			return cerr.Wrap(cerr.Transient, "txn.stage", f.Path, "materialize from CAS", err)
		}
	}
	return j.Advance(Staged)
}

// applyFS renames every staged file into place and unlinks every removed
// path (spec §4.7.2 Apply filesystem). Past this point the transaction
// is committed to completing: abort becomes a recovery path, not a
// rollback (spec §4.7.3).
func (e *Engine) applyFS(j *Journal) error {
	for _, f := range j.FilesToStage {
		newPath := f.Path + ".new-" + j.TxUUID
		if f.Hash == "" {
			continue
		}
		if err := os.Rename(newPath, f.Path); err != nil {
			return cerr.Wrap(cerr.Transient, "txn.apply_fs", f.Path, "rename staged into place", err)
		}
	}
	for _, f := range j.FilesToRemove {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return cerr.Wrap(cerr.Transient, "txn.apply_fs", f.Path, "unlink", err)
		}
	}
	return j.Advance(FSApplied)
}

// commitDB inserts the Changeset, Trove, Components, FileEntries,
// FileHistory, Provides, Dependencies, and Scriptlets rows atomically in
// one BEGIN IMMEDIATE transaction (spec §4.7.2 DB commit). On an upgrade
// the old Trove row is deleted in the same transaction, cascading to its
// own file_entries/components/dependencies/provides/scriptlets, so the new
// Trove's file_entries never collide with the old one's path uniqueness
// constraint (spec §3/S2).
func (e *Engine) commitDB(ctx context.Context, j *Journal) error {
	if err := j.Advance(DBCommitting); err != nil {
		return err
	}

	tx, err := e.sqlDB.Begin(ctx)
	if err != nil {
		return cerr.Wrap(cerr.Transient, "txn.db_commit", j.PackageName, "begin immediate", err)
	}

	var oldTrove *db.Trove
	if j.IsUpgrade && j.OldPackageVersion != "" {
		var err error
		oldTrove, err = db.TroveByNameVersion(ctx, tx, j.PackageName, j.OldPackageVersion)
		if err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", j.PackageName, "query old trove", err)
		}
	}

	// Inserted pending; FinishChangeset transitions it to applied once the
	// transaction reaches finished (spec §3's status enum never includes
	// a "db_committed" value).
	csID, err := db.InsertChangeset(ctx, tx, db.Changeset{
		Description: changesetSummary(j),
		Status:      "pending",
		TxUUID:      j.TxUUID,
		CreatedAt:   time.Now().Unix(),
	})
	if err != nil {
		tx.Rollback(ctx)
		return cerr.Wrap(cerr.Internal, "txn.db_commit", j.PackageName, "insert changeset", err)
	}

	troveID, err := db.InsertTrove(ctx, tx, db.Trove{
		Name:                   j.PackageName,
		Version:                j.PackageVersion,
		InstallReason:          installReason(j),
		InstalledByChangesetID: csID,
	})
	if err != nil {
		tx.Rollback(ctx)
		return cerr.Wrap(cerr.Internal, "txn.db_commit", j.PackageName, "insert trove", err)
	}

	if oldTrove != nil {
		if err := db.RepointDerivedSource(ctx, tx, oldTrove.ID, troveID); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", j.PackageName, "repoint derived packages", err)
		}
		if err := db.DeleteTrove(ctx, tx, oldTrove.ID); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", j.PackageName, "delete old trove", err)
		}
	}

	classifier := classify.New(nil)
	byComponent := map[string][]FileAction{}
	for _, f := range j.FilesToStage {
		comp := classifier.Classify(f.Path)
		byComponent[comp] = append(byComponent[comp], f)
	}
	names := make([]string, 0, len(byComponent))
	for name := range byComponent {
		names = append(names, name)
	}
	sort.Strings(names)

	componentIDs := make(map[string]int64, len(names))
	for _, name := range names {
		id, err := db.InsertComponent(ctx, tx, db.Component{ParentTroveID: troveID, Name: name, IsInstalled: true})
		if err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", name, "insert component", err)
		}
		componentIDs[name] = id
	}

	fileAction := "add"
	if j.IsUpgrade {
		fileAction = "modify"
	}
	for _, f := range j.FilesToStage {
		comp := classifier.Classify(f.Path)
		if err := db.InsertFileEntry(ctx, tx, db.FileEntry{TroveID: troveID, Path: f.Path, SHA256Hash: f.Hash, Mode: f.Mode, ComponentID: componentIDs[comp]}); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", f.Path, "insert file_entry", err)
		}
		if err := db.InsertFileHistory(ctx, tx, db.FileHistoryEntry{ChangesetID: csID, Path: f.Path, SHA256Hash: f.Hash, Action: fileAction}); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", f.Path, "insert file_history", err)
		}
	}
	for _, f := range j.FilesToRemove {
		if err := db.InsertFileHistory(ctx, tx, db.FileHistoryEntry{ChangesetID: csID, Path: f.Path, Action: "remove"}); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", f.Path, "insert file_history", err)
		}
	}

	for _, p := range j.Provides {
		if err := db.InsertProvide(ctx, tx, db.Provide{TroveID: troveID, Name: p.Name, Version: p.Version}); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", p.Name, "insert provide", err)
		}
	}
	for _, d := range j.Dependencies {
		if err := db.InsertDependency(ctx, tx, db.Dependency{TroveID: troveID, DepName: d.Name, DepVersionConstraint: d.Constraint, DepType: d.Type}); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", d.Name, "insert dependency", err)
		}
	}
	for _, s := range j.Scriptlets {
		if err := db.InsertScriptlet(ctx, tx, db.Scriptlet{TroveID: troveID, Phase: s.Phase, Interpreter: s.Interpreter, Content: s.Content, Flags: s.Flags, SourceFormat: s.SourceFormat}); err != nil {
			tx.Rollback(ctx)
			return cerr.Wrap(cerr.Internal, "txn.db_commit", s.Phase, "insert scriptlet", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return cerr.Wrap(cerr.Transient, "txn.db_commit", j.PackageName, "commit", err)
	}

	j.ChangesetID = csID
	j.TroveID = troveID
	return j.Advance(DBCommitted)
}

func installReason(j *Journal) string {
	if j.IsUpgrade {
		return "upgrade"
	}
	return "explicit"
}

// cleanupBackups removes every .backup-<tx_uuid> file left after a
// successful commit (spec §4.7.2 Finish).
func (e *Engine) cleanupBackups(j *Journal) {
	for _, f := range j.FilesToBackup {
		os.Remove(f.Path + ".backup-" + j.TxUUID)
	}
}

// Abort reverses whatever has been observably applied, in strict reverse
// order (spec §4.7.3). It never propagates a secondary error above the
// one that triggered the abort; unwind failures are best-effort and
// ignored.
func (e *Engine) Abort(ctx context.Context, j *Journal) {
	switch j.State {
	case Planned, Prepared:
		for _, f := range j.FilesToStage {
			os.Remove(f.Path + ".new-" + j.TxUUID)
		}
	case BackedUp, Staged:
		for _, f := range j.FilesToStage {
			os.Remove(f.Path + ".new-" + j.TxUUID)
		}
		e.restoreBackups(j)
	}
	j.Advance(Aborted)
}

func (e *Engine) restoreBackups(j *Journal) {
	for _, f := range j.FilesToBackup {
		backupPath := f.Path + ".backup-" + j.TxUUID
		if _, err := os.Lstat(backupPath); err == nil {
			os.Rename(backupPath, f.Path)
		}
	}
}
