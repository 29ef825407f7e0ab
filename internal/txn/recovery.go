package txn

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/ConaryLabs/conary/internal/db"
)

// Recover scans baseDir for every journal whose terminal state is not
// finished or aborted and drives it to a safe terminal state per the
// table in spec §4.7.4. It should run on startup, before any new
// transaction begins, while holding the directory lock.
func Recover(ctx context.Context, baseDir string, sqlDB *db.DB) error {
	uuids, err := ListInFlight(baseDir)
	if err != nil {
		return err
	}
	for _, id := range uuids {
		j, err := OpenJournal(baseDir, id)
		if err != nil {
			return err
		}
		if err := recoverOne(ctx, baseDir, j, sqlDB); err != nil {
			return fmt.Errorf("txn: recover %s: %w", id, err)
		}
	}
	return nil
}

func recoverOne(ctx context.Context, baseDir string, j *Journal, sqlDB *db.DB) error {
	switch j.State {
	case Planned, Prepared:
		deleteNewFiles(j)
		return j.Remove()

	case BackedUp:
		restoreAll(j)
		return j.Remove()

	case Staged:
		deleteNewFiles(j)
		restoreAll(j)
		return j.Remove()

	case FSApplied, DBCommitting:
		committed, err := changesetExists(ctx, sqlDB.Conn(), j.TxUUID)
		if err != nil {
			return err
		}
		if committed {
			return finalize(ctx, baseDir, sqlDB, j)
		}
		deleteNewFiles(j)
		restoreAll(j)
		return j.Remove()

	case DBCommitted:
		return finalize(ctx, baseDir, sqlDB, j)

	case PostScriptsDone:
		return j.Archive(baseDir)

	default:
		// finished / aborted: nothing to do, shouldn't have been listed.
		return nil
	}
}

// finalize completes a durable transaction: remove backup files, mark its
// changeset applied and record a state snapshot, then archive the journal.
func finalize(ctx context.Context, baseDir string, sqlDB *db.DB, j *Journal) error {
	for _, f := range j.FilesToBackup {
		os.Remove(f.Path + ".backup-" + j.TxUUID)
	}
	if err := j.Advance(Finished); err != nil {
		return err
	}
	csID := j.ChangesetID
	if csID == 0 {
		id, err := db.ChangesetIDByTxUUID(ctx, sqlDB.Conn(), j.TxUUID)
		if err != nil {
			return err
		}
		csID = id
	}
	if csID != 0 {
		if _, err := db.FinishChangeset(ctx, sqlDB, csID, changesetSummary(j)); err != nil {
			return err
		}
	}
	return j.Archive(baseDir)
}

func deleteNewFiles(j *Journal) {
	for _, f := range j.FilesToStage {
		os.Remove(f.Path + ".new-" + j.TxUUID)
	}
}

func restoreAll(j *Journal) {
	for _, f := range j.FilesToBackup {
		backupPath := f.Path + ".backup-" + j.TxUUID
		if _, err := os.Lstat(backupPath); err == nil {
			os.Rename(backupPath, f.Path)
		}
	}
}

func changesetExists(ctx context.Context, conn *sql.DB, txUUID string) (bool, error) {
	row := conn.QueryRowContext(ctx, `SELECT 1 FROM changesets WHERE tx_uuid = ?`, txUUID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("txn: query changeset existence: %w", err)
	}
	return true, nil
}
