package txn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ConaryLabs/conary/internal/cas"
	"github.com/ConaryLabs/conary/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	baseDir := filepath.Join(root, "state")
	casStore := cas.New(filepath.Join(baseDir, "objects"))
	sqlDB, err := db.Open(context.Background(), filepath.Join(baseDir, "conary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(baseDir, casStore, sqlDB), root
}

func TestRunInstallsFileAndCommitsDB(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	hash, err := e.cas.Store([]byte("binary content"))
	require.NoError(t, err)

	destPath := filepath.Join(root, "usr", "bin", "widget")
	ops := Operations{
		PackageName:    "widget",
		PackageVersion: "1.0",
		FilesToAdd:     []FileAction{{Path: destPath, Hash: hash, Mode: 0o755}},
	}

	j, err := e.Run(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, Finished, j.State)

	data, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "binary content", string(data))

	got, err := db.TroveByNameVersion(ctx, e.sqlDB.Conn(), "widget", "1.0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "explicit", got.InstallReason)
}

func TestRunRejectsOwnershipConflict(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	hash, err := e.cas.Store([]byte("a"))
	require.NoError(t, err)
	path := filepath.Join(root, "usr", "bin", "shared")

	_, err = e.Run(ctx, Operations{PackageName: "first", PackageVersion: "1.0", FilesToAdd: []FileAction{{Path: path, Hash: hash, Mode: 0o644}}})
	require.NoError(t, err)

	_, err = e.Run(ctx, Operations{PackageName: "second", PackageVersion: "1.0", FilesToAdd: []FileAction{{Path: path, Hash: hash, Mode: 0o644}}})
	require.Error(t, err)
}

func TestAbortRestoresBackupAfterStageFailure(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	path := filepath.Join(root, "etc", "widget.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	j, err := NewJournal(e.baseDir, "widget", "2.0", true)
	require.NoError(t, err)
	ops := Operations{PackageName: "widget", FilesToAdd: []FileAction{{Path: path, Hash: "missing-hash", Mode: 0o644}}}
	require.NoError(t, e.plan(ctx, j, ops))
	require.NoError(t, e.backup(j))

	stageErr := e.stage(j) // fails: "missing-hash" was never stored in CAS
	require.Error(t, stageErr)
	e.Abort(ctx, j)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assert.Equal(t, Aborted, j.State)
}

func TestRecoverFinalizesDBCommittedTransaction(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	hash, err := e.cas.Store([]byte("durable"))
	require.NoError(t, err)
	path := filepath.Join(root, "usr", "bin", "durable")

	j, err := NewJournal(e.baseDir, "durable-pkg", "1.0", false)
	require.NoError(t, err)
	require.NoError(t, e.plan(ctx, j, Operations{PackageName: "durable-pkg", FilesToAdd: []FileAction{{Path: path, Hash: hash, Mode: 0o644}}}))
	require.NoError(t, e.prepare(ctx, j, Operations{}))
	require.NoError(t, e.backup(j))
	require.NoError(t, e.stage(j))
	require.NoError(t, e.applyFS(j))
	require.NoError(t, e.commitDB(ctx, j))
	// Crash here: simulate by not advancing further.

	require.NoError(t, Recover(ctx, e.baseDir, e.sqlDB))

	reopened, err := OpenJournalFromArchive(e.baseDir, j.TxUUID)
	require.NoError(t, err)
	assert.Equal(t, Finished, reopened.State)
}
