package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conary.db")
	d, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestInsertTroveAndFileEntryCommits(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	tx, err := d.Begin(ctx)
	require.NoError(t, err)

	csID, err := InsertChangeset(ctx, tx, Changeset{Status: "pending", TxUUID: "tx-1", CreatedAt: 1})
	require.NoError(t, err)

	troveID, err := InsertTrove(ctx, tx, Trove{Name: "nginx", Version: "1.2.3", InstallReason: "explicit", InstalledByChangesetID: csID})
	require.NoError(t, err)

	require.NoError(t, InsertFileEntry(ctx, tx, FileEntry{TroveID: troveID, Path: "/usr/sbin/nginx", SHA256Hash: "abc", Size: 10, Mode: 0o755}))
	require.NoError(t, InsertFileHistory(ctx, tx, FileHistoryEntry{ChangesetID: csID, Path: "/usr/sbin/nginx", SHA256Hash: "abc", Action: "add"}))

	require.NoError(t, tx.Commit(ctx))

	got, err := TroveByNameVersion(ctx, d.Conn(), "nginx", "1.2.3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "explicit", got.InstallReason)

	owner, ok, err := FileOwner(ctx, d.Conn(), "/usr/sbin/nginx")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "nginx", owner)
}

func TestBeginRollbackDiscardsWrites(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	tx, err := d.Begin(ctx)
	require.NoError(t, err)
	_, err = InsertTrove(ctx, tx, Trove{Name: "widget", Version: "1.0", InstallReason: "dep"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	got, err := TroveByNameVersion(ctx, d.Conn(), "widget", "1.0")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileOwnerReportsNoOwner(t *testing.T) {
	d := openTestDB(t)
	_, ok, err := FileOwner(context.Background(), d.Conn(), "/no/such/path")
	require.NoError(t, err)
	assert.False(t, ok)
}
