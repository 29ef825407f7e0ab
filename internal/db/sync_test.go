package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var assertErr = errors.New("bad signature")

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, repoName, url string) ([]byte, error) {
	return f.data, f.err
}

func insertTestRepository(t *testing.T, d *DB, name, url, contentURL string) Repository {
	t.Helper()
	res, err := d.conn.Exec(`INSERT INTO repositories (name, url, content_url, priority) VALUES (?, ?, ?, 0)`, name, url, sql.NullString{String: contentURL, Valid: contentURL != ""})
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return Repository{ID: id, Name: name, URL: url, ContentURL: contentURL}
}

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) Verify(ctx context.Context, repo Repository, data []byte) error {
	return v.err
}

func TestSyncRepositoryStrictGPGFailureAborts(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	doc := `{"packages":[{"name":"nginx","version":"1.0","download_url":"https://metadata.example/nginx.tar"}]}`
	repo := insertTestRepository(t, d, "core", "https://metadata.example/index.json", "")
	repo.GPGCheck = true
	repo.GPGStrict = true

	_, err := SyncRepository(ctx, d, &fakeFetcher{data: []byte(doc)}, &fakeVerifier{err: assertErr}, repo)
	require.Error(t, err)

	row := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM repository_packages WHERE repository_id = ?`, repo.ID)
	var count int
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSyncRepositoryLenientGPGFailureProceeds(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	doc := `{"packages":[{"name":"nginx","version":"1.0","download_url":"https://metadata.example/nginx.tar"}]}`
	repo := insertTestRepository(t, d, "core", "https://metadata.example/index.json", "")
	repo.GPGCheck = true
	repo.GPGStrict = false

	count, err := SyncRepository(ctx, d, &fakeFetcher{data: []byte(doc)}, &fakeVerifier{err: assertErr}, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncRepositoryInsertsPackages(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	doc := `{"name":"core","version":"1","packages":[
		{"name":"nginx","version":"1.18.0","arch":"x86_64","download_url":"https://metadata.example/pkgs/nginx.tar","checksum":"abc","size":100,"depends":["libc"]}
	]}`
	repo := insertTestRepository(t, d, "core", "https://metadata.example/index.json", "")

	count, err := SyncRepository(ctx, d, &fakeFetcher{data: []byte(doc)}, nil, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	row := d.conn.QueryRowContext(ctx, `SELECT name, download_url FROM repository_packages WHERE repository_id = ?`, repo.ID)
	var name, url string
	require.NoError(t, row.Scan(&name, &url))
	assert.Equal(t, "nginx", name)
	assert.Equal(t, "https://metadata.example/pkgs/nginx.tar", url)
}

func TestSyncRepositoryRebasesContentURL(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	doc := `{"name":"core","version":"1","packages":[
		{"name":"nginx","version":"1.18.0","download_url":"https://metadata.example/pkgs/nginx.tar","checksum":"abc","size":100}
	]}`
	repo := insertTestRepository(t, d, "core", "https://metadata.example/index.json", "https://mirror.example")

	_, err := SyncRepository(ctx, d, &fakeFetcher{data: []byte(doc)}, nil, repo)
	require.NoError(t, err)

	row := d.conn.QueryRowContext(ctx, `SELECT download_url FROM repository_packages WHERE repository_id = ?`, repo.ID)
	var url string
	require.NoError(t, row.Scan(&url))
	assert.Equal(t, "https://mirror.example/pkgs/nginx.tar", url)
}

func TestSyncRepositoryReplacesStaleRows(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	repo := insertTestRepository(t, d, "core", "https://metadata.example/index.json", "")

	first := `{"packages":[{"name":"old-pkg","version":"1.0","download_url":"https://metadata.example/old.tar"}]}`
	_, err := SyncRepository(ctx, d, &fakeFetcher{data: []byte(first)}, nil, repo)
	require.NoError(t, err)

	second := `{"packages":[{"name":"new-pkg","version":"2.0","download_url":"https://metadata.example/new.tar"}]}`
	count, err := SyncRepository(ctx, d, &fakeFetcher{data: []byte(second)}, nil, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rows, err := d.conn.QueryContext(ctx, `SELECT name FROM repository_packages WHERE repository_id = ?`, repo.ID)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	assert.Equal(t, []string{"new-pkg"}, names)
}
