package ccs

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/ConaryLabs/conary/internal/cas"
	"github.com/ConaryLabs/conary/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/share/doc/hello"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr/bin/hello"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr/share/doc/hello/README"), []byte("read me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/hello.conf"), []byte("greeting=hi"), 0o644))
}

func buildBase(name, version string) manifest.BinaryManifest {
	return manifest.BinaryManifest{Name: name, Version: version}
}

func mustKeyPair(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv, pub
}

func TestBuildThenOpenRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	store := cas.New(t.TempDir())
	dest := filepath.Join(t.TempDir(), "hello.ccs")

	result, err := Build(store, src, dest, BuildOptions{
		Base: buildBase("hello", "1.0"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Manifest.Name)

	archive, err := Open(dest)
	require.NoError(t, err)
	require.NoError(t, archive.VerifyContentRoot())

	assert.Equal(t, "hello", archive.Manifest.Name)
	assert.Contains(t, archive.Manifest.Components, "runtime")
	assert.Contains(t, archive.Manifest.Components, "doc")
	assert.Contains(t, archive.Manifest.Components, "config")
}

func TestBuildSignsManifestWhenKeyProvided(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	store := cas.New(t.TempDir())
	dest := filepath.Join(t.TempDir(), "hello.ccs")

	priv, _ := mustKeyPair(t)
	_, err := Build(store, src, dest, BuildOptions{
		Base:       buildBase("hello", "1.0"),
		SigningKey: priv,
		KeyID:      "test-key",
	})
	require.NoError(t, err)

	archive, err := Open(dest)
	require.NoError(t, err)
	assert.NotEmpty(t, archive.Sig)
}

func TestBuildWithChunkingLargeFile(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "usr/bin"), 0o755))
	big := make([]byte, 2*1024*1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(src, "usr/bin/big"), big, 0o755))

	store := cas.New(t.TempDir())
	dest := filepath.Join(t.TempDir(), "big.ccs")
	result, err := Build(store, src, dest, BuildOptions{WithChunking: true, Base: buildBase("big", "1.0")})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Manifest.Components["runtime"].Hash)

	archive, err := Open(dest)
	require.NoError(t, err)
	files, err := archive.ComponentFiles("runtime")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Greater(t, len(files[0].Chunks), 1)
}

func TestOpenRejectsNonGzipFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "not-a-ccs.ccs")
	require.NoError(t, os.WriteFile(dest, []byte("plain text, not gzip"), 0o644))

	_, err := Open(dest)
	require.Error(t, err)
}
