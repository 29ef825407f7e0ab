package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentRootStableUnderReordering(t *testing.T) {
	components := map[string]ComponentRef{
		"runtime": {Hash: "aaaa", FileCount: 1, TotalSize: 10, Default: true},
		"doc":     {Hash: "bbbb", FileCount: 1, TotalSize: 20, Default: false},
		"config":  {Hash: "cccc", FileCount: 1, TotalSize: 5, Default: true},
	}
	root1 := ContentRoot(components)

	// Build an equivalent map via a different insertion order; Go map
	// iteration order is randomized anyway, but this makes the intent explicit.
	reordered := map[string]ComponentRef{}
	for _, name := range []string{"config", "runtime", "doc"} {
		reordered[name] = components[name]
	}
	root2 := ContentRoot(reordered)

	assert.Equal(t, root1, root2)
}

func TestContentRootChangesWithDifferentComponents(t *testing.T) {
	a := map[string]ComponentRef{"runtime": {Hash: "aaaa"}}
	b := map[string]ComponentRef{"runtime": {Hash: "bbbb"}}
	assert.NotEqual(t, ContentRoot(a), ContentRoot(b))
}

func TestComponentHashOrderIndependent(t *testing.T) {
	files1 := []FileEntry{
		{Path: "/usr/bin/a", Hash: "h1"},
		{Path: "/usr/bin/b", Hash: "h2"},
	}
	files2 := []FileEntry{
		{Path: "/usr/bin/b", Hash: "h2"},
		{Path: "/usr/bin/a", Hash: "h1"},
	}
	assert.Equal(t, ComponentHash(files1), ComponentHash(files2))
}

func TestSymlinkHashConvention(t *testing.T) {
	h := SymlinkHash("/usr/bin/real")
	assert.Len(t, h, 64)
	assert.Equal(t, SymlinkHash("/usr/bin/real"), h)
}

func TestCBORRoundTrip(t *testing.T) {
	m := &BinaryManifest{
		FormatVersion: CurrentFormatVersion,
		Name:          "hello",
		Version:       "1.0",
		Provides:      []string{"hello"},
		Components: map[string]ComponentRef{
			"runtime": {Hash: "deadbeef", FileCount: 1, TotalSize: 42, Default: true},
		},
	}
	m.ContentRoot = ContentRoot(m.Components)

	b, err := EncodeCBOR(m)
	require.NoError(t, err)

	got, err := DecodeCBOR(b)
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, m.ContentRoot, got.ContentRoot)
	assert.Equal(t, m.Components["runtime"].Hash, got.Components["runtime"].Hash)
}
