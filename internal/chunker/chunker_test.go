package chunker

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestSmallFileIsSingleChunk(t *testing.T) {
	data := randomBytes(MinSize-1, 1)
	chunks := Chunk(data)
	require.Len(t, chunks, 1)
	assert.Equal(t, data, chunks[0].Data)
	assert.Equal(t, int64(0), chunks[0].Offset)
}

func TestChunksReassembleExactly(t *testing.T) {
	data := randomBytes(4*NominalSize, 42)
	chunks := Chunk(data)
	require.Greater(t, len(chunks), 1)

	reassembled := Reassemble(chunks)
	assert.True(t, bytes.Equal(data, reassembled))
}

func TestChunksAreContiguousAndBounded(t *testing.T) {
	data := randomBytes(4*NominalSize, 7)
	chunks := Chunk(data)

	var expectedOffset int64
	for _, c := range chunks {
		assert.Equal(t, expectedOffset, c.Offset)
		assert.GreaterOrEqual(t, c.Length, 0)
		assert.LessOrEqual(t, c.Length, MaxSize)
		expectedOffset += int64(c.Length)
	}
	assert.Equal(t, int64(len(data)), expectedOffset)
}

func TestChunkingIsDeterministic(t *testing.T) {
	data := randomBytes(2*NominalSize, 99)
	a := Chunk(data)
	b := Chunk(data)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Hash, b[i].Hash)
		assert.Equal(t, a[i].Offset, b[i].Offset)
	}
}

func TestLocalEditChangesFewChunks(t *testing.T) {
	data := randomBytes(4*NominalSize, 123)
	original := Chunk(data)

	edited := make([]byte, len(data))
	copy(edited, data)
	mid := len(edited) / 2
	copy(edited[mid:mid+8], []byte("EDITED!!"))

	changed := Chunk(edited)

	originalHashes := make(map[string]bool)
	for _, c := range original {
		originalHashes[c.Hash] = true
	}
	diffCount := 0
	for _, c := range changed {
		if !originalHashes[c.Hash] {
			diffCount++
		}
	}
	// A handful of chunks should differ, not the whole file.
	assert.Less(t, diffCount, len(changed)/2+2)
}

func TestEachChunkHashMatchesItsData(t *testing.T) {
	data := randomBytes(3*NominalSize, 5)
	for _, c := range Chunk(data) {
		assert.Equal(t, makeChunk(c.Data, c.Offset).Hash, c.Hash)
	}
}
