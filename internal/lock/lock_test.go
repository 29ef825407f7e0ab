package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireNonBlockingFailsWhenHeld(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, false)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(dir, false)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, false)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := Acquire(dir, false)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
