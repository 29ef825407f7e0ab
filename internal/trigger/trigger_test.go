package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireRunsMatchingTriggerOnce(t *testing.T) {
	r := NewRegistry()
	r.Register(Trigger{Name: "ldconfig", Patterns: []string{"/usr/lib/*.so"}, Command: "true", Priority: 10})
	ledger := NewLedger()

	results := Fire(context.Background(), r, ledger, 1, []string{"/usr/lib/libfoo.so"})
	require.Len(t, results, 1)
	assert.Equal(t, "ldconfig", results[0].Name)

	// Same changeset again: already run, no-op.
	results = Fire(context.Background(), r, ledger, 1, []string{"/usr/lib/libfoo.so"})
	assert.Empty(t, results)

	// A different changeset re-fires it.
	results = Fire(context.Background(), r, ledger, 2, []string{"/usr/lib/libfoo.so"})
	assert.Len(t, results, 1)
}

func TestFireOrdersByPriority(t *testing.T) {
	r := NewRegistry()
	r.Register(Trigger{Name: "b", Patterns: []string{"/x"}, Command: "true", Priority: 20})
	r.Register(Trigger{Name: "a", Patterns: []string{"/x"}, Command: "true", Priority: 5})
	ledger := NewLedger()

	results := Fire(context.Background(), r, ledger, 1, []string{"/x"})
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Name)
	assert.Equal(t, "b", results[1].Name)
}

func TestRemoveRejectsBuiltin(t *testing.T) {
	r := NewRegistry()
	r.Register(Trigger{Name: "core", Builtin: true})
	err := r.Remove("core")
	assert.Error(t, err)
}

func TestRemoveAllowsCustomTrigger(t *testing.T) {
	r := NewRegistry()
	r.Register(Trigger{Name: "custom"})
	require.NoError(t, r.Remove("custom"))
	_, ok := r.triggers["custom"]
	assert.False(t, ok)
}

func TestFireReportsNonFatalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(Trigger{Name: "bad", Patterns: []string{"/y"}, Command: "exit 9", Priority: 0})
	ledger := NewLedger()

	results := Fire(context.Background(), r, ledger, 1, []string{"/y"})
	require.Len(t, results, 1)
	assert.Equal(t, 9, results[0].ExitCode)
	assert.NoError(t, results[0].Err)
}
