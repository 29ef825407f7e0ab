package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIsOrderIndependent(t *testing.T) {
	a := []Package{{Name: "b", Version: "2"}, {Name: "a", Version: "1"}}
	b := []Package{{Name: "a", Version: "1"}, {Name: "b", Version: "2"}}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashChangesWithVersion(t *testing.T) {
	a := []Package{{Name: "a", Version: "1"}}
	b := []Package{{Name: "a", Version: "2"}}
	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestDiffComputesMinimalInstallRemove(t *testing.T) {
	current := []Package{{Name: "a", Version: "1"}, {Name: "b", Version: "1"}}
	target := []Package{{Name: "a", Version: "2"}, {Name: "c", Version: "1"}}

	plan := Diff(current, target)
	assert.ElementsMatch(t, []Package{{Name: "a", Version: "2"}, {Name: "c", Version: "1"}}, plan.ToInstall)
	assert.ElementsMatch(t, []Package{{Name: "b", Version: "1"}}, plan.ToRemove)
}

func TestDiffIsEmptyWhenSetsMatch(t *testing.T) {
	set := []Package{{Name: "a", Version: "1"}}
	plan := Diff(set, set)
	assert.Empty(t, plan.ToInstall)
	assert.Empty(t, plan.ToRemove)
}

func TestRollbackToFindsSnapshotByStateNumber(t *testing.T) {
	snaps := []Snapshot{
		New(1, 10, "initial", []Package{{Name: "a", Version: "1"}}),
		New(2, 11, "upgraded a", []Package{{Name: "a", Version: "2"}}),
	}
	current := []Package{{Name: "a", Version: "2"}}

	plan, ok := RollbackTo(snaps, 1, current)
	assert.True(t, ok)
	assert.Equal(t, []Package{{Name: "a", Version: "1"}}, plan.ToInstall)
}

func TestRollbackToReportsMissingSnapshot(t *testing.T) {
	_, ok := RollbackTo(nil, 99, nil)
	assert.False(t, ok)
}
