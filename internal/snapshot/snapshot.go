// Package snapshot implements state snapshots and rollback (spec §4.11):
// after a transaction finishes, a snapshot records the installed-package
// set; rolling back to an earlier snapshot computes the minimal diff of
// installs/removes needed to reach it.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Package identifies one installed (name, version) pair within a snapshot.
type Package struct {
	Name    string
	Version string
}

// Snapshot is one rollback point, recorded only for already-applied
// changesets (spec §4.11: "Snapshots are never partial").
type Snapshot struct {
	StateNumber      int64
	ChangesetID      int64
	Summary          string
	InstalledSetHash string
	Installed        []Package
}

// Hash computes the deterministic content-hash of an installed-package
// set: sorted "name=version" lines, SHA-256.
func Hash(installed []Package) string {
	sorted := append([]Package{}, installed...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Version < sorted[j].Version
	})
	var b strings.Builder
	for _, p := range sorted {
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Version)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// New builds a Snapshot for changesetID over the current installed set.
func New(stateNumber, changesetID int64, summary string, installed []Package) Snapshot {
	return Snapshot{
		StateNumber:      stateNumber,
		ChangesetID:      changesetID,
		Summary:          summary,
		InstalledSetHash: Hash(installed),
		Installed:        installed,
	}
}

// Plan is the minimal set of operations to transform current into target.
type Plan struct {
	ToInstall []Package // present in target, absent (or different version) in current
	ToRemove  []Package // present in current, absent from target
}

// Diff computes the minimal install/remove set to transform current into
// target (spec §4.11's rollback semantics).
func Diff(current, target []Package) Plan {
	curByName := map[string]Package{}
	for _, p := range current {
		curByName[p.Name] = p
	}
	targetByName := map[string]Package{}
	for _, p := range target {
		targetByName[p.Name] = p
	}

	var plan Plan
	for name, want := range targetByName {
		if have, ok := curByName[name]; !ok || have.Version != want.Version {
			plan.ToInstall = append(plan.ToInstall, want)
		}
	}
	for name, have := range curByName {
		if _, ok := targetByName[name]; !ok {
			plan.ToRemove = append(plan.ToRemove, have)
		}
	}

	sort.Slice(plan.ToInstall, func(i, j int) bool { return plan.ToInstall[i].Name < plan.ToInstall[j].Name })
	sort.Slice(plan.ToRemove, func(i, j int) bool { return plan.ToRemove[i].Name < plan.ToRemove[j].Name })
	return plan
}

// RollbackTo finds snapshot stateNumber among snapshots and returns the
// diff plan from the current installed set to that snapshot's set.
func RollbackTo(snapshots []Snapshot, stateNumber int64, current []Package) (Plan, bool) {
	for _, s := range snapshots {
		if s.StateNumber == stateNumber {
			return Diff(current, s.Installed), true
		}
	}
	return Plan{}, false
}
