// Package trigger implements the post-install trigger engine (spec
// §4.10): glob-matched handlers run at most once per changeset, in
// priority order. A failure is reported in that trigger's Result and is
// never fatal; the package does not log it.
package trigger

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
)

// Trigger is one configured handler.
type Trigger struct {
	Name     string
	Patterns []string
	Command  string
	Priority int
	Builtin  bool
}

// Registry holds the configured triggers. Built-in triggers cannot be
// removed (spec §4.10).
type Registry struct {
	triggers map[string]Trigger
}

func NewRegistry() *Registry {
	return &Registry{triggers: map[string]Trigger{}}
}

// Register adds or replaces a trigger by name.
func (r *Registry) Register(t Trigger) {
	r.triggers[t.Name] = t
}

// Remove deletes a non-builtin trigger by name; removing a built-in
// trigger is rejected.
func (r *Registry) Remove(name string) error {
	t, ok := r.triggers[name]
	if !ok {
		return nil
	}
	if t.Builtin {
		return fmt.Errorf("trigger: %q is a built-in trigger and cannot be removed", name)
	}
	delete(r.triggers, name)
	return nil
}

// Execution records that changesetID has already run trigger name, so a
// subsequent Fire for the same changeset is a no-op (spec §4.10's
// "at most once per changeset").
type Execution struct {
	ChangesetID int64
	TriggerName string
}

// Ledger tracks which (changeset, trigger) pairs have already executed.
// The ledger is held in memory only.
type Ledger struct {
	done map[Execution]bool
}

func NewLedger() *Ledger { return &Ledger{done: map[Execution]bool{}} }

func (l *Ledger) hasRun(e Execution) bool { return l.done[e] }
func (l *Ledger) markRun(e Execution)     { l.done[e] = true }

// Result reports one trigger's outcome.
type Result struct {
	Name     string
	Ran      bool
	ExitCode int
	Err      error
}

// Fire matches every registered trigger against newPaths, and runs each
// matching trigger at most once for changesetID, lowest Priority first.
func Fire(ctx context.Context, r *Registry, ledger *Ledger, changesetID int64, newPaths []string) []Result {
	var matched []Trigger
	for _, t := range r.triggers {
		if matchesAny(t.Patterns, newPaths) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].Name < matched[j].Name
	})

	var results []Result
	for _, t := range matched {
		exec := Execution{ChangesetID: changesetID, TriggerName: t.Name}
		if ledger.hasRun(exec) {
			continue
		}
		ledger.markRun(exec)
		res := run(ctx, t)
		results = append(results, res)
	}
	return results
}

func matchesAny(patterns, paths []string) bool {
	for _, pat := range patterns {
		for _, p := range paths {
			if ok, err := filepath.Match(pat, p); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func run(ctx context.Context, t Trigger) Result {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", t.Command)
	err := cmd.Run()
	res := Result{Name: t.Name, Ran: true}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Err = err
		}
	}
	return res
}
