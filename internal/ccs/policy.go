package ccs

import "fmt"

// ActionKind is the verdict a Policy renders for one file during the
// build walk.
type ActionKind int

const (
	Keep ActionKind = iota
	Skip
	Replace
	Reject
)

// Action is the result of applying a Policy to one file's raw content.
type Action struct {
	Kind        ActionKind
	NewContent  []byte // only meaningful when Kind == Replace
	RejectError error  // only meaningful when Kind == Reject
}

// Policy transforms or vetoes one file during the CCS build walk. Path is
// the file's install path; content and mode are its current (possibly
// already-transformed) state.
type Policy interface {
	Apply(path string, content []byte, mode uint32) (Action, error)
}

// PolicyFunc adapts a plain function to the Policy interface.
type PolicyFunc func(path string, content []byte, mode uint32) (Action, error)

func (f PolicyFunc) Apply(path string, content []byte, mode uint32) (Action, error) {
	return f(path, content, mode)
}

// Chain runs each policy in order against a file. The first Skip or
// Reject short-circuits; a Replace feeds its new content into the next
// policy in the chain, matching the builder's "apply file-by-file,
// recompute hash if content changed" step.
type Chain []Policy

func (c Chain) Run(path string, content []byte, mode uint32) ([]byte, error) {
	current := content
	for _, p := range c {
		action, err := p.Apply(path, current, mode)
		if err != nil {
			return nil, fmt.Errorf("ccs: policy error for %s: %w", path, err)
		}
		switch action.Kind {
		case Keep:
			// no-op
		case Skip:
			return nil, errSkip
		case Replace:
			current = action.NewContent
		case Reject:
			if action.RejectError != nil {
				return nil, action.RejectError
			}
			return nil, fmt.Errorf("ccs: policy rejected %s", path)
		}
	}
	return current, nil
}

var errSkip = fmt.Errorf("ccs: file skipped by policy")

// IsSkip reports whether err is the sentinel returned when a policy skips
// a file (not a real failure).
func IsSkip(err error) bool {
	return err == errSkip
}
