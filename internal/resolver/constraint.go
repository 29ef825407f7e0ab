package resolver

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Op is a version-constraint operator.
type Op int

const (
	Any Op = iota
	Eq
	Ge
	Le
	Gt
	Lt
)

// Constraint is one edge's version requirement: an operator plus the
// version it's relative to (ignored when Op is Any).
type Constraint struct {
	Op      Op
	Version string
	// Range, when non-empty, is a semver-style range expression
	// ("`>=2.1.0, <3`") used for CCS-native/capability dependencies
	// alongside the RPM-style Op/Version pair that governs
	// upstream-format packages.
	Range string
}

// ParseConstraint parses a constraint string such as ">=2", "=1.0.3", "<3",
// or the empty string (Any).
func ParseConstraint(s string) Constraint {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Constraint{Op: Any}
	case strings.HasPrefix(s, ">="):
		return Constraint{Op: Ge, Version: strings.TrimSpace(s[2:])}
	case strings.HasPrefix(s, "<="):
		return Constraint{Op: Le, Version: strings.TrimSpace(s[2:])}
	case strings.HasPrefix(s, ">"):
		return Constraint{Op: Gt, Version: strings.TrimSpace(s[1:])}
	case strings.HasPrefix(s, "<"):
		return Constraint{Op: Lt, Version: strings.TrimSpace(s[1:])}
	case strings.HasPrefix(s, "="):
		return Constraint{Op: Eq, Version: strings.TrimSpace(s[1:])}
	default:
		return Constraint{Op: Eq, Version: s}
	}
}

// Satisfies reports whether candidateVersion satisfies the constraint,
// using the RPM-style comparator (spec §4.5).
func (c Constraint) Satisfies(candidateVersion string) bool {
	if c.Op == Any {
		if c.Range != "" {
			return satisfiesRange(c.Range, candidateVersion)
		}
		return true
	}
	cmp := Compare(candidateVersion, c.Version)
	switch c.Op {
	case Eq:
		return cmp == 0
	case Ge:
		return cmp >= 0
	case Le:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Lt:
		return cmp < 0
	default:
		return false
	}
}

// satisfiesRange checks a semver-style range against candidateVersion,
// used for CCS-native capability constraints that are expressed as
// semver ranges rather than RPM epoch:version-release strings.
func satisfiesRange(rng, candidateVersion string) bool {
	constraint, err := semver.NewConstraint(rng)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(candidateVersion)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}

func (c Constraint) String() string {
	switch c.Op {
	case Any:
		if c.Range != "" {
			return c.Range
		}
		return "*"
	case Eq:
		return "=" + c.Version
	case Ge:
		return ">=" + c.Version
	case Le:
		return "<=" + c.Version
	case Gt:
		return ">" + c.Version
	case Lt:
		return "<" + c.Version
	default:
		return fmt.Sprintf("op(%d)%s", c.Op, c.Version)
	}
}

// DepKind distinguishes what an edge depends on.
type DepKind int

const (
	DepPackage DepKind = iota
	DepCapability
	DepFile
	DepVirtual
)

// DepType distinguishes when a dependency applies.
type DepType int

const (
	DepRuntime DepType = iota
	DepBuild
	DepOptional
)

// Edge is a dependency edge: From requires To subject to Constraint.
type Edge struct {
	From       string
	To         string
	Constraint Constraint
	Kind       DepKind
	Type       DepType
}
