// Package classify partitions a package's installed paths into components
// (runtime, lib, devel, doc, config, ...) using a strict, ordered
// path-prefix/suffix rule chain, with user-extensible glob filter files
// that can override the built-in rules.
package classify

import (
	"path"
	"sort"
	"strings"
)

// Built-in component names.
const (
	Runtime   = "runtime"
	Lib       = "lib"
	Devel     = "devel"
	Doc       = "doc"
	Config    = "config"
	DebugInfo = "debuginfo"
	Test      = "test"
)

// Rule is one user-supplied override: Pattern is matched with glob
// semantics against the full path, Component is the target component, and
// Priority breaks ties among matching rules (highest first).
type Rule struct {
	Pattern   string
	Component string
	Priority  int
}

// Classifier classifies paths into components. The zero value is ready to
// use with only the built-in rule chain.
type Classifier struct {
	rules []Rule
}

// New returns a Classifier with the given user-extensible filter rules
// layered on top of the built-in chain. Rules are sorted by descending
// priority so that the highest-priority match wins among user rules.
func New(rules []Rule) *Classifier {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Classifier{rules: sorted}
}

// Classify assigns component to a single path. User rules are consulted
// first (highest priority first); if none match, the built-in ordered
// rule chain from spec §4.3 applies, defaulting to Runtime.
func (c *Classifier) Classify(p string) string {
	for _, r := range c.rules {
		if globMatch(r.Pattern, p) {
			return r.Component
		}
	}
	return builtinClassify(p)
}

// ClassifyAll partitions paths into a map of component -> paths. Every
// input path appears in exactly one component's list (the partition
// invariant from spec §8 property 5).
func (c *Classifier) ClassifyAll(paths []string) map[string][]string {
	out := make(map[string][]string)
	for _, p := range paths {
		comp := c.Classify(p)
		out[comp] = append(out[comp], p)
	}
	return out
}

// builtinClassify implements the ordered rule chain from spec §4.3,
// first match wins.
func builtinClassify(p string) string {
	switch {
	case strings.HasPrefix(p, "/etc"):
		return Config
	case strings.HasPrefix(p, "/usr/include/") || strings.HasPrefix(p, "/include/"):
		return Devel
	case strings.HasSuffix(p, ".a") || strings.HasSuffix(p, ".la"):
		return Devel
	case strings.Contains(p, "/pkgconfig/") && strings.HasSuffix(p, ".pc"):
		return Devel
	case strings.Contains(p, "/cmake/"):
		return Devel
	case strings.HasPrefix(p, "/usr/share/aclocal/"):
		return Devel
	case hasAnyPrefix(p, "/usr/share/doc", "/usr/share/man", "/usr/share/info", "/usr/share/gtk-doc", "/usr/share/help"):
		return Doc
	case strings.Contains(p, ".so") && (strings.Contains(p, "/lib/") || strings.Contains(p, "/lib64/")):
		return Lib
	default:
		return Runtime
	}
}

func hasAnyPrefix(p string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// DefaultComponents are installed without an explicit request.
var DefaultComponents = map[string]bool{
	Runtime: true,
	Lib:     true,
	Config:  true,
}

// IsDefault reports whether a component is installed by default.
func IsDefault(component string) bool {
	return DefaultComponents[component]
}

// globMatch implements the filter-file glob semantics from spec §4.3:
// '*' matches any run of characters except '/', '**' matches across '/',
// and '?' matches exactly one character (not '/').
func globMatch(pattern, name string) bool {
	if strings.Contains(pattern, "**") {
		return doubleStarMatch(pattern, name)
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// doubleStarMatch handles patterns containing "**" by splitting on the
// first "**": the part before it must match a leading slice of name via
// path.Match, "**" absorbs any run of characters including '/', and the
// part after it is matched (recursively) against the rest of name.
func doubleStarMatch(pattern, name string) bool {
	parts := strings.SplitN(pattern, "**", 2)
	prefix, suffix := parts[0], parts[1]
	for i := 0; i <= len(name); i++ {
		if ok, err := path.Match(prefix, name[:i]); err != nil || !ok {
			continue
		}
		for j := i; j <= len(name); j++ {
			if globMatch(suffix, name[j:]) {
				return true
			}
		}
	}
	return false
}
