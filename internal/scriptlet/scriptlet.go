// Package scriptlet implements the external-format-dependent lifecycle
// hook contract (spec §4.8): gating, per-format argument shaping,
// environment, and sandboxed-or-direct execution.
package scriptlet

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ConaryLabs/conary/internal/sandbox"
)

// Phase is one lifecycle hook point.
type Phase string

const (
	PreInstall   Phase = "pre_install"
	PostInstall  Phase = "post_install"
	PreRemove    Phase = "pre_remove"
	PostRemove   Phase = "post_remove"
	PreUpgrade   Phase = "pre_upgrade"
	PostUpgrade  Phase = "post_upgrade"
)

// SourceFormat is the packaging format the scriptlet content came from,
// which governs argument shaping (spec §4.8).
type SourceFormat string

const (
	FormatRPM  SourceFormat = "rpm"
	FormatDEB  SourceFormat = "deb"
	FormatArch SourceFormat = "arch"
	FormatCCS  SourceFormat = "ccs"
)

// SandboxMode selects when scriptlet execution is sandboxed.
type SandboxMode string

const (
	SandboxNever  SandboxMode = "never"
	SandboxAuto   SandboxMode = "auto"
	SandboxAlways SandboxMode = "always"
)

// Scriptlet is one stored lifecycle hook.
type Scriptlet struct {
	Phase        Phase
	Interpreter  string
	Content      string
	SourceFormat SourceFormat
	ArchFunction string // for Arch .INSTALL wrapper: the function name to invoke
}

// Request carries everything the gating and shaping rules need.
type Request struct {
	PackageName    string
	PackageVersion string
	OldVersion     string // set for upgrade-old-side and remove
	Components     []string
	Root           string
	IsUpgrade      bool
	NewSide        bool // for RPM: whether this is the upgrade's new-side invocation
	SandboxMode    SandboxMode
}

// Outcome reports a non-fatal scriptlet failure (spec §4.7.6: non-zero
// exit is a warning, never a rollback trigger).
type Outcome struct {
	Skipped  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Warning  string
}

// Run gates, shapes, and executes one scriptlet per spec §4.8.
func Run(ctx context.Context, s Scriptlet, req Request) (Outcome, error) {
	if skip, reason := gate(req); skip {
		return Outcome{Skipped: true, Warning: reason}, nil
	}

	args, err := shapeArgs(s, req)
	if err != nil {
		return Outcome{}, err
	}

	command, env := buildCommand(s, req, args)

	useSandbox := req.SandboxMode == SandboxAlways ||
		(req.SandboxMode == SandboxAuto && looksRisky(s.Content))

	cfg := sandbox.Config{
		Command:     command,
		Env:         env,
		Limits:      sandbox.DefaultLimits(),
		Namespaces:  useSandbox,
		DenyNetwork: useSandbox,
	}

	res, err := sandbox.Run(ctx, cfg)
	if err != nil {
		return Outcome{}, fmt.Errorf("scriptlet: run %s/%s: %w", s.Phase, req.PackageName, err)
	}

	out := Outcome{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if res.TimedOut {
		out.Warning = "scriptlet timed out after 60s wall clock"
		return out, nil
	}
	if res.ExitCode != 0 {
		out.Warning = fmt.Sprintf("scriptlet exited %d", res.ExitCode)
	}
	return out, nil
}

// gate implements spec §4.8's "skip entirely" rules.
func gate(req Request) (bool, string) {
	if req.Root != "/" {
		return true, "installation root is not / — cannot affect foreign root"
	}
	hasRuntimeOrLib := false
	for _, c := range req.Components {
		if c == "runtime" || c == "lib" {
			hasRuntimeOrLib = true
			break
		}
	}
	if !hasRuntimeOrLib {
		return true, "component set has neither runtime nor lib"
	}
	return false, ""
}

// shapeArgs builds the positional argument list per source format.
func shapeArgs(s Scriptlet, req Request) ([]string, error) {
	switch s.SourceFormat {
	case FormatRPM:
		return []string{rpmRemainingCount(s.Phase, req)}, nil
	case FormatDEB:
		return []string{debActionWord(s.Phase, req)}, nil
	case FormatArch:
		return archVersionArgs(s.Phase, req), nil
	case FormatCCS:
		return nil, nil
	default:
		return nil, fmt.Errorf("scriptlet: unknown source format %q", s.SourceFormat)
	}
}

// rpmRemainingCount: install 1, upgrade-new-side 2, upgrade-old-side 1, remove 0.
func rpmRemainingCount(phase Phase, req Request) string {
	switch phase {
	case PreRemove, PostRemove:
		if req.IsUpgrade {
			return "1"
		}
		return "0"
	case PreUpgrade, PostUpgrade:
		if req.NewSide {
			return "2"
		}
		return "1"
	default:
		return "1"
	}
}

func debActionWord(phase Phase, req Request) string {
	switch phase {
	case PreInstall:
		if req.IsUpgrade {
			return "upgrade " + req.OldVersion
		}
		return "install"
	case PostInstall:
		return "configure"
	case PreRemove, PostRemove:
		return "remove"
	default:
		return "install"
	}
}

// archVersionArgs: install "$1=new"; upgrade "$1=new $2=old". Arch does
// not run old-package scripts during upgrade (spec §4.8), so callers
// should never invoke this for the old side of an upgrade.
func archVersionArgs(phase Phase, req Request) []string {
	if req.IsUpgrade && req.OldVersion != "" {
		return []string{req.PackageVersion, req.OldVersion}
	}
	return []string{req.PackageVersion}
}

// buildCommand wraps the scriptlet content in its interpreter, adding the
// Arch .INSTALL function-dispatch wrapper when needed (SPEC_FULL.md
// "SUPPLEMENTED FEATURES").
func buildCommand(s Scriptlet, req Request, args []string) (command, env []string) {
	env = []string{
		"PACKAGE_NAME=" + req.PackageName,
		"PACKAGE_VERSION=" + req.PackageVersion,
		"ROOT=" + req.Root,
		"PHASE=" + string(s.Phase),
	}

	if s.SourceFormat == FormatArch {
		fn := s.ArchFunction
		if fn == "" {
			fn = archFunctionName(s.Phase)
		}
		script := fmt.Sprintf("set -e\n. /dev/stdin <<'CONARY_INSTALL_EOF'\n%s\nCONARY_INSTALL_EOF\n%s %s\n", s.Content, fn, strings.Join(args, " "))
		return []string{s.Interpreter, "-c", script}, env
	}

	// "scriptlet" fills $0; args become $1, $2, ... inside s.Content.
	command = append([]string{s.Interpreter, "-c", s.Content, "scriptlet"}, args...)
	return command, env
}

func archFunctionName(phase Phase) string {
	switch phase {
	case PreInstall:
		return "pre_install"
	case PostInstall:
		return "post_install"
	case PreRemove:
		return "pre_remove"
	case PostRemove:
		return "post_remove"
	case PreUpgrade:
		return "pre_upgrade"
	case PostUpgrade:
		return "post_upgrade"
	default:
		return string(phase)
	}
}

// riskyPatterns are static indicators of dangerous scriptlet behavior
// that elevate sandbox mode "auto" to sandboxed execution (spec §4.8):
// fork bombs, `rm -rf /`, remote-pipe-to-shell, setuid manipulation.
var riskyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:`),         // classic fork bomb
	regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`),               // rm -rf /
	regexp.MustCompile(`curl[^|]*\|\s*(sh|bash)`),          // curl | sh
	regexp.MustCompile(`wget[^|]*\|\s*(sh|bash)`),          // wget | sh
	regexp.MustCompile(`chmod\s+([4ug]?[ug]?s|[0-7]*[4267][0-7]{3})`), // setuid/setgid bits
}

func looksRisky(content string) bool {
	for _, p := range riskyPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}
