// Package sandbox provides the process-level isolation contract consumed
// by scriptlets and recipe builds (spec §4.9): optional namespace
// isolation and a hard wall-clock timeout enforced with SIGKILL. Config
// also carries a bind-mount list and resource limits; Run makes no mounts
// and enforces only the wall-clock limit.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Mount is one bind mount made available inside the sandbox.
type Mount struct {
	Source   string
	Target   string
	Writable bool
}

// Limits bounds the resources a sandboxed process may consume (spec
// §4.9's "address-space, CPU-seconds, file-size, nproc, wall-clock").
// Run enforces WallClock only; the other fields are not applied to the
// child process.
type Limits struct {
	AddressSpaceBytes uint64
	CPUSeconds        uint64
	FileSizeBytes     uint64
	MaxProcesses      uint64
	WallClock         time.Duration
}

// DefaultLimits matches the scriptlet contract's 60s wall-clock timeout
// (spec §4.8) with generous resource ceilings.
func DefaultLimits() Limits {
	return Limits{
		AddressSpaceBytes: 2 << 30, // 2 GiB
		CPUSeconds:        60,
		FileSizeBytes:     1 << 30, // 1 GiB
		MaxProcesses:      256,
		WallClock:         60 * time.Second,
	}
}

// Config describes one sandboxed invocation.
type Config struct {
	Command     []string
	Env         []string
	WorkDir     string
	Mounts      []Mount
	Limits      Limits
	DenyNetwork bool
	// Namespaces enables PID/UTS/IPC/mount namespace isolation, which
	// needs CAP_SYS_ADMIN. Run has no fallback: when the namespaces
	// cannot be created the command does not start and Run returns an
	// error.
	Namespaces bool
}

// Result is the outcome of one sandboxed invocation (spec §4.9's
// "(exit_code, stdout, stderr)").
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Run executes cfg.Command under the configured limits, killing it with
// SIGKILL if it overruns cfg.Limits.WallClock.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if len(cfg.Command) == 0 {
		return Result{}, fmt.Errorf("sandbox: empty command")
	}

	timeout := cfg.Limits.WallClock
	if timeout <= 0 {
		timeout = DefaultLimits().WallClock
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.WorkDir
	cmd.Stdin = nil // stdin closed, per spec §4.8

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.SysProcAttr = sysProcAttr(cfg)
	// On timeout, kill the whole process group so children die too.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("sandbox: run %v: %w", cfg.Command, err)
	}
	return res, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// sysProcAttr builds the namespace-isolation flags for cfg.Namespaces,
// falling back to a plain process group (for reliable SIGKILL-on-timeout
// of children) when namespaces are not requested.
func sysProcAttr(cfg Config) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if cfg.Namespaces {
		attr.Cloneflags = unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC
		if cfg.DenyNetwork {
			attr.Cloneflags |= unix.CLONE_NEWNET
		}
	}
	return attr
}
