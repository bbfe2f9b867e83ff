package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/showrunner/pkg/log"
)

// MaxCapturedOutput caps retained stdout/stderr per stream. Output beyond
// the cap is dropped and the tail is marked truncated.
const MaxCapturedOutput = 1 << 20 // 1 MiB

const truncationMarker = "\n... [output truncated]"

// killGrace is how long a timed-out process group gets between SIGTERM and
// SIGKILL.
const killGrace = 10 * time.Second

// FailureKind classifies why an invocation failed.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureSpawn       FailureKind = "spawn_failed"
	FailureNonZeroExit FailureKind = "non_zero_exit"
	FailureTimeout     FailureKind = "timeout"
)

// Result is the outcome of one program invocation.
type Result struct {
	Program  string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Failure  FailureKind
}

// Failed reports whether the invocation did not succeed.
func (r *Result) Failed() bool {
	return r.Failure != FailureNone
}

// Supervisor runs stage programs out of a scripts directory. Every child is
// started in its own process group so a kill reaches the whole tree,
// including anything the program itself spawned.
type Supervisor struct {
	scriptsDir string
}

// New creates a supervisor rooted at the given scripts directory.
func New(scriptsDir string) *Supervisor {
	return &Supervisor{scriptsDir: scriptsDir}
}

// cappedBuffer keeps the first MaxCapturedOutput bytes and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := MaxCapturedOutput - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// Run executes a program with the given timeout. env entries are appended
// to the child's inherited environment. The returned Result is always
// non-nil; inspect Failure for the outcome. Run only returns a Go error for
// supervisor-level problems, never for the child's own failure.
func (s *Supervisor) Run(ctx context.Context, program string, args, env []string, timeout time.Duration) (*Result, error) {
	path := filepath.Join(s.scriptsDir, program)
	res := &Result{Program: program, Args: args}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(path, args...)
	cmd.Env = append(cmd.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr cappedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Failure = FailureSpawn
		res.ExitCode = -1
		res.Stderr = err.Error()
		res.Duration = time.Since(start)
		return res, nil
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		s.killGroup(cmd, waitCh)
		res.Failure = FailureTimeout
		res.ExitCode = -1
		res.Duration = time.Since(start)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		log.WithComponent("supervisor").Warn().
			Str("program", program).
			Dur("timeout", timeout).
			Msg("program timed out, process group killed")
		return res, nil
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Failure = FailureNonZeroExit
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to wait for %s: %w", program, waitErr)
	}

	res.ExitCode = 0
	return res, nil
}

// killGroup sends SIGTERM to the child's process group, waits out the grace
// period, then SIGKILLs whatever is left.
func (s *Supervisor) killGroup(cmd *exec.Cmd, waitCh <-chan error) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(killGrace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-waitCh
}
