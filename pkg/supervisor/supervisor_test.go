package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable shell script into dir.
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
}

func TestRunSuccess(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ok", `echo "hello $1"; echo "warn" >&2`)

	s := New(dir)
	res, err := s.Run(context.Background(), "ok", []string{"world"}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Failed() {
		t.Fatalf("Run() failed: %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello world") {
		t.Errorf("Stdout = %q, want it to contain %q", res.Stdout, "hello world")
	}
	if !strings.Contains(res.Stderr, "warn") {
		t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, "warn")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "fail", `echo "boom" >&2; exit 3`)

	s := New(dir)
	res, err := s.Run(context.Background(), "fail", nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Failure != FailureNonZeroExit {
		t.Errorf("Failure = %q, want %q", res.Failure, FailureNonZeroExit)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, "boom")
	}
}

func TestRunSpawnFailure(t *testing.T) {
	s := New(t.TempDir())
	res, err := s.Run(context.Background(), "does-not-exist", nil, nil, time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Failure != FailureSpawn {
		t.Errorf("Failure = %q, want %q", res.Failure, FailureSpawn)
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	// The child spawns its own child; the group kill must reach both.
	writeScript(t, dir, "slow", `sleep 60 & sleep 60`)

	s := New(dir)
	start := time.Now()
	res, err := s.Run(context.Background(), "slow", nil, nil, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Failure != FailureTimeout {
		t.Errorf("Failure = %q, want %q", res.Failure, FailureTimeout)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("timeout kill took %v", elapsed)
	}
}

func TestRunEnvPassthrough(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "env", `echo "token=$UPLOAD_ACCESS_TOKEN"`)

	s := New(dir)
	res, err := s.Run(context.Background(), "env", nil, []string{"UPLOAD_ACCESS_TOKEN=tok123"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Stdout, "token=tok123") {
		t.Errorf("Stdout = %q, env var not passed through", res.Stdout)
	}
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	chunk := strings.Repeat("x", 512*1024)

	for i := 0; i < 4; i++ {
		if _, err := b.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	out := b.String()
	if !strings.HasSuffix(out, truncationMarker) {
		t.Error("over-cap output should carry the truncation marker")
	}
	if len(out) > MaxCapturedOutput+len(truncationMarker) {
		t.Errorf("retained %d bytes, cap is %d", len(out), MaxCapturedOutput)
	}
}

func TestCappedBufferUnderCap(t *testing.T) {
	var b cappedBuffer
	b.Write([]byte("short output"))
	if got := b.String(); got != "short output" {
		t.Errorf("String() = %q, want %q", got, "short output")
	}
}
