package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Verify lock file exists and contains PID.
	data, err := os.ReadFile(filepath.Join(tmpDir, fileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if len(data) == 0 {
		t.Error("lock file is empty")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Errorf("expected LockHeldError, got %T: %v", err, err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestInspect(t *testing.T) {
	tmpDir := t.TempDir()

	info, err := Inspect(tmpDir)
	if err != nil {
		t.Fatalf("Inspect() without lock error = %v", err)
	}
	if info.Held {
		t.Error("Inspect() reports held before Acquire")
	}

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	info, err = Inspect(tmpDir)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if !info.Held || info.PID != os.Getpid() || info.Since.IsZero() {
		t.Errorf("Inspect() = %+v, want held by %d", info, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if info, _ := Inspect(tmpDir); info.Held {
		t.Error("Inspect() reports held after Release")
	}
}

func TestParse(t *testing.T) {
	info := parse("pid=42\ntime=2024-05-01T10:00:00Z\n")
	if info.PID != 42 {
		t.Errorf("PID = %d, want 42", info.PID)
	}
	if info.Since.Year() != 2024 {
		t.Errorf("Since = %v", info.Since)
	}
	if got := parse("garbage"); got.PID != 0 {
		t.Errorf("parse(garbage) PID = %d, want 0", got.PID)
	}
}
