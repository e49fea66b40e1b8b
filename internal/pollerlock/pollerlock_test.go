package pollerlock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireExclusiveInProcess(t *testing.T) {
	dir := t.TempDir()
	key := Key("acct1", "secret")

	l1, err := Acquire(context.Background(), dir, key, nil)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l1.Release()

	if _, err := Acquire(context.Background(), dir, key, nil); err == nil {
		t.Fatal("second Acquire for same key should fail while first is held")
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	dir := t.TempDir()
	key := Key("acct2", "secret")

	l1, err := Acquire(context.Background(), dir, key, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l1.Release()

	l2, err := Acquire(context.Background(), dir, key, nil)
	if err != nil {
		t.Fatalf("reacquire after release should succeed: %v", err)
	}
	l2.Release()
}

func TestStaleLockIsStolen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sanitize(Key("acct3", "secret"))+".lock")

	// Seed the lock file as another holder would.
	if err := acquireFile(path); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	// A fresh file is within the stale window and must not be stolen.
	if err := acquireFile(path); err == nil {
		t.Fatal("expected fresh lock file to reject re-acquire")
	}

	// Backdating its mtime beyond staleWindow, as left by a crashed
	// process, lets acquireFile steal it.
	old := time.Now().Add(-2 * staleWindow)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("backdate lock file: %v", err)
	}
	if err := acquireFile(path); err != nil {
		t.Fatalf("expected stale lock file to be stolen, got %v", err)
	}
}
