package store

import (
	"path/filepath"
	"testing"
)

func TestFileLock_TryLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".doc.lock")

	first := newFileLock(path)
	if err := first.lock(); err != nil {
		t.Fatalf("lock() failed: %v", err)
	}

	// flock locks are per open file description, so a second handle in the
	// same process contends like another process would.
	second := newFileLock(path)
	ok, err := second.tryLock()
	if err != nil {
		t.Fatalf("tryLock() error: %v", err)
	}
	if ok {
		t.Fatal("tryLock() should fail while the lock is held")
	}

	if err := first.unlock(); err != nil {
		t.Fatalf("unlock() failed: %v", err)
	}

	ok, err = second.tryLock()
	if err != nil || !ok {
		t.Fatalf("tryLock() after unlock = %v, %v; want true, nil", ok, err)
	}
	if err := second.unlock(); err != nil {
		t.Errorf("unlock() failed: %v", err)
	}
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := newFileLock(filepath.Join(t.TempDir(), ".doc.lock"))
	if err := fl.unlock(); err != nil {
		t.Errorf("unlock() without lock error = %v, want nil", err)
	}
}
