package sessionstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save(RoleManager, "mgr-abc"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.Load(RoleManager)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != "mgr-abc" {
		t.Errorf("expected mgr-abc, got %s", got)
	}
}

func TestSaveOverwrites(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save(RoleWorker, "wrk-1"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(RoleWorker, "wrk-2"); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := store.Load(RoleWorker)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != "wrk-2" {
		t.Errorf("expected latest id wrk-2, got %s", got)
	}
}

func TestLoadMissingRole(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Load(RoleManager)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClear(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save(RoleManager, "mgr-abc"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Clear(RoleManager); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := store.Load(RoleManager); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after clear, got %v", err)
	}

	// Clearing an absent role is fine.
	if err := store.Clear("no-such-role"); err != nil {
		t.Errorf("clearing absent role should not error: %v", err)
	}
}
