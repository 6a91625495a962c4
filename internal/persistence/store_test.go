package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "missiond.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missiond.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must pass the checksum gate without re-running migrations.
	store, err = Open(path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer store.Close()

	var version int
	if err := store.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != schemaVersionLatest {
		t.Errorf("schema version = %d, want %d", version, schemaVersionLatest)
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missiond.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	store.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error on reopen")
	}
}

func TestRetryOnBusy_GivesUpOnOtherErrors(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-busy errors)", calls)
	}
}

func TestRetryOnBusy_RetriesBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
