package shadow

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the shadow_versions table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE shadow_versions (
			thing_name  TEXT NOT NULL,
			shadow_name TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL CHECK (version >= 0),
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (thing_name, shadow_name)
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestSQLiteVersionStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteVersionStore(setupTestDB(t))

	versions, err := store.LoadVersions(ctx)
	if err != nil {
		t.Fatalf("LoadVersions() error = %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("LoadVersions() on empty table = %v", versions)
	}

	classic, named := Classic("lamp1"), Named("lamp1", "cfg")
	steps := []struct {
		id      Identity
		version uint64
	}{
		{classic, 3},
		{named, 10},
		{classic, 8},
		{classic, 5}, // lower versions never overwrite
	}
	for _, s := range steps {
		if err := store.SaveVersion(ctx, s.id, s.version); err != nil {
			t.Fatalf("SaveVersion(%v, %d) error = %v", s.id, s.version, err)
		}
	}

	versions, err = store.LoadVersions(ctx)
	if err != nil {
		t.Fatalf("LoadVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[classic] != 8 || versions[named] != 10 {
		t.Errorf("LoadVersions() = %v, want lamp1=8 lamp1/cfg=10", versions)
	}
}

func TestSessionPersistsVersions(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteVersionStore(setupTestDB(t))
	id := Classic("lamp1")

	if err := store.SaveVersion(ctx, id, 4); err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}

	s, mt := openTestSession(t, Options{Store: store})
	if v, ok := s.Version(id); !ok || v != 4 {
		t.Fatalf("Version() after Open = %d, %v; want 4, true", v, ok)
	}

	rec := &deltaRecorder{}
	s.OnDelta(id, rec.handle) //nolint:errcheck // mock transport cannot fail

	// The persisted version filters a replayed delta.
	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{},"version":4}`))
	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{},"version":6}`))
	s.queue.sync()

	if got := rec.Versions(); len(got) != 1 || got[0] != 6 {
		t.Errorf("delivered = %v, want [6]", got)
	}

	versions, err := store.LoadVersions(ctx)
	if err != nil {
		t.Fatalf("LoadVersions() error = %v", err)
	}
	if versions[id] != 6 {
		t.Errorf("persisted version = %d, want 6", versions[id])
	}
}
