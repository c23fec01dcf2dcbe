package shadow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VersionStore persists the last known version of every shadow so a
// restarted device does not re-apply deltas it has already seen.
type VersionStore interface {
	// LoadVersions returns every persisted version.
	LoadVersions(ctx context.Context) (map[Identity]uint64, error)

	// SaveVersion records a version. A lower version than the stored one
	// must not overwrite it.
	SaveVersion(ctx context.Context, id Identity, version uint64) error
}

// SQLiteVersionStore implements VersionStore on the shadow_versions table.
type SQLiteVersionStore struct {
	db *sql.DB
}

// NewSQLiteVersionStore creates a store on an open, migrated database.
func NewSQLiteVersionStore(db *sql.DB) *SQLiteVersionStore {
	return &SQLiteVersionStore{db: db}
}

// LoadVersions returns every persisted version.
func (r *SQLiteVersionStore) LoadVersions(ctx context.Context) (map[Identity]uint64, error) {
	query := `SELECT thing_name, shadow_name, version FROM shadow_versions`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying shadow versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[Identity]uint64)
	for rows.Next() {
		var id Identity
		var version int64
		if err := rows.Scan(&id.ThingName, &id.ShadowName, &version); err != nil {
			return nil, fmt.Errorf("scanning shadow version: %w", err)
		}
		versions[id] = uint64(version) //nolint:gosec // versions are stored from uint64 values
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating shadow versions: %w", err)
	}
	return versions, nil
}

// SaveVersion upserts a version, keeping the higher of the stored and new values.
func (r *SQLiteVersionStore) SaveVersion(ctx context.Context, id Identity, version uint64) error {
	query := `
		INSERT INTO shadow_versions (thing_name, shadow_name, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thing_name, shadow_name) DO UPDATE SET
			version = max(version, excluded.version),
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		id.ThingName,
		id.ShadowName,
		int64(version), //nolint:gosec // shadow versions fit in int64
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving shadow version %s: %w", id, err)
	}
	return nil
}
