package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// State is a flat set of device state values keyed by name.
// Values are JSON-compatible; nested objects are stored whole.
type State map[string]any

// StateStore persists the state the device has actually applied.
type StateStore interface {
	// Load returns the applied state of a shadow. A shadow with no stored
	// state returns an empty State.
	Load(ctx context.Context, id shadow.Identity) (State, error)

	// Merge writes the given keys. A nil value removes the key.
	Merge(ctx context.Context, id shadow.Identity, state State) error
}

// SQLiteStateStore implements StateStore on the local_state table.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore creates a store on an open, migrated database.
func NewSQLiteStateStore(db *sql.DB) *SQLiteStateStore {
	return &SQLiteStateStore{db: db}
}

// Load returns the applied state of a shadow.
func (s *SQLiteStateStore) Load(ctx context.Context, id shadow.Identity) (State, error) {
	query := `
		SELECT state_key, value FROM local_state
		WHERE thing_name = ? AND shadow_name = ?`

	rows, err := s.db.QueryContext(ctx, query, id.ThingName, id.ShadowName)
	if err != nil {
		return nil, fmt.Errorf("querying local state: %w", err)
	}
	defer rows.Close()

	state := make(State)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scanning local state: %w", err)
		}
		value, err := shadow.DecodeValue([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding local state %q: %w", key, err)
		}
		state[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating local state: %w", err)
	}
	return state, nil
}

// Merge upserts and deletes keys in one transaction.
func (s *SQLiteStateStore) Merge(ctx context.Context, id shadow.Identity, state State) error {
	if len(state) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range state {
		if key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidState)
		}
		if value == nil {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM local_state
				WHERE thing_name = ? AND shadow_name = ? AND state_key = ?`,
				id.ThingName, id.ShadowName, key,
			); err != nil {
				return fmt.Errorf("deleting local state %q: %w", key, err)
			}
			continue
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: encoding %q: %w", ErrInvalidState, key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO local_state (thing_name, shadow_name, state_key, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (thing_name, shadow_name, state_key)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			id.ThingName, id.ShadowName, key, string(raw), now,
		); err != nil {
			return fmt.Errorf("writing local state %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing local state: %w", err)
	}
	return nil
}
