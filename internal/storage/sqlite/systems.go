package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

// UpsertSystem inserts or replaces a known system. Systems are seeded at
// startup and changed rarely, so a full replace is fine.
func (s *Store) UpsertSystem(ctx context.Context, system *types.SystemRecord) error {
	if err := system.Validate(); err != nil {
		return fmt.Errorf("invalid system: %w", err)
	}

	identifiersJSON, err := json.Marshal(system.Identifiers)
	if err != nil {
		return fmt.Errorf("failed to marshal identifiers: %w", err)
	}

	createdAt := system.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO systems (id, name, identifiers, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, identifiers = excluded.identifiers`,
		system.ID, system.Name, string(identifiersJSON), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert system: %w", err)
	}
	return nil
}

// ListSystems returns every known system, for association snapshots.
func (s *Store) ListSystems(ctx context.Context) ([]*types.SystemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, identifiers, created_at FROM systems ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query systems: %w", err)
	}
	defer rows.Close()

	var systems []*types.SystemRecord
	for rows.Next() {
		var sys types.SystemRecord
		var identifiersJSON string
		if err := rows.Scan(&sys.ID, &sys.Name, &identifiersJSON, &sys.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan system: %w", err)
		}
		if err := json.Unmarshal([]byte(identifiersJSON), &sys.Identifiers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal identifiers for %s: %w", sys.ID, err)
		}
		systems = append(systems, &sys)
	}
	return systems, rows.Err()
}
