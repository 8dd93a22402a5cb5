package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

// UpsertProjection refreshes the denormalized read row for a record. Callers
// treat this as best-effort; the projection is never authoritative.
func (s *Store) UpsertProjection(ctx context.Context, record *types.AnalysisRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO record_projection (record_id, system_id, system_name,
			file_name, event_time, state_of_charge, total_voltage, current,
			validation_score, is_complete, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			system_id = excluded.system_id,
			system_name = excluded.system_name,
			file_name = excluded.file_name,
			event_time = excluded.event_time,
			state_of_charge = excluded.state_of_charge,
			total_voltage = excluded.total_voltage,
			current = excluded.current,
			validation_score = excluded.validation_score,
			is_complete = excluded.is_complete,
			updated_at = excluded.updated_at`,
		record.ID, record.SystemID, record.SystemName, record.FileName,
		record.Timestamp.UTC(), record.Analysis.StateOfCharge,
		record.Analysis.TotalVoltage, record.Analysis.Current,
		record.ValidationScore, record.IsComplete, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert projection: %w", err)
	}
	return nil
}

const projectionColumns = `record_id, system_id, system_name, file_name,
	event_time, state_of_charge, total_voltage, current, validation_score,
	is_complete, updated_at`

// GetProjection fetches the read-optimized row for one record.
func (s *Store) GetProjection(ctx context.Context, recordID string) (*storage.ProjectionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectionColumns+` FROM record_projection WHERE record_id = ?`, recordID)
	return scanProjection(row.Scan)
}

// ListRecentProjections returns the most recently updated projection rows.
func (s *Store) ListRecentProjections(ctx context.Context, limit int) ([]*storage.ProjectionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectionColumns+` FROM record_projection
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query projections: %w", err)
	}
	defer rows.Close()

	var out []*storage.ProjectionRow
	for rows.Next() {
		p, err := scanProjection(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProjection(scan func(...any) error) (*storage.ProjectionRow, error) {
	var p storage.ProjectionRow
	err := scan(&p.RecordID, &p.SystemID, &p.SystemName, &p.FileName,
		&p.Timestamp, &p.StateOfCharge, &p.TotalVoltage, &p.Current,
		&p.ValidationScore, &p.IsComplete, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan projection: %w", err)
	}
	return &p, nil
}
