package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

const recordColumns = `id, content_hash, file_name, event_time, analysis,
	validation_score, extraction_attempts, is_complete, was_upgraded,
	previous_quality, new_quality, system_id, system_name, created_at, updated_at`

// InsertRecord inserts a new analysis record. The UNIQUE constraint on
// content_hash arbitrates concurrent first-time submissions; the loser gets
// storage.ErrDuplicateHash and should re-read the winner.
func (s *Store) InsertRecord(ctx context.Context, record *types.AnalysisRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	analysisJSON, err := json.Marshal(record.Analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ContentHash, record.FileName, record.Timestamp.UTC(),
		string(analysisJSON), record.ValidationScore, record.ExtractionAttempts,
		record.IsComplete, record.WasUpgraded, record.PreviousQuality,
		record.NewQuality, record.SystemID, record.SystemName,
		record.CreatedAt.UTC(), record.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateHash
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// GetRecord fetches a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (*types.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM analysis_records WHERE id = ?`, id)
	return scanRecord(row)
}

// GetRecordByHash resolves a fingerprint to its live record. Alias redirects
// written by functional dedupe take precedence over a direct hash match, so
// a collapsed fingerprint keeps resolving to its canonical record.
func (s *Store) GetRecordByHash(ctx context.Context, hash string) (*types.AnalysisRecord, error) {
	var canonicalID string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id FROM fingerprint_aliases WHERE content_hash = ?`, hash).Scan(&canonicalID)
	switch {
	case err == nil:
		return s.GetRecord(ctx, canonicalID)
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("failed to query alias: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM analysis_records WHERE content_hash = ?`, hash)
	return scanRecord(row)
}

// GetRecordByFileName returns the most recent record with an exact file-name
// match. Lookup of last resort for records created before fingerprinting.
func (s *Store) GetRecordByFileName(ctx context.Context, fileName string) (*types.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM analysis_records
		 WHERE file_name = ? ORDER BY created_at DESC LIMIT 1`, fileName)
	return scanRecord(row)
}

// UpdateRecordAnalysis rewrites the analysis payload and upgrade bookkeeping
// of an existing record, keyed by ID. Identity (id, content_hash, created_at)
// and the system link are left untouched.
func (s *Store) UpdateRecordAnalysis(ctx context.Context, record *types.AnalysisRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	analysisJSON, err := json.Marshal(record.Analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE analysis_records
		SET file_name = ?, event_time = ?, analysis = ?, validation_score = ?,
		    extraction_attempts = ?, is_complete = ?, was_upgraded = ?,
		    previous_quality = ?, new_quality = ?, updated_at = ?
		WHERE id = ?`,
		record.FileName, record.Timestamp.UTC(), string(analysisJSON),
		record.ValidationScore, record.ExtractionAttempts, record.IsComplete,
		record.WasUpgraded, record.PreviousQuality, record.NewQuality,
		record.UpdatedAt.UTC(), record.ID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkComplete sets the completion flag on a record.
func (s *Store) MarkComplete(ctx context.Context, recordID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE analysis_records SET is_complete = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("failed to mark record complete: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// LinkSystem attaches a system to a record, but only when none is set yet.
// The WHERE clause makes the set-once guarantee: once system_id is populated
// it is never overwritten, and re-linking is a silent no-op.
func (s *Store) LinkSystem(ctx context.Context, recordID, systemID, systemName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_records
		SET system_id = ?, system_name = ?, updated_at = ?
		WHERE id = ? AND system_id IS NULL`,
		systemID, systemName, time.Now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("failed to link system: %w", err)
	}
	return nil
}

// FindBySystemAndWindow returns another record for the same system inside
// the time window, excluding excludeID. Used by functional dedupe to find a
// canonical record for the same physical event.
func (s *Store) FindBySystemAndWindow(ctx context.Context, systemID string, bucketStart time.Time, window time.Duration, excludeID string) (*types.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM analysis_records
		 WHERE system_id = ? AND event_time >= ? AND event_time < ? AND id != ?
		 ORDER BY created_at ASC LIMIT 1`,
		systemID, bucketStart.UTC(), bucketStart.Add(window).UTC(), excludeID)
	return scanRecord(row)
}

// UpsertAlias points a fingerprint at a canonical record, replacing any
// existing redirect for that fingerprint (last writer wins).
func (s *Store) UpsertAlias(ctx context.Context, contentHash, canonicalID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprint_aliases (content_hash, record_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET record_id = excluded.record_id`,
		contentHash, canonicalID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert alias: %w", err)
	}
	return nil
}

// scanRecord reads one record row, translating sql.ErrNoRows into
// storage.ErrNotFound.
func scanRecord(row *sql.Row) (*types.AnalysisRecord, error) {
	var r types.AnalysisRecord
	var analysisJSON string

	err := row.Scan(&r.ID, &r.ContentHash, &r.FileName, &r.Timestamp,
		&analysisJSON, &r.ValidationScore, &r.ExtractionAttempts, &r.IsComplete,
		&r.WasUpgraded, &r.PreviousQuality, &r.NewQuality, &r.SystemID,
		&r.SystemName, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	if err := json.Unmarshal([]byte(analysisJSON), &r.Analysis); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis for %s: %w", r.ID, err)
	}
	return &r, nil
}
