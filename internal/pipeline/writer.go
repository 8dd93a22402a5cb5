package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Treystu/BMSview-sub009/internal/fingerprint"
	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

// recordWriter turns analyzer results into persisted records. It owns the
// two write shapes the engine has: first insert (racing on the hash
// uniqueness constraint) and in-place upgrade.
type recordWriter struct {
	store  storage.Storage
	logger *slog.Logger
	clock  Clock
}

// writeNew persists the first analysis of a fingerprint. The record's ID is
// derived from the fingerprint, so concurrent submitters of identical bytes
// compute the same ID and only the constraint decides the winner.
//
// lostRace is true when another submission inserted first; the returned
// record is then the winner's, re-read from the store.
func (w *recordWriter) writeNew(ctx context.Context, result *types.AnalyzerResult, fp fingerprint.Fingerprint, fileName string, completeThreshold float64) (record *types.AnalysisRecord, lostRace bool, err error) {
	now := w.clock.Now().UTC()

	eventTime := now
	if result.Analysis.ScreenTimestamp != nil {
		eventTime = result.Analysis.ScreenTimestamp.UTC()
	}

	record = &types.AnalysisRecord{
		ID:                 fp.RecordID(),
		ContentHash:        fp.Hash,
		FileName:           fileName,
		Timestamp:          eventTime,
		Analysis:           result.Analysis,
		ValidationScore:    result.ValidationScore,
		ExtractionAttempts: 1,
		IsComplete:         result.ValidationScore >= completeThreshold,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := record.Validate(); err != nil {
		return nil, false, fmt.Errorf("refusing to persist invalid record: %w", err)
	}

	err = w.store.InsertRecord(ctx, record)
	switch {
	case err == nil:
		w.project(ctx, record)
		return record, false, nil

	case errors.Is(err, storage.ErrDuplicateHash):
		winner, readErr := w.store.GetRecordByHash(ctx, fp.Hash)
		if readErr != nil {
			return nil, false, fmt.Errorf("insert lost race but winner unreadable: %w", readErr)
		}
		return winner, true, nil

	default:
		return nil, false, fmt.Errorf("failed to insert record: %w", err)
	}
}

// writeUpgrade applies a re-analysis to an existing record in place. The
// record's identity (ID, ContentHash, CreatedAt, system link) is preserved;
// the analysis payload, score, file name, and event time are replaced with
// the new result's values. The replacement is unconditional: a re-analysis
// that scores lower may still fill fields the stored payload lacks, and
// only the freshest payload ends the re-analysis grants.
func (w *recordWriter) writeUpgrade(ctx context.Context, result *types.AnalyzerResult, existing *types.AnalysisRecord, fileName string, completeThreshold float64) (*types.AnalysisRecord, error) {
	now := w.clock.Now().UTC()

	updated := *existing
	updated.ExtractionAttempts = existing.ExtractionAttempts + 1
	updated.UpdatedAt = now

	prev := existing.ValidationScore
	next := result.ValidationScore

	updated.Analysis = result.Analysis
	updated.ValidationScore = next
	if fileName != "" {
		updated.FileName = fileName
	}
	if result.Analysis.ScreenTimestamp != nil {
		updated.Timestamp = result.Analysis.ScreenTimestamp.UTC()
	}
	if next < prev {
		w.logger.Info("re-analysis scored lower than stored payload",
			"record_id", existing.ID, "previous", prev, "new", next)
	}

	updated.WasUpgraded = true
	updated.PreviousQuality = &prev
	updated.NewQuality = &next
	updated.IsComplete = updated.ValidationScore >= completeThreshold

	if err := updated.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to persist invalid upgrade: %w", err)
	}
	if err := w.store.UpdateRecordAnalysis(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to apply upgrade: %w", err)
	}

	w.logger.Info("record upgraded in place", "record_id", updated.ID,
		"previous_quality", prev, "new_quality", next,
		"attempts", updated.ExtractionAttempts, "complete", updated.IsComplete)

	w.project(ctx, &updated)
	return &updated, nil
}

// project refreshes the read projection. Best-effort.
func (w *recordWriter) project(ctx context.Context, record *types.AnalysisRecord) {
	if err := w.store.UpsertProjection(ctx, record); err != nil {
		w.logger.Warn("projection write failed", "record_id", record.ID, "error", err)
	}
}
