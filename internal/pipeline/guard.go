package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

// functionalWindow is the bucket width for functional dedupe: two records of
// the same system whose event times fall in the same minute describe one
// physical event.
const functionalWindow = time.Minute

// reconcile collapses a freshly written record into an existing canonical
// record when both describe the same system+minute event. Different
// screenshots of the same BMS screen hash differently; without this pass
// the store accumulates near-duplicate rows that skew downstream
// aggregation.
//
// Runs only on the new-analysis path, after system linking. Every failure
// is recovered locally: the fresh record is returned and the store keeps
// both rows.
func (e *Engine) reconcile(ctx context.Context, record *types.AnalysisRecord) (*types.AnalysisRecord, bool) {
	if record.SystemID == nil {
		// Without a system link the minute bucket is meaningless.
		return record, false
	}
	if record.Analysis.ScreenTimestamp == nil {
		// The event time fell back to ingestion time; unrelated screenshots
		// uploaded in the same wall-clock minute must not collapse.
		return record, false
	}

	bucket := record.Timestamp.UTC().Truncate(functionalWindow)
	canonical, err := e.store.FindBySystemAndWindow(ctx, *record.SystemID, bucket, functionalWindow, record.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("functional dedupe search failed",
				"record_id", record.ID, "error", err)
		}
		return record, false
	}

	// Redirect future lookups of this fingerprint to the canonical record.
	if err := e.store.UpsertAlias(ctx, record.ContentHash, canonical.ID); err != nil {
		e.logger.Warn("failed to write fingerprint alias, keeping both records",
			"record_id", record.ID, "canonical_id", canonical.ID, "error", err)
		return record, false
	}

	e.metrics.FunctionalMerges.Inc()
	e.logger.Info("functional duplicate collapsed into canonical record",
		"record_id", record.ID, "canonical_id", canonical.ID,
		"system_id", *record.SystemID, "bucket", bucket)
	return canonical, true
}
