package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "bmsview.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func floatPtr(f float64) *float64 { return &f }

func testRecord(id, hash string) *types.AnalysisRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.AnalysisRecord{
		ID:          id,
		ContentHash: hash,
		FileName:    "pack-01.png",
		Timestamp:   now,
		Analysis: types.BMSAnalysis{
			StateOfCharge: floatPtr(87.5),
			TotalVoltage:  floatPtr(53.2),
			Current:       floatPtr(-12.4),
			CellVoltages:  []float64{3.32, 3.33, 3.31, 3.32},
		},
		ValidationScore:    91,
		ExtractionAttempts: 1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestInsertAndGetRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("rec-1", "hash-aaa")
	require.NoError(t, store.InsertRecord(ctx, rec))

	got, err := store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.ContentHash, got.ContentHash)
	assert.Equal(t, rec.FileName, got.FileName)
	assert.Equal(t, 91.0, got.ValidationScore)
	assert.Equal(t, 1, got.ExtractionAttempts)
	require.NotNil(t, got.Analysis.StateOfCharge)
	assert.Equal(t, 87.5, *got.Analysis.StateOfCharge)
	assert.Len(t, got.Analysis.CellVoltages, 4)
	assert.False(t, got.WasUpgraded)
	assert.Nil(t, got.SystemID)
}

func TestInsertDuplicateHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRecord(ctx, testRecord("rec-1", "hash-dup")))

	err := store.InsertRecord(ctx, testRecord("rec-2", "hash-dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicateHash,
		"unique rejection must surface as the expected duplicate outcome")

	// Exactly one record survives.
	got, err := store.GetRecordByHash(ctx, "hash-dup")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.ID)
}

func TestGetRecordByHashNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRecordByHash(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetRecordByFileNameFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("rec-1", "hash-aaa")
	rec.FileName = "legacy-upload.png"
	require.NoError(t, store.InsertRecord(ctx, rec))

	got, err := store.GetRecordByFileName(ctx, "legacy-upload.png")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.ID)

	_, err = store.GetRecordByFileName(ctx, "never-seen.png")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateRecordAnalysisPreservesIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("rec-1", "hash-aaa")
	rec.ValidationScore = 60
	require.NoError(t, store.InsertRecord(ctx, rec))

	rec.ValidationScore = 74
	rec.ExtractionAttempts = 2
	rec.WasUpgraded = true
	rec.PreviousQuality = floatPtr(60)
	rec.NewQuality = floatPtr(74)
	rec.FileName = "pack-01-retake.png"
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.UpdateRecordAnalysis(ctx, rec))

	got, err := store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-aaa", got.ContentHash, "upgrade keeps identity")
	assert.Equal(t, 74.0, got.ValidationScore)
	assert.Equal(t, 2, got.ExtractionAttempts)
	assert.True(t, got.WasUpgraded)
	require.NotNil(t, got.PreviousQuality)
	assert.Equal(t, 60.0, *got.PreviousQuality)
	assert.Equal(t, "pack-01-retake.png", got.FileName)
}

func TestUpdateMissingRecord(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateRecordAnalysis(context.Background(), testRecord("ghost", "hash-x"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkComplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRecord(ctx, testRecord("rec-1", "hash-aaa")))
	require.NoError(t, store.MarkComplete(ctx, "rec-1"))

	got, err := store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, got.IsComplete)

	assert.ErrorIs(t, store.MarkComplete(ctx, "ghost"), storage.ErrNotFound)
}

func TestLinkSystemIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRecord(ctx, testRecord("rec-1", "hash-aaa")))

	require.NoError(t, store.LinkSystem(ctx, "rec-1", "sys-1", "North Array"))
	got, err := store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, got.SystemID)
	assert.Equal(t, "sys-1", *got.SystemID)

	// A second link attempt must not overwrite the first.
	require.NoError(t, store.LinkSystem(ctx, "rec-1", "sys-2", "South Array"))
	got, err = store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "sys-1", *got.SystemID)
	assert.Equal(t, "North Array", *got.SystemName)
}

func TestFindBySystemAndWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	inWindow := testRecord("rec-1", "hash-aaa")
	inWindow.Timestamp = base.Add(12 * time.Second)
	require.NoError(t, store.InsertRecord(ctx, inWindow))
	require.NoError(t, store.LinkSystem(ctx, "rec-1", "sys-1", "North Array"))

	outOfWindow := testRecord("rec-2", "hash-bbb")
	outOfWindow.Timestamp = base.Add(90 * time.Second)
	require.NoError(t, store.InsertRecord(ctx, outOfWindow))
	require.NoError(t, store.LinkSystem(ctx, "rec-2", "sys-1", "North Array"))

	found, err := store.FindBySystemAndWindow(ctx, "sys-1", base, time.Minute, "rec-new")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", found.ID)

	// Excluding the only in-window record leaves nothing.
	_, err = store.FindBySystemAndWindow(ctx, "sys-1", base, time.Minute, "rec-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Different system never matches.
	_, err = store.FindBySystemAndWindow(ctx, "sys-2", base, time.Minute, "rec-new")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAliasRedirectsHashLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	canonical := testRecord("rec-canon", "hash-canon")
	require.NoError(t, store.InsertRecord(ctx, canonical))

	// Collapsed fingerprint: its own record is gone conceptually, lookups
	// must land on the canonical record.
	require.NoError(t, store.UpsertAlias(ctx, "hash-other", "rec-canon"))

	got, err := store.GetRecordByHash(ctx, "hash-other")
	require.NoError(t, err)
	assert.Equal(t, "rec-canon", got.ID)

	// Re-pointing the alias is last-writer-wins.
	second := testRecord("rec-2", "hash-second")
	require.NoError(t, store.InsertRecord(ctx, second))
	require.NoError(t, store.UpsertAlias(ctx, "hash-other", "rec-2"))

	got, err = store.GetRecordByHash(ctx, "hash-other")
	require.NoError(t, err)
	assert.Equal(t, "rec-2", got.ID)
}

func TestSystemsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sys := &types.SystemRecord{
		ID:          "sys-1",
		Name:        "North Array",
		Identifiers: []string{"DL-4419", "north-shed"},
	}
	require.NoError(t, store.UpsertSystem(ctx, sys))

	// Upsert with the same ID replaces.
	sys.Identifiers = append(sys.Identifiers, "JBD-7700")
	require.NoError(t, store.UpsertSystem(ctx, sys))

	systems, err := store.ListSystems(ctx)
	require.NoError(t, err)
	require.Len(t, systems, 1)
	assert.Equal(t, "North Array", systems[0].Name)
	assert.Len(t, systems[0].Identifiers, 3)
}

func TestProjectionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("rec-1", "hash-aaa")
	require.NoError(t, store.InsertRecord(ctx, rec))
	require.NoError(t, store.UpsertProjection(ctx, rec))

	p, err := store.GetProjection(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", p.RecordID)
	require.NotNil(t, p.StateOfCharge)
	assert.Equal(t, 87.5, *p.StateOfCharge)

	// Refresh after an upgrade overwrites in place.
	rec.ValidationScore = 95
	require.NoError(t, store.UpsertProjection(ctx, rec))
	p, err = store.GetProjection(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, 95.0, p.ValidationScore)

	recent, err := store.ListRecentProjections(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	_, err = store.GetProjection(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentFirstInserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			rec := testRecord("rec-"+string(rune('a'+n)), "hash-race")
			results <- store.InsertRecord(ctx, rec)
		}(i)
	}

	var wins, dups int
	for i := 0; i < workers; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, storage.ErrDuplicateHash)
			dups++
		}
	}

	assert.Equal(t, 1, wins, "exactly one concurrent insert wins")
	assert.Equal(t, workers-1, dups)
}
