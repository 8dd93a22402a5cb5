// Package storage defines the persistence interface for analysis records,
// fingerprint aliases, known systems, and the denormalized read projection.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ErrDuplicateHash is returned by InsertRecord when another record already
// holds the content hash. This is an expected outcome under concurrent
// first-time submissions, not an exceptional one: the caller recovers by
// re-reading the winning record.
var ErrDuplicateHash = errors.New("content hash already exists")

// ProjectionRow is the flattened, read-optimized view of a record kept for
// external consumers (dashboards, exports). It duplicates the fields those
// consumers filter on so they never have to unpack the analysis JSON.
type ProjectionRow struct {
	RecordID        string    `json:"recordId"`
	SystemID        *string   `json:"systemId,omitempty"`
	SystemName      *string   `json:"systemName,omitempty"`
	FileName        string    `json:"fileName"`
	Timestamp       time.Time `json:"timestamp"`
	StateOfCharge   *float64  `json:"stateOfCharge,omitempty"`
	TotalVoltage    *float64  `json:"totalVoltage,omitempty"`
	Current         *float64  `json:"current,omitempty"`
	ValidationScore float64   `json:"validationScore"`
	IsComplete      bool      `json:"isComplete"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Storage is the persistence boundary for the ingest engine. All
// cross-request coordination is delegated to the store's atomicity: the
// uniqueness constraint behind InsertRecord and the conditional update
// behind LinkSystem are the only ordering guarantees the engine relies on.
type Storage interface {
	// Records
	InsertRecord(ctx context.Context, record *types.AnalysisRecord) error
	GetRecord(ctx context.Context, id string) (*types.AnalysisRecord, error)

	// GetRecordByHash resolves a fingerprint to its live record, following
	// any alias redirect written by functional dedupe.
	GetRecordByHash(ctx context.Context, hash string) (*types.AnalysisRecord, error)

	// GetRecordByFileName is the backward-compatibility lookup for records
	// created before fingerprinting existed.
	GetRecordByFileName(ctx context.Context, fileName string) (*types.AnalysisRecord, error)

	// UpdateRecordAnalysis rewrites a record's analysis payload, score,
	// attempts, audit fields, file name, and event time in place, keyed by
	// record.ID. It never inserts.
	UpdateRecordAnalysis(ctx context.Context, record *types.AnalysisRecord) error

	MarkComplete(ctx context.Context, recordID string) error

	// LinkSystem attaches a system to a record only when no system is set
	// yet (conditional update, monotonic). Linking an already-linked record
	// is a silent no-op.
	LinkSystem(ctx context.Context, recordID, systemID, systemName string) error

	// FindBySystemAndWindow returns another record for the same system whose
	// event time falls inside [bucketStart, bucketStart+window), excluding
	// excludeID. ErrNotFound when no such record exists.
	FindBySystemAndWindow(ctx context.Context, systemID string, bucketStart time.Time, window time.Duration, excludeID string) (*types.AnalysisRecord, error)

	// Fingerprint aliases: redirects written when functional dedupe collapses
	// two fingerprints onto one canonical record.
	UpsertAlias(ctx context.Context, contentHash, canonicalID string) error

	// Systems
	UpsertSystem(ctx context.Context, system *types.SystemRecord) error
	ListSystems(ctx context.Context) ([]*types.SystemRecord, error)

	// Read projection. Best-effort from the caller's perspective: a failed
	// projection write never fails the primary operation.
	UpsertProjection(ctx context.Context, record *types.AnalysisRecord) error
	GetProjection(ctx context.Context, recordID string) (*ProjectionRow, error)
	ListRecentProjections(ctx context.Context, limit int) ([]*ProjectionRow, error)

	Close() error
}
