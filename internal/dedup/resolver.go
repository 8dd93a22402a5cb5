package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

// Kind classifies what the engine should do with an incoming fingerprint.
type Kind int

const (
	// NotFound means no live record exists for the fingerprint; the content
	// must be analyzed for the first time.
	NotFound Kind = iota

	// Duplicate means a usable record already exists; return it without
	// invoking the analyzer.
	Duplicate

	// NeedsUpgrade means a record exists but is poor enough to warrant one
	// re-analysis.
	NeedsUpgrade
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Duplicate:
		return "duplicate"
	case NeedsUpgrade:
		return "needs_upgrade"
	default:
		return "unknown"
	}
}

// Rule names which policy rule produced a resolution, for logging and metrics.
type Rule string

const (
	RuleNoRecord             Rule = "no_record"
	RuleMissingCritical      Rule = "missing_critical_fields"
	RuleStalledNoImprovement Rule = "stalled_no_improvement"
	RuleLowConfidence        Rule = "low_confidence"
	RuleAccepted             Rule = "accepted"
)

// Resolution is the outcome of resolving one fingerprint.
type Resolution struct {
	Kind   Kind
	Rule   Rule
	Record *types.AnalysisRecord // nil when Kind == NotFound

	// MissingFields lists the absent critical fields when RuleMissingCritical
	// fired, for observability.
	MissingFields []string
}

// RecordSource is the slice of storage the resolver needs: fingerprint and
// file-name lookups plus the completion flag write.
type RecordSource interface {
	GetRecordByHash(ctx context.Context, hash string) (*types.AnalysisRecord, error)
	GetRecordByFileName(ctx context.Context, fileName string) (*types.AnalysisRecord, error)
	MarkComplete(ctx context.Context, recordID string) error
}

// Resolver decides, from a content fingerprint, whether a submission is new,
// a true duplicate, or a low-quality result worth re-analyzing.
//
// The policy is a decision table, not a loop: with the default attempts cap
// of 2, any record gets at most one re-analysis ever, which bounds analyzer
// cost regardless of how many times the same content is resubmitted.
type Resolver struct {
	source RecordSource
	cfg    Config
	logger *slog.Logger
}

// NewResolver creates a resolver over the given record source.
func NewResolver(source RecordSource, cfg Config, logger *slog.Logger) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dedup config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, cfg: cfg, logger: logger}, nil
}

// Resolve looks up the fingerprint and applies the upgrade policy. The
// ordered rules, first match wins:
//
//  1. Missing critical fields -> NeedsUpgrade
//  2. Stalled (attempts cap reached, last upgrade gained less than the
//     minimum improvement) -> accept permanently, Duplicate
//  3. Low confidence with attempts remaining -> NeedsUpgrade
//  4. Otherwise -> Duplicate
//
// fallbackFileName covers records created before fingerprinting existed;
// pass "" to skip the fallback lookup.
//
// Resolve applies the policy's side effects: records accepted by rules 2 and
// 4 are flagged complete (best-effort). Use Peek for a read-only probe.
func (r *Resolver) Resolve(ctx context.Context, hash, fallbackFileName string) (*Resolution, error) {
	res, err := r.Peek(ctx, hash, fallbackFileName)
	if err != nil {
		return nil, err
	}

	switch res.Rule {
	case RuleStalledNoImprovement:
		r.markComplete(ctx, res.Record)
	case RuleAccepted:
		if !res.Record.IsComplete {
			r.markComplete(ctx, res.Record)
		}
	}
	return res, nil
}

// Peek runs the lookup and decision table without mutating anything. Backs
// the check-only operation.
func (r *Resolver) Peek(ctx context.Context, hash, fallbackFileName string) (*Resolution, error) {
	record, err := r.lookup(ctx, hash, fallbackFileName)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &Resolution{Kind: NotFound, Rule: RuleNoRecord}, nil
	}
	return r.classify(record), nil
}

// classify applies the ordered decision table to a found record. Pure.
func (r *Resolver) classify(record *types.AnalysisRecord) *Resolution {
	// Rule 1: missing critical fields always warrant re-analysis.
	if missing := record.Analysis.Missing(r.cfg.CriticalFields); len(missing) > 0 {
		r.logger.Info("record missing critical fields, re-analysis needed",
			"record_id", record.ID, "missing", missing)
		return &Resolution{
			Kind:          NeedsUpgrade,
			Rule:          RuleMissingCritical,
			Record:        record,
			MissingFields: missing,
		}
	}

	// Rule 2: the analyzer already had its second chance and could not
	// meaningfully improve. Freeze the record so it is never retried.
	if record.ExtractionAttempts >= r.cfg.MaxExtractionAttempts &&
		record.WasUpgraded && record.PreviousQuality != nil && record.NewQuality != nil &&
		math.Abs(*record.NewQuality-*record.PreviousQuality) < r.cfg.MinQualityImprovement {
		return &Resolution{Kind: Duplicate, Rule: RuleStalledNoImprovement, Record: record}
	}

	// Rule 3: low confidence with attempts remaining gets one upgrade.
	if record.ValidationScore < r.cfg.UpgradeThreshold &&
		record.ExtractionAttempts < r.cfg.MaxExtractionAttempts {
		r.logger.Info("record below quality threshold, upgrade granted",
			"record_id", record.ID, "score", record.ValidationScore,
			"threshold", r.cfg.UpgradeThreshold, "attempts", record.ExtractionAttempts)
		return &Resolution{Kind: NeedsUpgrade, Rule: RuleLowConfidence, Record: record}
	}

	// Rule 4: the record is good enough (or out of attempts).
	return &Resolution{Kind: Duplicate, Rule: RuleAccepted, Record: record}
}

// Config returns the resolver's active policy, for callers that share its
// thresholds (the record writer uses UpgradeThreshold to decide initial
// completeness).
func (r *Resolver) Config() Config {
	return r.cfg
}

// lookup finds the live record by hash, falling back to exact file-name
// match for pre-fingerprinting records.
func (r *Resolver) lookup(ctx context.Context, hash, fallbackFileName string) (*types.AnalysisRecord, error) {
	record, err := r.source.GetRecordByHash(ctx, hash)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("fingerprint lookup failed: %w", err)
	}

	if fallbackFileName == "" {
		return nil, nil
	}
	record, err = r.source.GetRecordByFileName(ctx, fallbackFileName)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("file-name fallback lookup failed: %w", err)
	}
	return nil, nil
}

// markComplete flags the record as final. Best-effort: a failure here loses
// nothing but a future no-op resolution, so it is logged and swallowed.
func (r *Resolver) markComplete(ctx context.Context, record *types.AnalysisRecord) {
	if err := r.source.MarkComplete(ctx, record.ID); err != nil {
		r.logger.Warn("failed to mark record complete",
			"record_id", record.ID, "error", err)
		return
	}
	record.IsComplete = true
}
