// Package pipeline orchestrates one screenshot submission end to end:
// fingerprint, idempotency short-circuit, duplicate resolution, protected
// analyzer invocation, record write, system association, and functional
// dedupe. The submission path is stateless per request; every cross-request
// guarantee is delegated to the store or the breaker registry.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Treystu/BMSview-sub009/internal/analyzer"
	"github.com/Treystu/BMSview-sub009/internal/associate"
	"github.com/Treystu/BMSview-sub009/internal/dedup"
	"github.com/Treystu/BMSview-sub009/internal/fingerprint"
	"github.com/Treystu/BMSview-sub009/internal/idempotency"
	"github.com/Treystu/BMSview-sub009/internal/metrics"
	"github.com/Treystu/BMSview-sub009/internal/resilience"
	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

// analyzeOperation names the breaker guarding analyzer calls. Process-wide:
// every submission shares this breaker's failure state.
const analyzeOperation = "analyze-image"

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ResponseCache is the idempotency boundary the engine needs.
type ResponseCache interface {
	Get(key string) (*idempotency.Entry, bool)
	Put(key string, response json.RawMessage, reason types.ReasonCode) error
}

// Archiver stores original screenshot bytes. Best-effort.
type Archiver interface {
	Archive(ctx context.Context, contentHash, contentType string, image []byte) error
}

// Deps are the engine's collaborators. Store, Analyzer, Executor, and
// Resolver are required; Cache, Archiver, Metrics, Logger, and Clock fall
// back to no-ops or defaults.
type Deps struct {
	Store    storage.Storage
	Analyzer analyzer.Analyzer
	Executor *resilience.Executor
	Resolver *dedup.Resolver
	Cache    ResponseCache
	Archiver Archiver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    Clock
}

// Engine is the content-addressable deduplication and resilient-execution
// core.
type Engine struct {
	store    storage.Storage
	analyzer analyzer.Analyzer
	exec     *resilience.Executor
	execCfg  resilience.Config
	resolver *dedup.Resolver
	cache    ResponseCache
	archiver Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    Clock
	writer   *recordWriter
}

// New creates the engine. execCfg tunes the analyzer call's protection.
func New(deps Deps, execCfg resilience.Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if err := execCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	return &Engine{
		store:    deps.Store,
		analyzer: deps.Analyzer,
		exec:     deps.Executor,
		execCfg:  execCfg,
		resolver: deps.Resolver,
		cache:    deps.Cache,
		archiver: deps.Archiver,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		clock:    deps.Clock,
		writer: &recordWriter{
			store:  deps.Store,
			logger: deps.Logger,
			clock:  deps.Clock,
		},
	}, nil
}

// SubmitRequest is one screenshot submission.
type SubmitRequest struct {
	Image          []byte
	FileName       string
	ContentType    string
	IdempotencyKey string // empty = no idempotency handling
	Force          bool   // re-run the analyzer even for a usable duplicate
}

// SubmitResult carries the response envelope plus the verbatim bytes a
// transport should send (and the idempotency cache replays).
type SubmitResult struct {
	Envelope types.ResponseEnvelope
	Raw      json.RawMessage
	Reason   types.ReasonCode
	Replayed bool // true when served from the idempotency cache
}

// Submit processes one submission. The caller receives either a result or a
// single structured error; failures on best-effort side paths (idempotency
// writes, projection, archival, association, functional dedupe) never
// surface here.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	fp, err := fingerprint.Compute(req.Image)
	if err != nil {
		return nil, err
	}

	// Idempotency short-circuit: an explicit force bypasses it.
	if req.IdempotencyKey != "" && !req.Force && e.cache != nil {
		if entry, ok := e.cache.Get(req.IdempotencyKey); ok {
			e.metrics.IdempotencyHits.Inc()
			e.logger.Info("idempotency hit, replaying stored response",
				"key", req.IdempotencyKey, "reason", entry.Reason)
			var envelope types.ResponseEnvelope
			if err := json.Unmarshal(entry.Response, &envelope); err != nil {
				// A corrupt entry falls through to normal processing.
				e.logger.Warn("stored idempotency entry is corrupt, reprocessing",
					"key", req.IdempotencyKey, "error", err)
			} else {
				return &SubmitResult{
					Envelope: envelope,
					Raw:      entry.Response,
					Reason:   entry.Reason,
					Replayed: true,
				}, nil
			}
		}
	}

	res, err := e.resolver.Resolve(ctx, fp.Hash, req.FileName)
	if err != nil {
		return nil, err
	}
	e.metrics.DedupeDecisions.WithLabelValues(string(res.Rule)).Inc()

	var (
		record *types.AnalysisRecord
		reason types.ReasonCode
	)

	switch {
	case res.Kind == dedup.Duplicate && !req.Force:
		record = res.Record
		reason = types.ReasonDedupeHit

	case res.Kind == dedup.NotFound:
		record, reason, err = e.runNewAnalysis(ctx, req, fp)
		if err != nil {
			return nil, err
		}

	default:
		// NeedsUpgrade, or a forced re-analysis of an existing record.
		record, err = e.runUpgrade(ctx, req, fp, res.Record)
		if err != nil {
			return nil, err
		}
		reason = types.ReasonQualityUpgrade
		if req.Force {
			reason = types.ReasonForceReanalysis
		}
	}

	envelope := buildEnvelope(record, reason == types.ReasonDedupeHit)
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response envelope: %w", err)
	}

	if req.IdempotencyKey != "" && e.cache != nil {
		// Best-effort: a failed cache write costs a duplicate analysis on
		// retry, never the response.
		if err := e.cache.Put(req.IdempotencyKey, raw, reason); err != nil {
			e.logger.Warn("failed to store idempotency entry",
				"key", req.IdempotencyKey, "error", err)
		}
	}

	e.metrics.Submissions.WithLabelValues(string(reason)).Inc()
	return &SubmitResult{Envelope: envelope, Raw: raw, Reason: reason}, nil
}

// CheckOnly fingerprints and resolves without invoking the analyzer or
// mutating any state.
func (e *Engine) CheckOnly(ctx context.Context, image []byte, fileName string) (*types.CheckResult, error) {
	fp, err := fingerprint.Compute(image)
	if err != nil {
		return nil, err
	}

	res, err := e.resolver.Peek(ctx, fp.Hash, fileName)
	if err != nil {
		return nil, err
	}

	out := &types.CheckResult{}
	switch res.Kind {
	case dedup.Duplicate:
		out.IsDuplicate = true
	case dedup.NeedsUpgrade:
		out.IsDuplicate = true
		out.NeedsUpgrade = true
	}
	if res.Record != nil {
		out.RecordID = res.Record.ID
		out.Analysis = &res.Record.Analysis
	}
	return out, nil
}

// runNewAnalysis handles the first sighting of a fingerprint: analyze,
// insert (racing on the uniqueness constraint), associate, reconcile.
func (e *Engine) runNewAnalysis(ctx context.Context, req SubmitRequest, fp fingerprint.Fingerprint) (*types.AnalysisRecord, types.ReasonCode, error) {
	result, err := e.analyze(ctx, req)
	if err != nil {
		return nil, "", err
	}

	e.archive(ctx, fp.Hash, req.ContentType, req.Image)

	record, lostRace, err := e.writer.writeNew(ctx, result, fp, req.FileName, e.resolver.Config().UpgradeThreshold)
	if err != nil {
		return nil, "", err
	}
	if lostRace {
		// A concurrent submission of the same bytes won the insert; its
		// record is the live one and this request is a duplicate hit.
		e.logger.Info("lost first-insert race, returning winner",
			"content_hash", fp.Hash, "record_id", record.ID)
		return record, types.ReasonDedupeHit, nil
	}

	record = e.associateSystem(ctx, record)

	record, collapsed := e.reconcile(ctx, record)
	if collapsed {
		return record, types.ReasonDedupeHit, nil
	}
	return record, types.ReasonNewAnalysis, nil
}

// runUpgrade re-analyzes existing content and rewrites its record in place.
func (e *Engine) runUpgrade(ctx context.Context, req SubmitRequest, fp fingerprint.Fingerprint, existing *types.AnalysisRecord) (*types.AnalysisRecord, error) {
	result, err := e.analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	e.archive(ctx, fp.Hash, req.ContentType, req.Image)

	record, err := e.writer.writeUpgrade(ctx, result, existing, req.FileName, e.resolver.Config().UpgradeThreshold)
	if err != nil {
		return nil, err
	}

	if record.SystemID == nil {
		record = e.associateSystem(ctx, record)
	}
	return record, nil
}

// analyze invokes the analyzer under the resilience executor.
func (e *Engine) analyze(ctx context.Context, req SubmitRequest) (*types.AnalyzerResult, error) {
	meta := analyzer.Metadata{FileName: req.FileName, ContentType: req.ContentType}

	var result *types.AnalyzerResult
	start := e.clock.Now()
	err := e.exec.Do(ctx, analyzeOperation, e.execCfg, func(ctx context.Context) error {
		r, err := e.analyzer.Analyze(ctx, req.Image, meta)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	switch {
	case err == nil:
		e.metrics.AnalyzerCalls.WithLabelValues("success").Inc()
		e.metrics.AnalyzerDuration.Observe(e.clock.Now().Sub(start).Seconds())
		return result, nil
	case errors.Is(err, resilience.ErrOperationTimeout):
		e.metrics.AnalyzerCalls.WithLabelValues("timeout").Inc()
	case errors.Is(err, resilience.ErrCircuitOpen):
		e.metrics.AnalyzerCalls.WithLabelValues("circuit_open").Inc()
	default:
		e.metrics.AnalyzerCalls.WithLabelValues("error").Inc()
	}
	return nil, err
}

// associateSystem links the record to a known system when the match is
// unambiguous. Best-effort: any failure leaves the record unlinked.
func (e *Engine) associateSystem(ctx context.Context, record *types.AnalysisRecord) *types.AnalysisRecord {
	systems, err := e.store.ListSystems(ctx)
	if err != nil {
		e.logger.Warn("failed to load systems for association",
			"record_id", record.ID, "error", err)
		return record
	}

	match := associate.FindMatch(record, systems)
	e.metrics.AssociationLinks.WithLabelValues(string(match.Status)).Inc()
	if match.Status != associate.StatusMatched {
		e.logger.Debug("no system link", "record_id", record.ID,
			"status", match.Status, "reason", match.Reason)
		return record
	}

	if err := e.store.LinkSystem(ctx, record.ID, match.SystemID, match.SystemName); err != nil {
		e.logger.Warn("failed to link system",
			"record_id", record.ID, "system_id", match.SystemID, "error", err)
		return record
	}

	record.SystemID = &match.SystemID
	record.SystemName = &match.SystemName
	e.logger.Info("record linked to system", "record_id", record.ID,
		"system", match.SystemName, "matched_identifier", match.MatchedID)

	// Keep the projection in step with the link.
	if err := e.store.UpsertProjection(ctx, record); err != nil {
		e.logger.Warn("projection refresh after link failed",
			"record_id", record.ID, "error", err)
	}
	return record
}

// archive stores the original bytes. Best-effort.
func (e *Engine) archive(ctx context.Context, hash, contentType string, image []byte) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(ctx, hash, contentType, image); err != nil {
		e.logger.Warn("screenshot archival failed", "content_hash", hash, "error", err)
	}
}

// buildEnvelope renders a record into the caller-facing response.
func buildEnvelope(record *types.AnalysisRecord, isDuplicate bool) types.ResponseEnvelope {
	return types.ResponseEnvelope{
		RecordID:        record.ID,
		FileName:        record.FileName,
		Timestamp:       record.Timestamp,
		Analysis:        record.Analysis,
		ValidationScore: record.ValidationScore,
		IsDuplicate:     isDuplicate,
		WasUpgraded:     record.WasUpgraded,
		SystemID:        record.SystemID,
		SystemName:      record.SystemName,
	}
}
