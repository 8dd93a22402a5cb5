// Package types defines the core data model shared by the ingest engine:
// analysis records, analyzer output, response envelopes, and known systems.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ReasonCode explains why a response envelope was produced. It is recorded
// alongside idempotency entries so replayed responses can be audited.
type ReasonCode string

const (
	ReasonNewAnalysis     ReasonCode = "new_analysis"
	ReasonDedupeHit       ReasonCode = "dedupe_hit"
	ReasonQualityUpgrade  ReasonCode = "quality_upgrade"
	ReasonForceReanalysis ReasonCode = "force_reanalysis"
)

// Valid reports whether the reason code is one of the known values.
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonNewAnalysis, ReasonDedupeHit, ReasonQualityUpgrade, ReasonForceReanalysis:
		return true
	}
	return false
}

// BMSAnalysis is the structured output of the vision analyzer for one
// battery-monitor screenshot. Fields are pointers so "absent" is
// distinguishable from a legitimate zero reading (a pack can sit at 0.0 A).
type BMSAnalysis struct {
	StateOfCharge *float64  `json:"stateOfCharge,omitempty"` // percent, 0-100
	TotalVoltage  *float64  `json:"totalVoltage,omitempty"`  // volts
	Current       *float64  `json:"current,omitempty"`       // amps, negative = discharging
	Temperature   *float64  `json:"temperature,omitempty"`   // celsius
	CellVoltages  []float64 `json:"cellVoltages,omitempty"`  // per-cell volts
	CycleCount    *int      `json:"cycleCount,omitempty"`
	CapacityAh    *float64  `json:"capacityAh,omitempty"`

	// Identifiers the analyzer could read off the screenshot: device labels,
	// serial fragments, app titles. Used for system association.
	DeviceIdentifiers []string `json:"deviceIdentifiers,omitempty"`

	// Timestamp shown on the screenshot itself, if the analyzer found one.
	// This is the event time, distinct from ingestion time.
	ScreenTimestamp *time.Time `json:"screenTimestamp,omitempty"`
}

// Has reports whether the named analysis field is present (non-nil, and
// non-empty for slice fields). Field names match the JSON keys the analyzer
// is prompted to emit.
func (a *BMSAnalysis) Has(field string) bool {
	if a == nil {
		return false
	}
	switch field {
	case "stateOfCharge":
		return a.StateOfCharge != nil
	case "totalVoltage":
		return a.TotalVoltage != nil
	case "current":
		return a.Current != nil
	case "temperature":
		return a.Temperature != nil
	case "cellVoltages":
		return len(a.CellVoltages) > 0
	case "cycleCount":
		return a.CycleCount != nil
	case "capacityAh":
		return a.CapacityAh != nil
	case "deviceIdentifiers":
		return len(a.DeviceIdentifiers) > 0
	case "screenTimestamp":
		return a.ScreenTimestamp != nil
	}
	return false
}

// Missing returns the subset of fields that are absent from the analysis,
// preserving the order of the input list.
func (a *BMSAnalysis) Missing(fields []string) []string {
	var missing []string
	for _, f := range fields {
		if !a.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// AnalyzerResult is what the analyzer returns for one image: the extracted
// analysis plus the analyzer's own confidence/completeness score.
type AnalyzerResult struct {
	Analysis           BMSAnalysis `json:"analysis"`
	ValidationScore    float64     `json:"validationScore"` // 0-100
	NeedsReview        bool        `json:"needsReview,omitempty"`
	ValidationWarnings []string    `json:"validationWarnings,omitempty"`
}

// Validate checks that the analyzer result is internally consistent.
func (r *AnalyzerResult) Validate() error {
	if r.ValidationScore < 0 || r.ValidationScore > 100 {
		return fmt.Errorf("validation_score must be between 0 and 100 (got %.1f)", r.ValidationScore)
	}
	if r.Analysis.StateOfCharge != nil {
		if soc := *r.Analysis.StateOfCharge; soc < 0 || soc > 100 {
			return fmt.Errorf("state_of_charge must be between 0 and 100 (got %.1f)", soc)
		}
	}
	return nil
}

// AnalysisRecord is one conceptual analyzed event. A record's ID is assigned
// at creation and never reassigned: upgrades mutate the record in place.
//
// For a given ContentHash at most one live record exists; the store enforces
// this with a uniqueness constraint.
type AnalysisRecord struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"contentHash"`
	FileName    string    `json:"fileName"`
	Timestamp   time.Time `json:"timestamp"` // event time, not ingestion time

	Analysis        BMSAnalysis `json:"analysis"`
	ValidationScore float64     `json:"validationScore"`

	// ExtractionAttempts counts how many times the analyzer has run against
	// this record's content (1 at creation, +1 per upgrade).
	ExtractionAttempts int  `json:"extractionAttempts"`
	IsComplete         bool `json:"isComplete"`

	// Upgrade audit trail. Absent until the first upgrade.
	WasUpgraded     bool     `json:"wasUpgraded,omitempty"`
	PreviousQuality *float64 `json:"previousQuality,omitempty"`
	NewQuality      *float64 `json:"newQuality,omitempty"`

	// Link to a known physical system. Set-once: never cleared or
	// overwritten once populated.
	SystemID   *string `json:"systemId,omitempty"`
	SystemName *string `json:"systemName,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks structural invariants of the record.
func (r *AnalysisRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id cannot be empty")
	}
	if r.ContentHash == "" {
		return fmt.Errorf("content_hash cannot be empty")
	}
	if r.ExtractionAttempts < 1 {
		return fmt.Errorf("extraction_attempts must be >= 1 (got %d)", r.ExtractionAttempts)
	}
	if r.ValidationScore < 0 || r.ValidationScore > 100 {
		return fmt.Errorf("validation_score must be between 0 and 100 (got %.1f)", r.ValidationScore)
	}
	if r.WasUpgraded && (r.PreviousQuality == nil || r.NewQuality == nil) {
		return fmt.Errorf("upgraded record must carry previous_quality and new_quality")
	}
	if !r.WasUpgraded && (r.PreviousQuality != nil || r.NewQuality != nil) {
		return fmt.Errorf("quality audit fields set on a record that was never upgraded")
	}
	if r.SystemName != nil && r.SystemID == nil {
		return fmt.Errorf("system_name set without system_id")
	}
	return nil
}

// ResponseEnvelope is the caller-facing result of one submission. It is
// stored verbatim by the idempotency cache and replayed byte-for-byte.
type ResponseEnvelope struct {
	RecordID        string      `json:"recordId"`
	FileName        string      `json:"fileName"`
	Timestamp       time.Time   `json:"timestamp"`
	Analysis        BMSAnalysis `json:"analysis"`
	ValidationScore float64     `json:"validationScore"`
	IsDuplicate     bool        `json:"isDuplicate,omitempty"`
	WasUpgraded     bool        `json:"wasUpgraded,omitempty"`
	SystemID        *string     `json:"systemId,omitempty"`
	SystemName      *string     `json:"systemName,omitempty"`
}

// CheckResult is the outcome of a dedup-only probe: it reports what the
// engine would do with the content without invoking the analyzer or
// mutating any state.
type CheckResult struct {
	IsDuplicate  bool         `json:"isDuplicate"`
	NeedsUpgrade bool         `json:"needsUpgrade"`
	RecordID     string       `json:"recordId,omitempty"`
	Analysis     *BMSAnalysis `json:"analysisData,omitempty"`
}

// SystemRecord is a known physical system. Read-only from the engine's
// perspective; Identifiers is the set of hardware/location labels used for
// fuzzy association.
type SystemRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Identifiers []string  `json:"identifiers"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate checks the system record for use as an association candidate.
func (s *SystemRecord) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("system id cannot be empty")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("system name cannot be empty")
	}
	return nil
}
