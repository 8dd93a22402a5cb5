// Package associate links analysis records to known physical systems by the
// hardware identifiers the analyzer read off the screenshot. The decision is
// pure over a snapshot of known systems, and it links only when unambiguous:
// a wrong link poisons functional dedupe, a missing one merely delays it.
package associate

import (
	"strings"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

// Status classifies the outcome of a match attempt.
type Status string

const (
	StatusMatched       Status = "matched"
	StatusAmbiguous     Status = "ambiguous"
	StatusNoMatch       Status = "no_match"
	StatusNoIdentifiers Status = "no_identifiers"
)

// Match is the decision for one record.
type Match struct {
	SystemID   string // set only when Status == StatusMatched
	SystemName string
	MatchedID  string // the identifier that produced the match
	Status     Status
	Reason     string
}

// FindMatch compares the record's extracted device identifiers against every
// known system's identifier set. It links only when exactly one system
// matches.
func FindMatch(record *types.AnalysisRecord, systems []*types.SystemRecord) Match {
	candidates := record.Analysis.DeviceIdentifiers
	if len(candidates) == 0 {
		return Match{Status: StatusNoIdentifiers, Reason: "screenshot exposed no device identifiers"}
	}

	type hit struct {
		system    *types.SystemRecord
		matchedID string
	}
	var hits []hit

	for _, sys := range systems {
		if id, ok := matchesSystem(candidates, sys); ok {
			hits = append(hits, hit{system: sys, matchedID: id})
		}
	}

	switch len(hits) {
	case 0:
		return Match{Status: StatusNoMatch, Reason: "no known system shares an identifier"}
	case 1:
		return Match{
			SystemID:   hits[0].system.ID,
			SystemName: hits[0].system.Name,
			MatchedID:  hits[0].matchedID,
			Status:     StatusMatched,
		}
	default:
		names := make([]string, len(hits))
		for i, h := range hits {
			names[i] = h.system.Name
		}
		return Match{
			Status: StatusAmbiguous,
			Reason: "identifiers match multiple systems: " + strings.Join(names, ", "),
		}
	}
}

// matchesSystem reports whether any extracted identifier matches any of the
// system's known identifiers, and returns the extracted identifier that hit.
func matchesSystem(candidates []string, sys *types.SystemRecord) (string, bool) {
	for _, candidate := range candidates {
		nc := normalize(candidate)
		if nc == "" {
			continue
		}
		for _, known := range sys.Identifiers {
			nk := normalize(known)
			if nk == "" {
				continue
			}
			// Exact match, or containment either way: screenshots truncate
			// serials and apps pad labels.
			if nc == nk || strings.Contains(nc, nk) || strings.Contains(nk, nc) {
				return candidate, true
			}
		}
	}
	return "", false
}

// normalize lowercases and strips everything but letters and digits, so
// "DL-4419", "dl 4419", and "DL_4419" all compare equal.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	// Short normalized identifiers ("v2", "a1") match everything by
	// containment; require some substance.
	if b.Len() < 3 {
		return ""
	}
	return b.String()
}
