// Package analyzer is the boundary to the expensive AI vision step that
// turns a BMS screenshot into structured readings. Everything here is
// latency-unbounded and non-deterministic; callers wrap invocations in the
// resilience executor.
package analyzer

import (
	"context"
	"fmt"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

// Metadata is the request context handed to the analyzer alongside the image
// bytes.
type Metadata struct {
	FileName    string
	ContentType string // e.g. "image/png"; defaults to image/png when empty
}

// Analyzer maps image bytes to a structured result plus a quality score.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, meta Metadata) (*types.AnalyzerResult, error)
}

// Backend selects which vision provider serves the analyzer.
type Backend string

const (
	BackendAnthropic Backend = "anthropic"
	BackendOpenAI    Backend = "openai"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	APIKey  string
	Model   string // empty = backend default
}

// New builds the configured analyzer backend.
func New(cfg Config) (Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("analyzer api key is required")
	}
	switch cfg.Backend {
	case BackendAnthropic, "":
		return NewAnthropic(cfg.APIKey, cfg.Model), nil
	case BackendOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown analyzer backend %q", cfg.Backend)
	}
}

// contentType normalizes the media type for the provider APIs.
func (m Metadata) contentType() string {
	if m.ContentType == "" {
		return "image/png"
	}
	return m.ContentType
}
