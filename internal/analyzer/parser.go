package analyzer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

// Models are told to reply with bare JSON but still wrap it in code fences or
// chatter often enough that a strict parse would throw away good analyses.
// Pre-compiled patterns for the salvage strategies.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// parseResult decodes a model reply into an AnalyzerResult, trying in order:
// direct parse, fence removal, trailing-comma cleanup, and extraction of the
// outermost JSON object from mixed content.
func parseResult(text string) (*types.AnalyzerResult, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty analyzer response")
	}

	candidates := []string{trimmed}

	if m := codeFenceRegex.FindStringSubmatch(trimmed); len(m) == 2 {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	cleaned := trailingCommaRegex.ReplaceAllString(candidates[len(candidates)-1], "$1")
	if cleaned != candidates[len(candidates)-1] {
		candidates = append(candidates, cleaned)
	}
	if extracted := objectRegex.FindString(cleaned); extracted != "" && extracted != cleaned {
		candidates = append(candidates, extracted)
	}

	var lastErr error
	for _, candidate := range candidates {
		var result types.AnalyzerResult
		if err := json.Unmarshal([]byte(candidate), &result); err != nil {
			lastErr = err
			continue
		}
		if err := result.Validate(); err != nil {
			return nil, fmt.Errorf("analyzer returned inconsistent result: %w", err)
		}
		return &result, nil
	}
	return nil, fmt.Errorf("failed to parse analyzer response: %w", lastErr)
}
