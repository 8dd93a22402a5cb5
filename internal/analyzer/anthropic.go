package analyzer

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

const anthropicMaxTokens = 2048

// AnthropicAnalyzer implements Analyzer on the Anthropic Messages API.
type AnthropicAnalyzer struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an analyzer backed by Anthropic vision.
func NewAnthropic(apiKey, model string) *AnthropicAnalyzer {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicAnalyzer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Analyze sends the screenshot as a base64 image block and parses the JSON
// reply. Timeout and retry are the caller's job; this does exactly one call.
func (a *AnthropicAnalyzer) Analyze(ctx context.Context, image []byte, meta Metadata) (*types.AnalyzerResult, error) {
	encoded := base64.StdEncoding.EncodeToString(image)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(meta.contentType(), encoded),
				anthropic.NewTextBlock(userPrompt(meta)),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var responseText string
	for _, block := range resp.Content {
		if block.Type == "text" {
			responseText += block.Text
		}
	}

	return parseResult(responseText)
}
