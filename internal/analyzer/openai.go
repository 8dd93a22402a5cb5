package analyzer

import (
	"context"
	"encoding/base64"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

const defaultOpenAIModel = "gpt-4o"

const openaiMaxTokens = 2048

// OpenAIAnalyzer implements Analyzer on the OpenAI chat completions API.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an analyzer backed by OpenAI vision.
func NewOpenAI(apiKey, model string) *OpenAIAnalyzer {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAnalyzer{client: openai.NewClient(apiKey), model: model}
}

// Analyze sends the screenshot as a data URL image part and parses the JSON
// reply. One call per invocation; protection wrappers live with the caller.
func (o *OpenAIAnalyzer) Analyze(ctx context.Context, image []byte, meta Metadata) (*types.AnalyzerResult, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s",
		meta.contentType(), base64.StdEncoding.EncodeToString(image))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: openaiMaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userPrompt(meta)},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return parseResult(resp.Choices[0].Message.Content)
}
