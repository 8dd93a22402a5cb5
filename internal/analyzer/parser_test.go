package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodResponse = `{
	"analysis": {
		"stateOfCharge": 84.5,
		"totalVoltage": 53.1,
		"current": -8.2,
		"temperature": 23.0,
		"cellVoltages": [3.31, 3.32, 3.32, 3.31],
		"deviceIdentifiers": ["JBD-SP04S020", "Overkill Solar"]
	},
	"validationScore": 92,
	"needsReview": false
}`

func TestParseResultDirect(t *testing.T) {
	result, err := parseResult(goodResponse)
	require.NoError(t, err)

	require.NotNil(t, result.Analysis.StateOfCharge)
	assert.Equal(t, 84.5, *result.Analysis.StateOfCharge)
	assert.Equal(t, 92.0, result.ValidationScore)
	assert.False(t, result.NeedsReview)
	assert.Len(t, result.Analysis.CellVoltages, 4)
	assert.Contains(t, result.Analysis.DeviceIdentifiers, "JBD-SP04S020")
}

func TestParseResultCodeFences(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "json fence", text: "```json\n" + goodResponse + "\n```"},
		{name: "bare fence", text: "```\n" + goodResponse + "\n```"},
		{name: "fence no newline", text: "```json" + goodResponse + "```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseResult(tt.text)
			require.NoError(t, err)
			assert.Equal(t, 92.0, result.ValidationScore)
		})
	}
}

func TestParseResultTrailingComma(t *testing.T) {
	text := `{"analysis": {"stateOfCharge": 50, "totalVoltage": 52.0,}, "validationScore": 60,}`

	result, err := parseResult(text)
	require.NoError(t, err)
	assert.Equal(t, 60.0, result.ValidationScore)
}

func TestParseResultMixedContent(t *testing.T) {
	text := "Here are the readings I extracted:\n" + goodResponse + "\nLet me know if you need anything else."

	result, err := parseResult(text)
	require.NoError(t, err)
	assert.Equal(t, 92.0, result.ValidationScore)
}

func TestParseResultRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "whitespace", text: "   \n "},
		{name: "prose only", text: "I could not read the screenshot."},
		{name: "broken json", text: `{"analysis": {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResult(tt.text)
			assert.Error(t, err)
		})
	}
}

func TestParseResultRejectsOutOfRangeScore(t *testing.T) {
	_, err := parseResult(`{"analysis": {}, "validationScore": 140}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent")
}

func TestUserPromptIncludesFileName(t *testing.T) {
	assert.Contains(t, userPrompt(Metadata{FileName: "pack.png"}), "pack.png")
	assert.NotContains(t, userPrompt(Metadata{}), "uploaded as")
}

func TestMetadataContentTypeDefault(t *testing.T) {
	assert.Equal(t, "image/png", Metadata{}.contentType())
	assert.Equal(t, "image/jpeg", Metadata{ContentType: "image/jpeg"}.contentType())
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "palm", APIKey: "k"})
	assert.Error(t, err)

	_, err = New(Config{Backend: BackendAnthropic})
	assert.Error(t, err, "missing api key")
}
