package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// Gemini implements the TextGenerationService interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini TextGenerationService instance
func NewGemini(ctx context.Context, apiKey string, modelName string, maxOutputTokens int32) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.1)
	if maxOutputTokens > 0 {
		model.SetMaxOutputTokens(maxOutputTokens)
	}

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// ExtractFields sends the prompt and parses the reply
func (g *Gemini) ExtractFields(ctx context.Context, prompt string, schema Schema) (*StructuredDraft, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, expense.Malformed(stage, "no response from gemini", nil)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return nil, expense.Malformed(stage, "gemini reply was cut off at the output limit", nil)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return ParseStructuredDraft(responseText.String(), schema)
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// classifyGeminiError maps API status codes onto retry classes: rate limits
// and server errors are transient, other client errors are permanent
func classifyGeminiError(err error) error {
	wrapped := fmt.Errorf("generating content: %w", err)

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return expense.Transient(stage, wrapped)
		default:
			return expense.Permanent(stage, wrapped)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return expense.Transient(stage, wrapped)
	}
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	// Connection resets and similar carry no status code
	return expense.Transient(stage, wrapped)
}
