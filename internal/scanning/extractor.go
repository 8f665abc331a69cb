package scanning

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/policy"
)

// Config tunes structured extraction
type Config struct {
	Retry             policy.Retry // transient failures of a single request
	CorrectiveRetries int          // re-prompts after an unusable reply
	MaxInputChars     int          // receipt text beyond this is cut off
}

// DefaultConfig allows one corrective re-prompt
func DefaultConfig() Config {
	return Config{
		Retry:             policy.DefaultGenerationRetry,
		CorrectiveRetries: 1,
		MaxInputChars:     8000,
	}
}

// Extractor turns receipt text into a StructuredDraft using a TextGenerationService
type Extractor struct {
	svc     TextGenerationService
	schema  Schema
	cfg     Config
	limiter *policy.Limiter
	logger  *slog.Logger
}

// NewExtractor creates an Extractor
func NewExtractor(svc TextGenerationService, schema Schema, cfg Config, limiter *policy.Limiter, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{svc: svc, schema: schema, cfg: cfg, limiter: limiter, logger: logger}
}

// Extract asks the model for the receipt fields. Unusable replies get at most
// cfg.CorrectiveRetries re-prompts before FailureExtractionMalformed; a
// service that stays down yields FailureExtractionUnavailable.
func (e *Extractor) Extract(ctx context.Context, text string) (*StructuredDraft, error) {
	text = strings.TrimSpace(text)
	if e.cfg.MaxInputChars > 0 {
		text = truncate(text, e.cfg.MaxInputChars)
	}

	prompt := BuildPrompt(e.schema, text)
	for round := 0; ; round++ {
		draft, err := policy.Do(ctx, e.cfg.Retry, func(ctx context.Context) (*StructuredDraft, error) {
			return policy.Call(ctx, e.limiter, func(ctx context.Context) (*StructuredDraft, error) {
				return e.svc.ExtractFields(ctx, prompt, e.schema)
			})
		})
		if err == nil && draft != nil {
			return draft, nil
		}
		if err == nil {
			err = expense.Malformed(stage, "service returned no draft", nil)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		if !expense.IsMalformed(err) {
			e.logger.Error("Structured extraction unavailable", "error", err)
			return nil, expense.NewFailure(expense.ClassOf(err), expense.FailureExtractionUnavailable, stage,
				"text generation unavailable", err)
		}
		if round >= e.cfg.CorrectiveRetries {
			e.logger.Warn("Structured extraction malformed, giving up", "rounds", round+1, "error", err)
			return nil, expense.NewFailure(expense.ClassMalformed, expense.FailureExtractionMalformed, stage,
				"reply did not match schema", err)
		}

		e.logger.Warn("Structured extraction malformed, re-prompting", "round", round+1, "error", err)
		prompt = BuildCorrectivePrompt(e.schema, text, err)
	}
}
