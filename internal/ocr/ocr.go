package ocr

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"

	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/policy"
)

const stage = "ocr"

// Service is an OCR engine. Implementations classify their errors with
// expense.Transient / expense.Permanent.
type Service interface {
	// Extract recognizes the text in a normalized image
	Extract(ctx context.Context, image []byte) (*expense.ExtractedText, error)
}

// Config tunes the adapter
type Config struct {
	Retry           policy.Retry
	ConfidenceFloor float64 // below this the text is flagged low confidence
}

// DefaultConfig returns the adapter defaults
func DefaultConfig() Config {
	return Config{
		Retry:           policy.DefaultOCRRetry,
		ConfidenceFloor: 0.60,
	}
}

// Adapter wraps an OCR Service with timeouts, retries and the shared call limiter
type Adapter struct {
	svc     Service
	cfg     Config
	limiter *policy.Limiter
	logger  *slog.Logger
}

// NewAdapter creates an Adapter
func NewAdapter(svc Service, cfg Config, limiter *policy.Limiter, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{svc: svc, cfg: cfg, limiter: limiter, logger: logger}
}

// Extract runs OCR. Low confidence text is returned with LowConfidence set.
// When the engine stays unavailable the error carries FailureExtractionUnavailable.
func (a *Adapter) Extract(ctx context.Context, image []byte) (*expense.ExtractedText, error) {
	attempt := 0
	raw, err := policy.Do(ctx, a.cfg.Retry, func(ctx context.Context) (*expense.ExtractedText, error) {
		attempt++
		if attempt > 1 {
			a.logger.Warn("Retrying OCR", "attempt", attempt)
		}
		return policy.Call(ctx, a.limiter, func(ctx context.Context) (*expense.ExtractedText, error) {
			return a.svc.Extract(ctx, image)
		})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		a.logger.Error("OCR unavailable", "attempts", attempt, "error", err)
		return nil, expense.NewFailure(expense.ClassOf(err), expense.FailureExtractionUnavailable, stage, "text extraction unavailable", err)
	}
	if raw == nil {
		return nil, expense.NewFailure(expense.ClassPermanent, expense.FailureExtractionUnavailable, stage, "engine returned no result", nil)
	}

	return a.normalize(raw), nil
}

// normalize copies the engine output, scaling confidences into 0..1
func (a *Adapter) normalize(raw *expense.ExtractedText) *expense.ExtractedText {
	out := &expense.ExtractedText{
		Text:   strings.TrimSpace(raw.Text),
		Tokens: make([]expense.Token, 0, len(raw.Tokens)),
		Engine: raw.Engine,
	}
	for _, t := range raw.Tokens {
		t.Confidence = clampConfidence(t.Confidence)
		out.Tokens = append(out.Tokens, t)
	}
	out.Confidence = expense.MeanConfidence(out.Tokens, clampConfidence(raw.Confidence))
	if out.Text == "" {
		out.Confidence = 0
	}
	out.LowConfidence = out.Confidence < a.cfg.ConfidenceFloor
	if out.LowConfidence && out.Text != "" {
		a.logger.Warn("Low OCR confidence", "confidence", out.Confidence, "floor", a.cfg.ConfidenceFloor)
	}
	return out
}

// clampConfidence accepts both 0..1 and 0..100 scales
func clampConfidence(c float64) float64 {
	if c > 1 {
		c = c / 100
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// IsBlank reports whether OCR found nothing worth reading.
func IsBlank(t *expense.ExtractedText) bool {
	if t == nil {
		return true
	}
	for _, r := range t.Text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
