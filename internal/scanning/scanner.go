package scanning

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
)

const stage = "structuring"

// StructuredDraft contains the fields a generative model read off a receipt
type StructuredDraft struct {
	Merchant     string              `json:"merchant,omitempty"`
	Amount       decimal.NullDecimal `json:"total_amount"`
	Currency     string              `json:"currency,omitempty"` // ISO-4217, "" when not given
	Date         *time.Time          `json:"date,omitempty"`
	CategoryHint expense.Category    `json:"category_hint,omitempty"`
	Description  string              `json:"description,omitempty"`
	LineItems    []expense.LineItem  `json:"line_items,omitempty"`
	Tax          decimal.NullDecimal `json:"tax_amount"`
	Subtotal     decimal.NullDecimal `json:"subtotal"`
	Confidence   float64             `json:"confidence"`
}

// TextGenerationService defines the interface for generative field extraction
type TextGenerationService interface {
	// ExtractFields sends the prompt and parses the reply against schema.
	// Unusable replies are reported with expense.Malformed.
	ExtractFields(ctx context.Context, prompt string, schema Schema) (*StructuredDraft, error)
	// Close closes the service and releases resources
	Close() error
}
