package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
)

var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	time.RFC3339,
}

type rawLineItem struct {
	Description *string         `json:"description"`
	Amount      json.RawMessage `json:"amount"`
}

type rawDraft struct {
	Merchant     *string         `json:"merchant"`
	TotalAmount  json.RawMessage `json:"total_amount"`
	Currency     *string         `json:"currency"`
	Date         *string         `json:"date"`
	CategoryHint *string         `json:"category_hint"`
	Description  *string         `json:"description"`
	LineItems    []rawLineItem   `json:"line_items"`
	TaxAmount    json.RawMessage `json:"tax_amount"`
	Subtotal     json.RawMessage `json:"subtotal"`
	Confidence   *float64        `json:"confidence"`
}

// ParseStructuredDraft parses a model reply. Replies that are not a JSON
// object of the schema's shape come back as expense.Malformed errors.
// Values that are well-typed but unusable, like an unparseable date, are
// dropped instead.
func ParseStructuredDraft(text string, schema Schema) (*StructuredDraft, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, expense.Malformed(stage, "no JSON object found in response", nil)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, expense.Malformed(stage, "invalid JSON object in response", nil)
	}
	text = text[startIdx : endIdx+1]

	var raw rawDraft
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, expense.Malformed(stage, "reply does not match schema", err)
	}

	maxLen := schema.MaxStringLength
	if maxLen <= 0 {
		maxLen = 200
	}

	draft := &StructuredDraft{Confidence: 0.5}
	var err error

	draft.Merchant = cleanString(raw.Merchant, maxLen)
	draft.Description = cleanString(raw.Description, maxLen)

	if draft.Amount, err = parseAmount(raw.TotalAmount); err != nil {
		return nil, expense.Malformed(stage, "total_amount is not a number", err)
	}
	if draft.Tax, err = parseAmount(raw.TaxAmount); err != nil {
		return nil, expense.Malformed(stage, "tax_amount is not a number", err)
	}
	if draft.Subtotal, err = parseAmount(raw.Subtotal); err != nil {
		return nil, expense.Malformed(stage, "subtotal is not a number", err)
	}

	if raw.Currency != nil {
		if code, ok := expense.NormalizeCurrency(*raw.Currency); ok {
			draft.Currency = code
		}
	}

	if raw.Date != nil {
		draft.Date = parseDate(*raw.Date)
	}

	if raw.CategoryHint != nil {
		hint := expense.Category(strings.ToUpper(strings.TrimSpace(*raw.CategoryHint)))
		if schema.allowsCategory(hint) {
			draft.CategoryHint = hint
		}
	}

	for i, item := range raw.LineItems {
		amount, err := parseAmount(item.Amount)
		if err != nil {
			return nil, expense.Malformed(stage, fmt.Sprintf("line_items[%d].amount is not a number", i), err)
		}
		desc := cleanString(item.Description, maxLen)
		if desc == "" && !amount.Valid {
			continue
		}
		draft.LineItems = append(draft.LineItems, expense.LineItem{Description: desc, Amount: amount})
	}

	if raw.Confidence != nil {
		c := *raw.Confidence
		if c > 1 && c <= 100 {
			c = c / 100
		}
		draft.Confidence = clamp01(c)
	}

	return draft, nil
}

// parseAmount accepts a JSON number, a numeric string or null
func parseAmount(raw json.RawMessage) (decimal.NullDecimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.NullDecimal{}, nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.NullDecimal{}, err
		}
		s = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) || r == '.' || r == '-' {
				return r
			}
			if unicode.IsSpace(r) || r == ',' || unicode.Is(unicode.Sc, r) || unicode.IsLetter(r) {
				return -1
			}
			return r
		}, s)
		if s == "" {
			return decimal.NullDecimal{}, nil
		}
	} else {
		s = string(raw)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, s); err == nil {
			d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

// cleanString strips control characters, collapses whitespace and caps length
func cleanString(s *string, maxLen int) string {
	if s == nil {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, *s)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return truncate(cleaned, maxLen)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
