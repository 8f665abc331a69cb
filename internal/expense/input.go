package expense

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawInput is what a caller hands the pipeline: either a receipt image or
// free-form text typed by the user. The concrete types are Image and ManualText.
type RawInput interface {
	isRawInput()
}

// Image is a photographed or scanned receipt
type Image struct {
	Bytes        []byte
	DeclaredMIME string
}

// ManualText is a receipt typed in by hand, e.g. "Staples $42.99 office supplies Jan 5 2024"
type ManualText struct {
	Text string
}

func (Image) isRawInput()      {}
func (ManualText) isRawInput() {}

// InputKind names the variant for logging.
func InputKind(in RawInput) string {
	switch in.(type) {
	case Image:
		return "image"
	case ManualText:
		return "manual_text"
	default:
		return "unknown"
	}
}

// ProfileType distinguishes personal and business tax profiles
type ProfileType string

const (
	ProfilePersonal ProfileType = "PERSONAL"
	ProfileBusiness ProfileType = "BUSINESS"
)

// ProfileContext is supplied by the caller for every run
type ProfileContext struct {
	ProfileID                  string                       `json:"profile_id"`
	Jurisdiction               string                       `json:"jurisdiction"`
	DefaultCurrency            string                       `json:"default_currency"`
	TaxYear                    int                          `json:"tax_year"`
	ProfileType                ProfileType                  `json:"profile_type"`
	HistoricalCategoryAverages map[Category]decimal.Decimal `json:"historical_category_averages,omitempty"`
}

// UserOverrides holds values the user typed in alongside the input. Any set
// field wins over every extracted value.
type UserOverrides struct {
	Merchant    string              `json:"merchant,omitempty"`
	Amount      decimal.NullDecimal `json:"amount"`
	Currency    string              `json:"currency,omitempty"`
	Date        *time.Time          `json:"date,omitempty"`
	Category    Category            `json:"category,omitempty"`
	Coordinates *Coordinates        `json:"coordinates,omitempty"`
	IPLocation  *LocationCandidate  `json:"ip_location,omitempty"`

	// ManualText is used in place of the image when the image cannot be read
	ManualText string `json:"manual_text,omitempty"`
}

// HasFieldOverride reports whether any expense field was supplied.
func (o UserOverrides) HasFieldOverride() bool {
	return o.Merchant != "" || o.Amount.Valid || o.Currency != "" || o.Date != nil || o.Category != ""
}
