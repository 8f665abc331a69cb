package reconcile

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/ocr"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/tax"
)

// DefaultAmountTolerance is the relative difference two amount candidates may
// have before they count as a conflict
var DefaultAmountTolerance = decimal.RequireFromString("0.01")

const maxDescriptionLength = 200

// Candidates are every value the pipeline gathered for one receipt
type Candidates struct {
	Overrides expense.UserOverrides
	Profile   expense.ProfileContext

	// Structured is nil when generative extraction was skipped or failed
	Structured *scanning.StructuredDraft
	Patterns   ocr.PatternFields

	// OCRConfidence is the confidence of the text the patterns came from
	OCRConfidence float64

	// Note is the user's own text when the input was typed by hand
	Note string

	EXIFTime   *time.Time
	Location   *expense.LocationCandidate
	CapturedAt time.Time

	// ManualCompletion marks a draft left for the user to finish
	ManualCompletion bool
	DegradedReason   string

	// AmountTolerance defaults to DefaultAmountTolerance when zero
	AmountTolerance decimal.Decimal
}

// Reconcile merges candidates into a draft. Precedence per field is user
// override, structured extraction, OCR pattern, EXIF, then profile default or
// capture time. The same candidates always give the same draft.
func Reconcile(c Candidates) *expense.ExpenseDraft {
	d := expense.NewDraft(c.CapturedAt)
	if c.ManualCompletion {
		d.Mode = expense.ModeManualCompletion
		d.ReviewReasons = append(d.ReviewReasons, expense.ReviewReason{
			Code:   expense.ReasonExtraction,
			Detail: firstNonEmpty(c.DegradedReason, "structured extraction unavailable"),
		})
	}

	s := c.Structured
	if s == nil {
		s = &scanning.StructuredDraft{}
	}
	structuredWins := c.Structured != nil && c.Structured.Confidence > c.OCRConfidence

	reconcileMerchant(d, c, s, structuredWins)
	reconcileAmount(d, c, s)
	reconcileCurrency(d, c, s, structuredWins)
	reconcileDate(d, c, s, structuredWins)

	switch {
	case c.Overrides.Category != "":
		d.Category = c.Overrides.Category
		d.Provenance[expense.FieldCategory] = expense.SourceUserOverride
	case s.CategoryHint != "":
		d.Category = s.CategoryHint
		d.Provenance[expense.FieldCategory] = expense.SourceStructured
	}

	switch {
	case s.Description != "":
		d.Description = s.Description
		d.Provenance[expense.FieldDescription] = expense.SourceStructured
	case strings.TrimSpace(c.Note) != "":
		d.Description = clip(strings.Join(strings.Fields(c.Note), " "), maxDescriptionLength)
		d.Provenance[expense.FieldDescription] = expense.SourceManualText
	}

	if len(s.LineItems) > 0 {
		d.LineItems = append([]expense.LineItem(nil), s.LineItems...)
		d.Provenance[expense.FieldLineItems] = expense.SourceStructured
	}

	if c.Location != nil {
		loc := *c.Location
		d.Location = &loc
		d.Provenance[expense.FieldLocation] = expense.SourceLocation
	}

	d.Confidence = blendConfidence(c)
	return d
}

func reconcileMerchant(d *expense.ExpenseDraft, c Candidates, s *scanning.StructuredDraft, structuredWins bool) {
	if c.Overrides.Merchant != "" {
		d.Merchant = strings.TrimSpace(c.Overrides.Merchant)
		d.Provenance[expense.FieldMerchant] = expense.SourceUserOverride
		return
	}
	switch {
	case s.Merchant != "" && c.Patterns.Merchant != "":
		d.Merchant = s.Merchant
		d.Provenance[expense.FieldMerchant] = expense.SourceStructured
		if !sameMerchant(s.Merchant, c.Patterns.Merchant) && !structuredWins {
			conflict(d, expense.FieldMerchant, s.Merchant, c.Patterns.Merchant)
		}
	case s.Merchant != "":
		d.Merchant = s.Merchant
		d.Provenance[expense.FieldMerchant] = expense.SourceStructured
	case c.Patterns.Merchant != "":
		d.Merchant = c.Patterns.Merchant
		d.Provenance[expense.FieldMerchant] = expense.SourceOCRPattern
	}
}

func reconcileAmount(d *expense.ExpenseDraft, c Candidates, s *scanning.StructuredDraft) {
	var (
		amount decimal.NullDecimal
		source expense.Source
	)
	switch {
	case c.Overrides.Amount.Valid:
		amount, source = c.Overrides.Amount, expense.SourceUserOverride
	case s.Amount.Valid:
		amount, source = s.Amount, expense.SourceStructured
		if c.Patterns.Amount.Valid {
			tol := c.AmountTolerance
			if tol.IsZero() {
				tol = DefaultAmountTolerance
			}
			if !withinTolerance(s.Amount.Decimal, c.Patterns.Amount.Decimal, tol) {
				d.ReviewReasons = append(d.ReviewReasons, expense.ReviewReason{
					Code:  expense.ReasonAmountConflict,
					Field: expense.FieldAmount,
					Detail: fmt.Sprintf("extracted %s but receipt text shows %s",
						s.Amount.Decimal.String(), c.Patterns.Amount.Decimal.String()),
				})
			}
		}
	case c.Patterns.Amount.Valid:
		amount, source = c.Patterns.Amount, expense.SourceOCRPattern
	default:
		return
	}

	if amount.Decimal.IsNegative() {
		d.ReviewReasons = append(d.ReviewReasons, expense.ReviewReason{
			Code:   expense.ReasonNegativeAmount,
			Field:  expense.FieldAmount,
			Detail: fmt.Sprintf("rejected negative amount %s", amount.Decimal.String()),
		})
		return
	}
	d.Amount = amount
	d.Provenance[expense.FieldAmount] = source
}

func reconcileCurrency(d *expense.ExpenseDraft, c Candidates, s *scanning.StructuredDraft, structuredWins bool) {
	if c.Overrides.Currency != "" {
		if code, ok := expense.NormalizeCurrency(c.Overrides.Currency); ok {
			d.Currency = code
			d.Provenance[expense.FieldCurrency] = expense.SourceUserOverride
			return
		}
		d.ReviewReasons = append(d.ReviewReasons, expense.ReviewReason{
			Code:   expense.ReasonUnknownCurrency,
			Field:  expense.FieldCurrency,
			Detail: fmt.Sprintf("unrecognized currency %q", c.Overrides.Currency),
		})
		d.Currency = expense.CurrencyUnknown
		d.Provenance[expense.FieldCurrency] = expense.SourceUserOverride
		return
	}

	switch {
	case s.Currency != "" && c.Patterns.Currency != "":
		d.Currency = s.Currency
		d.Provenance[expense.FieldCurrency] = expense.SourceStructured
		if s.Currency != c.Patterns.Currency && !structuredWins {
			conflict(d, expense.FieldCurrency, s.Currency, c.Patterns.Currency)
		}
		return
	case s.Currency != "":
		d.Currency = s.Currency
		d.Provenance[expense.FieldCurrency] = expense.SourceStructured
		return
	case c.Patterns.Currency != "":
		d.Currency = c.Patterns.Currency
		d.Provenance[expense.FieldCurrency] = expense.SourceOCRPattern
		return
	}

	if code, ok := expense.NormalizeCurrency(c.Profile.DefaultCurrency); ok {
		d.Currency = code
		d.Provenance[expense.FieldCurrency] = expense.SourceProfileDefault
		return
	}
	d.Currency = expense.CurrencyUnknown
	d.Provenance[expense.FieldCurrency] = expense.SourceProfileDefault
}

func reconcileDate(d *expense.ExpenseDraft, c Candidates, s *scanning.StructuredDraft, structuredWins bool) {
	set := func(t time.Time, source expense.Source) {
		d.Date = &t
		d.Provenance[expense.FieldDate] = source
	}

	switch {
	case c.Overrides.Date != nil:
		set(*c.Overrides.Date, expense.SourceUserOverride)
	case s.Date != nil:
		set(*s.Date, expense.SourceStructured)
		if p := c.Patterns.Date; p != nil && !sameDay(*s.Date, *p) && !structuredWins {
			conflict(d, expense.FieldDate, s.Date.Format(time.DateOnly), p.Format(time.DateOnly))
		}
	case c.Patterns.Date != nil:
		set(*c.Patterns.Date, expense.SourceOCRPattern)
	case c.EXIFTime != nil:
		set(*c.EXIFTime, expense.SourceEXIF)
	case !c.CapturedAt.IsZero():
		set(c.CapturedAt, expense.SourceCaptureTime)
	}
}

func conflict(d *expense.ExpenseDraft, field expense.Field, kept, other string) {
	d.ReviewReasons = append(d.ReviewReasons, expense.ReviewReason{
		Code:   expense.ReasonFieldConflict,
		Field:  field,
		Detail: fmt.Sprintf("kept %q over receipt text %q", kept, other),
	})
}

// blendConfidence averages extraction and OCR confidence. Without structured
// extraction only half the OCR confidence is credited.
func blendConfidence(c Candidates) float64 {
	if c.Structured == nil {
		return c.OCRConfidence / 2
	}
	return (c.Structured.Confidence + c.OCRConfidence) / 2
}

// withinTolerance reports whether a and b differ by no more than tol relative
// to the larger of the two.
func withinTolerance(a, b, tol decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	if diff.IsZero() {
		return true
	}
	base := decimal.Max(a.Abs(), b.Abs())
	return diff.Div(base).LessThanOrEqual(tol)
}

// sameMerchant treats names as equal when one contains the other once case
// and punctuation are dropped, so "TIM HORTONS #2231" matches "Tim Hortons".
func sameMerchant(a, b string) bool {
	na, nb := squash(a), squash(b)
	if na == "" || nb == "" {
		return na == nb
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ApplyCategorization records the categorizer's verdict on the draft. A
// category the user chose keeps its USER_OVERRIDE provenance.
func ApplyCategorization(d *expense.ExpenseDraft, res tax.Result) {
	if d.Provenance[expense.FieldCategory] != expense.SourceUserOverride || d.Category != res.Category {
		d.Category = res.Category
		d.Provenance[expense.FieldCategory] = expense.SourceCategorizer
	}
	eligibility := res.Eligibility
	d.TaxEligibility = &eligibility
	d.Provenance[expense.FieldTaxEligibility] = expense.SourceCategorizer
}
