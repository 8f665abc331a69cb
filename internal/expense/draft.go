package expense

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Category is a tax category identifier
type Category string

const (
	CategoryMealsEntertainment      Category = "MEALS_ENTERTAINMENT"
	CategoryTravel                  Category = "TRAVEL"
	CategoryOfficeSupplies          Category = "OFFICE_SUPPLIES"
	CategoryVehicle                 Category = "VEHICLE"
	CategoryHomeOffice              Category = "HOME_OFFICE"
	CategoryProfessionalDevelopment Category = "PROFESSIONAL_DEVELOPMENT"
	CategoryInsurance               Category = "INSURANCE"
	CategoryUtilities               Category = "UTILITIES"
	CategoryRent                    Category = "RENT"
	CategoryEquipment               Category = "EQUIPMENT"
	CategorySoftware                Category = "SOFTWARE"
	CategoryMarketing               Category = "MARKETING"
	CategoryLegal                   Category = "LEGAL"
	CategoryOther                   Category = "OTHER"
	CategoryUncategorized           Category = "UNCATEGORIZED"
)

// EligibilityKind is the deductibility verdict
type EligibilityKind string

const (
	FullyDeductible     EligibilityKind = "FULLY_DEDUCTIBLE"
	PartiallyDeductible EligibilityKind = "PARTIALLY_DEDUCTIBLE"
	NotDeductible       EligibilityKind = "NOT_DEDUCTIBLE"
	NeedsReview         EligibilityKind = "NEEDS_REVIEW"
)

// TaxEligibility is the categorizer's verdict. Percent is only meaningful for
// PartiallyDeductible.
type TaxEligibility struct {
	Kind    EligibilityKind `json:"kind"`
	Percent float64         `json:"percent,omitempty"`
}

// Field names a draft field for provenance
type Field string

const (
	FieldMerchant       Field = "merchant"
	FieldAmount         Field = "amount"
	FieldCurrency       Field = "currency"
	FieldDate           Field = "date"
	FieldCategory       Field = "category"
	FieldDescription    Field = "description"
	FieldLineItems      Field = "line_items"
	FieldLocation       Field = "location"
	FieldTaxEligibility Field = "tax_eligibility"
)

// Source is the provenance of a field value
type Source string

const (
	SourceUserOverride   Source = "USER_OVERRIDE"
	SourceStructured     Source = "STRUCTURED_EXTRACTION"
	SourceOCRPattern     Source = "OCR_PATTERN"
	SourceEXIF           Source = "EXIF"
	SourceProfileDefault Source = "PROFILE_DEFAULT"
	SourceCaptureTime    Source = "CAPTURE_TIME"
	SourceManualText     Source = "MANUAL_TEXT"
	SourceLocation       Source = "LOCATION_RESOLVER"
	SourceCategorizer    Source = "CATEGORIZER"
)

// CompletionMode says whether the draft came out of the full pipeline or was
// left for the user to finish.
type CompletionMode string

const (
	ModeAutomatic        CompletionMode = "AUTOMATIC"
	ModeManualCompletion CompletionMode = "MANUAL_COMPLETION"
)

// ReasonCode classifies why a draft needs review
type ReasonCode string

const (
	ReasonAmountConflict  ReasonCode = "AMOUNT_CONFLICT"
	ReasonFieldConflict   ReasonCode = "FIELD_CONFLICT"
	ReasonNegativeAmount  ReasonCode = "NEGATIVE_AMOUNT"
	ReasonUnknownCurrency ReasonCode = "UNKNOWN_CURRENCY"
	ReasonExtraction      ReasonCode = "EXTRACTION_DEGRADED"
)

// ReviewReason explains a NEEDS_REVIEW mark
type ReviewReason struct {
	Code   ReasonCode `json:"code"`
	Field  Field      `json:"field,omitempty"`
	Detail string     `json:"detail"`
}

// LineItem is one row of a receipt
type LineItem struct {
	Description string              `json:"description"`
	Amount      decimal.NullDecimal `json:"amount"`
}

// ExpenseDraft is the record built up by the pipeline stages
type ExpenseDraft struct {
	Merchant       string              `json:"merchant,omitempty"`
	Amount         decimal.NullDecimal `json:"amount"`
	Currency       string              `json:"currency"`
	Date           *time.Time          `json:"date,omitempty"`
	Category       Category            `json:"category,omitempty"`
	Description    string              `json:"description,omitempty"`
	LineItems      []LineItem          `json:"line_items,omitempty"`
	Location       *LocationCandidate  `json:"location"`
	TaxEligibility *TaxEligibility     `json:"tax_eligibility,omitempty"`
	AuditFlags     []FlagKind          `json:"audit_flags"`
	RiskScore      float64             `json:"risk_score"`
	Confidence     float64             `json:"confidence"`
	Provenance     map[Field]Source    `json:"field_provenance"`
	ReviewReasons  []ReviewReason      `json:"review_reasons,omitempty"`
	Mode           CompletionMode      `json:"mode"`
	CapturedAt     time.Time           `json:"captured_at"`
}

// NewDraft returns an empty draft stamped with the capture time.
func NewDraft(capturedAt time.Time) *ExpenseDraft {
	return &ExpenseDraft{
		Currency:   CurrencyUnknown,
		AuditFlags: []FlagKind{},
		Provenance: make(map[Field]Source),
		Mode:       ModeAutomatic,
		CapturedAt: capturedAt,
	}
}

// NeedsReview reports whether anything upstream asked for a human to look.
func (d *ExpenseDraft) NeedsReview() bool {
	return len(d.ReviewReasons) > 0 || d.Mode == ModeManualCompletion
}

// HasReason reports whether a review reason with the code was recorded.
func (d *ExpenseDraft) HasReason(code ReasonCode) bool {
	for _, r := range d.ReviewReasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// AddFlag inserts a flag, keeping the set sorted and unique. Flags are never removed.
func (d *ExpenseDraft) AddFlag(kind FlagKind) {
	i := sort.Search(len(d.AuditFlags), func(i int) bool { return d.AuditFlags[i] >= kind })
	if i < len(d.AuditFlags) && d.AuditFlags[i] == kind {
		return
	}
	d.AuditFlags = append(d.AuditFlags, "")
	copy(d.AuditFlags[i+1:], d.AuditFlags[i:])
	d.AuditFlags[i] = kind
}

// HasFlag reports whether the flag is set.
func (d *ExpenseDraft) HasFlag(kind FlagKind) bool {
	i := sort.Search(len(d.AuditFlags), func(i int) bool { return d.AuditFlags[i] >= kind })
	return i < len(d.AuditFlags) && d.AuditFlags[i] == kind
}

// HasUsableFields reports whether the draft holds anything taken from the
// receipt itself or typed by the user. Capture times, EXIF and profile
// defaults alone do not count.
func (d *ExpenseDraft) HasUsableFields() bool {
	if d.Merchant != "" || d.Amount.Valid || len(d.LineItems) > 0 {
		return true
	}
	switch d.Provenance[FieldDate] {
	case SourceUserOverride, SourceStructured, SourceOCRPattern:
		return true
	}
	return d.Provenance[FieldCategory] == SourceUserOverride
}

// Clone returns a deep copy.
func (d *ExpenseDraft) Clone() *ExpenseDraft {
	if d == nil {
		return nil
	}
	c := *d
	if d.Date != nil {
		t := *d.Date
		c.Date = &t
	}
	if d.Location != nil {
		l := *d.Location
		c.Location = &l
	}
	if d.TaxEligibility != nil {
		e := *d.TaxEligibility
		c.TaxEligibility = &e
	}
	c.LineItems = append([]LineItem(nil), d.LineItems...)
	c.AuditFlags = append([]FlagKind{}, d.AuditFlags...)
	c.ReviewReasons = append([]ReviewReason(nil), d.ReviewReasons...)
	c.Provenance = make(map[Field]Source, len(d.Provenance))
	for k, v := range d.Provenance {
		c.Provenance[k] = v
	}
	return &c
}
