package audit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// Config tunes the checks
type Config struct {
	RoundAmountThreshold    decimal.Decimal
	HighAmountThreshold     decimal.Decimal
	OutlierFactor           decimal.Decimal
	FutureTolerance         time.Duration
	LowExtractionConfidence float64
	Weights                 map[expense.FlagKind]float64
}

// DefaultWeights is the severity of each flag, between 0 and 1
var DefaultWeights = map[expense.FlagKind]float64{
	expense.FlagMissingMerchant:         0.25,
	expense.FlagRoundAmount:             0.15,
	expense.FlagHighAmount:              0.20,
	expense.FlagDateOutsideTaxYear:      0.30,
	expense.FlagFutureDate:              0.35,
	expense.FlagCategoryAmountOutlier:   0.30,
	expense.FlagLowOCRConfidence:        0.10,
	expense.FlagLowExtractionConfidence: 0.10,
	expense.FlagMissingLocation:         0.05,
	expense.FlagAmountConflict:          0.30,
	expense.FlagFieldConflict:           0.15,
	expense.FlagManualCompletion:        0.20,
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		RoundAmountThreshold:    decimal.NewFromInt(100),
		HighAmountThreshold:     decimal.NewFromInt(1000),
		OutlierFactor:           decimal.NewFromInt(3),
		FutureTolerance:         7 * 24 * time.Hour,
		LowExtractionConfidence: 0.6,
		Weights:                 DefaultWeights,
	}
}

// Signals are facts about the run that are not on the draft
type Signals struct {
	OCRLowConfidence bool

	// ExtractionConfidence is only checked when HasExtraction is set
	HasExtraction        bool
	ExtractionConfidence float64

	Now time.Time
}

// Scorer flags risky drafts
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer
func NewScorer(cfg Config) *Scorer {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights
	}
	return &Scorer{cfg: cfg}
}

// Score adds audit flags to the draft and sets its RiskScore. Existing flags
// are kept. It cannot fail.
func (s *Scorer) Score(d *expense.ExpenseDraft, profile expense.ProfileContext, sig Signals) {
	for _, kind := range s.check(d, profile, sig) {
		d.AddFlag(kind)
	}
	d.RiskScore = s.risk(d.AuditFlags)
}

func (s *Scorer) check(d *expense.ExpenseDraft, profile expense.ProfileContext, sig Signals) []expense.FlagKind {
	var flags []expense.FlagKind

	if d.Merchant == "" {
		flags = append(flags, expense.FlagMissingMerchant)
	}

	if d.Amount.Valid {
		amt := d.Amount.Decimal
		if amt.GreaterThanOrEqual(s.cfg.RoundAmountThreshold) && amt.Equal(amt.Truncate(0)) {
			flags = append(flags, expense.FlagRoundAmount)
		}
		if amt.GreaterThan(s.cfg.HighAmountThreshold) {
			flags = append(flags, expense.FlagHighAmount)
		}
		if avg, ok := profile.HistoricalCategoryAverages[d.Category]; ok && avg.IsPositive() &&
			amt.GreaterThan(avg.Mul(s.cfg.OutlierFactor)) {
			flags = append(flags, expense.FlagCategoryAmountOutlier)
		}
	}

	if d.Date != nil {
		if profile.TaxYear != 0 && d.Date.Year() != profile.TaxYear {
			flags = append(flags, expense.FlagDateOutsideTaxYear)
		}
		if !sig.Now.IsZero() && d.Date.After(sig.Now.Add(s.cfg.FutureTolerance)) {
			flags = append(flags, expense.FlagFutureDate)
		}
	}

	if sig.OCRLowConfidence {
		flags = append(flags, expense.FlagLowOCRConfidence)
	}
	if sig.HasExtraction && sig.ExtractionConfidence < s.cfg.LowExtractionConfidence {
		flags = append(flags, expense.FlagLowExtractionConfidence)
	}
	if d.Location == nil {
		flags = append(flags, expense.FlagMissingLocation)
	}
	if d.HasReason(expense.ReasonAmountConflict) {
		flags = append(flags, expense.FlagAmountConflict)
	}
	if d.HasReason(expense.ReasonFieldConflict) {
		flags = append(flags, expense.FlagFieldConflict)
	}
	if d.Mode == expense.ModeManualCompletion {
		flags = append(flags, expense.FlagManualCompletion)
	}
	return flags
}

// risk combines flag weights as independent probabilities: 1 - prod(1 - w).
// Adding a flag or raising a weight never lowers the score.
func (s *Scorer) risk(flags []expense.FlagKind) float64 {
	keep := 1.0
	for _, f := range flags {
		w := s.cfg.Weights[f]
		if w < 0 {
			w = 0
		}
		if w > 1 {
			w = 1
		}
		keep *= 1 - w
	}
	return 1 - keep
}
