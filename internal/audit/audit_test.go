package audit

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
)

func TestAudit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit Suite")
}

var _ = Describe("Scorer", func() {
	var (
		scorer  *Scorer
		draft   *expense.ExpenseDraft
		profile expense.ProfileContext
		sig     Signals
		now     time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
		scorer = NewScorer(DefaultConfig())
		profile = expense.ProfileContext{ProfileID: "p1", Jurisdiction: "CA", TaxYear: 2024}
		sig = Signals{Now: now, HasExtraction: true, ExtractionConfidence: 0.9}

		draft = expense.NewDraft(now)
		draft.Merchant = "Staples"
		draft.Amount = decimal.NewNullDecimal(decimal.RequireFromString("42.99"))
		draft.Category = expense.CategoryOfficeSupplies
		date := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
		draft.Date = &date
		draft.Location = expense.NewCoordinateCandidate(expense.LocationEXIF, expense.Coordinates{Latitude: 43.6, Longitude: -79.4}, 0.95)
	})

	JustBeforeEach(func() {
		scorer.Score(draft, profile, sig)
	})

	When("the draft is clean", func() {
		It("should add no flags", func() {
			Expect(draft.AuditFlags).To(BeEmpty())
			Expect(draft.RiskScore).To(Equal(0.0))
		})
	})

	When("the location is missing", func() {
		BeforeEach(func() {
			draft.Location = nil
		})

		It("should add a low severity flag without asking for review", func() {
			Expect(draft.AuditFlags).To(Equal([]expense.FlagKind{expense.FlagMissingLocation}))
			Expect(draft.RiskScore).To(BeNumerically("~", 0.05, 1e-9))
			Expect(draft.NeedsReview()).To(BeFalse())
		})
	})

	When("the amount is large and round", func() {
		BeforeEach(func() {
			draft.Amount = decimal.NewNullDecimal(decimal.RequireFromString("1500.00"))
		})

		It("should flag both", func() {
			Expect(draft.HasFlag(expense.FlagRoundAmount)).To(BeTrue())
			Expect(draft.HasFlag(expense.FlagHighAmount)).To(BeTrue())
		})
	})

	When("a small amount is round", func() {
		BeforeEach(func() {
			draft.Amount = decimal.NewNullDecimal(decimal.RequireFromString("20.00"))
		})

		It("should not flag it", func() {
			Expect(draft.HasFlag(expense.FlagRoundAmount)).To(BeFalse())
		})
	})

	When("the date falls outside the tax year", func() {
		BeforeEach(func() {
			d := time.Date(2023, 12, 30, 0, 0, 0, 0, time.UTC)
			draft.Date = &d
		})

		It("should flag it", func() {
			Expect(draft.HasFlag(expense.FlagDateOutsideTaxYear)).To(BeTrue())
		})
	})

	When("the date is well in the future", func() {
		BeforeEach(func() {
			d := now.AddDate(0, 0, 10)
			draft.Date = &d
		})

		It("should flag it", func() {
			Expect(draft.HasFlag(expense.FlagFutureDate)).To(BeTrue())
		})
	})

	When("the date is a few days ahead", func() {
		BeforeEach(func() {
			d := now.AddDate(0, 0, 3)
			draft.Date = &d
		})

		It("should allow for time zones and post-dating", func() {
			Expect(draft.HasFlag(expense.FlagFutureDate)).To(BeFalse())
		})
	})

	When("the amount is far above the category average", func() {
		BeforeEach(func() {
			profile.HistoricalCategoryAverages = map[expense.Category]decimal.Decimal{
				expense.CategoryOfficeSupplies: decimal.RequireFromString("10.00"),
			}
		})

		It("should flag an outlier", func() {
			Expect(draft.HasFlag(expense.FlagCategoryAmountOutlier)).To(BeTrue())
		})
	})

	When("confidence was low", func() {
		BeforeEach(func() {
			sig.OCRLowConfidence = true
			sig.ExtractionConfidence = 0.4
		})

		It("should flag both stages", func() {
			Expect(draft.HasFlag(expense.FlagLowOCRConfidence)).To(BeTrue())
			Expect(draft.HasFlag(expense.FlagLowExtractionConfidence)).To(BeTrue())
		})
	})

	When("the draft was left for manual completion", func() {
		BeforeEach(func() {
			draft.Mode = expense.ModeManualCompletion
			draft.Merchant = ""
			draft.ReviewReasons = []expense.ReviewReason{
				{Code: expense.ReasonAmountConflict},
				{Code: expense.ReasonFieldConflict},
			}
			sig.HasExtraction = false
		})

		It("should carry the review reasons into flags", func() {
			Expect(draft.AuditFlags).To(ConsistOf(
				expense.FlagManualCompletion,
				expense.FlagMissingMerchant,
				expense.FlagAmountConflict,
				expense.FlagFieldConflict,
			))
		})

		It("should keep the flags sorted", func() {
			for i := 1; i < len(draft.AuditFlags); i++ {
				Expect(draft.AuditFlags[i-1] < draft.AuditFlags[i]).To(BeTrue())
			}
		})
	})

	When("flags were already present", func() {
		BeforeEach(func() {
			draft.AddFlag(expense.FlagHighAmount)
		})

		It("should keep them and count them", func() {
			Expect(draft.HasFlag(expense.FlagHighAmount)).To(BeTrue())
			Expect(draft.RiskScore).To(BeNumerically("~", 0.20, 1e-9))
		})
	})
})

var _ = Describe("risk", func() {
	scorer := NewScorer(DefaultConfig())

	It("should never decrease as flags are added", func() {
		all := []expense.FlagKind{
			expense.FlagMissingLocation,
			expense.FlagLowOCRConfidence,
			expense.FlagRoundAmount,
			expense.FlagHighAmount,
			expense.FlagAmountConflict,
			expense.FlagFutureDate,
		}
		prev := 0.0
		for i := range all {
			score := scorer.risk(all[:i+1])
			Expect(score).To(BeNumerically(">", prev))
			Expect(score).To(BeNumerically("<", 1))
			prev = score
		}
	})

	It("should rank a more severe flag higher", func() {
		Expect(scorer.risk([]expense.FlagKind{expense.FlagFutureDate})).
			To(BeNumerically(">", scorer.risk([]expense.FlagKind{expense.FlagMissingLocation})))
	})

	It("should be zero with no flags", func() {
		Expect(scorer.risk(nil)).To(Equal(0.0))
	})
})
