package expense

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

func TestExpense(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Expense Suite")
}

var _ = Describe("ExpenseDraft", func() {
	var draft *ExpenseDraft

	BeforeEach(func() {
		draft = NewDraft(time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC))
	})

	Describe("AddFlag", func() {
		It("should keep flags sorted and unique", func() {
			draft.AddFlag(FlagRoundAmount)
			draft.AddFlag(FlagMissingMerchant)
			draft.AddFlag(FlagRoundAmount)
			draft.AddFlag(FlagAmountConflict)

			Expect(draft.AuditFlags).To(Equal([]FlagKind{FlagAmountConflict, FlagMissingMerchant, FlagRoundAmount}))
			Expect(draft.HasFlag(FlagMissingMerchant)).To(BeTrue())
			Expect(draft.HasFlag(FlagHighAmount)).To(BeFalse())
		})
	})

	Describe("HasUsableFields", func() {
		When("only the capture time is known", func() {
			BeforeEach(func() {
				t := draft.CapturedAt
				draft.Date = &t
				draft.Provenance[FieldDate] = SourceCaptureTime
			})

			It("should report nothing usable", func() {
				Expect(draft.HasUsableFields()).To(BeFalse())
			})
		})

		When("an amount was captured", func() {
			BeforeEach(func() {
				draft.Amount = decimal.NewNullDecimal(decimal.RequireFromString("12.50"))
			})

			It("should report usable fields", func() {
				Expect(draft.HasUsableFields()).To(BeTrue())
			})
		})

		When("the date came from the receipt text", func() {
			BeforeEach(func() {
				t := draft.CapturedAt
				draft.Date = &t
				draft.Provenance[FieldDate] = SourceOCRPattern
			})

			It("should report usable fields", func() {
				Expect(draft.HasUsableFields()).To(BeTrue())
			})
		})
	})

	Describe("Clone", func() {
		It("should not share mutable state", func() {
			draft.Provenance[FieldMerchant] = SourceStructured
			draft.AddFlag(FlagRoundAmount)

			c := draft.Clone()
			c.Provenance[FieldMerchant] = SourceUserOverride
			c.AddFlag(FlagHighAmount)

			Expect(draft.Provenance[FieldMerchant]).To(Equal(SourceStructured))
			Expect(draft.AuditFlags).To(HaveLen(1))
		})
	})

	Describe("NeedsReview", func() {
		It("should be true in manual completion mode", func() {
			draft.Mode = ModeManualCompletion
			Expect(draft.NeedsReview()).To(BeTrue())
		})

		It("should be true when a reason was recorded", func() {
			draft.ReviewReasons = append(draft.ReviewReasons, ReviewReason{Code: ReasonAmountConflict})
			Expect(draft.NeedsReview()).To(BeTrue())
			Expect(draft.HasReason(ReasonAmountConflict)).To(BeTrue())
		})

		It("should be false for a clean draft", func() {
			Expect(draft.NeedsReview()).To(BeFalse())
		})
	})
})

var _ = Describe("NormalizeCurrency", func() {
	DescribeTable("recognized values",
		func(in, want string) {
			got, ok := NormalizeCurrency(in)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(want))
		},
		Entry("ISO code", "CAD", "CAD"),
		Entry("lower case code", "usd", "USD"),
		Entry("euro symbol", "€", "EUR"),
		Entry("pound symbol", "£", "GBP"),
		Entry("canadian dollar prefix", "C$", "CAD"),
	)

	It("should not guess for a bare dollar sign", func() {
		_, ok := NormalizeCurrency("$")
		Expect(ok).To(BeFalse())
	})

	It("should reject unknown codes", func() {
		_, ok := NormalizeCurrency("XYZ")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("ClassOf", func() {
	It("should read the class from a wrapped StageError", func() {
		err := fmt.Errorf("calling ocr: %w", Transient("ocr", errors.New("503")))
		Expect(ClassOf(err)).To(Equal(ClassTransient))
		Expect(IsTransient(err)).To(BeTrue())
	})

	It("should treat deadlines as transient", func() {
		Expect(ClassOf(context.DeadlineExceeded)).To(Equal(ClassTransient))
	})

	It("should treat cancellation as unrecoverable", func() {
		Expect(ClassOf(context.Canceled)).To(Equal(ClassUnrecoverable))
	})

	It("should default unknown errors to permanent", func() {
		Expect(ClassOf(errors.New("boom"))).To(Equal(ClassPermanent))
	})

	It("should expose the failure kind", func() {
		err := NewFailure(ClassUnrecoverable, FailureCorruptImage, "preprocess", "bad bytes", nil)
		Expect(KindOf(err)).To(Equal(FailureCorruptImage))
		Expect(err.Error()).To(ContainSubstring("CorruptImage"))
	})
})
