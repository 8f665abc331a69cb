package ocr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/policy"
)

func TestOCR(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "OCR Suite")
}

// mockService returns queued results in order, repeating the last one
type mockService struct {
	results []*expense.ExtractedText
	errs    []error
	calls   int
}

func (m *mockService) Extract(ctx context.Context, image []byte) (*expense.ExtractedText, error) {
	i := m.calls
	m.calls++
	if i >= len(m.errs) {
		i = len(m.errs) - 1
	}
	if i >= 0 && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if len(m.results) == 0 {
		return nil, nil
	}
	if i < 0 || i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i], nil
}

var _ = Describe("Adapter", func() {
	var (
		svc     *mockService
		cfg     Config
		adapter *Adapter
		text    *expense.ExtractedText
		err     error
	)

	BeforeEach(func() {
		svc = &mockService{}
		cfg = Config{
			Retry:           policy.Retry{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1, AttemptTimeout: time.Second},
			ConfidenceFloor: 0.6,
		}
	})

	JustBeforeEach(func() {
		adapter = NewAdapter(svc, cfg, policy.NewLimiter(1, 0), slog.New(slog.NewTextHandler(io.Discard, nil)))
		text, err = adapter.Extract(context.Background(), []byte("image"))
	})

	When("the engine reads the receipt clearly", func() {
		BeforeEach(func() {
			svc.results = []*expense.ExtractedText{{
				Text: "  STAPLES\nTOTAL $42.99  ",
				Tokens: []expense.Token{
					{Text: "STAPLES", Confidence: 0.95},
					{Text: "TOTAL", Confidence: 0.9},
					{Text: "$42.99", Confidence: 0.85},
				},
			}}
		})

		It("should return trimmed text", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text.Text).To(Equal("STAPLES\nTOTAL $42.99"))
		})

		It("should average token confidence", func() {
			Expect(text.Confidence).To(BeNumerically("~", 0.9, 0.001))
			Expect(text.LowConfidence).To(BeFalse())
		})
	})

	When("confidences are reported as percentages", func() {
		BeforeEach(func() {
			svc.results = []*expense.ExtractedText{{
				Text:   "faded",
				Tokens: []expense.Token{{Text: "faded", Confidence: 40}},
			}}
		})

		It("should scale them and flag low confidence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text.Confidence).To(BeNumerically("~", 0.4, 0.001))
			Expect(text.LowConfidence).To(BeTrue())
			Expect(text.Text).To(Equal("faded"))
		})
	})

	When("the engine fails transiently then recovers", func() {
		BeforeEach(func() {
			svc.errs = []error{expense.Transient("ocr", errors.New("busy")), nil}
			svc.results = []*expense.ExtractedText{nil, {Text: "ok", Confidence: 0.9}}
		})

		It("should retry and succeed", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(svc.calls).To(Equal(2))
			Expect(text.Text).To(Equal("ok"))
		})
	})

	When("the engine stays unavailable", func() {
		BeforeEach(func() {
			svc.errs = []error{expense.Transient("ocr", errors.New("busy"))}
		})

		It("should report ExtractionUnavailable after the configured attempts", func() {
			Expect(err).To(HaveOccurred())
			Expect(expense.KindOf(err)).To(Equal(expense.FailureExtractionUnavailable))
			Expect(svc.calls).To(Equal(3))
		})
	})

	When("the engine rejects the input", func() {
		BeforeEach(func() {
			svc.errs = []error{expense.Permanent("ocr", errors.New("unsupported content"))}
		})

		It("should not retry", func() {
			Expect(expense.KindOf(err)).To(Equal(expense.FailureExtractionUnavailable))
			Expect(expense.ClassOf(err)).To(Equal(expense.ClassPermanent))
			Expect(svc.calls).To(Equal(1))
		})
	})

	When("the engine returns only whitespace", func() {
		BeforeEach(func() {
			svc.results = []*expense.ExtractedText{{Text: " \n\t ", Confidence: 0.9}}
		})

		It("should return blank text with zero confidence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(IsBlank(text)).To(BeTrue())
			Expect(text.Confidence).To(BeZero())
		})
	})
})

var _ = Describe("Adapter cancellation", func() {
	It("should return the context error", func() {
		svc := &mockService{errs: []error{expense.Transient("ocr", errors.New("busy"))}}
		adapter := NewAdapter(svc, DefaultConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := adapter.Extract(ctx, []byte("image"))

		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		Expect(svc.calls).To(BeZero())
	})
})

var _ = Describe("MatchFields", func() {
	var (
		input  string
		fields PatternFields
	)

	JustBeforeEach(func() {
		fields = MatchFields(input)
	})

	When("reading a one-line manual entry", func() {
		BeforeEach(func() {
			input = "Staples $42.99 office supplies Jan 5 2024"
		})

		It("should find the merchant", func() {
			Expect(fields.Merchant).To(Equal("Staples"))
		})

		It("should find the amount", func() {
			Expect(fields.Amount.Valid).To(BeTrue())
			Expect(fields.Amount.Decimal.String()).To(Equal("42.99"))
		})

		It("should find the date", func() {
			Expect(fields.Date).NotTo(BeNil())
			Expect(*fields.Date).To(Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)))
		})

		It("should leave the currency to the profile", func() {
			Expect(fields.Currency).To(BeEmpty())
		})
	})

	When("reading a printed receipt", func() {
		BeforeEach(func() {
			input = "RECEIPT\nTIM HORTONS #2231\n2024-03-14 08:12\nLarge Coffee 2.49\nBagel 3.10\nSUBTOTAL 5.59\nGST 0.28\nTOTAL CAD 5.87\n"
		})

		It("should skip generic headers and title-case the merchant", func() {
			Expect(fields.Merchant).To(Equal("Tim Hortons #2231"))
		})

		It("should prefer the total line", func() {
			Expect(fields.Amount.Decimal.String()).To(Equal("5.87"))
		})

		It("should read the explicit currency code", func() {
			Expect(fields.Currency).To(Equal("CAD"))
		})

		It("should not mistake the date for an amount", func() {
			Expect(*fields.Date).To(Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)))
			for _, a := range fields.Amounts {
				Expect(a.String()).NotTo(Equal("2024.03"))
			}
		})
	})

	When("no total line exists", func() {
		BeforeEach(func() {
			input = "Cafe Luna\n€4.50\n€12.00\n"
		})

		It("should take the largest amount", func() {
			Expect(fields.Amount.Decimal.String()).To(Equal("12"))
			Expect(fields.Currency).To(Equal("EUR"))
		})
	})

	When("the date is day first", func() {
		BeforeEach(func() {
			input = "Shop\n25/12/2023\n"
		})

		It("should swap day and month", func() {
			Expect(*fields.Date).To(Equal(time.Date(2023, 12, 25, 0, 0, 0, 0, time.UTC)))
		})
	})

	When("the text is empty", func() {
		BeforeEach(func() {
			input = "   "
		})

		It("should match nothing", func() {
			Expect(fields.Empty()).To(BeTrue())
		})
	})
})
