package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/policy"
)

func TestLocation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Location Suite")
}

// mockGeocoder records lookups and returns a fixed answer
type mockGeocoder struct {
	result  *expense.LocationCandidate
	err     error
	lookups []string
}

func (m *mockGeocoder) Lookup(ctx context.Context, address string) (*expense.LocationCandidate, error) {
	m.lookups = append(m.lookups, address)
	return m.result, m.err
}

var quickRetry = policy.Retry{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1, AttemptTimeout: time.Second}

var _ = Describe("Resolver", func() {
	var (
		geocoder *mockGeocoder
		signals  Signals
		result   *expense.LocationCandidate
	)

	BeforeEach(func() {
		geocoder = &mockGeocoder{
			result: expense.NewCoordinateCandidate(expense.LocationOCR, expense.Coordinates{Latitude: 43.65, Longitude: -79.38}, 0.8),
		}
		signals = Signals{}
	})

	JustBeforeEach(func() {
		r := NewResolver(geocoder, quickRetry, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
		result = r.Resolve(context.Background(), signals)
	})

	When("every source is available", func() {
		BeforeEach(func() {
			signals = Signals{
				EXIF:   &expense.Coordinates{Latitude: 45.5, Longitude: -73.57},
				Text:   "STAPLES\n100 Queen St W\nToronto, ON M5H 2N2",
				Manual: &expense.Coordinates{Latitude: 1, Longitude: 1},
				IP:     &expense.LocationCandidate{City: "Ottawa"},
			}
		})

		It("should use EXIF GPS", func() {
			Expect(result.Source).To(Equal(expense.LocationEXIF))
			Expect(*result.Latitude).To(Equal(45.5))
		})

		It("should not call the geocoder", func() {
			Expect(geocoder.lookups).To(BeEmpty())
		})
	})

	When("only the receipt address and manual coordinates exist", func() {
		BeforeEach(func() {
			signals = Signals{
				Text:   "STAPLES\n100 Queen St W\nToronto, ON M5H 2N2",
				Manual: &expense.Coordinates{Latitude: 1, Longitude: 1},
			}
		})

		It("should geocode the address", func() {
			Expect(geocoder.lookups).To(ConsistOf("100 Queen St, Toronto, ON M5H 2N2"))
			Expect(result.Source).To(Equal(expense.LocationOCR))
			Expect(result.Confidence).To(BeNumerically("<=", 0.7))
		})
	})

	When("the receipt prints coordinates", func() {
		BeforeEach(func() {
			signals = Signals{Text: "Pickup point 49.2827, -123.1207"}
		})

		It("should use them without geocoding", func() {
			Expect(result.Source).To(Equal(expense.LocationOCR))
			Expect(*result.Longitude).To(Equal(-123.1207))
			Expect(geocoder.lookups).To(BeEmpty())
		})
	})

	When("geocoding fails", func() {
		BeforeEach(func() {
			geocoder.err = expense.Transient("geocode", errors.New("503"))
			signals = Signals{
				Text:   "Toronto, ON",
				Manual: &expense.Coordinates{Latitude: 44.0, Longitude: -79.0},
			}
		})

		It("should fall through to manual coordinates", func() {
			Expect(result.Source).To(Equal(expense.LocationManual))
			Expect(geocoder.lookups).To(HaveLen(2))
		})
	})

	When("only the IP location is known", func() {
		BeforeEach(func() {
			signals = Signals{IP: &expense.LocationCandidate{City: "Ottawa", Region: "ON", Confidence: 0.9}}
		})

		It("should use it with low confidence", func() {
			Expect(result.Source).To(Equal(expense.LocationIP))
			Expect(result.City).To(Equal("Ottawa"))
			Expect(result.Confidence).To(Equal(0.3))
		})
	})

	When("nothing is known", func() {
		It("should return nil", func() {
			Expect(result).To(BeNil())
		})
	})
})

var _ = Describe("ExtractAddress", func() {
	It("should return empty for text without an address", func() {
		Expect(ExtractAddress("Staples $42.99 office supplies Jan 5 2024")).To(BeEmpty())
	})

	It("should find a US city and state", func() {
		Expect(ExtractAddress("Target\nAustin, TX 78701\n")).To(Equal("Austin, TX 78701"))
	})
})

var _ = Describe("Nominatim", func() {
	var (
		server   *ghttp.Server
		geocoder *Nominatim
		result   *expense.LocationCandidate
		err      error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		geocoder = NewNominatim(server.URL(), "test-agent")
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		result, err = geocoder.Lookup(context.Background(), "100 Queen St, Toronto, ON")
	})

	When("the address is found", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/search"),
				ghttp.VerifyForm(url.Values{"q": {"100 Queen St, Toronto, ON"}, "format": {"jsonv2"}}),
				ghttp.VerifyHeaderKV("User-Agent", "test-agent"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, []map[string]any{{
					"lat":        "43.6525",
					"lon":        "-79.3839",
					"importance": 0.62,
					"address": map[string]string{
						"city":         "Toronto",
						"state":        "Ontario",
						"country_code": "ca",
					},
				}}),
			))
		})

		It("should return the coordinates and place", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*result.Latitude).To(Equal(43.6525))
			Expect(*result.Longitude).To(Equal(-79.3839))
			Expect(result.City).To(Equal("Toronto"))
			Expect(result.Region).To(Equal("Ontario"))
			Expect(result.Country).To(Equal("CA"))
		})
	})

	When("nothing matches", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, []map[string]any{}))
		})

		It("should return nil without error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(BeNil())
		})
	})

	When("the service is rate limiting", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, "slow down"))
		})

		It("should return a transient error", func() {
			Expect(expense.IsTransient(err)).To(BeTrue())
		})
	})

	When("the request is rejected", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden, "blocked"))
		})

		It("should return a permanent error", func() {
			Expect(expense.ClassOf(err)).To(Equal(expense.ClassPermanent))
		})
	})
})
