package location

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/policy"
)

// GeocodingService turns an address found on a receipt into a location
type GeocodingService interface {
	// Lookup returns nil without error when nothing matches
	Lookup(ctx context.Context, address string) (*expense.LocationCandidate, error)
}

// Signals are the location sources available for one receipt
type Signals struct {
	EXIF   *expense.Coordinates
	Text   string
	Manual *expense.Coordinates
	IP     *expense.LocationCandidate
}

const (
	confidenceEXIF   = 0.95
	confidenceText   = 0.7
	confidenceManual = 0.9
	confidenceIP     = 0.3
)

var (
	coordinatePattern = regexp.MustCompile(`(-?\d{1,2}\.\d{3,})\s*,\s*(-?\d{1,3}\.\d{3,})`)
	cityRegionPattern = regexp.MustCompile(`\b([A-Z][A-Za-z.'\- ]{1,40}),\s*(AB|BC|MB|NB|NL|NS|NT|NU|ON|PE|QC|SK|YT|AL|AK|AZ|AR|CA|CO|CT|DE|FL|GA|HI|ID|IL|IN|IA|KS|KY|LA|ME|MD|MA|MI|MN|MS|MO|MT|NE|NV|NH|NJ|NM|NY|NC|ND|OH|OK|OR|PA|RI|SC|SD|TN|TX|UT|VT|VA|WA|WV|WI|WY|DC)\b(?:\s+[A-Z]\d[A-Z]\s?\d[A-Z]\d|\s+\d{5}(?:-\d{4})?)?`)
	streetPattern     = regexp.MustCompile(`(?i)\b\d{1,6}\s+[A-Za-z0-9.'\- ]{2,40}\b(?:st|street|ave|avenue|rd|road|blvd|boulevard|dr|drive|way|lane|ln|hwy|highway|cres|crescent|pkwy|parkway)\b\.?`)
)

// Resolver picks the best location for a receipt. Its priority is EXIF GPS,
// then an address read from the receipt, then coordinates the user gave,
// then the caller's IP location.
type Resolver struct {
	geocoder GeocodingService
	retry    policy.Retry
	limiter  *policy.Limiter
	logger   *slog.Logger
}

// NewResolver creates a Resolver. geocoder may be nil, in which case only
// coordinates written on the receipt are used from the text.
func NewResolver(geocoder GeocodingService, retry policy.Retry, limiter *policy.Limiter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{geocoder: geocoder, retry: retry, limiter: limiter, logger: logger}
}

// FromEXIF builds the EXIF candidate. It needs nothing but the metadata, so
// the pipeline runs it alongside OCR.
func FromEXIF(gps *expense.Coordinates) *expense.LocationCandidate {
	if gps == nil || !gps.Valid() {
		return nil
	}
	return expense.NewCoordinateCandidate(expense.LocationEXIF, *gps, confidenceEXIF)
}

// Resolve returns the highest priority candidate, or nil. Lower priority
// sources are only consulted when the higher ones produce nothing.
func (r *Resolver) Resolve(ctx context.Context, s Signals) *expense.LocationCandidate {
	if c := FromEXIF(s.EXIF); c != nil {
		return c
	}
	if c := r.fromText(ctx, s.Text); c != nil {
		return c
	}
	if s.Manual != nil && s.Manual.Valid() {
		return expense.NewCoordinateCandidate(expense.LocationManual, *s.Manual, confidenceManual)
	}
	if s.IP != nil {
		ip := *s.IP
		ip.Source = expense.LocationIP
		if ip.Confidence == 0 || ip.Confidence > confidenceIP {
			ip.Confidence = confidenceIP
		}
		return &ip
	}
	return nil
}

func (r *Resolver) fromText(ctx context.Context, text string) *expense.LocationCandidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if m := coordinatePattern.FindStringSubmatch(text); m != nil {
		lat, errLat := strconv.ParseFloat(m[1], 64)
		lon, errLon := strconv.ParseFloat(m[2], 64)
		c := expense.Coordinates{Latitude: lat, Longitude: lon}
		if errLat == nil && errLon == nil && c.Valid() {
			return expense.NewCoordinateCandidate(expense.LocationOCR, c, confidenceText)
		}
	}

	address := ExtractAddress(text)
	if address == "" || r.geocoder == nil {
		return nil
	}

	found, err := policy.Do(ctx, r.retry, func(ctx context.Context) (*expense.LocationCandidate, error) {
		return policy.Call(ctx, r.limiter, func(ctx context.Context) (*expense.LocationCandidate, error) {
			return r.geocoder.Lookup(ctx, address)
		})
	})
	if err != nil {
		r.logger.Warn("Geocoding failed, continuing without receipt address", "address", address, "error", err)
		return nil
	}
	if found == nil {
		return nil
	}

	c := *found
	c.Source = expense.LocationOCR
	if c.Confidence == 0 || c.Confidence > confidenceText {
		c.Confidence = confidenceText
	}
	return &c
}

// ExtractAddress finds the most specific address on a receipt: a street
// line joined with a "City, PROV" line when both exist.
func ExtractAddress(text string) string {
	var parts []string
	if street := streetPattern.FindString(text); street != "" {
		parts = append(parts, strings.TrimSpace(street))
	}
	if city := cityRegionPattern.FindString(text); city != "" {
		parts = append(parts, strings.TrimSpace(city))
	}
	return strings.Join(parts, ", ")
}
