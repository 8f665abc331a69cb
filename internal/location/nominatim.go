package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/expense"
)

const stage = "geocode"

// Nominatim implements GeocodingService against an OpenStreetMap Nominatim
// compatible search endpoint
type Nominatim struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewNominatim creates a geocoder. Nominatim's usage policy requires an
// identifying user agent.
func NewNominatim(baseURL, userAgent string) *Nominatim {
	if baseURL == "" {
		baseURL = "https://nominatim.openstreetmap.org"
	}
	if userAgent == "" {
		userAgent = "receipt-ledger"
	}
	return &Nominatim{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type nominatimPlace struct {
	Lat        string  `json:"lat"`
	Lon        string  `json:"lon"`
	Importance float64 `json:"importance"`
	Address    struct {
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		State       string `json:"state"`
		CountryCode string `json:"country_code"`
	} `json:"address"`
}

// Lookup searches for the address and returns the top hit
func (n *Nominatim) Lookup(ctx context.Context, address string) (*expense.LocationCandidate, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, expense.Permanent(stage, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, expense.Transient(stage, fmt.Errorf("calling geocoder: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("geocoder error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, expense.Transient(stage, err)
		}
		return nil, expense.Permanent(stage, err)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, expense.Malformed(stage, "decoding geocoder response", err)
	}
	if len(places) == 0 {
		return nil, nil
	}

	p := places[0]
	lat, errLat := strconv.ParseFloat(p.Lat, 64)
	lon, errLon := strconv.ParseFloat(p.Lon, 64)
	if errLat != nil || errLon != nil {
		return nil, expense.Malformed(stage, "geocoder returned bad coordinates", nil)
	}

	c := expense.NewCoordinateCandidate(expense.LocationOCR, expense.Coordinates{Latitude: lat, Longitude: lon}, p.Importance)
	c.City = firstNonEmpty(p.Address.City, p.Address.Town, p.Address.Village)
	c.Region = p.Address.State
	c.Country = strings.ToUpper(p.Address.CountryCode)
	return c, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
