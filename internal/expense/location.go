package expense

// LocationSource records where a location came from
type LocationSource string

const (
	LocationEXIF   LocationSource = "EXIF"
	LocationOCR    LocationSource = "OCR"
	LocationManual LocationSource = "MANUAL"
	LocationIP     LocationSource = "IP"
)

// Coordinates are decimal degrees
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are on the globe.
func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// LocationCandidate is one possible location for a purchase
type LocationCandidate struct {
	Source     LocationSource `json:"source"`
	Latitude   *float64       `json:"latitude,omitempty"`
	Longitude  *float64       `json:"longitude,omitempty"`
	City       string         `json:"city,omitempty"`
	Region     string         `json:"region,omitempty"`
	Country    string         `json:"country,omitempty"`
	Confidence float64        `json:"confidence"`
}

// NewCoordinateCandidate builds a candidate from coordinates.
func NewCoordinateCandidate(source LocationSource, c Coordinates, confidence float64) *LocationCandidate {
	lat, lon := c.Latitude, c.Longitude
	return &LocationCandidate{
		Source:     source,
		Latitude:   &lat,
		Longitude:  &lon,
		Confidence: confidence,
	}
}

// HasCoordinates reports whether both latitude and longitude are present.
func (l *LocationCandidate) HasCoordinates() bool {
	return l != nil && l.Latitude != nil && l.Longitude != nil
}
