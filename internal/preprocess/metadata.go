package preprocess

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/zombor/receipt-ledger/internal/expense"
)

var exifMarker = []byte("Exif\x00\x00")

// Metadata is what the camera recorded about the shot
type Metadata struct {
	CapturedAt  *time.Time           `json:"captured_at,omitempty"`
	GPS         *expense.Coordinates `json:"gps,omitempty"`
	Orientation int                  `json:"orientation"`
}

// readMetadata parses EXIF. Images without an EXIF segment yield empty
// metadata. A JPEG whose EXIF segment cannot be decoded is an error.
func readMetadata(data []byte, mimeType string) (Metadata, error) {
	var meta Metadata
	idx := bytes.Index(data, exifMarker)
	if idx < 0 {
		return meta, nil
	}

	var (
		x   *exif.Exif
		err error
	)
	switch mimeType {
	case mimeJPEG:
		x, err = exif.Decode(bytes.NewReader(data))
		if err != nil && exif.IsCriticalError(err) {
			return meta, fmt.Errorf("decoding exif: %w", err)
		}
	case mimeHEIC:
		// The TIFF payload follows the marker inside the Exif item
		x, err = exif.Decode(bytes.NewReader(data[idx+len(exifMarker):]))
		if err != nil && exif.IsCriticalError(err) {
			return meta, nil
		}
	default:
		return meta, nil
	}
	if x == nil {
		return meta, nil
	}

	if t, err := x.DateTime(); err == nil && !t.IsZero() {
		meta.CapturedAt = &t
	}
	if lat, lon, err := x.LatLong(); err == nil {
		c := expense.Coordinates{Latitude: lat, Longitude: lon}
		if c.Valid() && !(lat == 0 && lon == 0) {
			meta.GPS = &c
		}
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if o, err := tag.Int(0); err == nil {
			meta.Orientation = o
		}
	}
	return meta, nil
}
