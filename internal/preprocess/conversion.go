package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

const (
	mimeJPEG = "image/jpeg"
	mimePNG  = "image/png"
	mimeHEIC = "image/heic"
	mimePDF  = "application/pdf"
)

// normalizeMIME lowercases, drops parameters and folds common aliases
func normalizeMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch mimeType {
	case "image/jpg", "image/pjpeg":
		return mimeJPEG
	case "image/heif", "image/heic-sequence", "image/heif-sequence":
		return mimeHEIC
	}
	return mimeType
}

// sniffMIME detects the real format from the leading bytes. It returns ""
// when the bytes are not an image or document at all.
func sniffMIME(data []byte) string {
	if isHEICFormat(data) {
		return mimeHEIC
	}
	detected := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(detected, "image/"):
		return detected
	case detected == mimePDF:
		return mimePDF
	}
	return ""
}

// isHEICFormat checks for an ftyp box with a HEIC/HEIF brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1", "hevc":
		return true
	}
	return false
}

// decodeImage decodes to pixels with the EXIF orientation already applied
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if mimeType == mimeHEIC {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeImage writes PNG for PNG sources and JPEG for everything else
func encodeImage(img image.Image, sourceMIME string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	if sourceMIME == mimePNG {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("encoding PNG: %w", err)
		}
		return buf.Bytes(), mimePNG, nil
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), mimeJPEG, nil
}
