package preprocess

import (
	"fmt"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/zombor/receipt-ledger/internal/expense"
)

const stage = "preprocess"

// Config bounds what the preprocessor accepts
type Config struct {
	MaxBytes     int64    // hard ceiling on input size
	AllowedMIME  []string // accepted content types
	MaxDimension int      // longest edge in pixels after downsampling
	JPEGQuality  int
}

// DefaultConfig accepts JPEG, PNG and HEIC up to 10 MiB
func DefaultConfig() Config {
	return Config{
		MaxBytes:     10 << 20,
		AllowedMIME:  []string{mimeJPEG, mimePNG, mimeHEIC},
		MaxDimension: 2000,
		JPEGQuality:  90,
	}
}

// Result is a normalized image ready for OCR
type Result struct {
	Bytes    []byte
	MIME     string
	Width    int
	Height   int
	Metadata Metadata
}

// Preprocessor validates and normalizes receipt images
type Preprocessor struct {
	cfg     Config
	allowed map[string]bool
	logger  *slog.Logger
}

// New creates a Preprocessor
func New(cfg Config, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedMIME))
	for _, m := range cfg.AllowedMIME {
		allowed[normalizeMIME(m)] = true
	}
	return &Preprocessor{cfg: cfg, allowed: allowed, logger: logger}
}

// Process checks size and type, reads EXIF, fixes orientation and
// downsamples. Images that need no change are passed through untouched.
func (p *Preprocessor) Process(img expense.Image) (*Result, error) {
	data := img.Bytes
	if len(data) == 0 {
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureCorruptImage, stage, "empty image", nil)
	}
	if p.cfg.MaxBytes > 0 && int64(len(data)) > p.cfg.MaxBytes {
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureImageTooLarge, stage,
			fmt.Sprintf("image is %d bytes, limit is %d", len(data), p.cfg.MaxBytes), nil)
	}

	declared := normalizeMIME(img.DeclaredMIME)
	if !p.allowed[declared] {
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureUnsupportedFormat, stage,
			fmt.Sprintf("content type %q is not accepted", img.DeclaredMIME), nil)
	}

	mimeType := sniffMIME(data)
	switch {
	case mimeType == "":
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureCorruptImage, stage,
			"bytes are not a recognizable image", nil)
	case !p.allowed[mimeType]:
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureUnsupportedFormat, stage,
			fmt.Sprintf("content is %s, declared %s", mimeType, declared), nil)
	case mimeType != declared:
		p.logger.Warn("Declared content type does not match image bytes", "declared", declared, "detected", mimeType)
	}

	if mimeType == mimePDF {
		rendered, err := pdfToImage(data)
		if err != nil {
			return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureCorruptImage, stage, "rendering pdf", err)
		}
		data, mimeType = rendered, mimePNG
	}

	meta, err := readMetadata(data, mimeType)
	if err != nil {
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureCorruptImage, stage, "reading metadata", err)
	}

	decoded, err := decodeImage(data, mimeType)
	if err != nil {
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureCorruptImage, stage, "decoding image", err)
	}

	bounds := decoded.Bounds()
	oversized := p.cfg.MaxDimension > 0 && (bounds.Dx() > p.cfg.MaxDimension || bounds.Dy() > p.cfg.MaxDimension)
	rotated := meta.Orientation > 1
	if !oversized && !rotated && mimeType != mimeHEIC {
		return &Result{Bytes: data, MIME: mimeType, Width: bounds.Dx(), Height: bounds.Dy(), Metadata: meta}, nil
	}

	if oversized {
		decoded = imaging.Fit(decoded, p.cfg.MaxDimension, p.cfg.MaxDimension, imaging.Lanczos)
		p.logger.Debug("Downsampled image",
			"from_width", bounds.Dx(), "from_height", bounds.Dy(),
			"to_width", decoded.Bounds().Dx(), "to_height", decoded.Bounds().Dy())
	}

	out, outMIME, err := encodeImage(decoded, mimeType, p.cfg.JPEGQuality)
	if err != nil {
		return nil, expense.NewFailure(expense.ClassUnrecoverable, expense.FailureCorruptImage, stage, "re-encoding image", err)
	}

	// Pixels are upright now
	meta.Orientation = 1
	return &Result{
		Bytes:    out,
		MIME:     outMIME,
		Width:    decoded.Bounds().Dx(),
		Height:   decoded.Bounds().Dy(),
		Metadata: meta,
	}, nil
}
