package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/zombor/receipt-ledger/internal/expense"
)

const stage = "ocr"

// Engine runs OCR with a local Tesseract install through gosseract
type Engine struct {
	languages []string
}

// New creates a Tesseract engine. Languages default to English.
func New(languages ...string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{languages: languages}
}

// Extract recognizes text and word boxes. Tesseract runs in-process, so a
// failure other than the context ending is not worth retrying.
func (e *Engine) Extract(ctx context.Context, image []byte) (*expense.ExtractedText, error) {
	type outcome struct {
		text *expense.ExtractedText
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		text, err := e.recognize(image)
		done <- outcome{text, err}
	}()

	select {
	case <-ctx.Done():
		// The cgo call cannot be interrupted; its result is dropped
		return nil, expense.Transient(stage, ctx.Err())
	case out := <-done:
		return out.text, out.err
	}
}

func (e *Engine) recognize(image []byte) (*expense.ExtractedText, error) {
	c := gosseract.NewClient()
	defer c.Close()

	if err := c.SetImageFromBytes(image); err != nil {
		return nil, expense.Permanent(stage, fmt.Errorf("set image: %w", err))
	}
	if err := c.SetLanguage(e.languages...); err != nil {
		return nil, expense.Permanent(stage, fmt.Errorf("set languages: %w", err))
	}

	text, err := c.Text()
	if err != nil {
		return nil, expense.Permanent(stage, fmt.Errorf("recognize text: %w", err))
	}

	out := &expense.ExtractedText{
		Text:   strings.TrimSpace(text),
		Engine: "tesseract",
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		// Text without boxes is still usable
		return out, nil
	}
	out.Tokens = make([]expense.Token, 0, len(boxes))
	for _, b := range boxes {
		out.Tokens = append(out.Tokens, expense.Token{
			Text:       b.Word,
			Confidence: b.Confidence / 100.0,
			Box: expense.BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}
	out.Confidence = expense.MeanConfidence(out.Tokens, 0)
	return out, nil
}
