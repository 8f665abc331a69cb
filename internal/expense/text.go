package expense

// BoundingBox is a token's position in image pixels
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Token is a single recognized word
type Token struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"` // 0..1
	Box        BoundingBox `json:"box"`
}

// ExtractedText is the output of text extraction. It is not modified after
// the OCR adapter returns it.
type ExtractedText struct {
	Text          string  `json:"text"`
	Tokens        []Token `json:"tokens,omitempty"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence"`
	Engine        string  `json:"engine,omitempty"`
}

// MeanConfidence averages token confidences. Text with no tokens reports the
// supplied fallback.
func MeanConfidence(tokens []Token, fallback float64) float64 {
	if len(tokens) == 0 {
		return fallback
	}
	var sum float64
	for _, t := range tokens {
		sum += t.Confidence
	}
	return sum / float64(len(tokens))
}
