package expense

// PipelineResult is the outcome of one pipeline run: Success or Failure.
type PipelineResult interface {
	isPipelineResult()
}

// Success carries a finished draft. The draft may still be NEEDS_REVIEW.
type Success struct {
	Draft *ExpenseDraft `json:"draft"`
}

// Failure carries the failure kind and, when anything was captured, a
// partial draft the user can complete by hand.
type Failure struct {
	Kind    FailureKind   `json:"kind"`
	Partial *ExpenseDraft `json:"partial_draft"`
	Err     error         `json:"-"`
}

func (Success) isPipelineResult() {}
func (Failure) isPipelineResult() {}
