package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-ledger/internal/audit"
	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/location"
	"github.com/zombor/receipt-ledger/internal/ocr"
	"github.com/zombor/receipt-ledger/internal/policy"
	"github.com/zombor/receipt-ledger/internal/preprocess"
	"github.com/zombor/receipt-ledger/internal/reconcile"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/tax"
)

// State is a step of a pipeline run
type State string

const (
	StatePreprocessing State = "PREPROCESSING"
	StateExtracting    State = "EXTRACTING"
	StateStructuring   State = "STRUCTURING"
	StateReconciling   State = "RECONCILING"
	StateCategorizing  State = "CATEGORIZING"
	StateScoring       State = "SCORING"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// ImagePreprocessor validates and normalizes receipt images
type ImagePreprocessor interface {
	Process(img expense.Image) (*preprocess.Result, error)
}

// TextExtractor reads the text of a normalized image
type TextExtractor interface {
	Extract(ctx context.Context, image []byte) (*expense.ExtractedText, error)
}

// StructuredExtractor turns receipt text into fields
type StructuredExtractor interface {
	Extract(ctx context.Context, text string) (*scanning.StructuredDraft, error)
}

// Locator picks a location from the available signals
type Locator interface {
	Resolve(ctx context.Context, s location.Signals) *expense.LocationCandidate
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Stages are the collaborators of a Pipeline. Structurer may be nil, which
// leaves every draft for manual completion.
type Stages struct {
	Preprocessor ImagePreprocessor
	OCR          TextExtractor
	Structurer   StructuredExtractor
	Locator      Locator
	Rules        *tax.Table
	Scorer       *audit.Scorer
}

// Pipeline turns receipts into categorized, scored expense drafts. A Pipeline
// holds no per-run state and may be shared by concurrent runs.
type Pipeline struct {
	stages     Stages
	cfg        Config
	logger     *slog.Logger
	timeSource TimeSource
}

// New creates a Pipeline with the default time source
func New(stages Stages, cfg Config, logger *slog.Logger) *Pipeline {
	return NewWithTimeSource(stages, cfg, logger, &defaultTimeSource{})
}

// NewWithTimeSource creates a Pipeline with a custom time source for testing
func NewWithTimeSource(stages Stages, cfg Config, logger *slog.Logger, timeSource TimeSource) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if stages.Locator == nil {
		stages.Locator = location.NewResolver(nil, cfg.GeocodeRetry, nil, logger)
	}
	if stages.Scorer == nil {
		stages.Scorer = audit.NewScorer(cfg.Audit)
	}
	if stages.Rules == nil {
		rules, err := tax.DefaultTable()
		if err != nil {
			// Categorize treats a nil table as having no rules
			logger.Error("Failed to load default tax rules", "error", err)
		}
		stages.Rules = rules
	}
	return &Pipeline{stages: stages, cfg: cfg, logger: logger, timeSource: timeSource}
}

// Services are the external services a Pipeline calls. Generator and
// Geocoder may be nil.
type Services struct {
	OCR       ocr.Service
	Generator scanning.TextGenerationService
	Geocoder  location.GeocodingService
}

// NewFromServices wires the standard stages around the external services.
// Every external call shares one limiter.
func NewFromServices(svc Services, rules *tax.Table, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := policy.NewLimiter(cfg.MaxConcurrentCalls, cfg.CallsPerMinute)

	stages := Stages{
		Preprocessor: preprocess.New(cfg.Preprocess, logger),
		OCR:          ocr.NewAdapter(svc.OCR, cfg.OCR, limiter, logger),
		Locator:      location.NewResolver(svc.Geocoder, cfg.GeocodeRetry, limiter, logger),
		Rules:        rules,
		Scorer:       audit.NewScorer(cfg.Audit),
	}
	if svc.Generator != nil {
		stages.Structurer = scanning.NewExtractor(svc.Generator, scanning.ReceiptSchema, cfg.Scanning, limiter, logger)
	}
	return New(stages, cfg, logger)
}

// Run processes one receipt. It never panics on bad input and never returns
// a nil result. A canceled context yields Failure{Canceled} with no partial
// draft.
func (p *Pipeline) Run(ctx context.Context, in expense.RawInput, profile expense.ProfileContext, overrides expense.UserOverrides) expense.PipelineResult {
	r := &run{
		p:          p,
		profile:    profile,
		overrides:  overrides,
		capturedAt: p.timeSource.Now(),
		log: p.logger.With(
			"input_kind", expense.InputKind(in),
			"profile_id", profile.ProfileID,
		),
	}
	return r.execute(ctx, in)
}

// run is the state of a single invocation
type run struct {
	p          *Pipeline
	log        *slog.Logger
	profile    expense.ProfileContext
	overrides  expense.UserOverrides
	capturedAt time.Time

	meta       preprocess.Metadata
	text       *expense.ExtractedText
	note       string
	location   *expense.LocationCandidate
	structured *scanning.StructuredDraft

	ocrErr   error
	degraded string
}

func (r *run) execute(ctx context.Context, in expense.RawInput) expense.PipelineResult {
	switch v := in.(type) {
	case expense.Image:
		if f := r.fromImage(ctx, v); f != nil {
			return *f
		}
	case expense.ManualText:
		r.useManualText(v.Text)
	default:
		return r.fail(expense.FailureUnrecoverable, nil,
			expense.NewFailure(expense.ClassUnrecoverable, expense.FailureUnrecoverable, "input", fmt.Sprintf("unsupported input %T", in), nil))
	}

	if err := r.enter(ctx, StateStructuring); err != nil {
		return r.canceled(err)
	}
	r.structure(ctx)
	if err := ctx.Err(); err != nil {
		return r.canceled(err)
	}

	if err := r.enter(ctx, StateReconciling); err != nil {
		return r.canceled(err)
	}
	var (
		patterns      ocr.PatternFields
		ocrConfidence float64
	)
	if r.text != nil {
		patterns = ocr.MatchFields(r.text.Text)
		ocrConfidence = r.text.Confidence
	}
	draft := reconcile.Reconcile(reconcile.Candidates{
		Overrides:        r.overrides,
		Profile:          r.profile,
		Structured:       r.structured,
		Patterns:         patterns,
		OCRConfidence:    ocrConfidence,
		Note:             r.note,
		EXIFTime:         r.meta.CapturedAt,
		Location:         r.location,
		CapturedAt:       r.capturedAt,
		ManualCompletion: r.degraded != "",
		DegradedReason:   r.degraded,
		AmountTolerance:  r.p.cfg.AmountTolerance,
	})
	switch {
	case draft.HasUsableFields():
	case r.ocrErr != nil && (r.meta.CapturedAt != nil || r.location != nil):
		r.log.Info("Keeping photo metadata for manual completion", "error", r.ocrErr)
	case r.ocrErr != nil:
		return r.fail(expense.FailureExtractionUnavailable, nil, r.ocrErr)
	default:
		return r.fail(expense.FailureUnrecoverable, nil,
			expense.NewFailure(expense.ClassUnrecoverable, expense.FailureUnrecoverable, "reconciling", "input yielded nothing usable", nil))
	}

	if err := r.enter(ctx, StateCategorizing); err != nil {
		return r.canceled(err)
	}
	res := tax.Categorize(draft, r.profile, r.p.stages.Rules)
	reconcile.ApplyCategorization(draft, res)
	r.log.Debug("Categorized receipt",
		"category", res.Category,
		"matched_by", res.MatchedBy,
		"eligibility", res.Eligibility.Kind,
		"reason", res.Reason,
	)

	if err := r.enter(ctx, StateScoring); err != nil {
		return r.canceled(err)
	}
	sig := audit.Signals{Now: r.capturedAt}
	if r.text != nil {
		sig.OCRLowConfidence = r.text.LowConfidence
	}
	if r.structured != nil {
		sig.HasExtraction = true
		sig.ExtractionConfidence = r.structured.Confidence
	}
	r.p.stages.Scorer.Score(draft, r.profile, sig)

	r.transition(StateDone)
	r.log.Info("Receipt processed",
		"merchant", draft.Merchant,
		"eligibility", draft.TaxEligibility.Kind,
		"risk_score", draft.RiskScore,
		"mode", draft.Mode,
	)
	return expense.Success{Draft: draft}
}

// fromImage runs preprocessing and OCR, with the EXIF location alongside
// OCR. It returns a failure only when the run cannot continue.
func (r *run) fromImage(ctx context.Context, img expense.Image) *expense.Failure {
	if err := r.enter(ctx, StatePreprocessing); err != nil {
		f := r.canceled(err)
		return &f
	}
	pre, err := r.p.stages.Preprocessor.Process(img)
	if err != nil {
		if r.overrides.ManualText != "" {
			r.log.Warn("Image unusable, using manual text", "kind", expense.KindOf(err), "error", err)
			r.useManualText(r.overrides.ManualText)
			return nil
		}
		kind := expense.KindOf(err)
		if kind == "" {
			kind = expense.FailureCorruptImage
		}
		f := r.fail(kind, r.overridesDraft(err), err)
		return &f
	}
	r.meta = pre.Metadata

	if err := r.enter(ctx, StateExtracting); err != nil {
		f := r.canceled(err)
		return &f
	}
	var (
		text   *expense.ExtractedText
		ocrErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		text, ocrErr = r.p.stages.OCR.Extract(gctx, pre.Bytes)
		return nil
	})
	g.Go(func() error {
		r.location = location.FromEXIF(pre.Metadata.GPS)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		f := r.canceled(err)
		return &f
	}
	if ocrErr != nil {
		if r.overrides.ManualText != "" {
			r.log.Warn("Text extraction unavailable, using manual text", "error", ocrErr)
			r.useManualText(r.overrides.ManualText)
			return nil
		}
		r.log.Warn("Text extraction unavailable", "error", ocrErr)
		r.ocrErr = ocrErr
		r.degraded = "text extraction unavailable"
		return nil
	}
	if text == nil {
		text = &expense.ExtractedText{}
	}
	if text.LowConfidence {
		r.log.Warn("Low OCR confidence", "confidence", text.Confidence)
	}
	r.text = text
	return nil
}

// structure runs structured extraction alongside resolving the location
// from the receipt text and the caller's hints.
func (r *run) structure(ctx context.Context) {
	blank := r.text == nil || ocr.IsBlank(r.text)

	var structErr error
	g, gctx := errgroup.WithContext(ctx)
	if !blank && r.p.stages.Structurer != nil {
		g.Go(func() error {
			r.structured, structErr = r.p.stages.Structurer.Extract(gctx, r.text.Text)
			return nil
		})
	}
	if r.location == nil {
		sig := location.Signals{Manual: r.overrides.Coordinates, IP: r.overrides.IPLocation}
		if !blank {
			sig.Text = r.text.Text
		}
		g.Go(func() error {
			r.location = r.p.stages.Locator.Resolve(gctx, sig)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case r.degraded != "":
	case structErr != nil:
		r.log.Warn("Structured extraction failed, leaving draft for manual completion",
			"kind", expense.KindOf(structErr), "error", structErr)
		r.degraded = fmt.Sprintf("structured extraction failed: %s", expense.KindOf(structErr))
	case blank:
		r.degraded = "receipt text was blank"
	case r.p.stages.Structurer == nil:
		r.degraded = "structured extraction disabled"
	}
}

func (r *run) useManualText(text string) {
	r.note = text
	r.text = &expense.ExtractedText{
		Text:       strings.TrimSpace(text),
		Confidence: 1,
		Engine:     "manual",
	}
}

// overridesDraft is the partial draft for a run that stopped before reading
// the receipt. It only exists when the user typed some field.
func (r *run) overridesDraft(cause error) *expense.ExpenseDraft {
	if !r.overrides.HasFieldOverride() {
		return nil
	}
	return reconcile.Reconcile(reconcile.Candidates{
		Overrides:        r.overrides,
		Profile:          r.profile,
		CapturedAt:       r.capturedAt,
		ManualCompletion: true,
		DegradedReason:   fmt.Sprintf("image unusable: %s", expense.KindOf(cause)),
	})
}

// enter moves to the next state unless the run was canceled
func (r *run) enter(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.transition(s)
	return nil
}

func (r *run) transition(s State) {
	r.log.Info("Pipeline state", "state", s)
}

func (r *run) canceled(err error) expense.Failure {
	return r.fail(expense.FailureCanceled, nil, err)
}

func (r *run) fail(kind expense.FailureKind, partial *expense.ExpenseDraft, err error) expense.Failure {
	r.transition(StateFailed)
	r.log.Warn("Pipeline failed", "kind", kind, "error", err, "partial", partial != nil)
	return expense.Failure{Kind: kind, Partial: partial, Err: err}
}
