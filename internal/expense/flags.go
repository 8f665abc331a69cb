package expense

// FlagKind is an audit risk indicator
type FlagKind string

const (
	FlagMissingMerchant         FlagKind = "MISSING_MERCHANT"
	FlagRoundAmount             FlagKind = "ROUND_AMOUNT"
	FlagHighAmount              FlagKind = "HIGH_AMOUNT"
	FlagDateOutsideTaxYear      FlagKind = "DATE_OUTSIDE_TAX_YEAR"
	FlagFutureDate              FlagKind = "FUTURE_DATE"
	FlagCategoryAmountOutlier   FlagKind = "CATEGORY_AMOUNT_OUTLIER"
	FlagLowOCRConfidence        FlagKind = "LOW_OCR_CONFIDENCE"
	FlagLowExtractionConfidence FlagKind = "LOW_EXTRACTION_CONFIDENCE"
	FlagMissingLocation         FlagKind = "MISSING_LOCATION"
	FlagAmountConflict          FlagKind = "AMOUNT_CONFLICT"
	FlagFieldConflict           FlagKind = "FIELD_CONFLICT"
	FlagManualCompletion        FlagKind = "MANUAL_COMPLETION"
)
