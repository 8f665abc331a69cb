package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/audit"
	"github.com/zombor/receipt-ledger/internal/ocr"
	"github.com/zombor/receipt-ledger/internal/policy"
	"github.com/zombor/receipt-ledger/internal/preprocess"
	"github.com/zombor/receipt-ledger/internal/reconcile"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

// Config gathers the settings of every stage
type Config struct {
	Preprocess      preprocess.Config
	OCR             ocr.Config
	Scanning        scanning.Config
	GeocodeRetry    policy.Retry
	Audit           audit.Config
	AmountTolerance decimal.Decimal

	// Shared by every external call the process makes
	MaxConcurrentCalls int
	CallsPerMinute     int
}

// DefaultConfig returns the defaults for every stage
func DefaultConfig() Config {
	return Config{
		Preprocess:         preprocess.DefaultConfig(),
		OCR:                ocr.DefaultConfig(),
		Scanning:           scanning.DefaultConfig(),
		GeocodeRetry:       policy.DefaultGeocodeRetry,
		Audit:              audit.DefaultConfig(),
		AmountTolerance:    reconcile.DefaultAmountTolerance,
		MaxConcurrentCalls: 4,
		CallsPerMinute:     60,
	}
}

// Budget is the longest a run can spend in external calls, not counting time
// spent waiting on the shared limiter. Geocoding overlaps structured
// extraction, so only the longer of the two counts.
func (c Config) Budget() time.Duration {
	rounds := time.Duration(c.Scanning.CorrectiveRetries + 1)
	structuring := rounds * c.Scanning.Retry.Budget()
	return c.OCR.Retry.Budget() + max(structuring, c.GeocodeRetry.Budget())
}
