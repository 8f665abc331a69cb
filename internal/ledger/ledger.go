package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// ErrNotRecorded is returned for pipeline results that must not be stored
var ErrNotRecorded = errors.New("only successful drafts are recorded")

// ExpenseEntry is an accepted expense draft
type ExpenseEntry struct {
	ID        string                `json:"id"`
	ProfileID string                `json:"profile_id"`
	Draft     *expense.ExpenseDraft `json:"draft"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// IDGenerator generates unique IDs for entries
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service records pipeline results in the ledger
type Service struct {
	db          DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB) *Service {
	return &Service{
		db:          db,
		idGenerator: &defaultIDGenerator{},
		timeSource:  &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Record stores a successful draft. Failures, including their partial
// drafts, are never stored.
func (s *Service) Record(profileID string, result expense.PipelineResult) (*ExpenseEntry, error) {
	success, ok := result.(expense.Success)
	if !ok || success.Draft == nil {
		return nil, ErrNotRecorded
	}

	now := s.timeSource.Now()
	entry := &ExpenseEntry{
		ID:        s.idGenerator.Generate(),
		ProfileID: profileID,
		Draft:     success.Draft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	slog.Info("Recording expense", "id", entry.ID, "profile_id", profileID, "merchant", entry.Draft.Merchant)
	if err := s.db.SaveEntry(entry); err != nil {
		return nil, fmt.Errorf("saving entry: %w", err)
	}
	return entry, nil
}

// Get returns an entry by ID
func (s *Service) Get(id string) (*ExpenseEntry, error) {
	return s.db.GetEntry(id)
}

// List returns a profile's entries
func (s *Service) List(profileID string) ([]*ExpenseEntry, error) {
	return s.db.ListByProfile(profileID)
}

// Delete removes an entry
func (s *Service) Delete(id string) error {
	return s.db.DeleteEntry(id)
}

// Profile fills in the historical category averages of a profile from its
// recorded entries, for use in the next pipeline run
func (s *Service) Profile(profile expense.ProfileContext) (expense.ProfileContext, error) {
	averages, err := s.db.CategoryAverages(profile.ProfileID)
	if err != nil {
		return profile, fmt.Errorf("loading category averages: %w", err)
	}
	profile.HistoricalCategoryAverages = averages
	return profile, nil
}

// averageByCategory averages entry amounts per category. Entries without an
// amount or category are skipped.
func averageByCategory(entries []*ExpenseEntry) map[expense.Category]decimal.Decimal {
	sums := make(map[expense.Category]decimal.Decimal)
	counts := make(map[expense.Category]int64)
	for _, e := range entries {
		if e.Draft == nil || !e.Draft.Amount.Valid || e.Draft.Category == "" ||
			e.Draft.Category == expense.CategoryUncategorized {
			continue
		}
		c := e.Draft.Category
		sums[c] = sums[c].Add(e.Draft.Amount.Decimal)
		counts[c]++
	}
	averages := make(map[expense.Category]decimal.Decimal, len(sums))
	for c, sum := range sums {
		averages[c] = sum.Div(decimal.NewFromInt(counts[c])).Round(2)
	}
	return averages
}
