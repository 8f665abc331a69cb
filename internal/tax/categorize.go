package tax

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// MatchKind records which signal chose the category
type MatchKind string

const (
	MatchOverride MatchKind = "USER_OVERRIDE"
	MatchHint     MatchKind = "HINT"
	MatchMerchant MatchKind = "MERCHANT"
	MatchKeyword  MatchKind = "KEYWORD"
	MatchNone     MatchKind = "NONE"
)

const (
	overrideConfidence  = 1.0
	hintConfidence      = 0.95
	merchantConfidence  = 0.85
	keywordConfidence   = 0.70
	ambiguousConfidence = 0.5
	noMatchConfidence   = 0.3
)

// Result is the categorizer's verdict for one draft
type Result struct {
	Category    expense.Category
	Eligibility expense.TaxEligibility
	MatchedBy   MatchKind
	Confidence  float64
	Reason      string
}

// Categorize picks a category for the draft and decides its deductibility.
// The category comes from the draft's hint, then merchant patterns, then
// keywords in the description and line items. It only reads its inputs.
func Categorize(d *expense.ExpenseDraft, profile expense.ProfileContext, t *Table) Result {
	jurisdiction := strings.ToUpper(strings.TrimSpace(profile.Jurisdiction))
	if t == nil || t.rules[jurisdiction] == nil {
		return Result{
			Category:    expense.CategoryUncategorized,
			Eligibility: expense.TaxEligibility{Kind: expense.NeedsReview},
			MatchedBy:   MatchNone,
			Reason:      fmt.Sprintf("no rules for jurisdiction %q", profile.Jurisdiction),
		}
	}

	res := t.match(jurisdiction, d)
	rule, _ := t.Rule(jurisdiction, res.Category)
	res.Eligibility, res.Reason = t.eligibility(rule, res, d, profile)
	return res
}

func (t *Table) match(jurisdiction string, d *expense.ExpenseDraft) Result {
	if d.Category != "" && d.Category != expense.CategoryUncategorized {
		if _, ok := t.rules[jurisdiction][d.Category]; ok {
			if d.Provenance[expense.FieldCategory] == expense.SourceUserOverride {
				return Result{Category: d.Category, MatchedBy: MatchOverride, Confidence: overrideConfidence}
			}
			return Result{Category: d.Category, MatchedBy: MatchHint, Confidence: hintConfidence}
		}
	}

	if merchant := normalize(d.Merchant); merchant != "" {
		if res, ok := matchMerchant(t.merchants[jurisdiction], merchant); ok {
			return res
		}
	}

	parts := []string{d.Merchant, d.Description}
	for _, item := range d.LineItems {
		parts = append(parts, item.Description)
	}
	if res, ok := matchKeywords(t.keywords[jurisdiction], normalize(strings.Join(parts, " "))); ok {
		return res
	}

	return Result{Category: expense.CategoryUncategorized, MatchedBy: MatchNone, Confidence: noMatchConfidence}
}

// matchMerchant takes the longest matching pattern. Equally long patterns
// naming different categories make the match ambiguous.
func matchMerchant(terms []term, merchant string) (Result, bool) {
	best := -1
	var found []expense.Category
	for _, tm := range terms {
		if best >= 0 && len(tm.text) < best {
			break
		}
		if containsTerm(merchant, tm.text) {
			best = len(tm.text)
			found = appendUnique(found, tm.category)
		}
	}
	if len(found) == 0 {
		return Result{}, false
	}
	return pick(found, MatchMerchant, merchantConfidence), true
}

// matchKeywords counts distinct keyword hits per category
func matchKeywords(terms []term, text string) (Result, bool) {
	if text == "" {
		return Result{}, false
	}
	hits := make(map[expense.Category]int)
	for _, tm := range terms {
		if containsTerm(text, tm.text) {
			hits[tm.category]++
		}
	}
	most := 0
	var found []expense.Category
	for c, n := range hits {
		switch {
		case n > most:
			most, found = n, []expense.Category{c}
		case n == most:
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return Result{}, false
	}
	return pick(found, MatchKeyword, keywordConfidence), true
}

func pick(found []expense.Category, kind MatchKind, confidence float64) Result {
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	res := Result{Category: found[0], MatchedBy: kind, Confidence: confidence}
	if len(found) > 1 {
		res.Confidence = ambiguousConfidence
	}
	return res
}

func appendUnique(cs []expense.Category, c expense.Category) []expense.Category {
	for _, have := range cs {
		if have == c {
			return cs
		}
	}
	return append(cs, c)
}

func (t *Table) eligibility(rule CategoryRule, res Result, d *expense.ExpenseDraft, profile expense.ProfileContext) (expense.TaxEligibility, string) {
	review := expense.TaxEligibility{Kind: expense.NeedsReview}

	switch {
	case res.Category == expense.CategoryUncategorized:
		return review, "no category matched"
	case res.Confidence < t.threshold:
		return review, fmt.Sprintf("category confidence %.2f below %.2f", res.Confidence, t.threshold)
	case rule.AlwaysReview:
		return review, fmt.Sprintf("%s expenses are always reviewed", rule.Category)
	}
	if missing := missingFields(rule.RequiresFields, d); len(missing) > 0 {
		return review, "missing " + strings.Join(missing, ", ")
	}
	if d.NeedsReview() {
		return review, "draft is marked for review"
	}
	if rule.DisallowedIf != nil && rule.DisallowedIf(d, profile) {
		return expense.TaxEligibility{Kind: expense.NotDeductible},
			fmt.Sprintf("%s is not deductible for this profile in %s", rule.Category, rule.Jurisdiction)
	}

	switch {
	case rule.DeductiblePct >= 100:
		return expense.TaxEligibility{Kind: expense.FullyDeductible}, fmt.Sprintf("%s fully deductible", rule.Category)
	case rule.DeductiblePct > 0:
		return expense.TaxEligibility{Kind: expense.PartiallyDeductible, Percent: rule.DeductiblePct},
			fmt.Sprintf("%s %.0f%% deductible", rule.Category, rule.DeductiblePct)
	default:
		return expense.TaxEligibility{Kind: expense.NotDeductible}, fmt.Sprintf("%s not deductible", rule.Category)
	}
}

func missingFields(required []expense.Field, d *expense.ExpenseDraft) []string {
	var missing []string
	for _, f := range required {
		present := true
		switch f {
		case expense.FieldMerchant:
			present = d.Merchant != ""
		case expense.FieldAmount:
			present = d.Amount.Valid
		case expense.FieldCurrency:
			present = d.Currency != "" && d.Currency != expense.CurrencyUnknown
		case expense.FieldDate:
			present = d.Date != nil
		case expense.FieldDescription:
			present = d.Description != ""
		case expense.FieldLocation:
			present = d.Location != nil
		}
		if !present {
			missing = append(missing, string(f))
		}
	}
	return missing
}
