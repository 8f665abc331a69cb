package tax

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/zombor/receipt-ledger/internal/expense"
)

//go:embed rules.yaml
var defaultRules []byte

// Predicate decides whether a rule's deduction is disallowed for a draft
type Predicate func(d *expense.ExpenseDraft, profile expense.ProfileContext) bool

// CategoryRule is the deductibility rule for one category in one jurisdiction
type CategoryRule struct {
	Category       expense.Category
	Jurisdiction   string
	DeductiblePct  float64
	RequiresFields []expense.Field
	DisallowedIf   Predicate
	Keywords       []string
	Merchants      []string
	AlwaysReview   bool
}

// Table holds the rules for every jurisdiction. It is built once and never
// modified, so it is safe to share between runs.
type Table struct {
	threshold float64
	rules     map[string]map[expense.Category]CategoryRule
	merchants map[string][]term // longest pattern first
	keywords  map[string][]term
}

type term struct {
	text     string // normalized
	category expense.Category
}

type ruleFile struct {
	ConfidenceThreshold float64                `yaml:"confidence_threshold"`
	Jurisdictions       map[string][]ruleEntry `yaml:"jurisdictions"`
}

type ruleEntry struct {
	Category      expense.Category `yaml:"category"`
	DeductiblePct float64          `yaml:"deductible_pct"`
	Requires      []expense.Field  `yaml:"requires"`
	DisallowedIf  []conditionEntry `yaml:"disallowed_if"`
	Merchants     []string         `yaml:"merchants"`
	Keywords      []string         `yaml:"keywords"`
	AlwaysReview  bool             `yaml:"always_review"`
}

type conditionEntry struct {
	ProfileTypes     []expense.ProfileType `yaml:"profile_types"`
	MerchantKeywords []string              `yaml:"merchant_keywords"`
	AmountOver       string                `yaml:"amount_over"`
}

var knownFields = map[expense.Field]bool{
	expense.FieldMerchant:    true,
	expense.FieldAmount:      true,
	expense.FieldCurrency:    true,
	expense.FieldDate:        true,
	expense.FieldDescription: true,
	expense.FieldLocation:    true,
}

var loadDefault = sync.OnceValues(func() (*Table, error) {
	return LoadTable(bytes.NewReader(defaultRules))
})

// DefaultTable returns the built-in CA and US rules
func DefaultTable() (*Table, error) {
	return loadDefault()
}

// LoadTable parses a YAML rule file
func LoadTable(r io.Reader) (*Table, error) {
	var file ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	if file.ConfidenceThreshold <= 0 || file.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence_threshold must be in (0, 1], got %v", file.ConfidenceThreshold)
	}

	t := &Table{
		threshold: file.ConfidenceThreshold,
		rules:     make(map[string]map[expense.Category]CategoryRule),
		merchants: make(map[string][]term),
		keywords:  make(map[string][]term),
	}
	for jurisdiction, entries := range file.Jurisdictions {
		j := strings.ToUpper(strings.TrimSpace(jurisdiction))
		byCategory := make(map[expense.Category]CategoryRule, len(entries))
		for _, entry := range entries {
			rule, err := compileRule(j, entry)
			if err != nil {
				return nil, fmt.Errorf("jurisdiction %s: %w", j, err)
			}
			if _, dup := byCategory[rule.Category]; dup {
				return nil, fmt.Errorf("jurisdiction %s: duplicate rule for %s", j, rule.Category)
			}
			byCategory[rule.Category] = rule
			for _, m := range rule.Merchants {
				t.merchants[j] = append(t.merchants[j], term{text: normalize(m), category: rule.Category})
			}
			for _, k := range rule.Keywords {
				t.keywords[j] = append(t.keywords[j], term{text: normalize(k), category: rule.Category})
			}
		}
		t.rules[j] = byCategory
		sortTerms(t.merchants[j])
		sortTerms(t.keywords[j])
	}
	return t, nil
}

func compileRule(jurisdiction string, entry ruleEntry) (CategoryRule, error) {
	if entry.Category == "" || entry.Category == expense.CategoryUncategorized {
		return CategoryRule{}, fmt.Errorf("rule with invalid category %q", entry.Category)
	}
	if entry.DeductiblePct < 0 || entry.DeductiblePct > 100 {
		return CategoryRule{}, fmt.Errorf("%s: deductible_pct %v out of range", entry.Category, entry.DeductiblePct)
	}
	for _, f := range entry.Requires {
		if !knownFields[f] {
			return CategoryRule{}, fmt.Errorf("%s: unknown required field %q", entry.Category, f)
		}
	}
	pred, err := compilePredicate(entry.DisallowedIf)
	if err != nil {
		return CategoryRule{}, fmt.Errorf("%s: %w", entry.Category, err)
	}
	return CategoryRule{
		Category:       entry.Category,
		Jurisdiction:   jurisdiction,
		DeductiblePct:  entry.DeductiblePct,
		RequiresFields: append([]expense.Field(nil), entry.Requires...),
		DisallowedIf:   pred,
		Keywords:       append([]string(nil), entry.Keywords...),
		Merchants:      append([]string(nil), entry.Merchants...),
		AlwaysReview:   entry.AlwaysReview,
	}, nil
}

// compilePredicate ORs the conditions; the parts of one condition are ANDed
func compilePredicate(conds []conditionEntry) (Predicate, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	var checks []Predicate
	for _, c := range conds {
		var parts []Predicate
		if len(c.ProfileTypes) > 0 {
			types := make(map[expense.ProfileType]bool)
			for _, pt := range c.ProfileTypes {
				if pt != expense.ProfilePersonal && pt != expense.ProfileBusiness {
					return nil, fmt.Errorf("unknown profile type %q", pt)
				}
				types[pt] = true
			}
			parts = append(parts, func(_ *expense.ExpenseDraft, p expense.ProfileContext) bool {
				return types[p.ProfileType]
			})
		}
		if len(c.MerchantKeywords) > 0 {
			words := make([]string, 0, len(c.MerchantKeywords))
			for _, w := range c.MerchantKeywords {
				words = append(words, normalize(w))
			}
			parts = append(parts, func(d *expense.ExpenseDraft, _ expense.ProfileContext) bool {
				merchant := normalize(d.Merchant)
				for _, w := range words {
					if containsTerm(merchant, w) {
						return true
					}
				}
				return false
			})
		}
		if c.AmountOver != "" {
			limit, err := decimal.NewFromString(c.AmountOver)
			if err != nil {
				return nil, fmt.Errorf("parsing amount_over: %w", err)
			}
			parts = append(parts, func(d *expense.ExpenseDraft, _ expense.ProfileContext) bool {
				return d.Amount.Valid && d.Amount.Decimal.GreaterThan(limit)
			})
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("empty disallowed_if condition")
		}
		checks = append(checks, func(d *expense.ExpenseDraft, p expense.ProfileContext) bool {
			for _, part := range parts {
				if !part(d, p) {
					return false
				}
			}
			return true
		})
	}
	return func(d *expense.ExpenseDraft, p expense.ProfileContext) bool {
		for _, check := range checks {
			if check(d, p) {
				return true
			}
		}
		return false
	}, nil
}

// Threshold is the confidence below which a category needs review
func (t *Table) Threshold() float64 {
	return t.threshold
}

// Rule looks up the rule for a category
func (t *Table) Rule(jurisdiction string, category expense.Category) (CategoryRule, bool) {
	r, ok := t.rules[strings.ToUpper(strings.TrimSpace(jurisdiction))][category]
	return r, ok
}

// Jurisdictions lists the jurisdictions with rules, sorted
func (t *Table) Jurisdictions() []string {
	out := make([]string, 0, len(t.rules))
	for j := range t.rules {
		out = append(out, j)
	}
	sort.Strings(out)
	return out
}

func sortTerms(terms []term) {
	sort.SliceStable(terms, func(i, j int) bool {
		if len(terms[i].text) != len(terms[j].text) {
			return len(terms[i].text) > len(terms[j].text)
		}
		if terms[i].text != terms[j].text {
			return terms[i].text < terms[j].text
		}
		return terms[i].category < terms[j].category
	})
}

// normalize lower-cases s and reduces it to words separated by single spaces
func normalize(s string) string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !isWordRune(r)
	})
	return strings.Join(f, " ")
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127 && r != ' '
}

// containsTerm reports whether the normalized term occurs in the normalized
// text on word boundaries
func containsTerm(text, t string) bool {
	if t == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+t+" ")
}
