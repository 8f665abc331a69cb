package ocr

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// PatternFields are the values recoverable from receipt text with regular
// expressions alone
type PatternFields struct {
	Merchant string
	Amount   decimal.NullDecimal
	Amounts  []decimal.Decimal // every money value found, in text order
	Currency string            // "" when no explicit marker was found
	Date     *time.Time
}

// Empty reports whether nothing was matched.
func (p PatternFields) Empty() bool {
	return p.Merchant == "" && !p.Amount.Valid && p.Currency == "" && p.Date == nil
}

var (
	moneyPattern = regexp.MustCompile(`(?i)(C\$|CA\$|US\$|A\$|NZ\$|\$|€|£|\b(?:CAD|USD|EUR|GBP|AUD)\s?)?(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+\.\d{2}|\d+)(\s?(?:CAD|USD|EUR|GBP|AUD)\b)?`)
	totalLine    = regexp.MustCompile(`(?i)\b(grand\s+total|total|amount\s+due|balance\s+due|montant\s+total)\b`)

	isoDate     = regexp.MustCompile(`\b(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})\b`)
	numericDate = regexp.MustCompile(`\b(\d{1,2})[-/.](\d{1,2})[-/.](\d{4}|\d{2})\b`)
	monthFirst  = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	dayFirst    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)

	genericHeaders = map[string]bool{
		"receipt": true, "invoice": true, "welcome": true, "thank you": true,
		"sales receipt": true, "customer copy": true, "tax invoice": true,
	}

	months = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
		"sep": time.September, "sept": time.September, "oct": time.October,
		"nov": time.November, "dec": time.December,
	}
)

// MatchFields pulls merchant, total, currency and date out of receipt text.
// A bare "$" does not set the currency since it is shared by several.
func MatchFields(text string) PatternFields {
	var fields PatternFields
	if strings.TrimSpace(text) == "" {
		return fields
	}

	date, masked := matchDate(text)
	fields.Date = date

	var (
		largest  decimal.Decimal
		found    bool
		total    decimal.NullDecimal
		currency string
	)
	for _, line := range strings.Split(masked, "\n") {
		amounts, cur := matchMoney(line)
		if currency == "" {
			currency = cur
		}
		for _, a := range amounts {
			fields.Amounts = append(fields.Amounts, a)
			if !found || a.GreaterThan(largest) {
				largest, found = a, true
			}
		}
		if len(amounts) > 0 && totalLine.MatchString(line) {
			total = decimal.NewNullDecimal(amounts[len(amounts)-1])
		}
	}
	switch {
	case total.Valid:
		fields.Amount = total
	case found:
		fields.Amount = decimal.NewNullDecimal(largest)
	}
	fields.Currency = currency
	fields.Merchant = matchMerchant(masked)
	return fields
}

// matchMoney returns the money values on a line and the first explicit
// currency marker. Plain integers only count when a marker is present.
func matchMoney(line string) ([]decimal.Decimal, string) {
	var (
		out      []decimal.Decimal
		currency string
	)
	for _, m := range moneyPattern.FindAllStringSubmatch(line, -1) {
		prefix := strings.TrimSpace(m[1])
		suffix := strings.TrimSpace(m[3])
		number := m[2]
		if !isMoney(prefix, number, suffix) {
			continue
		}
		v, err := decimal.NewFromString(strings.ReplaceAll(number, ",", ""))
		if err != nil {
			continue
		}
		out = append(out, v)
		if currency == "" {
			for _, marker := range []string{prefix, suffix} {
				if code, ok := expense.NormalizeCurrency(marker); ok {
					currency = code
					break
				}
			}
		}
	}
	return out, currency
}

func isMoney(prefix, number, suffix string) bool {
	return prefix != "" || suffix != "" || strings.Contains(number, ".")
}

// firstMoneyIndex returns the byte offset of the first money value, or -1
func firstMoneyIndex(line string) int {
	for _, m := range moneyPattern.FindAllStringSubmatchIndex(line, -1) {
		var prefix, suffix string
		if m[2] >= 0 {
			prefix = strings.TrimSpace(line[m[2]:m[3]])
		}
		if m[6] >= 0 {
			suffix = strings.TrimSpace(line[m[6]:m[7]])
		}
		if isMoney(prefix, line[m[4]:m[5]], suffix) {
			return m[0]
		}
	}
	return -1
}

// matchDate finds the first date and returns the text with every date
// blanked out so the money scan cannot read "2024.01" as an amount
func matchDate(text string) (*time.Time, string) {
	type candidate struct {
		at   int
		date time.Time
	}
	var best *candidate
	consider := func(at int, d time.Time, ok bool) {
		if ok && (best == nil || at < best.at) {
			best = &candidate{at: at, date: d}
		}
	}

	masked := text
	blank := func(re *regexp.Regexp) {
		masked = re.ReplaceAllStringFunc(masked, func(s string) string { return strings.Repeat(" ", len(s)) })
	}

	for _, m := range isoDate.FindAllStringSubmatchIndex(text, -1) {
		y, _ := strconv.Atoi(text[m[2]:m[3]])
		mo, _ := strconv.Atoi(text[m[4]:m[5]])
		d, _ := strconv.Atoi(text[m[6]:m[7]])
		t, ok := makeDate(y, mo, d)
		consider(m[0], t, ok)
	}
	blank(isoDate)

	for _, m := range numericDate.FindAllStringSubmatchIndex(masked, -1) {
		a, _ := strconv.Atoi(masked[m[2]:m[3]])
		b, _ := strconv.Atoi(masked[m[4]:m[5]])
		y, _ := strconv.Atoi(masked[m[6]:m[7]])
		if y < 100 {
			y += 2000
		}
		// Month first unless the first number cannot be a month
		mo, d := a, b
		if a > 12 {
			mo, d = b, a
		}
		t, ok := makeDate(y, mo, d)
		consider(m[0], t, ok)
	}
	blank(numericDate)

	for _, m := range monthFirst.FindAllStringSubmatchIndex(masked, -1) {
		mo := months[strings.ToLower(masked[m[2]:m[3]])]
		d, _ := strconv.Atoi(masked[m[4]:m[5]])
		y, _ := strconv.Atoi(masked[m[6]:m[7]])
		t, ok := makeDate(y, int(mo), d)
		consider(m[0], t, ok)
	}
	blank(monthFirst)

	for _, m := range dayFirst.FindAllStringSubmatchIndex(masked, -1) {
		d, _ := strconv.Atoi(masked[m[2]:m[3]])
		mo := months[strings.ToLower(masked[m[4]:m[5]])]
		y, _ := strconv.Atoi(masked[m[6]:m[7]])
		t, ok := makeDate(y, int(mo), d)
		consider(m[0], t, ok)
	}
	blank(dayFirst)

	if best == nil {
		return nil, masked
	}
	return &best.date, masked
}

// makeDate rejects out-of-range parts instead of letting time.Date roll them over
func makeDate(y, m, d int) (time.Time, bool) {
	if y < 1900 || y > 2200 || m < 1 || m > 12 || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// matchMerchant takes the leading words of the first meaningful line
func matchMerchant(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if at := firstMoneyIndex(line); at >= 0 {
			line = line[:at]
		}
		line = strings.TrimFunc(line, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&' && r != '\''
		})
		line = strings.Join(strings.Fields(line), " ")
		if genericHeaders[strings.ToLower(line)] || countLetters(line) < 2 {
			continue
		}
		if line == strings.ToUpper(line) {
			line = cases.Title(language.English).String(strings.ToLower(line))
		}
		return line
	}
	return ""
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
