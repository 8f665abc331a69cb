package expense

import "strings"

// CurrencyUnknown marks a currency that could not be determined
const CurrencyUnknown = "UNKNOWN"

var knownCurrencies = map[string]bool{
	"AUD": true, "BRL": true, "CAD": true, "CHF": true, "CNY": true,
	"CZK": true, "DKK": true, "EUR": true, "GBP": true, "HKD": true,
	"HUF": true, "IDR": true, "ILS": true, "INR": true, "JPY": true,
	"KRW": true, "MXN": true, "MYR": true, "NOK": true, "NZD": true,
	"PHP": true, "PLN": true, "SEK": true, "SGD": true, "THB": true,
	"TRY": true, "TWD": true, "USD": true, "ZAR": true,
}

// Unambiguous symbols and local spellings. A bare "$" is deliberately absent.
var currencyAliases = map[string]string{
	"C$":  "CAD",
	"CA$": "CAD",
	"CAN": "CAD",
	"US$": "USD",
	"A$":  "AUD",
	"AU$": "AUD",
	"NZ$": "NZD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"₹":   "INR",
	"R$":  "BRL",
}

// NormalizeCurrency maps a code or symbol to an ISO-4217 code. It returns
// false when the value is not recognized.
func NormalizeCurrency(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if code, ok := currencyAliases[s]; ok {
		return code, true
	}
	up := strings.ToUpper(s)
	if code, ok := currencyAliases[up]; ok {
		return code, true
	}
	if knownCurrencies[up] {
		return up, true
	}
	return "", false
}

// IsKnownCurrency reports whether code is a recognized ISO-4217 code.
func IsKnownCurrency(code string) bool {
	return knownCurrencies[code]
}
