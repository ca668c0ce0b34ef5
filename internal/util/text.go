package util

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reSpaces   = regexp.MustCompile(`\s+`)
	reCurrency = regexp.MustCompile(`^[A-Z]{3}$`)
)

var currencySymbols = map[string]string{
	"RUB": "₽",
	"USD": "$",
	"EUR": "€",
	"KZT": "₸",
	"BYN": "Br",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"20060102T150405",
	"20060102T1504",
	"02.01.2006 15:04",
	"2006-01-02",
}

func NormalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func StringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func FloatPtr(v float64) *float64 {
	return &v
}

// ParseTimestamp accepts the layouts the backend and fiscal QR codes use.
// The result is always UTC.
func ParseTimestamp(input string) (time.Time, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatMoney renders an amount the ru-RU way: "1 234,50 ₽". Anything that is
// not an ISO currency code falls back to "<value> <currency>".
func FormatMoney(value float64, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if !reCurrency.MatchString(code) || math.IsNaN(value) || math.IsInf(value, 0) {
		return strings.TrimSpace(FormatNumber(value) + " " + currency)
	}
	symbol, ok := currencySymbols[code]
	if !ok {
		symbol = code
	}
	return groupDigits(value) + " " + symbol
}

func groupDigits(value float64) string {
	sign := ""
	if value < 0 {
		sign = "-"
		value = -value
	}
	fixed := strconv.FormatFloat(value, 'f', 2, 64)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteString(" ")
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s%s,%s", sign, b.String(), frac)
}
