package util

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reGroupedDot   = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
	reGroupedComma = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+$`)
	reAmount       = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
)

// ParseAmount reads a money or quantity token as printed on receipts:
// "1 234,50", "1.000", "12.5", "99,90 ₽".
func ParseAmount(input string) (float64, bool) {
	s := strings.ReplaceAll(input, " ", " ")
	s = strings.TrimSpace(strings.Trim(s, "₽$€ "))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "руб."), "руб")
	s = normalizeNumericToken(strings.TrimSpace(s))
	if !reAmount.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizeNumericToken(token string) string {
	compact := strings.ReplaceAll(token, " ", "")
	if reGroupedDot.MatchString(compact) {
		return strings.ReplaceAll(compact, ".", "")
	}
	if reGroupedComma.MatchString(compact) {
		return strings.ReplaceAll(compact, ",", "")
	}
	if strings.Contains(compact, ",") && !strings.Contains(compact, ".") {
		return strings.ReplaceAll(compact, ",", ".")
	}
	return compact
}

func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
