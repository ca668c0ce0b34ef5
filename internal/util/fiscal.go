package util

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// reFiscalQR finds the payload of a Russian fiscal receipt QR code inside
// free text: t=20240501T1030&s=1234.50&fn=...&i=...&fp=...&n=1
var reFiscalQR = regexp.MustCompile(`(?i)t=\d{8}T\d{4,6}(?:&(?:amp;)?[a-z]{1,2}=[0-9A-Za-z.,]+){3,}`)

type FiscalQR struct {
	Raw       string
	Timestamp time.Time
	Sum       float64
	FN        string
	FD        string
	FP        string
	Operation string
}

// ParseFiscalQR validates a scanned string as a fiscal QR payload. Codes that
// are not fiscal (URLs, product barcodes) are reported as not ok.
func ParseFiscalQR(text string) (FiscalQR, bool) {
	raw := strings.TrimSpace(strings.ReplaceAll(text, "&amp;", "&"))
	values, err := url.ParseQuery(raw)
	if err != nil {
		return FiscalQR{}, false
	}
	out := FiscalQR{
		Raw:       raw,
		FN:        values.Get("fn"),
		FD:        values.Get("i"),
		FP:        values.Get("fp"),
		Operation: values.Get("n"),
	}
	if out.FN == "" || out.FD == "" || out.FP == "" {
		return FiscalQR{}, false
	}
	ts, ok := ParseTimestamp(values.Get("t"))
	if !ok {
		return FiscalQR{}, false
	}
	out.Timestamp = ts
	sum, err := strconv.ParseFloat(values.Get("s"), 64)
	if err != nil {
		v, ok := ParseAmount(values.Get("s"))
		if !ok {
			return FiscalQR{}, false
		}
		sum = v
	}
	out.Sum = sum
	return out, true
}

// FindFiscalQR returns every distinct fiscal QR payload embedded in text, in
// order of appearance.
func FindFiscalQR(text string) []string {
	matches := reFiscalQR.FindAllString(text, -1)
	seen := map[string]bool{}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.ReplaceAll(m, "&amp;", "&")
		if seen[m] {
			continue
		}
		if _, ok := ParseFiscalQR(m); !ok {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
