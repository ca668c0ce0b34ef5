package pipeline

import "strings"

type DetectResult struct {
	IsReceipt bool
	Score     float64
	Reason    string
}

var detectKeywords = []string{"чек", "кассов", "фискальн", "receipt", "фн", "фд", "фп", "офд", "итого"}

// DetectReceipt scores an email for being an electronic fiscal receipt. A
// parsed fiscal QR string is conclusive on its own.
func DetectReceipt(subject, text string, attachmentNames []string, qrCount int) DetectResult {
	if qrCount > 0 {
		return DetectResult{IsReceipt: true, Score: 1, Reason: "fiscal_qr"}
	}

	subject = strings.ToLower(subject)
	text = strings.ToLower(text)

	score := 0.0
	for _, kw := range detectKeywords {
		if strings.Contains(subject, kw) {
			score += 0.2
		}
		if strings.Contains(text, kw) {
			score += 0.1
		}
	}

	for _, name := range attachmentNames {
		ln := strings.ToLower(name)
		if strings.HasSuffix(ln, ".pdf") || strings.HasSuffix(ln, ".jpg") || strings.HasSuffix(ln, ".jpeg") || strings.HasSuffix(ln, ".png") {
			score += 0.25
			break
		}
	}
	if score > 1 {
		score = 1
	}

	isReceipt := score >= 0.45
	reason := "rules_negative"
	if isReceipt {
		reason = "rules_positive"
	}
	return DetectResult{IsReceipt: isReceipt, Score: score, Reason: reason}
}
