package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"fourbuy/internal"
	"fourbuy/internal/util"
)

type BodyKind string

const (
	BodyJSON BodyKind = "json"
	BodyText BodyKind = "text"
)

// Response is a gateway answer, tagged by its declared content type. The body
// is never sniffed.
type Response struct {
	Status      int
	ContentType string
	Kind        BodyKind
	Body        []byte
}

// ClassifyContentType reports BodyJSON for application/json and any +json
// media type.
func ClassifyContentType(contentType string) BodyKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		return BodyJSON
	}
	return BodyText
}

func newResponse(status int, contentType string, body []byte) Response {
	return Response{
		Status:      status,
		ContentType: contentType,
		Kind:        ClassifyContentType(contentType),
		Body:        body,
	}
}

func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Result maps a successful JSON body onto the record/product union. An
// explicit kind tag decides when the backend sends one; otherwise an object
// carrying id or receipt_id is a ScanRecord and anything else is a product.
func (r Response) Result() (internal.IntakeResult, error) {
	if r.Kind != BodyJSON {
		return internal.IntakeResult{}, &PayloadError{Status: r.Status, Text: strings.TrimSpace(string(r.Body))}
	}
	trimmed := bytes.TrimSpace(r.Body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return internal.IntakeResult{}, &PayloadError{Status: r.Status, Text: string(trimmed)}
	}

	if isRecord(trimmed) {
		var record internal.ScanRecord
		if err := json.Unmarshal(trimmed, &record); err != nil {
			return internal.IntakeResult{}, fmt.Errorf("decode scan record: %w", err)
		}
		return internal.IntakeResult{Record: &record}, nil
	}

	var product internal.ProductRecognition
	if err := json.Unmarshal(trimmed, &product); err != nil {
		return internal.IntakeResult{}, fmt.Errorf("decode product recognition: %w", err)
	}
	return internal.IntakeResult{Product: &product}, nil
}

func isRecord(body []byte) bool {
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(body, &tag); err == nil {
		switch strings.ToLower(strings.TrimSpace(tag.Kind)) {
		case "receipt", "record":
			return true
		case "product":
			return false
		}
	}
	return internal.HasRecordID(body)
}

// ErrorMessage picks the human-readable reason out of a failed response:
// the error or message field of a JSON body, else the body text, else a
// generic status line.
func (r Response) ErrorMessage() string {
	text := strings.TrimSpace(string(r.Body))

	var fields struct {
		Error   any `json:"error"`
		Message any `json:"message"`
	}
	if err := json.Unmarshal([]byte(text), &fields); err == nil {
		if msg := messageField(fields.Error); msg != "" {
			return msg
		}
		if msg := messageField(fields.Message); msg != "" {
			return msg
		}
	}

	if strings.Contains(strings.ToLower(r.ContentType), "html") {
		if msg := htmlText(text); msg != "" {
			return msg
		}
	}
	if text != "" {
		return text
	}
	return fmt.Sprintf("Request failed with %d", r.Status)
}

func messageField(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if msg, ok := t["message"].(string); ok {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}

// htmlText reduces an HTML error page (proxy 502 pages and the like) to its
// visible text.
func htmlText(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	return truncate(util.NormalizeSpaces(doc.Text()), 300)
}
