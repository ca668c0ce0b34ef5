package internal

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"fourbuy/internal/util"
)

type RecordSource string

type RecordStatus string

const (
	SourceQR    RecordSource = "qr"
	SourcePhoto RecordSource = "photo"

	StatusPartial  RecordStatus = "partial"
	StatusComplete RecordStatus = "complete"
)

// StoreInfo fields are independently nullable: a QR-only record usually
// knows neither.
type StoreInfo struct {
	Name    *string `json:"name"`
	Address *string `json:"address"`
}

type ReceiptItem struct {
	Name      string  `json:"name"`
	Quantity  float64 `json:"qty"`
	UnitPrice float64 `json:"price"`
	LineTotal float64 `json:"sum"`
}

// ScanRecord is a receipt as returned by the workflow backend. ID is stable
// across the partial -> complete transition.
type ScanRecord struct {
	ID         string        `json:"id"`
	Source     RecordSource  `json:"source"`
	Status     RecordStatus  `json:"status"`
	Store      StoreInfo     `json:"store"`
	Timestamp  time.Time     `json:"datetime"`
	Items      []ReceiptItem `json:"items"`
	Total      float64       `json:"total"`
	Currency   string        `json:"currency"`
	Confidence *float64      `json:"confidence,omitempty"`
}

type ProductRecognition struct {
	Brand      *string  `json:"brand,omitempty"`
	Product    *string  `json:"product,omitempty"`
	Category   *string  `json:"category,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// IntakeResult holds exactly one of Record or Product.
type IntakeResult struct {
	Record  *ScanRecord
	Product *ProductRecognition
}

func (r IntakeResult) IsRecord() bool {
	return r.Record != nil
}

type SubmissionKind string

const (
	KindQR           SubmissionKind = "qr"
	KindReceiptImage SubmissionKind = "receiptImage"
	KindReceiptPhoto SubmissionKind = "receiptPhoto"
	KindProductImage SubmissionKind = "productImage"
)

// Submission is one intake request. Only the fields of its Kind may be set:
// Text for qr, ImageData (a data URI) for receiptImage, ImageBytes for
// receiptPhoto and productImage. RecordID is mandatory for receiptPhoto and
// optional for receiptImage.
type Submission struct {
	Kind       SubmissionKind `json:"type" validate:"required,oneof=qr receiptImage receiptPhoto productImage"`
	Text       string         `json:"qrText" validate:"required_if=Kind qr"`
	ImageData  string         `json:"imageBase64" validate:"required_if=Kind receiptImage"`
	ImageBytes []byte         `json:"image" validate:"required_if=Kind receiptPhoto,required_if=Kind productImage"`
	RecordID   string         `json:"recordId" validate:"required_if=Kind receiptPhoto"`
	DeviceID   string         `json:"deviceId"`
}

func (r ScanRecord) IsComplete() bool {
	return r.Status == StatusComplete
}

// CanReplace reports whether r may overwrite prev in local state. Records
// only move from partial to complete; a partial answer for an already
// complete receipt is stale.
func (r ScanRecord) CanReplace(prev *ScanRecord) bool {
	if prev == nil || prev.ID != r.ID {
		return true
	}
	return !(prev.IsComplete() && !r.IsComplete())
}

type scanRecordWire struct {
	ID           any        `json:"id"`
	ReceiptID    any        `json:"receipt_id"`
	Source       string     `json:"source"`
	Status       string     `json:"status"`
	Store        *StoreInfo `json:"store"`
	StoreName    *string    `json:"store_name"`
	StoreAddress *string    `json:"store_address"`
	Datetime     string     `json:"datetime"`
	Timestamp    string     `json:"timestamp"`
	Items        []itemWire `json:"items"`
	Total        flexFloat  `json:"total"`
	Currency     string     `json:"currency"`
	Confidence   *float64   `json:"confidence"`
	Raw          *struct {
		Confidence *float64 `json:"confidence"`
	} `json:"raw"`
}

type itemWire struct {
	Name      string     `json:"name"`
	Qty       *flexFloat `json:"qty"`
	Quantity  *flexFloat `json:"quantity"`
	Price     *flexFloat `json:"price"`
	UnitPrice *flexFloat `json:"unitPrice"`
	Sum       *flexFloat `json:"sum"`
	LineTotal *flexFloat `json:"lineTotal"`
}

// HasRecordID reports whether a decoded JSON object carries a record
// identifier, which is what separates a ScanRecord from a ProductRecognition.
func HasRecordID(body []byte) bool {
	var head struct {
		ID        any `json:"id"`
		ReceiptID any `json:"receipt_id"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return false
	}
	return idString(head.ID) != "" || idString(head.ReceiptID) != ""
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func (r *ScanRecord) UnmarshalJSON(data []byte) error {
	var w scanRecordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := ScanRecord{
		ID:       firstNonEmpty(idString(w.ID), idString(w.ReceiptID)),
		Source:   parseSource(w.Source),
		Total:    float64(w.Total),
		Currency: strings.TrimSpace(w.Currency),
	}

	if w.Store != nil {
		out.Store = *w.Store
	}
	if w.StoreName != nil {
		out.Store.Name = w.StoreName
	}
	if w.StoreAddress != nil {
		out.Store.Address = w.StoreAddress
	}

	if ts, ok := util.ParseTimestamp(firstNonEmpty(w.Datetime, w.Timestamp)); ok {
		out.Timestamp = ts
	}

	// No items decode as nil, the same value a partial record is built with.
	for _, it := range w.Items {
		out.Items = append(out.Items, ReceiptItem{
			Name:      strings.TrimSpace(it.Name),
			Quantity:  pickFloat(it.Qty, it.Quantity),
			UnitPrice: pickFloat(it.Price, it.UnitPrice),
			LineTotal: pickFloat(it.Sum, it.LineTotal),
		})
	}

	out.Confidence = w.Confidence
	if out.Confidence == nil && w.Raw != nil {
		out.Confidence = w.Raw.Confidence
	}

	switch RecordStatus(strings.ToLower(strings.TrimSpace(w.Status))) {
	case StatusPartial:
		out.Status = StatusPartial
	case StatusComplete:
		out.Status = StatusComplete
	default:
		if len(out.Items) > 0 {
			out.Status = StatusComplete
		} else {
			out.Status = StatusPartial
		}
	}

	*r = out
	return nil
}

func (r ScanRecord) MarshalJSON() ([]byte, error) {
	items := r.Items
	if items == nil {
		items = []ReceiptItem{}
	}
	datetime := ""
	if !r.Timestamp.IsZero() {
		datetime = r.Timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(struct {
		ID         string        `json:"id"`
		Source     RecordSource  `json:"source"`
		Status     RecordStatus  `json:"status"`
		Store      StoreInfo     `json:"store"`
		Datetime   string        `json:"datetime"`
		Items      []ReceiptItem `json:"items"`
		Total      float64       `json:"total"`
		Currency   string        `json:"currency"`
		Confidence *float64      `json:"confidence,omitempty"`
	}{
		ID:         r.ID,
		Source:     r.Source,
		Status:     r.Status,
		Store:      r.Store,
		Datetime:   datetime,
		Items:      items,
		Total:      r.Total,
		Currency:   r.Currency,
		Confidence: r.Confidence,
	})
}

func parseSource(v string) RecordSource {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "qr":
		return SourceQR
	case "photo", "receipt", "receipt_photo", "receiptphoto":
		return SourcePhoto
	default:
		return RecordSource(strings.TrimSpace(v))
	}
}

// flexFloat accepts JSON numbers and numeric strings ("1 234,50").
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, ok := util.ParseAmount(str)
		if !ok {
			*f = 0
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func pickFloat(values ...*flexFloat) float64 {
	for _, v := range values {
		if v != nil {
			return float64(*v)
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Mailbox ledger statuses.
const (
	EmailFetched   = "fetched"
	EmailSubmitted = "submitted"
	EmailSkipped   = "skipped"
	EmailFailed    = "failed"
)

type EmailRow struct {
	ID         int
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
	RecordID   *string
	LastError  *string
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}
