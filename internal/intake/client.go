package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"fourbuy/internal"
)

// IntakePath is the only path the client ever talks to.
const IntakePath = "/api/intake"

type Client struct {
	endpoint   *url.URL
	httpClient *http.Client
	validate   *validator.Validate
	deviceID   string
}

type Option func(*Client)

// WithHTTPClient swaps the transport. Redirect handling is always replaced so
// that a redirect cannot move the request off the gateway. A nil client keeps
// the default.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc == nil {
			return
		}
		copied := *hc
		c.httpClient = &copied
	}
}

func WithDeviceID(id string) Option {
	return func(c *Client) {
		c.deviceID = strings.TrimSpace(id)
	}
}

// NewClient targets <baseURL>/api/intake. No timeout is applied to requests.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("gateway base url must be absolute http(s): %q", baseURL)
	}

	endpoint := *base
	endpoint.Path = strings.TrimRight(base.Path, "/") + IntakePath
	endpoint.RawQuery = ""
	endpoint.Fragment = ""

	c := &Client{
		endpoint:   &endpoint,
		httpClient: &http.Client{},
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.CheckRedirect = c.checkRedirect
	return c, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Submit sends one submission and returns either a ScanRecord or a
// ProductRecognition.
func (c *Client) Submit(ctx context.Context, sub internal.Submission) (internal.IntakeResult, error) {
	if sub.DeviceID == "" {
		sub.DeviceID = c.deviceID
	}
	if err := c.Validate(sub); err != nil {
		return internal.IntakeResult{}, err
	}

	body, contentType, err := encodeSubmission(sub)
	if err != nil {
		return internal.IntakeResult{}, err
	}

	resp, err := c.post(ctx, c.endpoint.String(), contentType, body)
	if err != nil {
		return internal.IntakeResult{}, err
	}
	if !resp.OK() {
		return internal.IntakeResult{}, &BackendError{Status: resp.Status, Message: resp.ErrorMessage()}
	}
	return resp.Result()
}

// Validate checks a submission without sending it.
func (c *Client) Validate(sub internal.Submission) error {
	sub.RecordID = strings.TrimSpace(sub.RecordID)
	sub.Text = strings.TrimSpace(sub.Text)
	if err := c.validate.Struct(sub); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: jsonField(fe.StructField()), Reason: validationReason(fe)}
		}
		return &ValidationError{Reason: err.Error()}
	}

	switch sub.Kind {
	case internal.KindQR:
		if sub.ImageData != "" || len(sub.ImageBytes) > 0 {
			return &ValidationError{Field: "qrText", Reason: "qr submission carries no image"}
		}
	case internal.KindReceiptImage:
		if len(sub.ImageBytes) > 0 || sub.Text != "" {
			return &ValidationError{Field: "imageBase64", Reason: "receiptImage submission carries only an encoded image"}
		}
	case internal.KindReceiptPhoto, internal.KindProductImage:
		if len(sub.ImageBytes) == 0 {
			return &ValidationError{Field: "image", Reason: "is required"}
		}
		if sub.ImageData != "" || sub.Text != "" {
			return &ValidationError{Field: "image", Reason: string(sub.Kind) + " submission carries only image bytes"}
		}
	}
	if sub.Kind == internal.KindProductImage && sub.RecordID != "" {
		return &ValidationError{Field: "recordId", Reason: "product photos are not paired with a record"}
	}
	return nil
}

func (c *Client) post(ctx context.Context, target, contentType string, body []byte) (Response, error) {
	if !c.isEndpoint(target) {
		return Response{}, ErrForeignEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json, text/plain;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrForeignEndpoint) {
			return Response{}, ErrForeignEndpoint
		}
		return Response{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	return newResponse(resp.StatusCode, resp.Header.Get("Content-Type"), data), nil
}

func (c *Client) isEndpoint(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.endpoint.Scheme) &&
		strings.EqualFold(u.Host, c.endpoint.Host) &&
		u.Path == c.endpoint.Path
}

func (c *Client) checkRedirect(req *http.Request, _ []*http.Request) error {
	if !c.isEndpoint(req.URL.String()) {
		return ErrForeignEndpoint
	}
	return nil
}

type jsonPayload struct {
	Type        string `json:"type"`
	QRText      string `json:"qrText,omitempty"`
	ImageBase64 string `json:"imageBase64,omitempty"`
	RecordID    string `json:"recordId,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
}

// WireType is the discriminator value the backend expects for a kind.
func WireType(kind internal.SubmissionKind) string {
	switch kind {
	case internal.KindReceiptImage:
		return "receipt"
	case internal.KindProductImage:
		return "product"
	default:
		return string(kind)
	}
}

func encodeSubmission(sub internal.Submission) ([]byte, string, error) {
	switch sub.Kind {
	case internal.KindQR, internal.KindReceiptImage:
		body, err := json.Marshal(jsonPayload{
			Type:        WireType(sub.Kind),
			QRText:      strings.TrimSpace(sub.Text),
			ImageBase64: sub.ImageData,
			RecordID:    strings.TrimSpace(sub.RecordID),
			DeviceID:    sub.DeviceID,
		})
		return body, "application/json", err
	default:
		return encodeMultipart(sub)
	}
}

func encodeMultipart(sub internal.Submission) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"type", WireType(sub.Kind)},
		{"recordId", strings.TrimSpace(sub.RecordID)},
		{"deviceId", sub.DeviceID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="image.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(sub.ImageBytes); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func jsonField(structField string) string {
	switch structField {
	case "Kind":
		return "type"
	case "Text":
		return "qrText"
	case "ImageData":
		return "imageBase64"
	case "ImageBytes":
		return "image"
	case "RecordID":
		return "recordId"
	case "DeviceID":
		return "deviceId"
	default:
		return structField
	}
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
