package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"fourbuy/internal/intake"
)

const maxBodyBytes = 32 << 20

// Gateway relays intake submissions to the workflow backend. It checks the
// request shape only; everything else is the backend's business.
type Gateway struct {
	backendURL string
	httpClient *http.Client
	logger     *slog.Logger
	validate   *validator.Validate
}

type Option func(*Gateway)

func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) { g.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New builds a relay for backendURL. The backend call has no timeout.
func New(backendURL string, opts ...Option) *Gateway {
	g := &Gateway{
		backendURL: backendURL,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		validate:   validator.New(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type jsonDiscriminator struct {
	Type string `validate:"required,oneof=qr receipt product"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (g *Gateway) handleIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}

	started := time.Now()
	requestID := uuid.NewString()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Failed to read request body"})
		return
	}

	contentType := r.Header.Get("Content-Type")
	kind, reason := g.inspect(contentType, body)
	if reason != "" {
		g.logger.Info("intake rejected", "request_id", requestID, "type", kind, "reason", reason)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: reason})
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, g.backendURL, bytes.NewReader(body))
	if err != nil {
		g.fail(w, requestID, kind, err)
		return
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("X-Request-Id", requestID)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.fail(w, requestID, kind, err)
		return
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		g.fail(w, requestID, kind, err)
		return
	}

	if intake.ClassifyContentType(resp.Header.Get("Content-Type")) == intake.BodyJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(payload)

	g.logger.Info("intake relayed",
		"request_id", requestID,
		"method", r.Method,
		"type", kind,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

// inspect returns the discriminator and, when the request must be rejected,
// the reason sent back to the caller.
func (g *Gateway) inspect(contentType string, body []byte) (string, string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == "multipart/form-data" {
		return inspectMultipart(body, params["boundary"])
	}

	var head map[string]any
	if err := json.Unmarshal(body, &head); err != nil {
		return "", `Missing or invalid "type" field`
	}
	kind, ok := head["type"].(string)
	if !ok || strings.TrimSpace(kind) == "" {
		return "", `Missing or invalid "type" field`
	}
	if err := g.validate.Struct(jsonDiscriminator{Type: kind}); err != nil {
		return kind, `Unsupported "type" value: ` + kind
	}
	return kind, ""
}

func inspectMultipart(body []byte, boundary string) (string, string) {
	if boundary == "" {
		return "", "Malformed multipart body"
	}

	var kind, recordID string
	hasImage := false
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return kind, "Malformed multipart body"
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return kind, "Malformed multipart body"
		}
		switch part.FormName() {
		case "type":
			kind = strings.TrimSpace(string(data))
		case "recordId":
			recordID = strings.TrimSpace(string(data))
		case "image":
			hasImage = len(data) > 0
		}
	}

	switch kind {
	case "":
		return "", `Missing or invalid "type" field`
	case "receiptPhoto":
		if recordID == "" || !hasImage {
			return kind, "receiptPhoto requires both recordId and image"
		}
	case "product":
		if !hasImage {
			return kind, "product requires an image"
		}
	default:
		return kind, `Unsupported "type" value: ` + kind
	}
	return kind, ""
}

func (g *Gateway) fail(w http.ResponseWriter, requestID, kind string, err error) {
	g.logger.Error("intake relay failed", "request_id", requestID, "type", kind, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:   "Failed to proxy request to backend",
		Message: rootMessage(err),
	})
}

// rootMessage drops the method and URL that net/http prepends, leaving the
// underlying cause.
func rootMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if err == nil {
		return "Unknown error"
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
