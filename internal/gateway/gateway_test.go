package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fourbuy/internal"
	"fourbuy/internal/intake"
)

type backendMock struct {
	mu          sync.Mutex
	calls       int
	body        []byte
	contentType string
	status      int
	respType    string
	respBody    string
}

func (b *backendMock) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.body, _ = io.ReadAll(r.Body)
	b.contentType = r.Header.Get("Content-Type")
	if b.respType != "" {
		w.Header().Set("Content-Type", b.respType)
	}
	w.WriteHeader(b.status)
	_, _ = io.WriteString(w, b.respBody)
}

func newGateway(t *testing.T, backend *backendMock) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(backend)
	t.Cleanup(upstream.Close)
	gw := New(upstream.URL+"/webhook/4buy/intake", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, fields map[string]string, image []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if image != nil {
		part, err := w.CreateFormFile("image", "image.jpg")
		require.NoError(t, err)
		_, _ = part.Write(image)
	}
	require.NoError(t, w.Close())
	return buf.Bytes(), w.FormDataContentType()
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func TestRejectsNonPost(t *testing.T) {
	backend := &backendMock{status: 200}
	srv := newGateway(t, backend)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req, _ := http.NewRequest(method, srv.URL+"/api/intake", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Method not allowed", decodeError(t, resp))
		_ = resp.Body.Close()
	}
	assert.Equal(t, 0, backend.calls)
}

func TestPreflight(t *testing.T) {
	backend := &backendMock{status: 200}
	srv := newGateway(t, backend)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/intake", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, 0, backend.calls)
}

func TestRejectsBadJSONDiscriminator(t *testing.T) {
	backend := &backendMock{status: 200}
	srv := newGateway(t, backend)

	cases := []struct{ body, want string }{
		{`{"qrText":"RU1234"}`, `Missing or invalid "type" field`},
		{`{"type":5}`, `Missing or invalid "type" field`},
		{`not json`, `Missing or invalid "type" field`},
		{`{"type":"barcode"}`, `Unsupported "type" value: barcode`},
		{`{"type":"","qrText":"x"}`, `Missing or invalid "type" field`},
	}
	for _, tc := range cases {
		resp, err := http.Post(srv.URL+"/api/intake", "application/json", strings.NewReader(tc.body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.body)
		assert.Equal(t, tc.want, decodeError(t, resp), tc.body)
		_ = resp.Body.Close()
	}
	assert.Equal(t, 0, backend.calls)
}

func TestRejectsIncompleteReceiptPhoto(t *testing.T) {
	backend := &backendMock{status: 200}
	srv := newGateway(t, backend)

	noImage, ct1 := multipartBody(t, map[string]string{"type": "receiptPhoto", "recordId": "r1"}, nil)
	noRecord, ct2 := multipartBody(t, map[string]string{"type": "receiptPhoto"}, []byte{1, 2, 3})

	for _, tc := range []struct {
		body []byte
		ct   string
	}{{noImage, ct1}, {noRecord, ct2}} {
		resp, err := http.Post(srv.URL+"/api/intake", tc.ct, bytes.NewReader(tc.body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "receiptPhoto requires both recordId and image", decodeError(t, resp))
		_ = resp.Body.Close()
	}
	assert.Equal(t, 0, backend.calls)
}

func TestRelaysJSONVerbatim(t *testing.T) {
	record := `{"id":"r1","source":"qr","status":"partial","store":{"name":null,"address":null},"datetime":"2024-01-01T10:00:00Z","items":[],"total":0,"currency":"RUB"}`
	backend := &backendMock{status: http.StatusCreated, respType: "application/json; charset=utf-8", respBody: record}
	srv := newGateway(t, backend)

	sent := `{"type":"qr","qrText":"RU1234", "deviceId":"d"}`
	resp, err := http.Post(srv.URL+"/api/intake", "application/json", strings.NewReader(sent))
	require.NoError(t, err)
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, record, string(got))
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, sent, string(backend.body))
	assert.Equal(t, "application/json", backend.contentType)
}

func TestRelaysMultipartAndPlainText(t *testing.T) {
	backend := &backendMock{status: http.StatusBadGateway, respType: "text/html", respBody: "upstream workflow crashed"}
	srv := newGateway(t, backend)

	body, ct := multipartBody(t, map[string]string{"type": "receiptPhoto", "recordId": "r1"}, []byte{0xff, 0xd8, 0xff})
	resp, err := http.Post(srv.URL+"/api/intake", ct, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "upstream workflow crashed", string(got))
	assert.Equal(t, body, backend.body)
	assert.Equal(t, ct, backend.contentType)
}

func TestTransportFailureIsRedacted(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	gw := New(deadURL+"/webhook", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/intake", "application/json", strings.NewReader(`{"type":"qr","qrText":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to proxy request to backend", body["error"])
	assert.NotEmpty(t, body["message"])
	assert.NotContains(t, body["message"], deadURL)
}

func TestHealth(t *testing.T) {
	srv := newGateway(t, &backendMock{status: 200})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK\n", string(got))
}

func TestClientThroughGateway(t *testing.T) {
	backend := &backendMock{
		status:   http.StatusOK,
		respType: "application/json",
		respBody: `{"id":"r1","source":"qr","status":"complete","store":{"name":"Лента","address":null},"datetime":"2024-01-01T10:00:00Z","items":[{"name":"Сыр","qty":1,"price":399.9,"sum":399.9}],"total":399.9,"currency":"RUB"}`,
	}
	srv := newGateway(t, backend)

	client, err := intake.NewClient(srv.URL)
	require.NoError(t, err)
	res, err := client.Submit(context.Background(), internal.Submission{Kind: internal.KindReceiptPhoto, RecordID: "r1", ImageBytes: []byte{0xff, 0xd8}})
	require.NoError(t, err)
	require.True(t, res.IsRecord())
	assert.Equal(t, internal.StatusComplete, res.Record.Status)
	assert.Equal(t, 399.9, res.Record.Total)
	assert.True(t, strings.HasPrefix(backend.contentType, "multipart/form-data"))
}
