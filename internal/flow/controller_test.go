package flow

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fourbuy/internal"
	"fourbuy/internal/capture"
	"fourbuy/internal/gateway"
	"fourbuy/internal/imaging"
	"fourbuy/internal/intake"
	"fourbuy/internal/records"
	"fourbuy/internal/storage"
)

type codeFrame struct {
	image.Image
	text string
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(img image.Image) (string, bool) {
	f, ok := img.(codeFrame)
	return f.text, ok && f.text != ""
}

type loopSource struct {
	frame image.Image
}

func (s *loopSource) Open(context.Context) error { return nil }
func (s *loopSource) Close() error               { return nil }
func (s *loopSource) Frame(ctx context.Context) (image.Image, error) {
	return s.frame, ctx.Err()
}

type fakeClient struct {
	mu      sync.Mutex
	subs    []internal.Submission
	entered chan struct{}
	release chan struct{}
	respond func(internal.Submission) (internal.IntakeResult, error)
}

func (f *fakeClient) Submit(ctx context.Context, sub internal.Submission) (internal.IntakeResult, error) {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.respond(sub)
}

func (f *fakeClient) submissions() []internal.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]internal.Submission(nil), f.subs...)
}

func recordResult(id string, status internal.RecordStatus) func(internal.Submission) (internal.IntakeResult, error) {
	return func(internal.Submission) (internal.IntakeResult, error) {
		rec := internal.ScanRecord{ID: id, Source: internal.SourceQR, Status: status, Currency: "RUB"}
		if status == internal.StatusComplete {
			rec.Items = []internal.ReceiptItem{{Name: "Хлеб", Quantity: 1, UnitPrice: 45, LineTotal: 45}}
			rec.Total = 45
		}
		return internal.IntakeResult{Record: &rec}, nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *records.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return records.NewStore(db)
}

func newController(t *testing.T, client Submitter, store *records.Store) *Controller {
	t.Helper()
	return NewController(client, store, imaging.NewNormalizer(1600, 75),
		WithDecoder(fakeDecoder{}),
		WithScanInterval(time.Millisecond),
		WithLogger(quietLogger()),
	)
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
	require.NoError(t, f.Close())
	return path
}

func TestScanQRSubmitsRepeatedCodeOnce(t *testing.T) {
	client := &fakeClient{respond: recordResult("r1", internal.StatusPartial)}
	store := newStore(t)
	c := newController(t, client, store)

	src := &loopSource{frame: codeFrame{Image: image.NewGray(image.Rect(0, 0, 2, 2)), text: "RU1234"}}
	rec, err := c.ScanQR(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusPartial, rec.Status)

	subs := client.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, internal.KindQR, subs[0].Kind)
	assert.Equal(t, "RU1234", subs[0].Text)
	assert.NotEmpty(t, subs[0].DeviceID)

	current, err := store.CurrentRecordID()
	require.NoError(t, err)
	assert.Equal(t, "r1", current)
}

func TestBusyFlagDropsSecondTrigger(t *testing.T) {
	client := &fakeClient{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		respond: recordResult("r1", internal.StatusPartial),
	}
	c := newController(t, client, newStore(t))

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitQR(context.Background(), "RU1234")
		done <- err
	}()
	<-client.entered
	assert.True(t, c.Busy())

	_, err := c.SubmitQR(context.Background(), "RU1234")
	assert.ErrorIs(t, err, ErrBusy)

	close(client.release)
	require.NoError(t, <-done)
	assert.False(t, c.Busy())
	assert.Len(t, client.submissions(), 1)
}

func TestCaptureReceiptPairsWithCurrentRecord(t *testing.T) {
	client := &fakeClient{respond: recordResult("r1", internal.StatusComplete)}
	store := newStore(t)
	require.NoError(t, store.SetCurrentRecordID("r1"))
	c := newController(t, client, store)

	rec, err := c.CaptureReceipt(context.Background(), capture.NewFileSource(writePNG(t, 3200, 1600)))
	require.NoError(t, err)
	assert.True(t, rec.IsComplete())

	subs := client.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, internal.KindReceiptPhoto, subs[0].Kind)
	assert.Equal(t, "r1", subs[0].RecordID)
	assert.Equal(t, []byte{0xff, 0xd8}, subs[0].ImageBytes[:2])

	current, err := store.CurrentRecordID()
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestCaptureReceiptWithoutRecordSendsImage(t *testing.T) {
	client := &fakeClient{respond: recordResult("r7", internal.StatusComplete)}
	c := newController(t, client, newStore(t))

	_, err := c.CaptureReceipt(context.Background(), capture.NewFileSource(writePNG(t, 100, 50)))
	require.NoError(t, err)

	subs := client.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, internal.KindReceiptImage, subs[0].Kind)
	assert.True(t, strings.HasPrefix(subs[0].ImageData, "data:image/jpeg;base64,"))
	assert.Empty(t, subs[0].RecordID)
}

func TestCaptureProduct(t *testing.T) {
	brand := "Простоквашино"
	client := &fakeClient{respond: func(internal.Submission) (internal.IntakeResult, error) {
		return internal.IntakeResult{Product: &internal.ProductRecognition{Brand: &brand}}, nil
	}}
	store := newStore(t)
	c := newController(t, client, store)

	product, err := c.CaptureProduct(context.Background(), capture.NewFileSource(writePNG(t, 10, 10)))
	require.NoError(t, err)
	assert.Equal(t, "Простоквашино", *product.Brand)
	assert.Equal(t, internal.KindProductImage, client.submissions()[0].Kind)

	last, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, last)

	client.respond = recordResult("r1", internal.StatusComplete)
	_, err = c.CaptureProduct(context.Background(), capture.NewFileSource(writePNG(t, 10, 10)))
	assert.ErrorIs(t, err, ErrNotProduct)
}

func TestDeviceErrorSkipsSubmission(t *testing.T) {
	client := &fakeClient{respond: recordResult("r1", internal.StatusComplete)}
	c := newController(t, client, newStore(t))

	_, err := c.CaptureReceipt(context.Background(), capture.NewFileSource(filepath.Join(t.TempDir(), "none.png")))
	var derr *capture.DeviceAccessError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "Нет доступа к камере", intake.Describe(err))
	assert.Empty(t, client.submissions())
}

func TestSaveRecordRejectsRegression(t *testing.T) {
	c := newController(t, &fakeClient{}, newStore(t))

	complete := internal.ScanRecord{ID: "r1", Status: internal.StatusComplete, Items: []internal.ReceiptItem{{Name: "x", Quantity: 1}}}
	partial := internal.ScanRecord{ID: "r1", Status: internal.StatusPartial}

	require.NoError(t, c.SaveRecord(complete))
	assert.ErrorIs(t, c.SaveRecord(partial), ErrStaleRecord)
	require.NoError(t, c.SaveRecord(internal.ScanRecord{ID: "r2", Status: internal.StatusPartial}))
}

func TestQRThenPhotoEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			assert.NoError(t, r.ParseMultipartForm(8<<20))
			mu.Lock()
			seen = append(seen, r.FormValue("type")+":"+r.FormValue("recordId"))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"id":"r1","source":"qr","status":"complete","store":{"name":"Пятёрочка","address":"Москва"},"datetime":"2024-01-01T10:00:00Z","items":[{"name":"Молоко","qty":2,"price":89.9,"sum":179.8}],"total":179.8,"currency":"RUB"}`)
			return
		}
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		seen = append(seen, body["type"]+":"+body["qrText"])
		mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"r1","source":"qr","status":"partial","store":{"name":null,"address":null},"datetime":"2024-01-01T10:00:00Z","items":[],"total":0,"currency":"RUB"}`)
	}))
	defer backend.Close()

	gw := httptest.NewServer(gateway.New(backend.URL, gateway.WithLogger(quietLogger())).Router())
	defer gw.Close()

	client, err := intake.NewClient(gw.URL)
	require.NoError(t, err)
	store := newStore(t)
	c := newController(t, client, store)
	ctx := context.Background()

	partial, err := c.SubmitQR(ctx, "RU1234")
	require.NoError(t, err)
	assert.Equal(t, internal.StatusPartial, partial.Status)
	require.NoError(t, c.SaveRecord(partial))

	complete, err := c.CaptureReceipt(ctx, capture.NewFileSource(writePNG(t, 800, 1200)))
	require.NoError(t, err)
	assert.Equal(t, "r1", complete.ID)
	assert.Equal(t, internal.StatusComplete, complete.Status)
	require.NoError(t, c.SaveRecord(complete))

	loaded, err := c.LastRecord()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, complete, *loaded)
	assert.Equal(t, 179.8, loaded.Total)

	mu.Lock()
	assert.Equal(t, []string{"qr:RU1234", "receiptPhoto:r1"}, seen)
	mu.Unlock()
}
