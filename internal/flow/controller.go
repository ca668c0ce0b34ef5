package flow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"fourbuy/internal"
	"fourbuy/internal/capture"
	"fourbuy/internal/imaging"
)

var (
	ErrBusy        = errors.New("a submission is already in flight")
	ErrNoCode      = errors.New("no QR code found")
	ErrNotRecord   = errors.New("backend answered with a product instead of a receipt")
	ErrNotProduct  = errors.New("backend answered with a receipt instead of a product")
	ErrStaleRecord = errors.New("record is older than the saved one")
)

type Submitter interface {
	Submit(ctx context.Context, sub internal.Submission) (internal.IntakeResult, error)
}

type RecordStore interface {
	Save(record internal.ScanRecord) error
	Load() (*internal.ScanRecord, error)
	DeviceID() (string, error)
	CurrentRecordID() (string, error)
	SetCurrentRecordID(id string) error
	ClearCurrentRecordID() error
}

type Normalizer interface {
	Normalize(img image.Image) (imaging.Encoded, error)
}

// Controller sequences capture, normalization and submission for one
// screen-like consumer. At most one submission is in flight at a time.
type Controller struct {
	client     Submitter
	store      RecordStore
	normalizer Normalizer
	decoder    capture.Decoder
	interval   time.Duration
	logger     *slog.Logger

	busy atomic.Bool
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithScanInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

func WithDecoder(d capture.Decoder) Option {
	return func(c *Controller) { c.decoder = d }
}

func NewController(client Submitter, store RecordStore, normalizer Normalizer, opts ...Option) *Controller {
	c := &Controller{
		client:     client,
		store:      store,
		normalizer: normalizer,
		decoder:    capture.NewQRDecoder(),
		interval:   time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScanQR decodes frames from src until a code appears, releases the device,
// then submits the code.
func (c *Controller) ScanQR(ctx context.Context, src capture.Source) (internal.ScanRecord, error) {
	codes := make(chan string, 1)
	session := capture.NewSession(src, c.decoder, c.interval)
	if err := session.Start(ctx, func(text string) { codes <- text }); err != nil {
		return internal.ScanRecord{}, err
	}
	defer session.Stop()

	select {
	case text := <-codes:
		return c.SubmitQR(ctx, text)
	case <-session.Done():
		select {
		case text := <-codes:
			return c.SubmitQR(ctx, text)
		default:
		}
		if err := session.Err(); err != nil && !errors.Is(err, capture.ErrEndOfStream) {
			return internal.ScanRecord{}, err
		}
		return internal.ScanRecord{}, ErrNoCode
	case <-ctx.Done():
		return internal.ScanRecord{}, ctx.Err()
	}
}

// SubmitQR sends decoded QR text. A partial answer becomes the record the
// next receipt photo is paired with.
func (c *Controller) SubmitQR(ctx context.Context, text string) (internal.ScanRecord, error) {
	return c.submitRecord(ctx, internal.Submission{Kind: internal.KindQR, Text: text})
}

// CaptureReceipt photographs a receipt. With an in-progress record the photo
// is sent as receiptPhoto carrying its id, otherwise as a standalone image.
func (c *Controller) CaptureReceipt(ctx context.Context, src capture.Source) (internal.ScanRecord, error) {
	frame, err := capture.Snapshot(ctx, src)
	if err != nil {
		return internal.ScanRecord{}, err
	}
	return c.SubmitReceiptFrame(ctx, frame)
}

func (c *Controller) SubmitReceiptFrame(ctx context.Context, frame image.Image) (internal.ScanRecord, error) {
	encoded, err := c.normalizer.Normalize(frame)
	if err != nil {
		return internal.ScanRecord{}, err
	}
	currentID, err := c.store.CurrentRecordID()
	if err != nil {
		return internal.ScanRecord{}, err
	}

	sub := internal.Submission{Kind: internal.KindReceiptImage, ImageData: encoded.DataURI()}
	if currentID != "" {
		sub = internal.Submission{Kind: internal.KindReceiptPhoto, RecordID: currentID, ImageBytes: encoded.Bytes}
	}
	return c.submitRecord(ctx, sub)
}

// CaptureProduct recognizes a product photo. The answer is never persisted.
func (c *Controller) CaptureProduct(ctx context.Context, src capture.Source) (internal.ProductRecognition, error) {
	frame, err := capture.Snapshot(ctx, src)
	if err != nil {
		return internal.ProductRecognition{}, err
	}
	encoded, err := c.normalizer.Normalize(frame)
	if err != nil {
		return internal.ProductRecognition{}, err
	}

	res, err := c.submit(ctx, internal.Submission{Kind: internal.KindProductImage, ImageBytes: encoded.Bytes})
	if err != nil {
		return internal.ProductRecognition{}, err
	}
	if res.Product == nil {
		return internal.ProductRecognition{}, ErrNotProduct
	}
	return *res.Product, nil
}

// SaveRecord stores record as the last viewed one unless that would replace
// a complete version of the same receipt with a partial one.
func (c *Controller) SaveRecord(record internal.ScanRecord) error {
	prev, err := c.store.Load()
	if err != nil {
		return err
	}
	if !record.CanReplace(prev) {
		return fmt.Errorf("%w: %s is already complete", ErrStaleRecord, record.ID)
	}
	return c.store.Save(record)
}

func (c *Controller) LastRecord() (*internal.ScanRecord, error) {
	return c.store.Load()
}

func (c *Controller) Busy() bool {
	return c.busy.Load()
}

func (c *Controller) submitRecord(ctx context.Context, sub internal.Submission) (internal.ScanRecord, error) {
	res, err := c.submit(ctx, sub)
	if err != nil {
		return internal.ScanRecord{}, err
	}
	if res.Record == nil {
		return internal.ScanRecord{}, ErrNotRecord
	}

	record := *res.Record
	if record.IsComplete() {
		err = c.store.ClearCurrentRecordID()
	} else {
		err = c.store.SetCurrentRecordID(record.ID)
	}
	return record, err
}

func (c *Controller) submit(ctx context.Context, sub internal.Submission) (internal.IntakeResult, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return internal.IntakeResult{}, ErrBusy
	}
	defer c.busy.Store(false)

	deviceID, err := c.store.DeviceID()
	if err != nil {
		return internal.IntakeResult{}, err
	}
	sub.DeviceID = deviceID

	started := time.Now()
	res, err := c.client.Submit(ctx, sub)
	if err != nil {
		c.logger.Warn("intake failed", "type", sub.Kind, "error", err, "duration_ms", time.Since(started).Milliseconds())
		return internal.IntakeResult{}, err
	}
	if res.Record != nil {
		c.logger.Info("intake done", "type", sub.Kind, "record", res.Record.ID, "status", res.Record.Status, "duration_ms", time.Since(started).Milliseconds())
	} else {
		c.logger.Info("intake done", "type", sub.Kind, "product", true, "duration_ms", time.Since(started).Milliseconds())
	}
	return res, nil
}
