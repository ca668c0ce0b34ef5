package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"fourbuy/internal"
	"fourbuy/internal/imaging"
	"fourbuy/internal/records"
	"fourbuy/internal/storage"
)

var ErrNoIntakeCandidate = errors.New("email carries neither a fiscal QR string nor a usable image")

type Submitter interface {
	Submit(ctx context.Context, sub internal.Submission) (internal.IntakeResult, error)
}

type RecordStore interface {
	Save(record internal.ScanRecord) error
	Load() (*internal.ScanRecord, error)
	DeviceID() (string, error)
}

// ProcessingService turns fetched e-receipt emails into intake submissions.
// Submissions are sequential and paced.
type ProcessingService struct {
	db         *storage.DB
	store      RecordStore
	client     Submitter
	extractor  *Extractor
	normalizer *imaging.Normalizer
	pacer      *Pacer
	logger     *slog.Logger
}

type ProcessOption func(*ProcessingService)

func WithPacer(p *Pacer) ProcessOption {
	return func(s *ProcessingService) { s.pacer = p }
}

func WithExtractor(e *Extractor) ProcessOption {
	return func(s *ProcessingService) { s.extractor = e }
}

func WithNormalizer(n *imaging.Normalizer) ProcessOption {
	return func(s *ProcessingService) { s.normalizer = n }
}

func WithLogger(l *slog.Logger) ProcessOption {
	return func(s *ProcessingService) { s.logger = l }
}

func NewProcessingService(db *storage.DB, client Submitter, opts ...ProcessOption) *ProcessingService {
	s := &ProcessingService{
		db:         db,
		store:      records.NewStore(db),
		client:     client,
		extractor:  NewExtractor(nil),
		normalizer: imaging.NewNormalizer(imaging.DefaultMaxWidth, imaging.DefaultQuality),
		pacer:      NewPacer(1),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ProcessResult struct {
	EmailID int
	Status  string
	Record  *internal.ScanRecord
	Err     error
}

type PendingSummary struct {
	Submitted int
	Skipped   int
	Failed    int
}

func (s *ProcessingService) ProcessByProviderMessageID(ctx context.Context, provider, messageID string) (ProcessResult, error) {
	email, err := s.db.MustEmailByProviderMessageID(provider, messageID)
	if err != nil {
		return ProcessResult{}, err
	}
	return s.ProcessEmail(ctx, email)
}

// ProcessPending handles up to limit fetched emails, oldest first. A
// submission failure marks that email failed and moves on; only storage
// errors and cancellation stop the batch.
func (s *ProcessingService) ProcessPending(ctx context.Context, limit int, provider string) (PendingSummary, error) {
	pending, err := s.db.ListEmailsByStatus(internal.EmailFetched, limit)
	if err != nil {
		return PendingSummary{}, err
	}

	var sum PendingSummary
	for _, email := range pending {
		if provider != "" && email.Provider != provider {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := s.ProcessEmail(ctx, email)
		if err != nil {
			return sum, err
		}
		switch res.Status {
		case internal.EmailSubmitted:
			sum.Submitted++
		case internal.EmailSkipped:
			sum.Skipped++
		case internal.EmailFailed:
			sum.Failed++
		}
	}
	return sum, nil
}

func (s *ProcessingService) ProcessEmail(ctx context.Context, email internal.EmailRow) (ProcessResult, error) {
	start := time.Now()
	res := ProcessResult{EmailID: email.ID}

	raw, err := os.ReadFile(email.RawRef)
	if err != nil {
		return res, err
	}

	extraction, err := s.extractor.Extract(raw)
	if err != nil {
		return s.finish(email, res, start, fmt.Errorf("parse email: %w", err), nil)
	}
	extractMs := float64(time.Since(start).Milliseconds())

	detect := DetectReceipt(firstNonEmpty(extraction.Subject, email.Subject), extraction.Text, extraction.AttachmentNames, len(extraction.QRTexts))
	if !detect.IsReceipt {
		res.Status = internal.EmailSkipped
		if err := s.db.UpdateEmailStatus(email.ID, res.Status, nil, nil); err != nil {
			return res, err
		}
		s.logRun(email.ID, start, map[string]float64{"extractMs": extractMs}, extraction, 0)
		s.logger.Info("email skipped", "email", email.ID, "score", detect.Score, "reason", detect.Reason)
		return res, nil
	}

	sub, err := s.submission(extraction)
	if err != nil {
		return s.finish(email, res, start, err, nil)
	}
	if id, err := s.store.DeviceID(); err == nil {
		sub.DeviceID = id
	}

	if err := s.pacer.Wait(ctx); err != nil {
		return res, err
	}
	submitStart := time.Now()
	result, err := s.client.Submit(ctx, sub)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return s.finish(email, res, start, err, map[string]float64{"extractMs": extractMs})
	}
	if !result.IsRecord() {
		return s.finish(email, res, start, errors.New("backend answered with a product instead of a receipt"), nil)
	}

	record := *result.Record
	prev, err := s.store.Load()
	if err != nil {
		return res, err
	}
	if record.CanReplace(prev) {
		if err := s.store.Save(record); err != nil {
			return res, err
		}
	}

	res.Status = internal.EmailSubmitted
	res.Record = &record
	if err := s.db.UpdateEmailStatus(email.ID, res.Status, &record.ID, nil); err != nil {
		return res, err
	}
	s.logRun(email.ID, start, map[string]float64{
		"extractMs": extractMs,
		"submitMs":  float64(time.Since(submitStart).Milliseconds()),
	}, extraction, 1)
	s.logger.Info("email submitted", "email", email.ID, "kind", sub.Kind, "record", record.ID, "status", record.Status)
	return res, nil
}

// submission prefers the fiscal QR string; an image is the fallback.
func (s *ProcessingService) submission(ex Extraction) (internal.Submission, error) {
	if len(ex.QRTexts) > 0 {
		return internal.Submission{Kind: internal.KindQR, Text: ex.QRTexts[0]}, nil
	}
	for _, img := range ex.Images {
		encoded, err := s.normalizer.NormalizeReader(bytes.NewReader(img.Content))
		if err != nil {
			continue
		}
		return internal.Submission{Kind: internal.KindReceiptImage, ImageData: encoded.DataURI()}, nil
	}
	return internal.Submission{}, ErrNoIntakeCandidate
}

func (s *ProcessingService) finish(email internal.EmailRow, res ProcessResult, start time.Time, cause error, timings map[string]float64) (ProcessResult, error) {
	res.Status = internal.EmailFailed
	res.Err = cause
	msg := cause.Error()
	if err := s.db.UpdateEmailStatus(email.ID, res.Status, nil, &msg); err != nil {
		return res, err
	}
	s.logRun(email.ID, start, timings, Extraction{}, 0)
	s.logger.Warn("email failed", "email", email.ID, "err", cause)
	return res, nil
}

func (s *ProcessingService) logRun(emailID int, start time.Time, timings map[string]float64, ex Extraction, submitted int) {
	if timings == nil {
		timings = map[string]float64{}
	}
	timings["totalMs"] = float64(time.Since(start).Milliseconds())
	counts := map[string]int{"qr": len(ex.QRTexts), "images": len(ex.Images), "submitted": submitted}
	if err := s.db.InsertRun(traceID(), emailID, timings, counts); err != nil {
		s.logger.Warn("run not recorded", "email", emailID, "err", err)
	}
}

func traceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
