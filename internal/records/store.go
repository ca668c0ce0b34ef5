package records

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"fourbuy/internal"
)

const (
	KeyLastRecord      = "4buy_last_receipt"
	KeyDeviceID        = "4buy_device_id"
	KeyCurrentRecordID = "4buy_current_receipt_id"
)

// KV is the single-slot key/value state the store persists into.
// storage.DB implements it on top of the metadata table.
type KV interface {
	GetMetadata(key string) (*string, error)
	SetMetadata(key, value string) error
	DeleteMetadata(key string) error
}

type Store struct {
	kv    KV
	newID func() (uuid.UUID, error)
	now   func() time.Time
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv, newID: uuid.NewRandom, now: time.Now}
}

// Save overwrites the last-viewed record.
func (s *Store) Save(record internal.ScanRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.kv.SetMetadata(KeyLastRecord, string(payload))
}

// Load returns the last-viewed record, or nil when nothing usable is stored.
// Corrupted content counts as nothing stored.
func (s *Store) Load() (*internal.ScanRecord, error) {
	raw, err := s.kv.GetMetadata(KeyLastRecord)
	if err != nil {
		return nil, err
	}
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	var record internal.ScanRecord
	if err := json.Unmarshal([]byte(*raw), &record); err != nil {
		return nil, nil
	}
	if record.ID == "" {
		return nil, nil
	}
	return &record, nil
}

// DeviceID returns the device identifier, generating and persisting it on
// first use.
func (s *Store) DeviceID() (string, error) {
	cached, err := s.kv.GetMetadata(KeyDeviceID)
	if err != nil {
		return "", err
	}
	if cached != nil && *cached != "" {
		return *cached, nil
	}

	next := s.randomID()
	if err := s.kv.SetMetadata(KeyDeviceID, next); err != nil {
		return "", err
	}
	return next, nil
}

func (s *Store) randomID() string {
	if id, err := s.newID(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("dev_%x%d", rand.Uint64(), s.now().UnixMilli())
}

// CurrentRecordID is the partial record waiting for its photo, if any.
func (s *Store) CurrentRecordID() (string, error) {
	raw, err := s.kv.GetMetadata(KeyCurrentRecordID)
	if err != nil || raw == nil {
		return "", err
	}
	return strings.TrimSpace(*raw), nil
}

func (s *Store) SetCurrentRecordID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return s.ClearCurrentRecordID()
	}
	return s.kv.SetMetadata(KeyCurrentRecordID, id)
}

func (s *Store) ClearCurrentRecordID() error {
	return s.kv.DeleteMetadata(KeyCurrentRecordID)
}
