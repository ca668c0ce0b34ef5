package internal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanRecordAcceptsFlattenedStore(t *testing.T) {
	var rec ScanRecord
	require.NoError(t, json.Unmarshal([]byte(`{"receipt_id":42,"source":"receipt_photo","store_name":"Магнит","store_address":"ул. Ленина, 1","timestamp":"2024-03-05 18:20:00","items":[],"total":"0","currency":"RUB"}`), &rec))

	assert.Equal(t, "42", rec.ID)
	assert.Equal(t, SourcePhoto, rec.Source)
	assert.Equal(t, StatusPartial, rec.Status)
	require.NotNil(t, rec.Store.Name)
	assert.Equal(t, "Магнит", *rec.Store.Name)
	assert.Equal(t, "ул. Ленина, 1", *rec.Store.Address)
	assert.Equal(t, time.Date(2024, 3, 5, 18, 20, 0, 0, time.UTC), rec.Timestamp)
	assert.Nil(t, rec.Items)
}

func TestScanRecordEncodesCanonicalShape(t *testing.T) {
	name := "Лента"
	rec := ScanRecord{
		ID:        "r1",
		Source:    SourceQR,
		Status:    StatusPartial,
		Store:     StoreInfo{Name: &name},
		Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Currency:  "RUB",
	}
	blob, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","source":"qr","status":"partial","store":{"name":"Лента","address":null},"datetime":"2024-01-01T10:00:00Z","items":[],"total":0,"currency":"RUB"}`, string(blob))
}

func TestScanRecordKeepsFractionalSeconds(t *testing.T) {
	rec := ScanRecord{ID: "r1", Source: SourceQR, Status: StatusPartial, Currency: "RUB",
		Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 500_000_000, time.UTC)}
	blob, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"datetime":"2024-01-01T10:00:00.5Z"`)

	var back ScanRecord
	require.NoError(t, json.Unmarshal(blob, &back))
	assert.Equal(t, rec, back)
}

func TestExplicitStatusWins(t *testing.T) {
	var rec ScanRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":"r1","status":"PARTIAL","items":[{"name":"x","qty":1,"price":1,"sum":1}]}`), &rec))
	assert.Equal(t, StatusPartial, rec.Status)
}

func TestHasRecordID(t *testing.T) {
	assert.True(t, HasRecordID([]byte(`{"id":"r1"}`)))
	assert.True(t, HasRecordID([]byte(`{"receipt_id":7}`)))
	assert.False(t, HasRecordID([]byte(`{"id":""}`)))
	assert.False(t, HasRecordID([]byte(`{"brand":"x"}`)))
	assert.False(t, HasRecordID([]byte(`[1,2]`)))
}

func TestCanReplace(t *testing.T) {
	partial := ScanRecord{ID: "r1", Status: StatusPartial}
	complete := ScanRecord{ID: "r1", Status: StatusComplete}
	other := ScanRecord{ID: "r2", Status: StatusPartial}

	assert.True(t, complete.CanReplace(&partial))
	assert.True(t, partial.CanReplace(nil))
	assert.True(t, other.CanReplace(&complete))
	assert.False(t, partial.CanReplace(&complete))
}
