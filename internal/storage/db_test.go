package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMetadataRoundTrip(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetMetadata("4buy_device_id")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, db.SetMetadata("4buy_device_id", "a"))
	require.NoError(t, db.SetMetadata("4buy_device_id", "b"))
	got, err = db.GetMetadata("4buy_device_id")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", *got)

	require.NoError(t, db.DeleteMetadata("4buy_device_id"))
	got, err = db.GetMetadata("4buy_device_id")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEmailLedger(t *testing.T) {
	db := openTestDB(t)

	row, err := db.UpsertEmail("imap", "INBOX:1", "Кассовый чек", "noreply@ofd.ru", "2024-05-01T10:00:00Z", "h1", "/raw/h1.eml", "fetched")
	require.NoError(t, err)
	assert.Equal(t, "fetched", row.Status)
	assert.Nil(t, row.RecordID)

	recordID := "r1"
	require.NoError(t, db.UpdateEmailStatus(row.ID, "submitted", &recordID, nil))

	again, err := db.UpsertEmail("imap", "INBOX:1", "Кассовый чек", "noreply@ofd.ru", "2024-05-01T10:00:00Z", "h1", "/raw/h1.eml", "fetched")
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
	assert.Equal(t, "submitted", again.Status)
	require.NotNil(t, again.RecordID)
	assert.Equal(t, "r1", *again.RecordID)

	pending, err := db.ListEmailsByStatus("fetched", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	counts, err := db.CountEmailsByStatus()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"submitted": 1}, counts)

	require.NoError(t, db.InsertRun("trace", row.ID, map[string]float64{"submitMs": 12}, map[string]int{"qr": 1}))
	n, err := db.CountRuns(row.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.MustEmailByProviderMessageID("imap", "missing")
	assert.Error(t, err)
}
