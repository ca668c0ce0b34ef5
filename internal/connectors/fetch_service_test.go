package connectors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fourbuy/internal"
	"fourbuy/internal/storage"
)

type staticConnector struct {
	messages []internal.FetchedMailMessage
	err      error
}

func (c staticConnector) FetchInbox(context.Context, string, int) ([]internal.FetchedMailMessage, error) {
	return c.messages, c.err
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, body string) internal.FetchedMailMessage {
	return internal.FetchedMailMessage{Provider: "imap", MessageID: id, Subject: "Чек", From: "ofd", ReceivedAt: "2024-05-01T07:30:00Z", Raw: []byte(body)}
}

func TestFetchAndStoreWritesRawAndLedger(t *testing.T) {
	db := openDB(t)
	rawDir := filepath.Join(t.TempDir(), "raw")
	svc := NewFetchService(db, rawDir, staticConnector{messages: []internal.FetchedMailMessage{
		msg("<a>", "body a"),
		msg("<b>", "body b"),
	}})

	res, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Fetched: 2, Stored: 2, Pending: 2}, res)

	row, err := db.MustEmailByProviderMessageID("imap", "<a>")
	require.NoError(t, err)
	assert.Equal(t, internal.EmailFetched, row.Status)
	blob, err := os.ReadFile(row.RawRef)
	require.NoError(t, err)
	assert.Equal(t, "body a", string(blob))
	assert.Equal(t, ".eml", filepath.Ext(row.RawRef))
}

func TestFetchAndStoreKeepsProcessedStatus(t *testing.T) {
	db := openDB(t)
	svc := NewFetchService(db, t.TempDir(), staticConnector{messages: []internal.FetchedMailMessage{msg("<a>", "body a")}})

	_, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	row, err := db.MustEmailByProviderMessageID("imap", "<a>")
	require.NoError(t, err)
	require.NoError(t, db.UpdateEmailStatus(row.ID, internal.EmailSubmitted, nil, nil))

	res, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Fetched: 1, Stored: 1, Pending: 0}, res)
}

func TestFetchAndStoreRejectsEmptyBody(t *testing.T) {
	svc := NewFetchService(openDB(t), t.TempDir(), staticConnector{messages: []internal.FetchedMailMessage{msg("<e>", "")}})
	_, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	assert.Error(t, err)
}

func TestFetchAndStorePropagatesConnectorError(t *testing.T) {
	boom := errors.New("imap down")
	svc := NewFetchService(openDB(t), t.TempDir(), staticConnector{err: boom})
	_, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	assert.ErrorIs(t, err, boom)
}
