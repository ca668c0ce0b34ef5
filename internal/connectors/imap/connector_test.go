package imap

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fourbuy/internal/config"
)

func TestNewConnectorRequiresCredentials(t *testing.T) {
	_, err := NewConnector(config.Config{IMAPHost: "imap.example.org", IMAPUser: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP_PASSWORD")

	c, err := NewConnector(config.Config{IMAPHost: "imap.example.org", IMAPPort: 993, IMAPSecure: true, IMAPUser: "u", IMAPPassword: "p"})
	require.NoError(t, err)
	assert.True(t, c.secure)
}

func TestFormatAddresses(t *testing.T) {
	got := formatAddresses([]*imap.Address{
		{PersonalName: "ОФД", MailboxName: "noreply", HostName: "ofd.ru"},
		nil,
		{MailboxName: "check", HostName: "shop.ru"},
	})
	assert.Equal(t, "ОФД <noreply@ofd.ru>, check@shop.ru", got)
	assert.Empty(t, formatAddresses(nil))
}

func TestToFetched(t *testing.T) {
	when := time.Date(2024, 5, 1, 13, 30, 0, 0, time.FixedZone("MSK", 3*3600))
	msg := &imap.Message{
		Uid:          42,
		InternalDate: when,
		Envelope: &imap.Envelope{
			Subject: "Кассовый чек",
			From:    []*imap.Address{{MailboxName: "noreply", HostName: "ofd.ru"}},
		},
	}

	got := toFetched(msg, []byte("raw"))
	assert.Equal(t, "imap-42", got.MessageID)
	assert.Equal(t, "Кассовый чек", got.Subject)
	assert.Equal(t, "noreply@ofd.ru", got.From)
	assert.Equal(t, "2024-05-01T10:30:00Z", got.ReceivedAt)
	assert.Equal(t, []byte("raw"), got.Raw)
}
