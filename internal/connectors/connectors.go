package connectors

import (
	"context"

	"fourbuy/internal"
)

// MailConnector pulls raw e-receipt messages from a mailbox.
type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}
