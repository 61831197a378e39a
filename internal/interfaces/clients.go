// Package interfaces defines service contracts for Docket
package interfaces

import (
	"context"
	"time"

	"github.com/casekit/docket/internal/models"
)

// MailClient provides access to the upstream mail server. Implementations
// own rate limiting and transient-failure retries; a returned error means
// the attempt is spent.
type MailClient interface {
	// GetMessage retrieves envelope metadata for one message.
	GetMessage(ctx context.Context, creds MailCredentials, messageID string) (*models.EmailMetadata, error)

	// GetMessageContent retrieves bodies and full headers for one message.
	GetMessageContent(ctx context.Context, creds MailCredentials, messageID string) (*models.EmailContent, error)

	// ListAttachments retrieves attachment descriptors without content.
	ListAttachments(ctx context.Context, creds MailCredentials, messageID string) ([]*models.Attachment, error)

	// GetAttachment retrieves one attachment with its content bytes.
	GetAttachment(ctx context.Context, creds MailCredentials, messageID, attachmentID string) (*models.Attachment, error)
}

// MailCredentials identify the mailbox a fetch runs against. A zero
// ExpiresAt means the token does not lapse.
type MailCredentials struct {
	Tenant      string
	User        string
	AccessToken string
	ExpiresAt   time.Time
}

// CredentialSource resolves mail credentials per (tenant, user).
type CredentialSource interface {
	// Connected reports whether the user's mail account is linked and
	// usable. A false return is not an error.
	Connected(ctx context.Context, tenant, user string) (bool, error)

	// Lookup returns credentials for the user's mailbox. Unknown or
	// disconnected accounts return an AUTH job error.
	Lookup(ctx context.Context, tenant, user string) (*MailCredentials, error)
}
