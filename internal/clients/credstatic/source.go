// Package credstatic resolves mail credentials from static configuration.
// It backs development and test deployments; production replaces it with the
// platform's token service behind the same interface.
package credstatic

import (
	"context"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// keySep separates tenant and user in the account index. A null byte keeps
// the segments from colliding.
const keySep = "\x00"

type entry struct {
	account   common.MailAccountConfig
	expiresAt time.Time
}

// Source implements interfaces.CredentialSource over config mail accounts.
// Accounts are keyed by (tenant, user); an account configured with an empty
// user acts as the tenant-wide fallback.
type Source struct {
	accounts map[string]entry
	logger   *common.Logger
}

// NewSource builds a credential source from the configured mail accounts.
// Expiry timestamps that fail to parse are logged and treated as absent.
func NewSource(logger *common.Logger, accounts []common.MailAccountConfig) *Source {
	index := make(map[string]entry, len(accounts))
	for _, account := range accounts {
		e := entry{account: account}
		if account.TokenExpiresAt != "" {
			ts, err := time.Parse(time.RFC3339, account.TokenExpiresAt)
			if err != nil {
				logger.Warn().
					Str("tenant", account.Tenant).
					Str("user", account.User).
					Str("token_expires_at", account.TokenExpiresAt).
					Msg("Unparseable token expiry, treating token as non-expiring")
			} else {
				e.expiresAt = ts
			}
		}
		index[account.Tenant+keySep+account.User] = e
	}
	return &Source{accounts: index, logger: logger}
}

func (s *Source) find(tenant, user string) (entry, bool) {
	if e, ok := s.accounts[tenant+keySep+user]; ok {
		return e, true
	}
	e, ok := s.accounts[tenant+keySep]
	return e, ok
}

// Connected reports whether the user's account is present and linked. Token
// expiry does not affect connection state.
func (s *Source) Connected(ctx context.Context, tenant, user string) (bool, error) {
	e, ok := s.find(tenant, user)
	return ok && e.account.Connected, nil
}

// Lookup returns credentials for the user's mailbox. Unknown, disconnected,
// or expired accounts fail with AUTH so the job lands terminal instead of
// burning retries.
func (s *Source) Lookup(ctx context.Context, tenant, user string) (*interfaces.MailCredentials, error) {
	e, ok := s.find(tenant, user)
	if !ok {
		return nil, models.NewJobErrorf(models.ErrKindAuth, "no mail account configured for user '%s' in tenant '%s'", user, tenant)
	}
	if !e.account.Connected {
		return nil, models.NewJobErrorf(models.ErrKindAuth, "mail account for user '%s' in tenant '%s' is disconnected", user, tenant)
	}
	if e.account.AccessToken == "" {
		return nil, models.NewJobErrorf(models.ErrKindAuth, "mail account for user '%s' in tenant '%s' has no access token", user, tenant)
	}
	if !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt) {
		return nil, models.NewJobErrorf(models.ErrKindAuth, "mail access token for user '%s' in tenant '%s' expired at %s", user, tenant, e.expiresAt.Format(time.RFC3339))
	}

	return &interfaces.MailCredentials{
		Tenant:      e.account.Tenant,
		User:        user,
		AccessToken: e.account.AccessToken,
		ExpiresAt:   e.expiresAt,
	}, nil
}

// Compile-time check
var _ interfaces.CredentialSource = (*Source)(nil)
