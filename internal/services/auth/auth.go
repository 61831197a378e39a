// Package auth exchanges configured API keys for signed bearer tokens and
// verifies them on every request. Identities are static config entries; there
// is no user store behind this service.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

const tokenIssuer = "docket-server"

// Service implements API-key-to-token exchange backed by config entries.
type Service struct {
	secret []byte
	expiry time.Duration
	keys   []common.APIKeyConfig
	logger *common.Logger
}

// NewService builds the auth service from the [auth] config section.
func NewService(config *common.Config, logger *common.Logger) *Service {
	return &Service{
		secret: []byte(config.Auth.TokenSecret),
		expiry: config.Auth.GetTokenExpiry(),
		keys:   config.Auth.APIKeys,
		logger: logger,
	}
}

// TokenExpiry returns the configured token lifetime.
func (s *Service) TokenExpiry() time.Duration {
	return s.expiry
}

// ExchangeAPIKey validates an API key against the configured entries and
// mints an HS256 token carrying the matched identity. Hashed keys are checked
// with bcrypt; plaintext keys are accepted for development configs.
func (s *Service) ExchangeAPIKey(ctx context.Context, apiKey string) (string, *common.Identity, error) {
	if apiKey == "" {
		return "", nil, models.NewJobError(models.ErrKindAuth, "api key is required")
	}

	for _, entry := range s.keys {
		if !matchKey(entry, apiKey) {
			continue
		}

		identity := &common.Identity{Tenant: entry.Tenant, User: entry.User, Admin: entry.Admin}
		token, err := s.sign(identity)
		if err != nil {
			return "", nil, models.NewJobErrorf(models.ErrKindProcessing, "failed to sign token: %v", err)
		}

		s.logger.Info().
			Str("tenant", identity.Tenant).
			Str("user", identity.User).
			Bool("admin", identity.Admin).
			Msg("API key exchanged for token")
		return token, identity, nil
	}

	s.logger.Warn().Msg("Token exchange rejected: unknown API key")
	return "", nil, models.NewJobError(models.ErrKindAuth, "invalid API key")
}

// VerifyToken parses and validates a bearer token, returning the identity it
// was minted for. Tokens without a tenant claim are accepted only when they
// carry the admin flag; that identity spans every tenant.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (*common.Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, models.NewJobError(models.ErrKindAuth, "invalid or expired token")
	}

	tenant, _ := claims["tenant"].(string)
	user, _ := claims["sub"].(string)
	admin, _ := claims["admin"].(bool)
	if tenant == "" && !admin {
		return nil, models.NewJobError(models.ErrKindAuth, "token carries no tenant claim")
	}
	return &common.Identity{Tenant: tenant, User: user, Admin: admin}, nil
}

func (s *Service) sign(identity *common.Identity) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"jti":    uuid.New().String(),
		"sub":    identity.User,
		"tenant": identity.Tenant,
		"admin":  identity.Admin,
		"iss":    tokenIssuer,
		"iat":    now.Unix(),
		"exp":    now.Add(s.expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// matchKey checks one config entry against the presented key. A bcrypt hash
// takes precedence over a plaintext key when both are set.
func matchKey(entry common.APIKeyConfig, apiKey string) bool {
	if entry.KeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(entry.KeyHash), []byte(apiKey)) == nil
	}
	if entry.Key != "" {
		return subtle.ConstantTimeCompare([]byte(entry.Key), []byte(apiKey)) == 1
	}
	return false
}

var _ interfaces.AuthService = (*Service)(nil)
