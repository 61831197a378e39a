// Package graph provides a client for the upstream mail server API.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

const (
	DefaultBaseURL     = "https://graph.example.com/v1.0"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRequests = 60 // per window
	DefaultWindow      = time.Minute
	DefaultMinSpacing  = time.Second
	DefaultMaxAttempts = 3
)

// Client implements the MailClient interface. Every request passes two
// limiters in sequence: a budget of maxRequests per window, and a minimum
// spacing between consecutive requests. Transient upstream failures (429,
// 502, 503, 504, transport errors) are retried inside a single call up to
// maxAttempts; anything still failing after that is returned classified.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *common.Logger
	window      *rate.Limiter
	spacing     *rate.Limiter
	maxAttempts int
	backoff     common.BackoffPolicy
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRateBudget sets the request budget per window.
func WithRateBudget(maxRequests int, window time.Duration) ClientOption {
	return func(c *Client) {
		if maxRequests <= 0 || window <= 0 {
			return
		}
		c.window = rate.NewLimiter(rate.Limit(float64(maxRequests)/window.Seconds()), maxRequests)
	}
}

// WithMinSpacing sets the minimum gap between consecutive requests.
func WithMinSpacing(spacing time.Duration) ClientOption {
	return func(c *Client) {
		if spacing <= 0 {
			return
		}
		c.spacing = rate.NewLimiter(rate.Every(spacing), 1)
	}
}

// WithMaxAttempts sets the in-call retry budget for transient failures.
func WithMaxAttempts(attempts int) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithBackoff sets the delay law between in-call retries.
func WithBackoff(policy common.BackoffPolicy) ClientOption {
	return func(c *Client) {
		c.backoff = policy
	}
}

// NewClient creates a new mail client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		window:      rate.NewLimiter(rate.Limit(float64(DefaultMaxRequests)/DefaultWindow.Seconds()), DefaultMaxRequests),
		spacing:     rate.NewLimiter(rate.Every(DefaultMinSpacing), 1),
		maxAttempts: DefaultMaxAttempts,
		backoff:     common.DefaultBackoffPolicy(),
		logger:      common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewFromConfig builds a client from the mail and rate-limit config sections.
func NewFromConfig(logger *common.Logger, config *common.Config) *Client {
	return NewClient(
		WithBaseURL(config.Mail.BaseURL),
		WithLogger(logger),
		WithTimeout(config.Mail.GetTimeout()),
		WithRateBudget(config.RateLimit.MaxRequests, config.RateLimit.GetWindow()),
		WithMinSpacing(config.RateLimit.GetMinSpacing()),
		WithMaxAttempts(config.Mail.MaxAttempts),
	)
}

// await blocks on both limiters: spacing first, then the window budget.
func (c *Client) await(ctx context.Context) error {
	if err := c.spacing.Wait(ctx); err != nil {
		return models.NewJobErrorf(models.ErrKindCancelled, "rate limit wait: %v", err)
	}
	if err := c.window.Wait(ctx); err != nil {
		return models.NewJobErrorf(models.ErrKindCancelled, "rate limit wait: %v", err)
	}
	return nil
}

// classifyStatus maps an upstream HTTP status to the error taxonomy.
func classifyStatus(status int, body, endpoint string) *models.JobError {
	var kind string
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = models.ErrKindAuth
	case status == http.StatusNotFound:
		kind = models.ErrKindNotFound
	case status == http.StatusTooManyRequests:
		kind = models.ErrKindRateLimit
	case status >= 500:
		kind = models.ErrKindUpstreamTransient
	default:
		kind = models.ErrKindValidation
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return models.NewJobErrorf(kind, "mail server returned %d: %s", status, body).
		WithDetail("status", status).
		WithDetail("endpoint", endpoint)
}

// transientStatus reports whether a status is retried within one call.
func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter reads a Retry-After seconds header, zero when absent.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// get performs a rate-limited GET with in-call transient retries.
func (c *Client) get(ctx context.Context, creds interfaces.MailCredentials, path string, result interface{}) error {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff.DelayFor(attempt - 1)
			if wait, ok := lastErr.(*models.JobError); ok {
				if ra, found := wait.Details["retry_after"].(time.Duration); found && ra > delay {
					delay = ra
				}
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return models.NewJobErrorf(models.ErrKindCancelled, "mail request cancelled: %v", ctx.Err())
			case <-timer.C:
			}
		}

		if err := c.await(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		req.Header.Set("Accept", "application/json")

		c.logger.Debug().Str("endpoint", path).Int("attempt", attempt).Msg("Mail API request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return models.NewJobErrorf(models.ErrKindCancelled, "mail request cancelled: %v", ctx.Err())
			}
			lastErr = models.NewJobErrorf(models.ErrKindUpstreamTransient, "mail request failed: %v", err).
				WithDetail("endpoint", path)
			c.logger.Warn().Err(err).Str("endpoint", path).Int("attempt", attempt).Msg("Mail API transport failure")
			continue
		}

		if resp.StatusCode == http.StatusOK {
			err := json.NewDecoder(resp.Body).Decode(result)
			resp.Body.Close()
			if err != nil {
				return models.NewJobErrorf(models.ErrKindUpstreamTransient, "malformed mail response: %v", err).
					WithDetail("endpoint", path)
			}
			return nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		jobErr := classifyStatus(resp.StatusCode, string(body), path)

		if !transientStatus(resp.StatusCode) {
			return jobErr
		}

		if ra := retryAfter(resp); ra > 0 {
			jobErr.WithDetail("retry_after", ra)
		}
		lastErr = jobErr
		c.logger.Warn().Int("status", resp.StatusCode).Str("endpoint", path).Int("attempt", attempt).Msg("Mail API transient failure")
	}

	return lastErr
}

func messagePath(creds interfaces.MailCredentials, messageID string) string {
	return fmt.Sprintf("/tenants/%s/users/%s/messages/%s",
		url.PathEscape(creds.Tenant), url.PathEscape(creds.User), url.PathEscape(messageID))
}

// GetMessage retrieves envelope metadata for one message.
func (c *Client) GetMessage(ctx context.Context, creds interfaces.MailCredentials, messageID string) (*models.EmailMetadata, error) {
	var dto messageDTO
	if err := c.get(ctx, creds, messagePath(creds, messageID), &dto); err != nil {
		return nil, err
	}
	return dto.toMetadata(), nil
}

// GetMessageContent retrieves bodies and full headers for one message.
func (c *Client) GetMessageContent(ctx context.Context, creds interfaces.MailCredentials, messageID string) (*models.EmailContent, error) {
	var dto contentDTO
	if err := c.get(ctx, creds, messagePath(creds, messageID)+"/content", &dto); err != nil {
		return nil, err
	}
	return dto.toContent(), nil
}

// ListAttachments retrieves attachment descriptors without content.
func (c *Client) ListAttachments(ctx context.Context, creds interfaces.MailCredentials, messageID string) ([]*models.Attachment, error) {
	var dto attachmentListDTO
	if err := c.get(ctx, creds, messagePath(creds, messageID)+"/attachments", &dto); err != nil {
		return nil, err
	}

	attachments := make([]*models.Attachment, len(dto.Value))
	for i := range dto.Value {
		attachments[i] = dto.Value[i].toAttachment()
	}
	return attachments, nil
}

// GetAttachment retrieves one attachment with its content bytes.
func (c *Client) GetAttachment(ctx context.Context, creds interfaces.MailCredentials, messageID, attachmentID string) (*models.Attachment, error) {
	var dto attachmentDTO
	path := messagePath(creds, messageID) + "/attachments/" + url.PathEscape(attachmentID)
	if err := c.get(ctx, creds, path, &dto); err != nil {
		return nil, err
	}
	return dto.toAttachment(), nil
}

// Ensure Client implements MailClient
var _ interfaces.MailClient = (*Client)(nil)
