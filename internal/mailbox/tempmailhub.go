// File: internal/mailbox/tempmailhub.go
package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/registrar/internal/clock"
	"github.com/xkilldash9x/registrar/internal/config"
	"github.com/xkilldash9x/registrar/internal/failure"
)

const (
	createPath  = "/api/mail/create"
	listPath    = "/api/mail/list"
	contentPath = "/api/mail/content"

	maxResponseBytes = 4 << 20
)

// tokenParser reads JWT claims without verifying the signature. The token
// belongs to the mail provider; only its expiry is of interest.
var tokenParser = jwt.NewParser()

// TempMailHub is a Provider backed by a TempMailHub gateway.
type TempMailHub struct {
	baseURL      string
	apiKey       string
	provider     string
	messageLimit int
	cooldown     time.Duration
	retries      int
	backoff      time.Duration

	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Provider = (*TempMailHub)(nil)

// NewTempMailHub creates a client. client should come from network.NewClient
// so the configured proxy applies.
func NewTempMailHub(cfg config.MailboxConfig, client *http.Client, logger *zap.Logger) (*TempMailHub, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("mailbox base url is required")
	}
	if client == nil {
		return nil, errors.New("http client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	messageLimit := cfg.MessageLimit
	if messageLimit <= 0 {
		messageLimit = 20
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &TempMailHub{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		provider:     cfg.Provider,
		messageLimit: messageLimit,
		cooldown:     cfg.RateLimitCooldown,
		retries:      retries,
		backoff:      cfg.RetryBackoff,
		client:       client,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger.Named("tempmailhub"),
	}, nil
}

// -- Wire types --

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

type createRequest struct {
	Provider string `json:"provider,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type createResponse struct {
	Address     string `json:"address"`
	AccessToken string `json:"accessToken"`
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	ExpiresAt   string `json:"expiresAt"`
}

type listRequest struct {
	Address     string `json:"address"`
	Limit       int    `json:"limit"`
	AccessToken string `json:"accessToken,omitempty"`
}

type contentRequest struct {
	Address     string `json:"address"`
	ID          string `json:"id"`
	AccessToken string `json:"accessToken,omitempty"`
}

type wireSender struct {
	Email   string `json:"email"`
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (s wireSender) addr() string {
	if s.Email != "" {
		return s.Email
	}
	return s.Address
}

type wireMessage struct {
	ID          string     `json:"id"`
	From        wireSender `json:"from"`
	Subject     string     `json:"subject"`
	ReceivedAt  string     `json:"receivedAt"`
	CreatedAt   string     `json:"createdAt"`
	TextContent string     `json:"textContent"`
	HTMLContent string     `json:"htmlContent"`
}

// -- Provider implementation --

// CreateAccount allocates an inbox, preferring usernameHint as its local part.
func (c *TempMailHub) CreateAccount(ctx context.Context, usernameHint string) (Mailbox, error) {
	const op = "mailbox.create"

	var data createResponse
	if err := c.post(ctx, op, createPath, createRequest{Provider: c.provider, Prefix: usernameHint}, &data); err != nil {
		return Mailbox{}, err
	}
	if data.Address == "" {
		return Mailbox{}, failure.Newf(failure.Unknown, op, "provider returned no address")
	}

	mb := Mailbox{
		Address:     data.Address,
		AccessToken: data.AccessToken,
		ID:          data.ID,
		Provider:    data.Provider,
		ExpiresAt:   expiryOf(data.ExpiresAt, data.AccessToken),
	}
	if mb.Provider == "" {
		mb.Provider = c.provider
	}
	c.logger.Info("Mailbox created.",
		zap.String("address", mb.Address),
		zap.String("provider", mb.Provider),
		zap.Time("expires_at", mb.ExpiresAt))
	return mb, nil
}

// ListMessages returns the inbox listing.
func (c *TempMailHub) ListMessages(ctx context.Context, mb Mailbox) ([]MessageSummary, error) {
	const op = "mailbox.list"

	var data []wireMessage
	req := listRequest{Address: mb.Address, Limit: c.messageLimit, AccessToken: mb.AccessToken}
	if err := c.post(ctx, op, listPath, req, &data); err != nil {
		return nil, err
	}

	out := make([]MessageSummary, 0, len(data))
	for _, m := range data {
		received := m.ReceivedAt
		if received == "" {
			received = m.CreatedAt
		}
		out = append(out, MessageSummary{
			ID:          m.ID,
			FromAddress: m.From.addr(),
			FromName:    m.From.Name,
			Subject:     m.Subject,
			ReceivedAt:  parseTime(received),
		})
	}
	c.logger.Debug("Listed messages.", zap.String("address", mb.Address), zap.Int("count", len(out)))
	return out, nil
}

// FetchMessage returns one message including its text and HTML bodies.
func (c *TempMailHub) FetchMessage(ctx context.Context, mb Mailbox, id string) (MessageBody, error) {
	const op = "mailbox.fetch"

	var data wireMessage
	req := contentRequest{Address: mb.Address, ID: id, AccessToken: mb.AccessToken}
	if err := c.post(ctx, op, contentPath, req, &data); err != nil {
		return MessageBody{}, err
	}
	if data.ID == "" {
		data.ID = id
	}
	return MessageBody{
		ID:          data.ID,
		FromAddress: data.From.addr(),
		Subject:     data.Subject,
		Text:        data.TextContent,
		HTML:        data.HTMLContent,
	}, nil
}

// -- Transport --

// post sends payload and decodes the envelope's data into out. A 429 is
// retried exactly once after the configured cooldown; transport errors and
// gateway failures are retried separately by sendRetrying.
func (c *TempMailHub) post(ctx context.Context, op, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure.New(failure.Unknown, op, fmt.Errorf("failed to encode request: %w", err))
	}

	status, raw, err := c.sendRetrying(ctx, op, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusTooManyRequests {
		c.logger.Warn("Mailbox provider is rate limiting; cooling down before one retry.",
			zap.String("op", op), zap.Duration("cooldown", c.cooldown))
		if err := clock.Sleep(ctx, c.cooldown); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		status, raw, err = c.sendRetrying(ctx, op, path, body)
		if err != nil {
			return err
		}
		if status == http.StatusTooManyRequests {
			return failure.Newf(failure.RateLimited, op, "still rate limited after %s cooldown", c.cooldown)
		}
	}

	switch {
	case status == http.StatusServiceUnavailable && path == createPath:
		return failure.Newf(failure.NoDomainAvailable, op, "provider unavailable (HTTP %d): %s", status, snippet(raw))
	case status >= 500:
		return failure.Newf(failure.TransientNetwork, op, "HTTP %d: %s", status, snippet(raw))
	case status != http.StatusOK:
		return failure.Newf(failure.Unknown, op, "HTTP %d: %s", status, snippet(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return failure.New(failure.Unknown, op, fmt.Errorf("failed to decode response: %w", err))
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		if msg == "" {
			msg = "unknown error"
		}
		if mentionsDomain(msg) {
			return failure.Newf(failure.NoDomainAvailable, op, "%s", msg)
		}
		return failure.Newf(failure.Unknown, op, "%s", msg)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return failure.New(failure.Unknown, op, fmt.Errorf("failed to decode data: %w", err))
	}
	return nil
}

// sendRetrying calls send up to 1+retries times with exponential backoff
// while the outcome is transient. The last outcome is returned as is.
func (c *TempMailHub) sendRetrying(ctx context.Context, op, path string, body []byte) (int, []byte, error) {
	for retry := 0; ; retry++ {
		status, raw, err := c.send(ctx, op, path, body)
		if retry >= c.retries || !retryable(path, status, err) {
			return status, raw, err
		}
		wait := clock.Backoff(c.backoff, retry)
		c.logger.Warn("Transient mailbox failure; retrying.",
			zap.String("op", op),
			zap.Int("status", status),
			zap.Int("retry", retry+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := clock.Sleep(ctx, wait); err != nil {
			return 0, nil, fmt.Errorf("%s: %w", op, err)
		}
	}
}

// retryable reports whether a send outcome is worth repeating. A 503 on
// create means the provider has no domain to hand out and is not retried.
func retryable(path string, status int, err error) bool {
	if err != nil {
		return failure.IsKind(err, failure.TransientNetwork)
	}
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	case http.StatusServiceUnavailable:
		return path != createPath
	}
	return false
}

func (c *TempMailHub) send(ctx context.Context, op, path string, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%s: rate limiter: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, failure.New(failure.Unknown, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return 0, nil, failure.New(failure.TransientNetwork, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, failure.New(failure.TransientNetwork, op, fmt.Errorf("failed to read response: %w", err))
	}
	c.logger.Debug("Mailbox API call completed.", zap.String("op", op), zap.Int("status", resp.StatusCode))
	return resp.StatusCode, raw, nil
}

// -- Helpers --

func mentionsDomain(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "domain")
}

func snippet(raw []byte) string {
	const max = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// expiryOf prefers an explicit expiry and falls back to the token's exp claim.
func expiryOf(explicit, token string) time.Time {
	if t := parseTime(explicit); !t.IsZero() {
		return t
	}
	if token == "" || strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	parsed, _, err := tokenParser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
