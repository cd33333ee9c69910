// Package verification polls a mailbox for the signup verification link.
package verification

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/registrar/internal/clock"
	"github.com/xkilldash9x/registrar/internal/failure"
	"github.com/xkilldash9x/registrar/internal/mailbox"
)

// ErrTimeout is returned when no verification link arrives within MaxPolls
// cycles. It matches any failure of kind VerificationTimeout.
var ErrTimeout = &failure.Error{Kind: failure.VerificationTimeout}

// Criteria selects the verification message and the link inside it.
type Criteria struct {
	// SenderContains is matched case-insensitively against the sender address.
	SenderContains string
	LinkPattern    *regexp.Regexp
	PollInterval   time.Duration
	MaxPolls       int
}

// Extractor waits for the verification link. It holds no per-mailbox state.
type Extractor struct {
	provider mailbox.Provider
	logger   *zap.Logger
	now      func() time.Time
	sleep    clock.SleepFunc
}

// NewExtractor creates an Extractor reading from provider.
func NewExtractor(provider mailbox.Provider, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		provider: provider,
		logger:   logger.Named("verification"),
		now:      time.Now,
		sleep:    clock.Sleep,
	}
}

// AwaitLink polls mb until a message from the expected sender contains a
// link matching the pattern. Each cycle issues exactly one listing; the
// extractor sleeps PollInterval only between cycles. After MaxPolls empty
// cycles it returns ErrTimeout.
func (e *Extractor) AwaitLink(ctx context.Context, mb mailbox.Mailbox, c Criteria) (string, error) {
	if c.LinkPattern == nil {
		return "", errors.New("verification: link pattern is required")
	}
	if c.MaxPolls <= 0 {
		return "", errors.New("verification: max polls must be positive")
	}
	sender := strings.ToLower(c.SenderContains)
	log := e.logger.With(zap.String("mailbox", mb.Address))

	for cycle := 1; cycle <= c.MaxPolls; cycle++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if mb.Expired(e.now()) {
			return "", failure.New(failure.VerificationTimeout, "verification.await",
				fmt.Errorf("mailbox token expired at %s after %d polls", mb.ExpiresAt.Format(time.RFC3339), cycle-1))
		}

		if link, ok := e.scan(ctx, log, mb, sender, c.LinkPattern); ok {
			log.Info("Verification link found.", zap.Int("poll", cycle))
			return link, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if cycle < c.MaxPolls {
			log.Debug("No verification link yet.", zap.Int("poll", cycle), zap.Int("max_polls", c.MaxPolls))
			if err := e.sleep(ctx, c.PollInterval); err != nil {
				return "", err
			}
		}
	}

	log.Warn("Verification email did not arrive.", zap.Int("polls", c.MaxPolls))
	return "", fmt.Errorf("no link from %q after %d polls: %w", c.SenderContains, c.MaxPolls, ErrTimeout)
}

// scan runs one polling cycle. A listing failure counts as an empty cycle and
// a fetch failure skips that message.
func (e *Extractor) scan(ctx context.Context, log *zap.Logger, mb mailbox.Mailbox, sender string, pattern *regexp.Regexp) (string, bool) {
	msgs, err := e.provider.ListMessages(ctx, mb)
	if err != nil {
		log.Warn("Listing messages failed; treating as empty.", zap.Error(err))
		return "", false
	}

	for _, m := range msgs {
		if !strings.Contains(strings.ToLower(m.FromAddress), sender) {
			continue
		}
		body, err := e.provider.FetchMessage(ctx, mb, m.ID)
		if err != nil {
			log.Warn("Fetching message failed; skipping.", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		log.Debug("Inspecting message.", zap.String("message_id", m.ID), zap.String("subject", body.Subject))
		if link := ExtractLink(body, pattern); link != "" {
			return link, true
		}
	}
	return "", false
}

// ExtractLink returns the first match of pattern in the text body, falling
// back to the HTML body when the text body is empty.
func ExtractLink(body mailbox.MessageBody, pattern *regexp.Regexp) string {
	if strings.TrimSpace(body.Text) != "" {
		return pattern.FindString(body.Text)
	}
	if body.HTML != "" {
		// Links in HTML bodies carry entity-encoded query separators.
		return pattern.FindString(html.UnescapeString(body.HTML))
	}
	return ""
}
