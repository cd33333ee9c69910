// Package credential scrapes a generated API credential from the site's
// settings page.
package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/registrar/internal/browser"
	"github.com/xkilldash9x/registrar/internal/failure"
)

// ErrNotFound is returned when no candidate element holds a token matching
// the pattern.
var ErrNotFound = &failure.Error{Kind: failure.CredentialNotFound}

// Criteria locates the credential. Candidates are tried in order.
type Criteria struct {
	SettingsURL string
	Candidates  []string
	Pattern     *regexp.Regexp
	WaitTimeout time.Duration
}

// Extractor scrapes a generated API credential from a signed-in settings page.
// It holds no per-attempt state and may be reused across sessions.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor returns an Extractor logging under "credential".
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("credential")}
}

// Extract opens the settings page and returns the first pattern match found
// in the candidate containers.
func (e *Extractor) Extract(ctx context.Context, sess browser.Session, c Criteria) (string, error) {
	if c.Pattern == nil || len(c.Candidates) == 0 {
		return "", errors.New("credential: pattern and at least one candidate selector are required")
	}

	if err := sess.Navigate(ctx, c.SettingsURL); err != nil {
		return "", fmt.Errorf("open settings page: %w", err)
	}

	// The page renders the key asynchronously; the wait only bounds how long
	// we give it. A miss still falls through to the scan.
	if sel, err := sess.WaitAnyVisible(ctx, c.Candidates, c.WaitTimeout); err != nil {
		if abort(ctx, err) {
			return "", err
		}
		e.logger.Debug("No credential container became visible.", zap.Error(err))
	} else {
		e.logger.Debug("Credential container visible.", zap.String("selector", sel))
	}

	for _, sel := range c.Candidates {
		text, err := sess.Text(ctx, sel)
		if err != nil {
			if abort(ctx, err) {
				return "", err
			}
			continue
		}
		if key := c.Pattern.FindString(text); key != "" {
			e.logger.Info("Credential found.", zap.String("selector", sel))
			return key, nil
		}
	}
	return "", fmt.Errorf("scanned %d candidates on %s: %w", len(c.Candidates), c.SettingsURL, ErrNotFound)
}

func abort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, browser.ErrSessionClosed)
}
