// Package browser drives a real browser on behalf of one registration attempt.
package browser

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/registrar/internal/failure"
)

// ErrSessionClosed is returned by every Session operation after Close.
// It matches any failure of kind SessionClosed under errors.Is.
var ErrSessionClosed = &failure.Error{Kind: failure.SessionClosed}

// Session is a live automation handle: one browser process, its context and
// the active tab. A Session belongs to a single attempt and is not shared.
//
// Selectors are CSS unless prefixed with "xpath=".
type Session interface {
	ID() string
	// Navigate loads url in the active tab and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// OpenInNewTab opens url in a new tab which becomes the active tab.
	OpenInNewTab(ctx context.Context, url string) error
	// Fill replaces the value of the first visible element matching selector.
	Fill(ctx context.Context, selector, value string) error
	// Click clicks the first visible element matching selector.
	Click(ctx context.Context, selector string) error
	// ClickAll clicks every element currently matching selector and returns
	// the number clicked. Zero matches is not an error.
	ClickAll(ctx context.Context, selector string) (int, error)
	// WaitVisible blocks until selector is visible or timeout elapses.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// WaitAnyVisible returns the first of selectors to become visible.
	WaitAnyVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, error)
	// WaitNetworkIdle blocks until no request has been in flight for quiet.
	WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error
	// Text returns the value of an input or the text content of any other element.
	Text(ctx context.Context, selector string) (string, error)
	// Screenshot captures the active tab as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close releases the browser. It is idempotent.
	Close(ctx context.Context) error
}

// Launcher starts new Sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

const xpathPrefix = "xpath="

// query splits a selector into the form chromedp expects.
func query(selector string) (string, chromedp.QueryOption) {
	if strings.HasPrefix(selector, xpathPrefix) {
		return strings.TrimPrefix(selector, xpathPrefix), chromedp.BySearch
	}
	return selector, chromedp.ByQuery
}

// elementNotFound builds the failure reported when a wait for selector expires.
func elementNotFound(op, selector string, timeout time.Duration) error {
	return failure.Newf(failure.ElementNotFound, op, "selector %q not visible within %s", selector, timeout)
}
