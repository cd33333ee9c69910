// File: internal/browser/netidle.go
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// idleTracker counts in-flight requests for one tab from CDP network events.
type idleTracker struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	now          func() time.Time
}

func newIdleTracker() *idleTracker {
	return &idleTracker{
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
		now:          time.Now,
	}
}

// handle is registered with chromedp.ListenTarget.
func (t *idleTracker) handle(ev interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		// Redirects reuse the request ID, so this is idempotent.
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastActivity = t.now()
}

// pending returns the in-flight count and how long the network has been quiet.
func (t *idleTracker) pending() (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), t.now().Sub(t.lastActivity)
}

// wait blocks until nothing has been in flight for quiet, the timeout
// elapses, or ctx is done. It returns context.DeadlineExceeded on timeout.
func (t *idleTracker) wait(ctx context.Context, quiet, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := quiet / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, since := t.pending(); n == 0 && since >= quiet {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-ticker.C:
		}
	}
}
