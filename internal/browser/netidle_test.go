// File: internal/browser/netidle_test.go
package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestIdleTracker_Counts(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	tr := newIdleTracker()
	tr.now = clock.now

	tr.handle(&network.EventRequestWillBeSent{RequestID: "1"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "2"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "2"}) // redirect
	n, _ := tr.pending()
	assert.Equal(t, 2, n)

	tr.handle(&network.EventLoadingFinished{RequestID: "1"})
	tr.handle(&network.EventLoadingFailed{RequestID: "2"})
	clock.advance(300 * time.Millisecond)
	n, since := tr.pending()
	assert.Equal(t, 0, n)
	assert.Equal(t, 300*time.Millisecond, since)

	// Unrelated events do not count as activity.
	tr.handle(&network.EventResponseReceived{RequestID: "3"})
	_, since = tr.pending()
	assert.Equal(t, 300*time.Millisecond, since)
}

func TestIdleTracker_Wait(t *testing.T) {
	t.Run("returns once quiet", func(t *testing.T) {
		tr := newIdleTracker()
		tr.handle(&network.EventRequestWillBeSent{RequestID: "1"})
		go func() {
			time.Sleep(20 * time.Millisecond)
			tr.handle(&network.EventLoadingFinished{RequestID: "1"})
		}()
		require.NoError(t, tr.wait(context.Background(), 30*time.Millisecond, 2*time.Second))
		n, _ := tr.pending()
		assert.Zero(t, n)
	})

	t.Run("times out while busy", func(t *testing.T) {
		tr := newIdleTracker()
		tr.handle(&network.EventRequestWillBeSent{RequestID: "long-poll"})
		err := tr.wait(context.Background(), 10*time.Millisecond, 50*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		tr := newIdleTracker()
		tr.handle(&network.EventRequestWillBeSent{RequestID: "1"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, tr.wait(ctx, 10*time.Millisecond, time.Second), context.Canceled)
	})
}
