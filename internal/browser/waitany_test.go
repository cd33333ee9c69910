package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/registrar/internal/failure"
)

// blockUntilDone waits like a selector that never appears.
func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFirstVisible_ReturnsFirstMatchAndStopsSiblings(t *testing.T) {
	var stopped atomic.Int32
	got, err := firstVisible(context.Background(), []string{"#slow-a", "#key", "#slow-b"}, time.Minute,
		func(ctx context.Context, selector string) error {
			if selector == "#key" {
				return nil
			}
			err := blockUntilDone(ctx)
			stopped.Add(1)
			return err
		})
	require.NoError(t, err)
	assert.Equal(t, "#key", got)
	assert.Equal(t, int32(2), stopped.Load(), "remaining waits are cancelled")
}

func TestFirstVisible_NoneVisible(t *testing.T) {
	notFound := failure.Newf(failure.ElementNotFound, "browser.wait_visible", "not visible")
	_, err := firstVisible(context.Background(), []string{"#a", "#b"}, time.Second,
		func(context.Context, string) error { return notFound })
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.ElementNotFound), "got %v", err)
	assert.Contains(t, err.Error(), "none of 2 selectors")
}

func TestFirstVisible_OtherErrorSurfaces(t *testing.T) {
	boom := errors.New("target crashed")
	_, err := firstVisible(context.Background(), []string{"#a"}, time.Second,
		func(context.Context, string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestFirstVisible_SessionClosedAborts(t *testing.T) {
	_, err := firstVisible(context.Background(), []string{"#a", "#b"}, time.Minute,
		func(ctx context.Context, selector string) error {
			if selector == "#a" {
				return ErrSessionClosed
			}
			return blockUntilDone(ctx)
		})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFirstVisible_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := firstVisible(ctx, []string{"#a", "#b"}, time.Minute,
		func(ctx context.Context, _ string) error { return blockUntilDone(ctx) })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFirstVisible_NoSelectors(t *testing.T) {
	_, err := firstVisible(context.Background(), nil, time.Second,
		func(context.Context, string) error { return nil })
	assert.Error(t, err)
}
