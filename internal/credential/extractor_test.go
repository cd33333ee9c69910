package credential

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/registrar/internal/browser"
	"github.com/xkilldash9x/registrar/internal/browser/browsertest"
	"github.com/xkilldash9x/registrar/internal/failure"
)

const testKey = "k_0123456789abcdefghijklmnopqrstuvwxyzABCDEF"

func criteria() Criteria {
	return Criteria{
		SettingsURL: "https://app.site.test/settings",
		Candidates:  []string{"#api-key", "input[readonly]", "code"},
		Pattern:     regexp.MustCompile(`[A-Za-z0-9_-]{40,}`),
		WaitTimeout: time.Second,
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		texts   map[string]string
		missing []string
		want    string
	}{
		{
			name:  "first candidate",
			texts: map[string]string{"#api-key": "Your key: " + testKey, "code": "other_" + testKey},
			want:  testKey,
		},
		{
			name:    "falls back in priority order",
			texts:   map[string]string{"input[readonly]": "too-short", "code": testKey},
			missing: []string{"#api-key"},
			want:    testKey,
		},
		{
			name:    "container wait times out but text is present",
			texts:   map[string]string{"code": testKey},
			missing: []string{"#api-key", "input[readonly]"},
			want:    testKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := browsertest.NewSession("s")
			for k, v := range tt.texts {
				sess.Texts[k] = v
			}
			for _, m := range tt.missing {
				sess.Missing[m] = true
			}
			got, err := NewExtractor(zaptest.NewLogger(t)).Extract(context.Background(), sess, criteria())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "navigate https://app.site.test/settings", sess.Actions()[0])
		})
	}
}

func TestExtract_NotFound(t *testing.T) {
	sess := browsertest.NewSession("s")
	sess.Texts["#api-key"] = "Generate a key to get started"

	_, err := NewExtractor(zaptest.NewLogger(t)).Extract(context.Background(), sess, criteria())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, failure.CredentialNotFound, failure.KindOf(err))
}

func TestExtract_NavigationFailure(t *testing.T) {
	sess := browsertest.NewSession("s")
	sess.Errs["https://app.site.test/settings"] = failure.Newf(failure.TransientNetwork, "navigate", "reset")

	_, err := NewExtractor(nil).Extract(context.Background(), sess, criteria())
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.TransientNetwork))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestExtract_ClosedSession(t *testing.T) {
	sess := browsertest.NewSession("s")
	require.NoError(t, sess.Close(context.Background()))

	_, err := NewExtractor(nil).Extract(context.Background(), sess, criteria())
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
}

func TestExtract_InvalidCriteria(t *testing.T) {
	c := criteria()
	c.Candidates = nil
	_, err := NewExtractor(nil).Extract(context.Background(), browsertest.NewSession("s"), c)
	require.Error(t, err)
}
