package funnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/registrar/internal/browser"
	"github.com/xkilldash9x/registrar/internal/browser/browsertest"
	"github.com/xkilldash9x/registrar/internal/config"
	"github.com/xkilldash9x/registrar/internal/failure"
	"github.com/xkilldash9x/registrar/internal/identity"
)

func testFunnelConfig() config.FunnelConfig {
	return config.FunnelConfig{
		SignupURL:                    "https://app.site.test/signup",
		SignupEmailSelector:          "#email",
		SignupPasswordSelector:       "#password",
		SignupSubmitSelector:         "#signup",
		LoginEmailSelector:           "#login-email",
		LoginPasswordSelector:        "#login-password",
		LoginSubmitSelector:          "#login",
		ProfileNameSelector:          "#name",
		ProfileOrgSelector:           "#org",
		TermsCheckboxSelector:        "button[role=checkbox]",
		ProfileContinueSelector:      "#profile-next",
		OrganizationContinueSelector: "#org-next",
		ProductOptionSelector:        "#product",
		ProductContinueSelector:      "#product-next",
		ElementTimeout:               time.Second,
		NetworkIdleQuiet:             10 * time.Millisecond,
		NetworkIdleTimeout:           time.Second,
		SettleDelay:                  2 * time.Second,
	}
}

var testIdentity = identity.Identity{Username: "qwerty42", Email: "qwerty42@mail.test", Password: "Secr3t!Secr3t!Secr3t!"}

func newTestDriver(t *testing.T, cfg config.FunnelConfig, profile config.ProfileConfig) (*Driver, *[]time.Duration) {
	t.Helper()
	d := NewDriver(cfg, profile, nil, zaptest.NewLogger(t))
	var sleeps []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return ctx.Err()
	}
	return d, &sleeps
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not_started", NotStarted.String())
	assert.Equal(t, "awaiting_verification", AwaitingVerification.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestRunSignup_HappyPath(t *testing.T) {
	d, sleeps := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	sess := browsertest.NewSession("s1")

	res, err := d.RunSignup(context.Background(), sess, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, AwaitingVerification, res.State)
	assert.Empty(t, res.Skipped)

	assert.Equal(t, []string{
		"navigate https://app.site.test/signup",
		"wait_visible #email",
		"fill #email",
		"fill #password",
		"click #signup",
		"network_idle ",
	}, sess.Actions())
	assert.Equal(t, testIdentity.Email, sess.Filled("#email"))
	assert.Equal(t, testIdentity.Password, sess.Filled("#password"))
	assert.Equal(t, []time.Duration{2 * time.Second}, *sleeps)
}

func TestRunSignup_CriticalFailures(t *testing.T) {
	tests := []struct {
		name      string
		script    func(s *browsertest.Session)
		wantState State
		wantKind  failure.Kind
	}{
		{
			name: "navigation fails",
			script: func(s *browsertest.Session) {
				s.Errs["https://app.site.test/signup"] = failure.Newf(failure.TransientNetwork, "navigate", "connection reset")
			},
			wantState: NotStarted,
			wantKind:  failure.TransientNetwork,
		},
		{
			name:      "email field never appears",
			script:    func(s *browsertest.Session) { s.Missing["#email"] = true },
			wantState: NotStarted,
			wantKind:  failure.ElementNotFound,
		},
		{
			name:      "submit button missing",
			script:    func(s *browsertest.Session) { s.Missing["#signup"] = true },
			wantState: SignupFormVisible,
			wantKind:  failure.ElementNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
			sess := browsertest.NewSession("s1")
			tt.script(sess)

			res, err := d.RunSignup(context.Background(), sess, testIdentity)
			require.Error(t, err)
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.wantKind, failure.KindOf(err))
		})
	}
}

func TestRunSignup_NetworkIdleTimeoutIsNotFatal(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	sess := browsertest.NewSession("s1")
	sess.OnAction = func(action, target string) error {
		if action == "network_idle" {
			return failure.Newf(failure.TransientNetwork, "network_idle", "still busy")
		}
		return nil
	}

	res, err := d.RunSignup(context.Background(), sess, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, AwaitingVerification, res.State)
}

func TestRunPostVerification_HappyPath(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{FullName: "Ada Lovelace", Organization: "Engines"})
	sess := browsertest.NewSession("s1")
	sess.ClickAllCounts["button[role=checkbox]"] = 2

	res, err := d.RunPostVerification(context.Background(), sess, "https://auth.site.test/verify?ticket=abc", testIdentity)
	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.Empty(t, res.Skipped)

	actions := sess.Actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, "open_tab https://auth.site.test/verify?ticket=abc", actions[0])
	assert.Contains(t, actions, "click #login")
	assert.Contains(t, actions, "click_all button[role=checkbox]")
	assert.Contains(t, actions, "click #product-next")
	assert.Equal(t, "Ada Lovelace", sess.Filled("#name"))
	assert.Equal(t, "Engines", sess.Filled("#org"))
	assert.Equal(t, testIdentity.Password, sess.Filled("#login-password"))
}

func TestRunPostVerification_ProfileDefaultsToUsername(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	sess := browsertest.NewSession("s1")

	_, err := d.RunPostVerification(context.Background(), sess, "https://auth.site.test/v", testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "qwerty42", sess.Filled("#name"))
	assert.Equal(t, "qwerty42", sess.Filled("#org"))
}

func TestRunPostVerification_CosmeticStepsMissing(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	sess := browsertest.NewSession("s1")
	for _, sel := range []string{"#login-email", "#name", "#org", "button[role=checkbox]", "#profile-next", "#org-next", "#product", "#product-next"} {
		sess.Missing[sel] = true
	}

	res, err := d.RunPostVerification(context.Background(), sess, "https://auth.site.test/v", testIdentity)
	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, []string{
		"login",
		"profile_name",
		"profile_organization",
		"terms_checkboxes",
		"profile_continue",
		"organization_continue",
		"product_option",
		"product_continue",
	}, res.Skipped)
}

func TestRunPostVerification_EmptySelectorsAreSkipped(t *testing.T) {
	cfg := testFunnelConfig()
	cfg.LoginEmailSelector = ""
	cfg.TermsCheckboxSelector = ""
	cfg.ProductOptionSelector = ""
	d, _ := newTestDriver(t, cfg, config.ProfileConfig{})
	sess := browsertest.NewSession("s1")

	res, err := d.RunPostVerification(context.Background(), sess, "https://auth.site.test/v", testIdentity)
	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	for _, a := range sess.Actions() {
		assert.NotContains(t, a, "#login")
		assert.NotContains(t, a, "checkbox")
		assert.NotEqual(t, "click #product", a)
	}
}

func TestRunPostVerification_OpenLinkIsCritical(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	sess := browsertest.NewSession("s1")
	sess.Errs["https://auth.site.test/v"] = failure.Newf(failure.TransientNetwork, "open_tab", "dns")

	res, err := d.RunPostVerification(context.Background(), sess, "https://auth.site.test/v", testIdentity)
	require.Error(t, err)
	assert.Equal(t, AwaitingVerification, res.State)
	assert.True(t, failure.IsKind(err, failure.TransientNetwork))
}

func TestRunPostVerification_SessionClosedAborts(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	sess := browsertest.NewSession("s1")
	sess.OnAction = func(action, target string) error {
		if target == "#org-next" {
			_ = sess.Close(context.Background())
			return browser.ErrSessionClosed
		}
		return nil
	}

	res, err := d.RunPostVerification(context.Background(), sess, "https://auth.site.test/v", testIdentity)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	assert.Equal(t, ProfileDetailsFilled, res.State)
}

func TestRunPostVerification_ContextCancelled(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	sess := browsertest.NewSession("s1")
	sess.OnAction = func(action, target string) error {
		if target == "#name" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	res, err := d.RunPostVerification(ctx, sess, "https://auth.site.test/v", testIdentity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, LoggedIn, res.State)
}

func TestAdvance_RejectsOutOfOrderTransitions(t *testing.T) {
	d, _ := newTestDriver(t, testFunnelConfig(), config.ProfileConfig{})
	r := d.newRun(browsertest.NewSession("s1"), NotStarted, testIdentity)

	err := r.advance(context.Background(), SignupSubmitted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_started -> signup_submitted")
	assert.Equal(t, NotStarted, r.state)

	require.NoError(t, r.advance(context.Background(), SignupFormVisible))
	require.Error(t, r.advance(context.Background(), SignupFormVisible))
}

func TestRunSignup_CapturesScreenshotPerTransition(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := browser.NewRecorder(dir, true, started, zaptest.NewLogger(t))
	d := NewDriver(testFunnelConfig(), config.ProfileConfig{}, rec, zaptest.NewLogger(t))
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	_, err := d.RunSignup(context.Background(), browsertest.NewSession("s1"), testIdentity)
	require.NoError(t, err)

	entries, err := os.ReadDir(rec.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{
		"01_signup_form_visible.png",
		"02_signup_submitted.png",
		"03_awaiting_verification.png",
	}, names)
	assert.Equal(t, filepath.Join(dir, "run_20240501_120000"), rec.Dir())
}
