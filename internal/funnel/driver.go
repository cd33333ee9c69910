// Package funnel drives the target site's signup and onboarding pages.
package funnel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/registrar/internal/browser"
	"github.com/xkilldash9x/registrar/internal/clock"
	"github.com/xkilldash9x/registrar/internal/config"
	"github.com/xkilldash9x/registrar/internal/identity"
)

// Result reports how far a phase got and which optional steps were skipped.
type Result struct {
	State   State
	Skipped []string
}

// Driver runs the funnel phases against a browser.Session. It keeps no state
// between calls and may be reused across attempts.
type Driver struct {
	cfg      config.FunnelConfig
	profile  config.ProfileConfig
	recorder *browser.Recorder
	logger   *zap.Logger
	sleep    clock.SleepFunc
}

// NewDriver creates a Driver. recorder may be nil.
func NewDriver(cfg config.FunnelConfig, profile config.ProfileConfig, recorder *browser.Recorder, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:      cfg,
		profile:  profile,
		recorder: recorder,
		logger:   logger.Named("funnel"),
		sleep:    clock.Sleep,
	}
}

// RunSignup opens the signup page, submits the identity and leaves the
// funnel in AwaitingVerification. Any failure here aborts the attempt.
func (d *Driver) RunSignup(ctx context.Context, sess browser.Session, id identity.Identity) (Result, error) {
	r := d.newRun(sess, NotStarted, id)

	if err := sess.Navigate(ctx, d.cfg.SignupURL); err != nil {
		return r.result(), fmt.Errorf("open signup page: %w", err)
	}
	if err := sess.WaitVisible(ctx, d.cfg.SignupEmailSelector, d.cfg.ElementTimeout); err != nil {
		return r.result(), fmt.Errorf("signup form: %w", err)
	}
	if err := r.advance(ctx, SignupFormVisible); err != nil {
		return r.result(), err
	}

	if err := sess.Fill(ctx, d.cfg.SignupEmailSelector, id.Email); err != nil {
		return r.result(), fmt.Errorf("fill signup email: %w", err)
	}
	if err := sess.Fill(ctx, d.cfg.SignupPasswordSelector, id.Password); err != nil {
		return r.result(), fmt.Errorf("fill signup password: %w", err)
	}
	if err := sess.Click(ctx, d.cfg.SignupSubmitSelector); err != nil {
		return r.result(), fmt.Errorf("submit signup form: %w", err)
	}
	if err := r.advance(ctx, SignupSubmitted); err != nil {
		return r.result(), err
	}

	if err := r.settle(ctx, "after_signup_submit"); err != nil {
		return r.result(), err
	}
	if err := r.advance(ctx, AwaitingVerification); err != nil {
		return r.result(), err
	}
	return r.result(), nil
}

// RunPostVerification follows the verification link in a new tab and walks
// the onboarding pages. Only opening the link is required; every later step
// is best-effort.
func (d *Driver) RunPostVerification(ctx context.Context, sess browser.Session, link string, id identity.Identity) (Result, error) {
	r := d.newRun(sess, AwaitingVerification, id)

	if err := sess.OpenInNewTab(ctx, link); err != nil {
		return r.result(), fmt.Errorf("open verification link: %w", err)
	}
	if err := r.settle(ctx, "after_verification_link"); err != nil {
		return r.result(), err
	}

	steps := []struct {
		to  State
		run func(context.Context, *run) error
	}{
		{LoggedIn, d.login},
		{ProfileDetailsFilled, d.profileDetails},
		{OrganizationConfirmed, d.confirmOrganization},
		{ProductSelected, d.selectProduct},
	}
	for _, s := range steps {
		if err := s.run(ctx, r); err != nil {
			return r.result(), err
		}
		if err := r.advance(ctx, s.to); err != nil {
			return r.result(), err
		}
	}
	if err := r.advance(ctx, Done); err != nil {
		return r.result(), err
	}
	return r.result(), nil
}

// login signs in with the same credentials. It is skipped when the site
// already established a session and no login form appears.
func (d *Driver) login(ctx context.Context, r *run) error {
	if d.cfg.LoginEmailSelector == "" {
		return nil
	}
	return r.bestEffort(ctx, "login", func(ctx context.Context) error {
		if err := r.sess.WaitVisible(ctx, d.cfg.LoginEmailSelector, d.cfg.ElementTimeout); err != nil {
			return err
		}
		if err := r.sess.Fill(ctx, d.cfg.LoginEmailSelector, r.id.Email); err != nil {
			return err
		}
		if err := r.sess.Fill(ctx, d.cfg.LoginPasswordSelector, r.id.Password); err != nil {
			return err
		}
		if err := r.sess.Click(ctx, d.cfg.LoginSubmitSelector); err != nil {
			return err
		}
		return r.settle(ctx, "after_login")
	})
}

func (d *Driver) profileDetails(ctx context.Context, r *run) error {
	name := d.profile.FullName
	if name == "" {
		name = r.id.Username
	}
	org := d.profile.Organization
	if org == "" {
		org = r.id.Username
	}

	if err := r.fillOptional(ctx, "profile_name", d.cfg.ProfileNameSelector, name); err != nil {
		return err
	}
	if err := r.fillOptional(ctx, "profile_organization", d.cfg.ProfileOrgSelector, org); err != nil {
		return err
	}
	if d.cfg.TermsCheckboxSelector != "" {
		err := r.bestEffort(ctx, "terms_checkboxes", func(ctx context.Context) error {
			n, err := r.sess.ClickAll(ctx, d.cfg.TermsCheckboxSelector)
			r.log.Debug("Checked terms boxes.", zap.Int("count", n))
			return err
		})
		if err != nil {
			return err
		}
	}
	return r.clickOptional(ctx, "profile_continue", d.cfg.ProfileContinueSelector)
}

func (d *Driver) confirmOrganization(ctx context.Context, r *run) error {
	return r.clickOptional(ctx, "organization_continue", d.cfg.OrganizationContinueSelector)
}

func (d *Driver) selectProduct(ctx context.Context, r *run) error {
	if err := r.clickOptional(ctx, "product_option", d.cfg.ProductOptionSelector); err != nil {
		return err
	}
	return r.clickOptional(ctx, "product_continue", d.cfg.ProductContinueSelector)
}

// -- Per-phase bookkeeping --

type run struct {
	d       *Driver
	sess    browser.Session
	id      identity.Identity
	state   State
	skipped []string
	log     *zap.Logger
}

func (d *Driver) newRun(sess browser.Session, from State, id identity.Identity) *run {
	return &run{
		d:     d,
		sess:  sess,
		id:    id,
		state: from,
		log:   d.logger.With(zap.String("session_id", sess.ID()), zap.String("email", id.Email)),
	}
}

func (r *run) result() Result {
	return Result{State: r.state, Skipped: append([]string(nil), r.skipped...)}
}

// advance moves to the next state. Skipping or repeating a state is a bug in
// the caller and is returned as an error.
func (r *run) advance(ctx context.Context, to State) error {
	if to != r.state+1 {
		return fmt.Errorf("funnel: illegal transition %s -> %s", r.state, to)
	}
	r.log.Info("Funnel transition.", zap.Stringer("from", r.state), zap.Stringer("to", to))
	r.state = to
	r.d.recorder.Capture(ctx, r.sess, to.String())
	return nil
}

// bestEffort runs fn and downgrades its failure to a warning unless the
// session is gone or ctx is done.
func (r *run) bestEffort(ctx context.Context, step string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if fatal(ctx, err) {
		return fmt.Errorf("%s: %w", step, err)
	}
	r.log.Warn("Optional step failed; continuing.", zap.String("step", step), zap.Error(err))
	r.skipped = append(r.skipped, step)
	return nil
}

func (r *run) fillOptional(ctx context.Context, step, selector, value string) error {
	if selector == "" {
		return nil
	}
	return r.bestEffort(ctx, step, func(ctx context.Context) error {
		return r.sess.Fill(ctx, selector, value)
	})
}

func (r *run) clickOptional(ctx context.Context, step, selector string) error {
	if selector == "" {
		return nil
	}
	return r.bestEffort(ctx, step, func(ctx context.Context) error {
		if err := r.sess.Click(ctx, selector); err != nil {
			return err
		}
		return r.settle(ctx, step)
	})
}

// settle waits for network idle, then for the configured settle delay. A
// network that never quiets is logged, not fatal.
func (r *run) settle(ctx context.Context, step string) error {
	cfg := r.d.cfg
	if cfg.NetworkIdleTimeout > 0 {
		if err := r.sess.WaitNetworkIdle(ctx, cfg.NetworkIdleQuiet, cfg.NetworkIdleTimeout); err != nil {
			if fatal(ctx, err) {
				return err
			}
			r.log.Debug("Network did not go idle.", zap.String("step", step), zap.Error(err))
		}
	}
	return r.d.sleep(ctx, cfg.SettleDelay)
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, browser.ErrSessionClosed) ||
		errors.Is(err, context.Canceled)
}
