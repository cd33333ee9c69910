// Package orchestrator owns the registration attempt loop: it sequences the
// mailbox, browser funnel, verification and credential phases, retries whole
// Attempts with a fresh identity, and guarantees every browser session is
// released.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/registrar/internal/browser"
	"github.com/xkilldash9x/registrar/internal/clock"
	"github.com/xkilldash9x/registrar/internal/config"
	"github.com/xkilldash9x/registrar/internal/credential"
	"github.com/xkilldash9x/registrar/internal/failure"
	"github.com/xkilldash9x/registrar/internal/funnel"
	"github.com/xkilldash9x/registrar/internal/identity"
	"github.com/xkilldash9x/registrar/internal/mailbox"
	"github.com/xkilldash9x/registrar/internal/store"
	"github.com/xkilldash9x/registrar/internal/verification"
)

// ErrAttemptsExhausted is returned by Run when no Attempt succeeded.
var ErrAttemptsExhausted = errors.New("all registration attempts failed")

// sessionCloseTimeout bounds Session.Close, which runs on a context detached
// from the caller's cancellation.
const sessionCloseTimeout = 15 * time.Second

// IdentitySource generates a fresh username and password.
type IdentitySource interface {
	New() (identity.Identity, error)
}

// MailboxCreator creates disposable mailboxes.
type MailboxCreator interface {
	CreateAccount(ctx context.Context, usernameHint string) (mailbox.Mailbox, error)
}

// FunnelDriver drives the site's pages.
type FunnelDriver interface {
	RunSignup(ctx context.Context, sess browser.Session, id identity.Identity) (funnel.Result, error)
	RunPostVerification(ctx context.Context, sess browser.Session, link string, id identity.Identity) (funnel.Result, error)
}

// LinkAwaiter waits for the verification email.
type LinkAwaiter interface {
	AwaitLink(ctx context.Context, mb mailbox.Mailbox, c verification.Criteria) (string, error)
}

// CredentialExtractor reads the generated credential.
type CredentialExtractor interface {
	Extract(ctx context.Context, sess browser.Session, c credential.Criteria) (string, error)
}

// Deps are the collaborators of an Orchestrator. Sink may be nil.
type Deps struct {
	Identities  IdentitySource
	Mailboxes   MailboxCreator
	Launcher    browser.Launcher
	Funnel      FunnelDriver
	Links       LinkAwaiter
	Credentials CredentialExtractor
	Sink        store.Sink
}

// Options are the orchestrator's policy knobs.
type Options struct {
	MaxAttempts  int
	Cooldown     time.Duration
	PhaseTimeout time.Duration
	Verification verification.Criteria
	Credential   credential.Criteria
}

// OptionsFromConfig compiles the patterns in cfg into Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	link, err := regexp.Compile(cfg.Verification.LinkPattern)
	if err != nil {
		return Options{}, fmt.Errorf("compile verification.link_pattern: %w", err)
	}
	token, err := regexp.Compile(cfg.Credential.Pattern)
	if err != nil {
		return Options{}, fmt.Errorf("compile credential.pattern: %w", err)
	}
	return Options{
		MaxAttempts:  cfg.Registration.MaxAttempts,
		Cooldown:     cfg.Registration.Cooldown,
		PhaseTimeout: cfg.Registration.PhaseTimeout,
		Verification: verification.Criteria{
			SenderContains: cfg.Verification.SenderContains,
			LinkPattern:    link,
			PollInterval:   cfg.Verification.PollInterval,
			MaxPolls:       cfg.Verification.MaxPolls,
		},
		Credential: credential.Criteria{
			SettingsURL: cfg.Credential.SettingsURL,
			Candidates:  cfg.Credential.Candidates,
			Pattern:     token,
			WaitTimeout: cfg.Credential.WaitTimeout,
		},
	}, nil
}

// Result summarises a run. Record is set only when an Attempt succeeded.
type Result struct {
	RunID    string
	Attempts []Attempt
	Record   *store.Record
}

// Last returns the final Attempt, or nil when none ran.
func (r *Result) Last() *Attempt {
	if r == nil || len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// Orchestrator runs registration Attempts sequentially.
type Orchestrator struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	now   func() time.Time
	sleep clock.SleepFunc
	newID func() string
}

// New validates its inputs and returns an Orchestrator.
func New(opts Options, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Identities == nil ||
		deps.Mailboxes == nil ||
		deps.Launcher == nil ||
		deps.Funnel == nil ||
		deps.Links == nil ||
		deps.Credentials == nil {
		return nil, errors.New("cannot initialize orchestrator with nil dependencies")
	}
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", opts.MaxAttempts)
	}
	if opts.PhaseTimeout <= 0 {
		return nil, fmt.Errorf("phase timeout must be positive, got %s", opts.PhaseTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		opts:   opts,
		deps:   deps,
		logger: logger.Named("orchestrator"),
		now:    time.Now,
		sleep:  clock.Sleep,
		newID:  uuid.NewString,
	}, nil
}

// Run executes up to MaxAttempts Attempts and returns on the first success.
// The Result is returned on every path, including failure.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: o.newID()}
	log := o.logger.With(zap.String("run_id", res.RunID))
	log.Info("Registration run starting.", zap.Int("max_attempts", o.opts.MaxAttempts))

	var lastErr error
	for i := 1; i <= o.opts.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("registration cancelled before attempt %d: %w", i, err)
		}

		att := o.runAttempt(ctx, log, i)
		res.Attempts = append(res.Attempts, *att)

		if att.Outcome == OutcomeSucceeded {
			res.Record = &store.Record{Email: att.Identity.Email, Password: att.Identity.Password, APIKey: att.APIKey}
			log.Info("Registration succeeded.",
				zap.Int("attempt", i),
				zap.String("email", att.Identity.Email),
				zap.Bool("key_captured", att.APIKey != ""))
			return res, nil
		}

		lastErr = att.Err
		if err := ctx.Err(); err != nil {
			log.Warn("Registration cancelled.", zap.Int("attempt", i), zap.Error(att.Err))
			return res, fmt.Errorf("registration cancelled during attempt %d: %w", i, err)
		}
		if i == o.opts.MaxAttempts {
			break
		}
		log.Info("Cooling down before next attempt.", zap.Duration("cooldown", o.opts.Cooldown))
		if err := o.sleep(ctx, o.opts.Cooldown); err != nil {
			return res, fmt.Errorf("registration cancelled during cooldown: %w", err)
		}
	}

	log.Error("Registration failed.", zap.Int("attempts", len(res.Attempts)), zap.Error(lastErr))
	return res, fmt.Errorf("%w (%d attempts): %w", ErrAttemptsExhausted, len(res.Attempts), lastErr)
}

// runAttempt always returns an Attempt in a terminal state.
func (o *Orchestrator) runAttempt(ctx context.Context, runLog *zap.Logger, index int) (att *Attempt) {
	att = &Attempt{Index: index, ID: o.newID(), State: Idle, Started: o.now()}
	log := runLog.With(zap.Int("attempt", index), zap.String("attempt_id", att.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Attempt panicked.", zap.Any("panic", r), zap.Stack("stack"))
			att.fail(failure.Newf(failure.Panic, att.State.String(), "panic: %v", r))
		}
		att.Finished = o.now()
		if att.Outcome == OutcomeFailed {
			log.Warn("Attempt failed.",
				zap.Stringer("state", att.FailedIn),
				zap.Stringer("kind", att.Kind),
				zap.Error(att.Err))
		}
	}()

	if err := o.attempt(ctx, att, log); err != nil {
		att.fail(err)
		return att
	}
	att.succeed()
	return att
}

func (o *Orchestrator) attempt(ctx context.Context, att *Attempt, log *zap.Logger) error {
	id, err := o.deps.Identities.New()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	att.Identity = id

	att.enter(CreatingMailbox)
	mb, err := o.deps.Mailboxes.CreateAccount(ctx, id.Username)
	if err != nil {
		return fmt.Errorf("create mailbox: %w", err)
	}
	att.Mailbox = mb
	att.Identity.Email = mb.Address
	id = att.Identity
	log = log.With(zap.String("email", id.Email))
	log.Info("Mailbox created.", zap.String("provider", mb.Provider))

	att.enter(LaunchingBrowser)
	err = o.withSession(ctx, log, "signup", func(ctx context.Context, sess browser.Session) error {
		att.enter(DrivingSignup)
		_, err := o.deps.Funnel.RunSignup(ctx, sess, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("signup phase: %w", err)
	}

	att.enter(AwaitingVerification)
	link, err := o.deps.Links.AwaitLink(ctx, mb, o.opts.Verification)
	if err != nil {
		return fmt.Errorf("await verification link: %w", err)
	}
	log.Info("Verification link received.")

	att.enter(RelaunchingBrowser)
	err = o.withSession(ctx, log, "post_verification", func(ctx context.Context, sess browser.Session) error {
		att.enter(DrivingPostVerification)
		fr, err := o.deps.Funnel.RunPostVerification(ctx, sess, link, id)
		if err != nil {
			return err
		}
		if len(fr.Skipped) > 0 {
			log.Info("Onboarding finished with skipped steps.", zap.Strings("skipped", fr.Skipped))
		}

		att.enter(ExtractingCredential)
		key, err := o.deps.Credentials.Extract(ctx, sess, o.opts.Credential)
		if err != nil {
			// The account exists at this point; a missing key only means the
			// record is written without one.
			log.Warn("Credential not captured; recording account without it.",
				zap.Stringer("kind", failure.KindOf(err)), zap.Error(err))
			return nil
		}
		att.APIKey = key
		return nil
	})
	if err != nil {
		return fmt.Errorf("post-verification phase: %w", err)
	}

	att.enter(Persisting)
	o.persist(ctx, log, store.Record{Email: id.Email, Password: id.Password, APIKey: att.APIKey})
	return nil
}

// withSession launches a browser session, runs fn under the phase timeout and
// closes the session on every exit path. A panic in fn is converted into a
// Panic failure after the session is closed. Close errors are logged only.
func (o *Orchestrator) withSession(ctx context.Context, log *zap.Logger, phase string, fn func(context.Context, browser.Session) error) (err error) {
	phaseCtx, cancel := context.WithTimeout(ctx, o.opts.PhaseTimeout)
	defer cancel()

	sess, err := o.deps.Launcher.Launch(phaseCtx)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	log = log.With(zap.String("phase", phase), zap.String("session_id", sess.ID()))
	log.Debug("Browser session acquired.")

	defer func() {
		if r := recover(); r != nil {
			log.Error("Phase panicked.", zap.Any("panic", r), zap.Stack("stack"))
			err = failure.Newf(failure.Panic, phase, "panic: %v", r)
		}

		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
		defer closeCancel()
		if cerr := sess.Close(closeCtx); cerr != nil {
			log.Warn("Failed to release browser session.",
				zap.Error(failure.New(failure.ResourceRelease, phase, cerr)))
			return
		}
		log.Debug("Browser session released.")
	}()

	return fn(phaseCtx, sess)
}

// persist hands the record to the sink. Failures are logged and never undo
// the success.
func (o *Orchestrator) persist(ctx context.Context, log *zap.Logger, rec store.Record) {
	if o.deps.Sink == nil {
		return
	}
	if err := o.deps.Sink.Save(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("Failed to persist registration record.", zap.Error(err))
		return
	}
	log.Info("Registration record persisted.", zap.Bool("key_captured", rec.APIKey != ""))
}
