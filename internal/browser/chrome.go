// File: internal/browser/chrome.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/registrar/internal/config"
	"github.com/xkilldash9x/registrar/internal/failure"
	"github.com/xkilldash9x/registrar/internal/network"
)

const (
	defaultLaunchTimeout   = 60 * time.Second
	defaultActionTimeout   = 30 * time.Second
	defaultNavigateTimeout = 60 * time.Second
	shutdownTimeout        = 10 * time.Second
	tabCloseTimeout        = 5 * time.Second
)

// ChromeLauncher starts a dedicated Chrome process per Session.
type ChromeLauncher struct {
	cfg           config.BrowserConfig
	proxy         config.ProxySettings
	actionTimeout time.Duration
	persona       Persona
	logger        *zap.Logger
}

var _ Launcher = (*ChromeLauncher)(nil)

// NewLauncher creates a launcher from the browser, proxy and funnel settings.
func NewLauncher(cfg *config.Config, logger *zap.Logger) *ChromeLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	actionTimeout := cfg.Funnel.ElementTimeout
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	return &ChromeLauncher{
		cfg:           cfg.Browser,
		proxy:         cfg.Proxy,
		actionTimeout: actionTimeout,
		persona:       PersonaFromConfig(cfg.Browser.Persona),
		logger:        logger.Named("browser"),
	}
}

// Launch starts Chrome and returns a Session with one blank tab. On error
// every resource acquired so far has been released.
func (l *ChromeLauncher) Launch(ctx context.Context) (Session, error) {
	id := uuid.New().String()
	log := l.logger.With(zap.String("session_id", id))

	var forwarder *network.Forwarder
	proxyServer := ""
	if l.proxy.Enabled() {
		proxyServer = l.proxy.Server()
		if l.proxy.HasCredentials() {
			fwd, err := network.StartForwarder(l.proxy.URL(), log)
			if err != nil {
				return nil, fmt.Errorf("failed to start proxy forwarder: %w", err)
			}
			forwarder = fwd
			proxyServer = fwd.Addr()
		}
	}

	// The browser outlives the caller's context and is torn down only by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(l.cfg, proxyServer)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Sugar().Debugf),
		chromedp.WithErrorf(log.Sugar().Debugf),
	)

	s := &chromeSession{
		id:            id,
		logger:        log,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		forwarder:     forwarder,
		actionTimeout: l.actionTimeout,
		persona:       l.persona,
	}

	launchTimeout := l.cfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = defaultLaunchTimeout
	}

	// The first Run on browserCtx allocates the process. It must run on
	// browserCtx itself, so the timeout is enforced from outside.
	tracker := newIdleTracker()
	chromedp.ListenTarget(browserCtx, tracker.handle)
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx, cdpnetwork.Enable(), l.persona.Tasks()) }()

	timer := time.NewTimer(launchTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", launchTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	s.tabs = []*tab{{ctx: browserCtx, cancel: browserCancel, idle: tracker, first: true}}
	log.Info("Browser session launched.", zap.Bool("headless", l.cfg.Headless), zap.Bool("proxy", proxyServer != ""))
	return s, nil
}

// tab is one target inside the session's browser.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	idle   *idleTracker
	// first marks the tab created with the browser; cancelling it would end
	// the whole browser, so it is closed through CDP instead.
	first bool
}

type chromeSession struct {
	id     string
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	forwarder     *network.Forwarder

	actionTimeout time.Duration
	persona       Persona

	mu     sync.Mutex
	tabs   []*tab
	closed bool
}

var _ Session = (*chromeSession)(nil)

func (s *chromeSession) ID() string { return s.id }

func (s *chromeSession) active() (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if len(s.tabs) == 0 {
		return nil, failure.Newf(failure.Unknown, "browser", "session has no tab")
	}
	return s.tabs[len(s.tabs)-1], nil
}

func (s *chromeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// combine derives a context that ends when either the tab or the caller does.
func combine(tabCtx, caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// run executes actions on the active tab, bounded by timeout when positive.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	t, err := s.active()
	if err != nil {
		return err
	}
	caller := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		caller, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx, cancel := combine(t.ctx, caller)
	defer cancel()

	err = chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case s.isClosed():
		return ErrSessionClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case caller.Err() != nil:
		return context.DeadlineExceeded
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, defaultNavigateTimeout, chromedp.Navigate(url)); err != nil {
		if errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
			return err
		}
		return failure.New(failure.TransientNetwork, "browser.navigate", err)
	}
	s.logger.Debug("Navigated.", zap.String("url", url))
	return nil
}

func (s *chromeSession) OpenInNewTab(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	tracker := newIdleTracker()
	chromedp.ListenTarget(tabCtx, tracker.handle)
	s.tabs = append(s.tabs, &tab{ctx: tabCtx, cancel: tabCancel, idle: tracker})
	s.mu.Unlock()

	if err := s.run(ctx, defaultNavigateTimeout, cdpnetwork.Enable(), s.persona.Tasks(), chromedp.Navigate(url)); err != nil {
		if errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
			return err
		}
		return failure.New(failure.TransientNetwork, "browser.open_tab", err)
	}
	s.logger.Debug("Opened new tab.", zap.String("url", url))
	s.closePreviousTab(ctx)
	return nil
}

// closePreviousTab closes the tab that was active before the newest one.
// A failure only leaves the old page open until Close.
func (s *chromeSession) closePreviousTab(ctx context.Context) {
	s.mu.Lock()
	var prev *tab
	s.tabs, prev = retireTab(s.tabs)
	s.mu.Unlock()
	if prev == nil {
		return
	}
	if !prev.first {
		prev.cancel()
		return
	}
	closeCtx, cancel := combine(prev.ctx, ctx)
	defer cancel()
	closeCtx, cancelTimeout := context.WithTimeout(closeCtx, tabCloseTimeout)
	defer cancelTimeout()
	if err := chromedp.Run(closeCtx, page.Close()); err != nil {
		s.logger.Debug("Failed to close previous tab.", zap.Error(err))
	}
}

// retireTab removes the second-to-last tab, returning it.
func retireTab(tabs []*tab) ([]*tab, *tab) {
	if len(tabs) < 2 {
		return tabs, nil
	}
	i := len(tabs) - 2
	prev := tabs[i]
	kept := append(tabs[:i:i], tabs[i+1:]...)
	return kept, prev
}

func (s *chromeSession) waitVisible(ctx context.Context, op, selector string, timeout time.Duration) error {
	sel, by := query(selector)
	err := s.run(ctx, timeout, chromedp.WaitVisible(sel, by))
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return elementNotFound(op, selector, timeout)
	}
	return err
}

func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	if err := s.waitVisible(ctx, "browser.fill", selector, s.actionTimeout); err != nil {
		return err
	}
	sel, by := query(selector)
	return s.run(ctx, s.actionTimeout,
		chromedp.Focus(sel, by),
		chromedp.Clear(sel, by),
		chromedp.SendKeys(sel, value, by),
	)
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	if err := s.waitVisible(ctx, "browser.click", selector, s.actionTimeout); err != nil {
		return err
	}
	sel, by := query(selector)
	return s.run(ctx, s.actionTimeout, chromedp.Click(sel, by, chromedp.NodeVisible))
}

func (s *chromeSession) ClickAll(ctx context.Context, selector string) (int, error) {
	sel, by := query(selector)
	var nodes []*cdp.Node
	if err := s.run(ctx, s.actionTimeout, chromedp.Nodes(sel, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return 0, err
	}
	clicked := 0
	for _, n := range nodes {
		if err := s.run(ctx, s.actionTimeout, chromedp.MouseClickNode(n)); err != nil {
			if errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
				return clicked, err
			}
			s.logger.Debug("Could not click node.", zap.String("selector", selector), zap.Error(err))
			continue
		}
		clicked++
	}
	return clicked, nil
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return s.waitVisible(ctx, "browser.wait_visible", selector, timeout)
}

func (s *chromeSession) WaitAnyVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	return firstVisible(ctx, selectors, timeout, func(ctx context.Context, selector string) error {
		return s.waitVisible(ctx, "browser.wait_any", selector, timeout)
	})
}

// errSelectorFound stops the remaining waits once one selector is visible.
var errSelectorFound = errors.New("selector found")

// firstVisible races wait over selectors and returns the first that succeeds.
// A closed session or a cancelled ctx ends the race early.
func firstVisible(ctx context.Context, selectors []string, timeout time.Duration, wait func(ctx context.Context, selector string) error) (string, error) {
	if len(selectors) == 0 {
		return "", errors.New("no selectors to wait for")
	}

	var (
		mu      sync.Mutex
		winner  string
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, selector := range selectors {
		g.Go(func() error {
			err := wait(gctx, selector)
			if err == nil {
				mu.Lock()
				if winner == "" {
					winner = selector
				}
				mu.Unlock()
				return errSelectorFound
			}
			if errors.Is(err, ErrSessionClosed) {
				return err
			}
			mu.Lock()
			if gctx.Err() == nil || lastErr == nil {
				lastErr = err
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if winner != "" {
		return winner, nil
	}
	if err != nil {
		return "", err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("browser.wait_any: %w", ctxErr)
	}
	if failure.IsKind(lastErr, failure.ElementNotFound) {
		return "", failure.Newf(failure.ElementNotFound, "browser.wait_any", "none of %d selectors visible within %s", len(selectors), timeout)
	}
	return "", lastErr
}

func (s *chromeSession) WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error {
	t, err := s.active()
	if err != nil {
		return err
	}
	runCtx, cancel := combine(t.ctx, ctx)
	defer cancel()

	err = t.idle.wait(runCtx, quiet, timeout)
	switch {
	case err == nil:
		return nil
	case s.isClosed():
		return ErrSessionClosed
	case ctx.Err() != nil:
		return ctx.Err()
	}
	n, _ := t.idle.pending()
	return failure.Newf(failure.TransientNetwork, "browser.network_idle", "%d requests still in flight after %s", n, timeout)
}

func (s *chromeSession) Text(ctx context.Context, selector string) (string, error) {
	sel, by := query(selector)
	var nodes []*cdp.Node
	if err := s.run(ctx, s.actionTimeout, chromedp.Nodes(sel, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", failure.Newf(failure.ElementNotFound, "browser.text", "no element matches %q", selector)
	}

	var text string
	var action chromedp.Action
	switch nodes[0].NodeName {
	case "INPUT", "TEXTAREA":
		action = chromedp.Value(sel, &text, by)
	default:
		action = chromedp.TextContent(sel, &text, by)
	}
	if err := s.run(ctx, s.actionTimeout, action); err != nil {
		return "", err
	}
	return text, nil
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, s.actionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close shuts the browser down gracefully, bounded by shutdownTimeout, then
// kills whatever remains. ctx is only used for its values.
func (s *chromeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tabs := s.tabs
	s.tabs = nil
	s.mu.Unlock()

	// Secondary tabs first; the first tab is the browser context itself.
	for i := len(tabs) - 1; i >= 0; i-- {
		if !tabs[i].first {
			tabs[i].cancel()
		}
	}

	var errs []error
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.browserCtx) }()
	timer := time.NewTimer(shutdownTimeout)
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("graceful browser shutdown: %w", err))
		}
	case <-timer.C:
		errs = append(errs, fmt.Errorf("browser did not exit within %s", shutdownTimeout))
	}
	timer.Stop()

	s.browserCancel()
	s.allocCancel()

	if s.forwarder != nil {
		if err := s.forwarder.Close(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return failure.New(failure.ResourceRelease, "browser.close", err)
	}
	s.logger.Debug("Browser session closed.")
	return nil
}
