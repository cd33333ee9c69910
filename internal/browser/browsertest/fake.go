// Package browsertest provides scripted browser.Session and browser.Launcher
// implementations that record how sessions are opened and closed.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/registrar/internal/browser"
	"github.com/xkilldash9x/registrar/internal/failure"
)

// Session is an in-memory browser.Session. Selectors listed in Missing never
// become visible; Errs forces a specific error for a selector or URL.
type Session struct {
	mu sync.Mutex

	SessionID string
	Missing   map[string]bool
	Errs      map[string]error
	Texts     map[string]string
	// ClickAllCounts is what ClickAll reports per selector; default 1.
	ClickAllCounts map[string]int
	// PanicOn panics inside any operation touching this selector or URL.
	PanicOn  string
	CloseErr error
	// OnAction is invoked for every recorded action before it takes effect.
	OnAction func(action, target string) error

	actions    []string
	fills      map[string]string
	closeCalls int
	closed     bool
}

var _ browser.Session = (*Session)(nil)

// NewSession returns a Session with empty scripts.
func NewSession(id string) *Session {
	return &Session{
		SessionID:      id,
		Missing:        map[string]bool{},
		Errs:           map[string]error{},
		Texts:          map[string]string{},
		ClickAllCounts: map[string]int{},
		fills:          map[string]string{},
	}
}

func (s *Session) step(action, target string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return browser.ErrSessionClosed
	}
	s.actions = append(s.actions, action+" "+target)
	hook, panicOn, forced, missing := s.OnAction, s.PanicOn, s.Errs[target], s.Missing[target]
	s.mu.Unlock()

	if panicOn != "" && panicOn == target {
		panic(fmt.Sprintf("scripted panic on %s", target))
	}
	if hook != nil {
		if err := hook(action, target); err != nil {
			return err
		}
	}
	if forced != nil {
		return forced
	}
	if missing {
		return failure.Newf(failure.ElementNotFound, "browsertest."+action, "selector %q not visible", target)
	}
	return nil
}

func (s *Session) ID() string { return s.SessionID }

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.step("navigate", url)
}

func (s *Session) OpenInNewTab(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.step("open_tab", url)
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	if err := s.step("fill", selector); err != nil {
		return err
	}
	s.mu.Lock()
	s.fills[selector] = value
	s.mu.Unlock()
	return nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	return s.step("click", selector)
}

func (s *Session) ClickAll(ctx context.Context, selector string) (int, error) {
	if err := s.step("click_all", selector); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.ClickAllCounts[selector]; ok {
		return n, nil
	}
	return 1, nil
}

func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.step("wait_visible", selector)
}

func (s *Session) WaitAnyVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	var lastErr error
	for _, sel := range selectors {
		err := s.step("wait_visible", sel)
		if err == nil {
			return sel, nil
		}
		if failure.IsKind(err, failure.SessionClosed) {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no selectors")
	}
	return "", lastErr
}

func (s *Session) WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.step("network_idle", "")
}

func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	if err := s.step("text", selector); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.Texts[selector]
	if !ok {
		return "", failure.Newf(failure.ElementNotFound, "browsertest.text", "no element matches %q", selector)
	}
	return text, nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.step("screenshot", ""); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

// Close marks the session closed. Every call is counted.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseErr
}

// Actions returns the recorded "action target" log.
func (s *Session) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

// Filled returns the last value typed into selector.
func (s *Session) Filled(selector string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills[selector]
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls reports how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Launcher hands out Sessions built by Configure, or scripted launch errors.
type Launcher struct {
	mu sync.Mutex

	// LaunchErrs are returned by successive Launch calls; nil entries succeed.
	LaunchErrs []error
	// Configure customises the n-th (1-based) successful session.
	Configure func(n int, s *Session)

	launches int
	sessions []*Session
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	idx := l.launches
	l.launches++
	if idx < len(l.LaunchErrs) && l.LaunchErrs[idx] != nil {
		l.mu.Unlock()
		return nil, l.LaunchErrs[idx]
	}
	s := NewSession(fmt.Sprintf("session-%d", len(l.sessions)+1))
	l.sessions = append(l.sessions, s)
	n := len(l.sessions)
	configure := l.Configure
	l.mu.Unlock()

	if configure != nil {
		configure(n, s)
	}
	return s, nil
}

// Sessions returns every session successfully launched.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Opened is the number of sessions handed out.
func (l *Launcher) Opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Closed is the number of handed out sessions that were closed.
func (l *Launcher) Closed() int {
	n := 0
	for _, s := range l.Sessions() {
		if s.Closed() {
			n++
		}
	}
	return n
}
