// Package emr drives the hospital's browser-rendered EMR. The system has no
// API; everything here works through a real page: form logins, paginated
// roster tables, per-case detail views. Selectors and column orders are
// coupled to the one UI build the hospital runs and live in fields.go.
package emr

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	loginAttempts = 3
	loginBackoff  = 5 * time.Second

	loginPath = "/login"

	usernameSelector   = "input[name='username']"
	passwordSelector   = "input[name='password']"
	submitSelector     = "button[type='submit']"
	loginErrorSelector = ".login-form .alert-error"
	roleListSelector   = "ul.role-picker"
	roleItemSelector   = "ul.role-picker li a"
	mainMenuSelector   = "#main-menu"
)

// Config carries the EMR deployment knobs. Durations arrive from the yaml
// config layer already parsed. The role and the headless flag are not here:
// the role travels with each Login call and headless with Launch.
type Config struct {
	BaseURL       string
	MaxPages      int
	NavTimeout    time.Duration
	MarkerTimeout time.Duration
	SettleDelay   time.Duration
}

type Credentials struct {
	Username string
	Password string
}

// Session is an authenticated browser session. It is an opaque handle: the
// extractors take it, drive its page, and report expiry through
// ErrSessionExpired rather than trying to recover themselves.
type Session struct {
	page Page
	role string

	mu    sync.Mutex
	valid bool
	busy  bool
}

// NewSession wraps an already-authenticated page. The session manager calls
// this after login; tests call it directly with a fake page.
func NewSession(page Page, role string) *Session {
	return &Session{page: page, role: role, valid: true}
}

func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *Session) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// acquire claims the session for one extraction at a time. The page is a
// single browser tab; interleaved navigations would corrupt both reads.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrSessionBusy
	}
	s.busy = true
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// checkLoggedIn inspects the current URL after a navigation. Landing back on
// the login page means the EMR dropped the session server-side.
func (s *Session) checkLoggedIn(ctx context.Context) error {
	cur, err := s.page.URL(ctx)
	if err != nil {
		return err
	}
	if strings.Contains(cur, loginPath) {
		s.invalidate()
		return ErrSessionExpired
	}
	return nil
}

// Close releases the underlying page.
func (s *Session) Close() error {
	s.invalidate()
	return s.page.Close()
}

// SessionManager performs logins. One manager serves the whole process; each
// Login opens a fresh page so an expired session is replaced, not repaired.
type SessionManager struct {
	cfg     Config
	logger  *zap.Logger
	browser Browser

	attempts int
	backoff  time.Duration
}

func NewSessionManager(cfg Config, browser Browser, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		browser:  browser,
		logger:   logger,
		attempts: loginAttempts,
		backoff:  loginBackoff,
	}
}

// Login authenticates and selects the configured role. Navigation timeouts
// are retried up to loginAttempts times with a fixed pause; rejected
// credentials fail immediately since retrying a wrong password only risks a
// lockout.
func (m *SessionManager) Login(ctx context.Context, creds Credentials, role string) (*Session, error) {
	page, err := m.browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if attempt > 1 {
			m.logger.Warn("login attempt failed, retrying",
				zap.Int("attempt", attempt-1),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				_ = page.Close()
				return nil, ctx.Err()
			case <-time.After(m.backoff):
			}
		}

		err := m.loginOnce(ctx, page, creds, role)
		if err == nil {
			m.logger.Info("emr session established", zap.String("role", role))
			return NewSession(page, role), nil
		}
		if errors.Is(err, ErrBadCredentials) || errors.Is(err, context.Canceled) {
			_ = page.Close()
			return nil, err
		}
		lastErr = err
	}
	_ = page.Close()
	return nil, fmt.Errorf("login failed after %d attempts: %w", m.attempts, lastErr)
}

func (m *SessionManager) loginOnce(ctx context.Context, page Page, creds Credentials, role string) error {
	if err := page.Navigate(ctx, m.cfg.BaseURL+loginPath); err != nil {
		return err
	}
	if err := page.Input(ctx, usernameSelector, creds.Username); err != nil {
		return fmt.Errorf("username field: %w", err)
	}
	if err := page.Input(ctx, passwordSelector, creds.Password); err != nil {
		return fmt.Errorf("password field: %w", err)
	}
	if err := page.Click(ctx, submitSelector); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	// A rejected login re-renders the form with an error banner well before
	// the role picker could appear.
	if err := page.WaitElement(ctx, loginErrorSelector, 2*time.Second); err == nil {
		return ErrBadCredentials
	}
	if err := page.WaitElement(ctx, roleListSelector, m.cfg.NavTimeout); err != nil {
		return fmt.Errorf("role picker: %w", err)
	}

	// Second navigation: pick the department role by its visible label.
	if err := page.ClickText(ctx, roleItemSelector, role); err != nil {
		return fmt.Errorf("select role %q: %w", role, err)
	}
	if err := page.WaitElement(ctx, mainMenuSelector, m.cfg.NavTimeout); err != nil {
		return fmt.Errorf("main menu: %w", err)
	}
	return nil
}

func (c Config) rosterURL(page int) string {
	return fmt.Sprintf("%s/hospitalizations?page=%d", c.BaseURL, page)
}

func (c Config) detailURL(caseID string) string {
	return fmt.Sprintf("%s/hospitalizations/%s", c.BaseURL, url.PathEscape(caseID))
}
