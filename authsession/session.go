// Package authsession is the user authentication facade: it owns the logout
// and refresh progress flags that gate every token read.
package authsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-authgate/storefront-cli/authtoken"
)

// ErrNotLoggedIn is returned when an operation needs a signed-in user.
var ErrNotLoggedIn = errors.New("user is not logged in")

// OAuthClient is the part of the OAuth wrapper the session drives.
type OAuthClient interface {
	AuthorizeWithPasswordFlow(ctx context.Context, username, password string) error
	RevokeAndLogout(ctx context.Context) error
}

// Service tracks the user session.
//
// The logout and refresh flags form a small guarded section: while either is
// set, WhenIdle callers stay parked. Every flag change closes the current
// changed channel and installs a fresh one, waking all parked callers.
type Service struct {
	storage *authtoken.Storage
	oauth   OAuthClient
	logger  *slog.Logger

	mu                sync.Mutex
	logoutInProgress  bool
	refreshInProgress bool
	changed           chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a session over storage, using oauth for login and logout.
func New(storage *authtoken.Storage, oauth OAuthClient, opts ...Option) *Service {
	s := &Service{
		storage: storage,
		oauth:   oauth,
		logger:  slog.Default(),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogoutInProgress reports whether a logout is running.
func (s *Service) LogoutInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutInProgress
}

// RefreshInProgress reports whether a token refresh is running.
func (s *Service) RefreshInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshInProgress
}

// SetLogoutProgress sets the logout flag.
func (s *Service) SetLogoutProgress(inProgress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logoutInProgress == inProgress {
		return
	}
	s.logoutInProgress = inProgress
	s.broadcastLocked()
}

// SetRefreshProgress sets the refresh flag.
func (s *Service) SetRefreshProgress(inProgress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshInProgress == inProgress {
		return
	}
	s.refreshInProgress = inProgress
	s.broadcastLocked()
}

func (s *Service) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// WhenIdle waits until neither logout nor refresh is in progress and then
// runs fn with both flags held clear. fn must not call back into s.
func (s *Service) WhenIdle(ctx context.Context, fn func()) error {
	for {
		s.mu.Lock()
		if !s.logoutInProgress && !s.refreshInProgress {
			fn()
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// TryBeginRefresh waits for idle, then sets the refresh flag if stillStale
// reports true. The check and the flag set are atomic, so only one caller can
// start a refresh for a given stale token.
func (s *Service) TryBeginRefresh(ctx context.Context, stillStale func() bool) (bool, error) {
	started := false
	err := s.WhenIdle(ctx, func() {
		if stillStale() {
			s.refreshInProgress = true
			s.broadcastLocked()
			started = true
		}
	})
	return started, err
}

// LoginWithCredentials signs the user in with the resource owner password flow.
func (s *Service) LoginWithCredentials(ctx context.Context, username, password string) error {
	if err := s.oauth.AuthorizeWithPasswordFlow(ctx, username, password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	s.logger.Info("user logged in", slog.String("username", username))
	return nil
}

// IsUserLoggedIn reports whether a user token is stored.
func (s *Service) IsUserLoggedIn() bool {
	tok := s.storage.Token()
	return tok != nil && tok.AccessToken != ""
}

// CoreLogout revokes and clears the user session. The logout flag is held for
// the whole call and cleared whatever the outcome.
func (s *Service) CoreLogout(ctx context.Context) error {
	s.SetLogoutProgress(true)
	defer s.SetLogoutProgress(false)

	if !s.IsUserLoggedIn() {
		s.storage.ClearToken()
		return nil
	}

	if err := s.oauth.RevokeAndLogout(ctx); err != nil {
		// RevokeAndLogout clears storage itself, but make sure of it.
		s.storage.ClearToken()
		s.logger.Warn("token revocation failed", slog.Any("error", err))
		return fmt.Errorf("logout: %w", err)
	}
	s.logger.Info("user logged out")
	return nil
}
