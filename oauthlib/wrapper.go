// Package oauthlib issues the token endpoint calls on behalf of the session:
// password login, refresh and revocation.
//
// Refresh is fire-and-forget. The new token reaches callers through
// authtoken.Storage and failures through RefreshErrors, so any number of
// waiters can share the outcome of one exchange.
package oauthlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/storefront-cli/authtoken"
)

const defaultRefreshTimeout = 10 * time.Second

// Wrapper talks to the authorization server.
type Wrapper struct {
	cfg       *oauth2.Config
	revokeURL string
	doer      Doer
	storage   *authtoken.Storage

	logger         *slog.Logger
	refreshTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	errSubs map[uint64]chan error
	nextID  uint64
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithRevokeURL sets the RFC 7009 revocation endpoint.
func WithRevokeURL(u string) Option {
	return func(w *Wrapper) { w.revokeURL = u }
}

// WithLogger sets the wrapper logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wrapper) { w.logger = l }
}

// WithRefreshTimeout bounds each background refresh exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(w *Wrapper) {
		if d > 0 {
			w.refreshTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Wrapper) { w.now = now }
}

// New creates a Wrapper for cfg that sends requests with doer and keeps
// tokens in storage.
func New(cfg *oauth2.Config, doer Doer, storage *authtoken.Storage, opts ...Option) *Wrapper {
	w := &Wrapper{
		cfg:            cfg,
		doer:           doer,
		storage:        storage,
		logger:         slog.Default(),
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		errSubs:        make(map[uint64]chan error),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AuthorizeWithPasswordFlow exchanges user credentials for a token pair and
// stores it.
func (w *Wrapper) AuthorizeWithPasswordFlow(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	if len(w.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(w.cfg.Scopes, " "))
	}

	tok, err := requestToken(ctx, w.doer, w.cfg, form, w.now())
	if err != nil {
		return fmt.Errorf("password grant failed: %w", err)
	}

	w.storage.SetToken(authtoken.FromOAuth2(tok, w.now()))
	return nil
}

// RefreshToken starts a refresh exchange in the background and returns
// immediately. Success replaces the stored token; failure is published to
// RefreshErrors subscribers.
func (w *Wrapper) RefreshToken() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.refreshTimeout)
		defer cancel()

		if _, err := w.Refresh(ctx); err != nil {
			w.logger.Warn("token refresh failed", slog.Any("error", err))
			w.publishError(err)
		}
	}()
}

// Refresh exchanges the stored refresh token and stores the new token.
func (w *Wrapper) Refresh(ctx context.Context) (*authtoken.AuthToken, error) {
	current := w.storage.Token()
	if !current.HasRefreshToken() {
		return nil, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)

	tok, err := requestToken(ctx, w.doer, w.cfg, form, w.now())
	if err != nil {
		if isExpiredGrant(err) {
			return nil, fmt.Errorf("%w: %w", ErrRefreshTokenExpired, err)
		}
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	next := authtoken.FromOAuth2(tok, w.now())
	// Rotation mode returns a new refresh token; fixed mode omits it and the
	// old one stays valid.
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = current.Scope
	}

	w.storage.SetToken(next)
	w.logger.Debug("access token refreshed")
	return next, nil
}

// RefreshErrors subscribes to background refresh failures. The channel holds
// the most recent undelivered error.
func (w *Wrapper) RefreshErrors() (<-chan error, func()) {
	ch := make(chan error, 1)

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.errSubs[id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.errSubs, id)
			w.mu.Unlock()
		})
	}
}

func (w *Wrapper) publishError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.errSubs {
		select {
		case <-ch:
		default:
		}
		ch <- err
	}
}

// RevokeAndLogout revokes the stored token and clears storage. Storage is
// cleared even when revocation fails.
func (w *Wrapper) RevokeAndLogout(ctx context.Context) error {
	defer w.storage.ClearToken()

	current := w.storage.Token()
	if current == nil || w.revokeURL == "" {
		return nil
	}

	form := url.Values{}
	if current.RefreshToken != "" {
		form.Set("token", current.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", current.AccessToken)
		form.Set("token_type_hint", "access_token")
	}
	form.Set("client_id", w.cfg.ClientID)
	if w.cfg.ClientSecret != "" {
		form.Set("client_secret", w.cfg.ClientSecret)
	}

	if _, err := postForm(ctx, w.doer, w.revokeURL, form); err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return fmt.Errorf("revoke request failed with status %d: %w", rerr.Response.StatusCode, err)
		}
		return fmt.Errorf("revoke request failed: %w", err)
	}
	return nil
}
