package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/storefront-cli/authheader"
	"github.com/go-authgate/storefront-cli/authredirect"
	"github.com/go-authgate/storefront-cli/authsession"
	"github.com/go-authgate/storefront-cli/authtoken"
	"github.com/go-authgate/storefront-cli/clientauth"
	"github.com/go-authgate/storefront-cli/globalmsg"
	"github.com/go-authgate/storefront-cli/oauthlib"
	"github.com/go-authgate/storefront-cli/routing"
	"github.com/go-authgate/storefront-cli/tui"
)

// Endpoints called for a signed-in user, concurrently.
var userPaths = []string{
	"/users/current/carts",
	"/users/current/orders",
}

// guestProductPath is fetched with a client token when no user is configured.
const guestProductPath = "/products/1934793"

// app wires the token lifecycle components for one CLI run.
type app struct {
	cfg    *Config
	d      tui.Displayer
	logger *slog.Logger

	store    *authtoken.FileStore
	storage  *authtoken.Storage
	oauth    *oauthlib.Wrapper
	session  *authsession.Service
	clients  *clientauth.Service
	router   *routing.Service
	redirect *authredirect.Service
	messages *globalmsg.Service
	header   *authheader.Service
	registry *prometheus.Registry

	// api carries user requests through the auth header transport. base
	// carries guest requests under a client token interceptor.
	api  *http.Client
	base http.RoundTripper
}

// reportingPersister saves through the file store and reports the outcome.
type reportingPersister struct {
	*authtoken.FileStore
	d tui.Displayer
}

func (p reportingPersister) Save(token *authtoken.AuthToken) error {
	if err := p.FileStore.Save(token); err != nil {
		p.d.TokenSaveFailed(err)
		return err
	}
	p.d.TokenSaved(p.Path())
	return nil
}

// newApp builds the component graph. doer sends token endpoint requests,
// base carries API requests.
func newApp(
	cfg *Config,
	d tui.Displayer,
	logger *slog.Logger,
	doer oauthlib.Doer,
	base http.RoundTripper,
) (*app, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	store := authtoken.NewFileStore(cfg.TokenFile, cfg.ClientID)
	storage := authtoken.NewStorage(
		authtoken.WithPersister(reportingPersister{FileStore: store, d: d}),
		authtoken.WithLogger(logger),
	)
	wrapper := oauthlib.New(oauthCfg, doer, storage,
		oauthlib.WithRevokeURL(cfg.RevokeURL()),
		oauthlib.WithRefreshTimeout(cfg.RefreshTimeout),
		oauthlib.WithLogger(logger),
	)
	session := authsession.New(storage, wrapper, authsession.WithLogger(logger))
	clients := clientauth.New(oauthCfg, doer)

	router := routing.New(nil)
	router.OnNavigate(d.Navigated)
	redirect := authredirect.New(router)
	messages := globalmsg.New()
	messages.OnAdd(func(m globalmsg.Message) {
		d.Notification(m.Key, string(m.Type))
	})

	registry := prometheus.NewRegistry()
	header, err := authheader.New(authheader.Options{
		BaseURL:        cfg.APIBaseURL(),
		Storage:        storage,
		Session:        session,
		OAuth:          wrapper,
		Redirect:       redirect,
		Router:         router,
		Notifier:       messages,
		Logger:         logger,
		Metrics:        authheader.NewMetrics(registry, ""),
		RefreshTimeout: cfg.RefreshTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		d:        d,
		logger:   logger,
		store:    store,
		storage:  storage,
		oauth:    wrapper,
		session:  session,
		clients:  clients,
		router:   router,
		redirect: redirect,
		messages: messages,
		header:   header,
		registry: registry,
		api:      &http.Client{Transport: authheader.NewTransport(header, base)},
		base:     base,
	}, nil
}

// run executes the storefront flow: restore or log in, call the user
// endpoints, and log in again once if the session ends underneath them.
func (a *app) run(ctx context.Context) error {
	a.restore(ctx)

	if !a.session.IsUserLoggedIn() {
		if !a.cfg.HasCredentials() {
			return a.runGuest(ctx)
		}
		if err := a.login(ctx); err != nil {
			return err
		}
	}

	stop := a.watchRefreshes()
	defer stop()

	// The first failing call decides the error, which is not necessarily
	// ErrSessionExpired; the signed-out storage is what marks the expiry.
	err := a.callUserEndpoints(ctx)
	if err != nil && !a.session.IsUserLoggedIn() {
		if !a.cfg.HasCredentials() {
			return fmt.Errorf("%w: %w", authheader.ErrSessionExpired, err)
		}
		a.d.ReAuthRequired()
		if err := a.login(ctx); err != nil {
			return err
		}
		if err := a.redirect.Redirect(a.router); err != nil {
			return err
		}
		err = a.callUserEndpoints(ctx)
	}
	if err != nil {
		return err
	}

	tok := a.storage.Token()
	if tok == nil {
		return authheader.ErrSessionExpired
	}
	a.d.Done(preview(tok.AccessToken), tok.TokenType, time.Until(tok.ExpiresAt).Round(time.Second))
	a.logMetrics()
	return nil
}

// restore seeds storage from the token file. An expired access token is
// refreshed before any request goes out with it.
func (a *app) restore(ctx context.Context) {
	tok, err := a.store.Load()
	switch {
	case err == nil:
		a.d.TokensFound()
		a.storage.Restore(tok)
	case errors.Is(err, authtoken.ErrNoStoredToken):
		a.d.TokensNotFound()
		return
	default:
		a.logger.Warn("failed to load stored token", slog.Any("error", err))
		a.d.TokensNotFound()
		return
	}

	if !tok.Expired(time.Now()) {
		a.d.TokenValid()
		return
	}

	a.d.TokenExpired()
	if !tok.HasRefreshToken() {
		a.storage.ClearToken()
		return
	}
	if _, err := a.oauth.Refresh(ctx); err != nil {
		a.d.RefreshFailed(err)
		// Transient failures keep the session; the first 401 retries the
		// refresh through the auth header service.
		if errors.Is(err, oauthlib.ErrRefreshTokenExpired) {
			a.storage.ClearToken()
		}
		return
	}
	a.d.TokenRefreshed()
}

func (a *app) login(ctx context.Context) error {
	a.d.LoggingIn(a.cfg.Username)
	if err := a.session.LoginWithCredentials(ctx, a.cfg.Username, a.cfg.Password); err != nil {
		a.d.LoginFailed(err)
		return err
	}
	a.d.LoginOK()
	return nil
}

// callUserEndpoints navigates to the order history page and loads the
// user's carts and orders concurrently.
func (a *app) callUserEndpoints(ctx context.Context) error {
	if err := a.router.Go(routing.Orders); err != nil {
		return err
	}

	a.d.Requesting(len(userPaths))
	// No shared cancellation: every call waits for its own recovery, so a
	// forced logout has finished navigating once Wait returns.
	var g errgroup.Group
	for _, path := range userPaths {
		g.Go(func() error {
			return a.get(ctx, a.api, path)
		})
	}
	return g.Wait()
}

// runGuest fetches a public product under the client token the
// interceptor loads for it.
func (a *app) runGuest(ctx context.Context) error {
	a.d.GuestMode()

	var tok *authtoken.ClientToken
	guest := &http.Client{Transport: &clientauth.Interceptor{
		Service: a.clients,
		Next:    a.base,
		OnToken: func(t *authtoken.ClientToken) {
			tok = t
			a.d.ClientTokenLoaded(t.TokenType, time.Duration(t.ExpiresIn)*time.Second)
		},
	}}

	a.d.Requesting(1)
	if err := a.get(clientauth.WithClientToken(ctx), guest, guestProductPath); err != nil {
		return err
	}
	if tok == nil {
		return errors.New("guest request went out without a client token")
	}

	a.d.Done(preview(tok.AccessToken), tok.TokenType, time.Duration(tok.ExpiresIn)*time.Second)
	return nil
}

// get fetches path under the base site and reports the result.
func (a *app) get(ctx context.Context, client *http.Client, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.SiteURL(path), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		a.d.APICallFailed(path, err)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
		a.d.APICallFailed(path, err)
		return err
	}

	a.d.APICallOK(path, resp.StatusCode)
	return nil
}

// watchRefreshes reports access token replacements while a session stays
// signed in. Logins start from an empty storage and are not reported.
func (a *app) watchRefreshes() (stop func()) {
	ch, unsubscribe := a.storage.Subscribe()
	done := make(chan struct{})
	quit := make(chan struct{})

	go func() {
		defer close(done)
		prev := <-ch
		for {
			select {
			case <-quit:
				return
			case tok := <-ch:
				if prev != nil && tok != nil && !prev.SameAccess(tok) {
					a.d.TokenRefreshed()
				}
				prev = tok
			}
		}
	}()

	return func() {
		unsubscribe()
		close(quit)
		<-done
	}
}

// logMetrics writes the token lifecycle counters at debug level.
func (a *app) logMetrics() {
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Warn("failed to gather metrics", slog.Any("error", err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			attrs := []any{
				slog.String("name", mf.GetName()),
				slog.Float64("value", m.GetCounter().GetValue()),
			}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, slog.String(lp.GetName(), lp.GetValue()))
			}
			a.logger.Debug("auth metric", attrs...)
		}
	}
}

func preview(token string) string {
	if len(token) > 50 {
		return token[:50]
	}
	return token
}
