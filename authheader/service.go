// Package authheader attaches user bearer tokens to commerce API requests and
// recovers from expired access tokens.
//
// When a request fails with 401 the service waits until no logout or refresh
// is running, then either replays the request with a token another caller
// already obtained, triggers exactly one refresh for every request that
// failed with the same token, or ends the session when the token cannot be
// refreshed.
package authheader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/storefront-cli/authtoken"
	"github.com/go-authgate/storefront-cli/globalmsg"
)

var (
	// ErrSessionExpired is returned for requests abandoned because the user
	// session ended while they were waiting.
	ErrSessionExpired = errors.New("session expired")

	// ErrRefreshTimeout is returned when a refresh did not produce a new
	// token in time. The session is kept.
	ErrRefreshTimeout = errors.New("token refresh timed out")
)

const (
	defaultRefreshTimeout = 30 * time.Second
	defaultLoginRoute     = "login"
	logoutKey             = "logout"
	refreshKeyPrefix      = "refresh:"
)

// Session is the authentication session the service coordinates with.
// CoreLogout must clear the logout flag when it returns.
type Session interface {
	WhenIdle(ctx context.Context, fn func()) error
	TryBeginRefresh(ctx context.Context, stillStale func() bool) (bool, error)
	SetLogoutProgress(inProgress bool)
	SetRefreshProgress(inProgress bool)
	CoreLogout(ctx context.Context) error
}

// Refresher triggers token refreshes in the background.
type Refresher interface {
	RefreshToken()
	RefreshErrors() (<-chan error, func())
}

// Redirector records where to return after login.
type Redirector interface {
	SaveCurrentNavigationURL()
}

// Router navigates to semantic routes.
type Router interface {
	Go(route string) error
}

// Notifier shows messages to the user.
type Notifier interface {
	Add(key string, typ globalmsg.Type)
}

// Options holds the collaborators of a Service.
type Options struct {
	// BaseURL is the commerce API base URL. Only requests under it get a
	// bearer token or have their 401 answers handled.
	BaseURL string

	Storage  *authtoken.Storage
	Session  Session
	OAuth    Refresher
	Redirect Redirector
	Router   Router
	Notifier Notifier

	Logger  *slog.Logger
	Metrics *Metrics

	// LoginRoute defaults to "login".
	LoginRoute string
	// RefreshTimeout bounds a refresh, from trigger to new token. Defaults
	// to 30s.
	RefreshTimeout time.Duration
}

// Service is the auth HTTP header service.
type Service struct {
	baseURL        string
	storage        *authtoken.Storage
	session        Session
	oauth          Refresher
	redirect       Redirector
	router         Router
	notifier       Notifier
	logger         *slog.Logger
	metrics        *Metrics
	loginRoute     string
	refreshTimeout time.Duration

	group singleflight.Group
}

// New validates opts and creates a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.BaseURL == "":
		return nil, errors.New("authheader: base URL is required")
	case opts.Storage == nil:
		return nil, errors.New("authheader: token storage is required")
	case opts.Session == nil:
		return nil, errors.New("authheader: session is required")
	case opts.OAuth == nil:
		return nil, errors.New("authheader: refresher is required")
	}

	s := &Service{
		baseURL:        strings.TrimSuffix(opts.BaseURL, "/"),
		storage:        opts.Storage,
		session:        opts.Session,
		oauth:          opts.OAuth,
		redirect:       opts.Redirect,
		router:         opts.Router,
		notifier:       opts.Notifier,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		loginRoute:     opts.LoginRoute,
		refreshTimeout: opts.RefreshTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.loginRoute == "" {
		s.loginRoute = defaultLoginRoute
	}
	if s.refreshTimeout <= 0 {
		s.refreshTimeout = defaultRefreshTimeout
	}
	return s, nil
}

// isAPIRequest reports whether req targets the commerce API. The base URL
// must match on a path boundary: "/occ" covers "/occ/cart" but not "/occupy".
func (s *Service) isAPIRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	u := req.URL.String()
	if !strings.HasPrefix(u, s.baseURL) {
		return false
	}
	rest := u[len(s.baseURL):]
	return rest == "" || strings.ContainsRune("/?#", rune(rest[0]))
}

// ShouldAddAuthorizationHeader reports whether req targets the API and has
// no Authorization header yet.
func (s *Service) ShouldAddAuthorizationHeader(req *http.Request) bool {
	return s.isAPIRequest(req) && req.Header.Get("Authorization") == ""
}

// ShouldCatchError reports whether a 401 answer to req is handled.
func (s *Service) ShouldCatchError(req *http.Request) bool {
	return s.isAPIRequest(req)
}

// AlterRequest returns a copy of req carrying a bearer token: token when
// non-nil, otherwise the stored one. req itself is returned when no header
// should be added or no token is available.
func (s *Service) AlterRequest(req *http.Request, token *authtoken.AuthToken) *http.Request {
	if !s.ShouldAddAuthorizationHeader(req) {
		return req
	}
	if token == nil {
		token = s.storage.Token()
	}
	if token == nil || token.AccessToken == "" {
		return req
	}
	return withBearer(req, token.AccessToken)
}

func withBearer(req *http.Request, access string) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+access)
	return out
}

// ValidToken waits until neither logout nor refresh is in progress and
// returns the stored token, or nil when there is none.
func (s *Service) ValidToken(ctx context.Context) (*authtoken.AuthToken, error) {
	var tok *authtoken.AuthToken
	err := s.session.WhenIdle(ctx, func() { tok = s.storage.Token() })
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, nil
	}
	return tok, nil
}

// HandleExpiredAccessToken recovers req after it failed with failedToken,
// or with the stored token when failedToken is nil. The request is replayed
// through next at most once, with a newer token. Requests that cannot be
// recovered fail with ErrSessionExpired or ErrRefreshTimeout.
func (s *Service) HandleExpiredAccessToken(
	req *http.Request,
	next http.RoundTripper,
	failedToken *authtoken.AuthToken,
) (*http.Response, error) {
	ctx := req.Context()
	ref := failedToken
	if ref == nil {
		ref = s.storage.Token()
	}

	logger := s.logger.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
	)

	key := refreshKeyPrefix
	if ref != nil {
		key += ref.AccessToken
	}

	ch := s.group.DoChan(key, func() (any, error) {
		return s.recoverToken(ctx, ref, logger)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}

	if res.Err != nil {
		if errors.Is(res.Err, ErrSessionExpired) {
			s.metrics.abandon()
		}
		logger.Info("request abandoned", slog.Any("error", res.Err))
		return nil, res.Err
	}

	rec := res.Val.(recovered)
	s.metrics.retried(rec.reason)
	logger.Debug("retrying request with new token",
		slog.String("reason", rec.reason),
		slog.Bool("shared", res.Shared),
	)
	return s.retry(req, next, rec.token)
}

// recovered is the outcome of a successful recovery: the token to replay
// with and how it was obtained.
type recovered struct {
	token  *authtoken.AuthToken
	reason string
}

// recoverToken decides, once per reference token, which token the failed
// requests are replayed with.
func (s *Service) recoverToken(ctx context.Context, ref *authtoken.AuthToken, logger *slog.Logger) (any, error) {
	// Shared by every caller with the same reference token, so it must not
	// end with the first caller's context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
	defer cancel()

	var latest *authtoken.AuthToken
	started, err := s.session.TryBeginRefresh(ctx, func() bool {
		latest = s.storage.Token()
		return latest != nil && latest.SameAccess(ref) && latest.HasRefreshToken()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for session: %w", ErrRefreshTimeout, err)
	}

	switch {
	case latest == nil || latest.AccessToken == "":
		return nil, ErrSessionExpired
	case !latest.SameAccess(ref):
		logger.Debug("token already replaced, skipping refresh")
		return recovered{token: latest, reason: reasonTokenChanged}, nil
	case !started:
		logger.Warn("expired token has no refresh token, ending session")
		s.HandleExpiredRefreshToken(ctx)
		return nil, ErrSessionExpired
	}

	tok, err := s.awaitRefresh(ctx, ref, logger)
	if err != nil {
		return nil, err
	}
	return recovered{token: tok, reason: reasonRefreshed}, nil
}

// awaitRefresh triggers the refresh and waits for storage to publish a token
// other than ref. The refresh flag is set on entry. It is cleared once the
// exchange has reported back, which after a timeout happens in the
// background.
func (s *Service) awaitRefresh(ctx context.Context, ref *authtoken.AuthToken, logger *slog.Logger) (*authtoken.AuthToken, error) {
	updates, unsubscribe := s.storage.Subscribe()
	errs, unsubscribeErrs := s.oauth.RefreshErrors()
	stop := func() {
		unsubscribe()
		unsubscribeErrs()
	}

	s.metrics.refreshTriggered()
	logger.Info("refreshing access token")
	s.oauth.RefreshToken()

	for {
		select {
		case tok := <-updates:
			if tok.SameAccess(ref) {
				continue
			}
			stop()
			s.session.SetRefreshProgress(false)
			if tok == nil {
				return nil, ErrSessionExpired
			}
			logger.Info("access token refreshed")
			return tok, nil

		case err := <-errs:
			stop()
			logger.Warn("token refresh failed, ending session", slog.Any("error", err))
			// The refresh flag stays up until the logout has cleared storage,
			// so no waiter can start another refresh with the stale token.
			s.HandleExpiredRefreshToken(ctx)
			s.session.SetRefreshProgress(false)
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)

		case <-ctx.Done():
			logger.Error("token refresh timed out", slog.Duration("timeout", s.refreshTimeout))
			go s.settleRefresh(updates, errs, ref, logger, stop)
			return nil, ErrRefreshTimeout
		}
	}
}

// settleRefresh waits for the outcome of an exchange whose waiters already
// gave up, then clears the refresh flag. Until then no second exchange can
// start for ref. It waits at most one more refresh timeout.
func (s *Service) settleRefresh(
	updates <-chan *authtoken.AuthToken,
	errs <-chan error,
	ref *authtoken.AuthToken,
	logger *slog.Logger,
	stop func(),
) {
	defer stop()
	defer s.session.SetRefreshProgress(false)

	timer := time.NewTimer(s.refreshTimeout)
	defer timer.Stop()

	for {
		select {
		case tok := <-updates:
			if tok.SameAccess(ref) {
				continue
			}
			logger.Info("late token refresh completed")
			return
		case err := <-errs:
			// The next 401 retries the refresh and ends the session if the
			// refresh token is really gone.
			logger.Warn("late token refresh failed", slog.Any("error", err))
			return
		case <-timer.C:
			logger.Warn("token refresh never completed")
			return
		}
	}
}

func (s *Service) retry(req *http.Request, next http.RoundTripper, tok *authtoken.AuthToken) (*http.Response, error) {
	out := withBearer(req, tok.AccessToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}
	return next.RoundTrip(out)
}

// HandleExpiredRefreshToken ends the session: it logs out, remembers the
// current location, navigates to login and tells the user the session
// expired. Concurrent calls share one run.
func (s *Service) HandleExpiredRefreshToken(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
	defer cancel()

	_, _, _ = s.group.Do(logoutKey, func() (any, error) {
		s.metrics.forcedLogout()
		s.session.SetLogoutProgress(true)

		if err := s.session.CoreLogout(ctx); err != nil {
			s.logger.Warn("logout failed", slog.Any("error", err))
		}
		if s.redirect != nil {
			s.redirect.SaveCurrentNavigationURL()
		}
		if s.router != nil {
			if err := s.router.Go(s.loginRoute); err != nil {
				s.logger.Error("navigate to login", slog.Any("error", err))
			}
		}
		if s.notifier != nil {
			s.notifier.Add(globalmsg.KeySessionExpired, globalmsg.TypeError)
		}
		return nil, nil
	})
}
