package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/storefront-cli/authheader"
	"github.com/go-authgate/storefront-cli/authtoken"
	"github.com/go-authgate/storefront-cli/globalmsg"
	"github.com/go-authgate/storefront-cli/occtest"
	"github.com/go-authgate/storefront-cli/tui"
)

// recordingDisplayer keeps the events the flow reports.
type recordingDisplayer struct {
	tui.NoopDisplayer

	mu     sync.Mutex
	events []string
}

func (r *recordingDisplayer) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingDisplayer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingDisplayer) TokensFound()                 { r.add("tokens-found") }
func (r *recordingDisplayer) TokenValid()                  { r.add("token-valid") }
func (r *recordingDisplayer) TokenExpired()                { r.add("token-expired") }
func (r *recordingDisplayer) TokensNotFound()              { r.add("tokens-not-found") }
func (r *recordingDisplayer) RefreshFailed(error)          { r.add("refresh-failed") }
func (r *recordingDisplayer) TokenRefreshed()              { r.add("token-refreshed") }
func (r *recordingDisplayer) LoginOK()                     { r.add("login-ok") }
func (r *recordingDisplayer) LoginFailed(error)            { r.add("login-failed") }
func (r *recordingDisplayer) GuestMode()                   { r.add("guest") }
func (r *recordingDisplayer) TokenSaved(string)            { r.add("token-saved") }
func (r *recordingDisplayer) APICallOK(path string, _ int) { r.add("api-ok:%s", path) }
func (r *recordingDisplayer) Navigated(url string)         { r.add("navigate:%s", url) }
func (r *recordingDisplayer) ReAuthRequired()              { r.add("reauth") }
func (r *recordingDisplayer) Done(string, string, time.Duration) {
	r.add("done")
}

func (r *recordingDisplayer) ClientTokenLoaded(tokenType string, _ time.Duration) {
	r.add("client-token:%s", tokenType)
}

func (r *recordingDisplayer) Notification(key, severity string) {
	r.add("message:%s:%s", key, severity)
}

func testConfig(t *testing.T, srv *occtest.Server) *Config {
	t.Helper()
	return &Config{
		ServerURL:      srv.URL,
		APIBasePath:    occtest.APIPrefix,
		BaseSite:       occtest.Site,
		ClientID:       occtest.ClientID,
		ClientSecret:   occtest.ClientSecret,
		Username:       occtest.Username,
		Password:       occtest.Password,
		TokenFile:      filepath.Join(t.TempDir(), "tokens.json"),
		RefreshTimeout: 5 * time.Second,
	}
}

func newTestApp(t *testing.T, srv *occtest.Server, cfg *Config) (*app, *recordingDisplayer) {
	t.Helper()

	retryClient, err := retry.NewBackgroundClient(retry.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	d := &recordingDisplayer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(cfg, d, logger, retryClient, srv.Client().Transport)
	require.NoError(t, err)
	return a, d
}

// seedTokenFile stores a valid-looking user token for the configured client.
func seedTokenFile(t *testing.T, cfg *Config, access, refresh string) {
	t.Helper()
	seedTokenFileExpiring(t, cfg, access, refresh, time.Now().Add(time.Hour))
}

func seedTokenFileExpiring(t *testing.T, cfg *Config, access, refresh string, expiresAt time.Time) {
	t.Helper()
	store := authtoken.NewFileStore(cfg.TokenFile, cfg.ClientID)
	require.NoError(t, store.Save(&authtoken.AuthToken{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
	}))
}

func TestApp_LoginAndCallUserEndpoints(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)
	a, d := newTestApp(t, srv, cfg)

	require.NoError(t, a.run(context.Background()))

	assert.Equal(t, 1, srv.GrantCount("password"))
	assert.Equal(t, 2, srv.APICalls())

	events := d.Events()
	assert.Contains(t, events, "tokens-not-found")
	assert.Contains(t, events, "login-ok")
	assert.Contains(t, events, "token-saved")
	assert.Contains(t, events, "api-ok:/users/current/carts")
	assert.Contains(t, events, "api-ok:/users/current/orders")
	assert.Equal(t, "done", events[len(events)-1])

	stored, err := authtoken.NewFileStore(cfg.TokenFile, cfg.ClientID).Load()
	require.NoError(t, err)
	assert.Equal(t, a.storage.Token().AccessToken, stored.AccessToken)
}

func TestApp_RestoredTokenIsRefreshedOnce(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)
	cfg.Username, cfg.Password = "", ""

	access, refresh := srv.IssueUserToken(occtest.Username)
	srv.ExpireAccessToken(access)
	seedTokenFile(t, cfg, access, refresh)

	a, d := newTestApp(t, srv, cfg)
	require.NoError(t, a.run(context.Background()))

	assert.Equal(t, 1, srv.GrantCount("refresh_token"))
	assert.Equal(t, 0, srv.GrantCount("password"))
	assert.Contains(t, d.Events(), "tokens-found")
	assert.Contains(t, d.Events(), "token-valid")
	assert.NotEqual(t, access, a.storage.Token().AccessToken)

	expected := `
# HELP storefront_auth_token_refreshes_total Refresh exchanges triggered after an expired access token.
# TYPE storefront_auth_token_refreshes_total counter
storefront_auth_token_refreshes_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(
		a.registry, strings.NewReader(expected), "storefront_auth_token_refreshes_total",
	))
}

func TestApp_SessionExpiredLogsInAgain(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)

	access, refresh := srv.IssueUserToken(occtest.Username)
	srv.ExpireAccessToken(access)
	srv.RevokeRefreshToken(refresh)
	seedTokenFile(t, cfg, access, refresh)

	a, d := newTestApp(t, srv, cfg)
	require.NoError(t, a.run(context.Background()))

	assert.Equal(t, 1, srv.GrantCount("refresh_token"))
	assert.Equal(t, 1, srv.GrantCount("password"))

	events := d.Events()
	assert.Contains(t, events, "navigate:/login")
	assert.Contains(t, events, "message:"+globalmsg.KeySessionExpired+":error")
	assert.Contains(t, events, "reauth")
	assert.Contains(t, events, "api-ok:/users/current/orders")

	assert.Equal(t, "/my-account/orders", a.router.CurrentURL())
	assert.Empty(t, a.redirect.RedirectURL(), "redirect URL is consumed")
	assert.Equal(t, []string{globalmsg.KeySessionExpired}, a.messages.Messages(globalmsg.TypeError))
}

func TestApp_SessionExpiredWithoutCredentials(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)
	cfg.Username, cfg.Password = "", ""

	access, refresh := srv.IssueUserToken(occtest.Username)
	srv.ExpireAccessToken(access)
	srv.RevokeRefreshToken(refresh)
	seedTokenFile(t, cfg, access, refresh)

	a, d := newTestApp(t, srv, cfg)
	err := a.run(context.Background())

	require.ErrorIs(t, err, authheader.ErrSessionExpired)
	assert.Equal(t, 0, srv.GrantCount("password"))
	assert.NotContains(t, d.Events(), "reauth")
	assert.Nil(t, a.storage.Token())
	assert.Equal(t, "/login", a.router.CurrentURL())
}

func TestApp_GuestMode(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)
	cfg.Username, cfg.Password = "", ""

	a, d := newTestApp(t, srv, cfg)
	require.NoError(t, a.run(context.Background()))

	// The interceptor's exchange is the only one.
	assert.Equal(t, 1, srv.GrantCount("client_credentials"))
	assert.Equal(t, 0, srv.GrantCount("password"))

	events := d.Events()
	assert.Contains(t, events, "guest")
	assert.Contains(t, events, "client-token:bearer")
	assert.Contains(t, events, "api-ok:"+guestProductPath)
	assert.Nil(t, a.storage.Token(), "client tokens are never stored")
}

func TestApp_RefreshTimeoutBoundsTheExchange(t *testing.T) {
	release := make(chan struct{})
	srv := occtest.New(t, occtest.WithRefreshHook(func() { <-release }))
	t.Cleanup(func() { close(release) })

	cfg := testConfig(t, srv)
	cfg.Username, cfg.Password = "", ""
	cfg.RefreshTimeout = 100 * time.Millisecond

	access, refresh := srv.IssueUserToken(occtest.Username)
	srv.ExpireAccessToken(access)
	seedTokenFile(t, cfg, access, refresh)

	a, _ := newTestApp(t, srv, cfg)
	errs, unsubscribe := a.oauth.RefreshErrors()
	defer unsubscribe()

	require.Error(t, a.run(context.Background()))

	// The exchange itself gives up after the configured timeout instead of
	// the wrapper's default.
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh exchange was not bounded by the configured timeout")
	}
	assert.Eventually(t, func() bool { return !a.session.RefreshInProgress() },
		time.Second, 10*time.Millisecond)
}

func TestApp_ExpiredStoredTokenIsRefreshedUpFront(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)
	cfg.Username, cfg.Password = "", ""

	access, refresh := srv.IssueUserToken(occtest.Username)
	seedTokenFileExpiring(t, cfg, access, refresh, time.Now().Add(-time.Minute))

	a, d := newTestApp(t, srv, cfg)
	require.NoError(t, a.run(context.Background()))

	assert.Equal(t, 1, srv.GrantCount("refresh_token"))
	assert.Equal(t, 2, srv.APICalls(), "no request goes out with the expired token")
	assert.NotEqual(t, access, a.storage.Token().AccessToken)

	events := d.Events()
	assert.Contains(t, events, "token-expired")
	assert.Contains(t, events, "token-refreshed")
	assert.NotContains(t, events, "token-valid")

	// The auth header service never had to recover from a 401.
	expected := `
# HELP storefront_auth_token_refreshes_total Refresh exchanges triggered after an expired access token.
# TYPE storefront_auth_token_refreshes_total counter
storefront_auth_token_refreshes_total 0
`
	assert.NoError(t, testutil.GatherAndCompare(
		a.registry, strings.NewReader(expected), "storefront_auth_token_refreshes_total",
	))
}

func TestApp_ExpiredJWTIsRefreshedUpFront(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)
	cfg.Username, cfg.Password = "", ""

	_, refresh := srv.IssueUserToken(occtest.Username)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   occtest.Username,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	// No expires_at on file: expiry comes from the JWT exp claim.
	seedTokenFileExpiring(t, cfg, access, refresh, time.Time{})

	a, d := newTestApp(t, srv, cfg)
	require.NoError(t, a.run(context.Background()))

	assert.Equal(t, 1, srv.GrantCount("refresh_token"))
	assert.Contains(t, d.Events(), "token-expired")
	assert.NotEqual(t, access, a.storage.Token().AccessToken)
}

func TestApp_ExpiredStoredTokenWithRevokedRefreshLogsIn(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)

	access, refresh := srv.IssueUserToken(occtest.Username)
	srv.RevokeRefreshToken(refresh)
	seedTokenFileExpiring(t, cfg, access, refresh, time.Now().Add(-time.Minute))

	a, d := newTestApp(t, srv, cfg)
	require.NoError(t, a.run(context.Background()))

	assert.Equal(t, 1, srv.GrantCount("refresh_token"))
	assert.Equal(t, 1, srv.GrantCount("password"))

	events := d.Events()
	assert.Contains(t, events, "token-expired")
	assert.Contains(t, events, "refresh-failed")
	assert.Contains(t, events, "login-ok")
	assert.NotContains(t, events, "reauth")
	assert.NotContains(t, events, "navigate:/login")
}

func TestApp_LoginFailure(t *testing.T) {
	srv := occtest.New(t)
	cfg := testConfig(t, srv)
	cfg.Password = "wrong"

	a, d := newTestApp(t, srv, cfg)
	err := a.run(context.Background())

	require.Error(t, err)
	assert.Contains(t, d.Events(), "login-failed")
	assert.Equal(t, 0, srv.APICalls())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_URL", "https://shop.example.com/")
	t.Setenv("CLIENT_ID", "2b8c6b4e-3f7e-4d39-9a71-4c3d1bb8f0aa")
	t.Setenv("STOREFRONT_USER", "")
	t.Setenv("STOREFRONT_PASSWORD", "")

	var stderr bytes.Buffer
	cfg, err := loadConfig([]string{"-base-site", "apparel", "-refresh-timeout", "5s"}, &stderr)
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example.com", cfg.ServerURL)
	assert.Equal(t, "apparel", cfg.BaseSite)
	assert.Equal(t, 5*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, "https://shop.example.com/occ/v2/apparel/users/current/carts",
		cfg.SiteURL("/users/current/carts"))
	assert.Equal(t, "https://shop.example.com/authorizationserver/oauth/token", cfg.TokenURL())
	assert.False(t, cfg.HasCredentials())
	assert.Empty(t, stderr.String())
}

func TestLoadConfig_Warnings(t *testing.T) {
	t.Setenv("SERVER_URL", "http://localhost:9002")
	t.Setenv("CLIENT_ID", "mobile_android")
	t.Setenv("STOREFRONT_USER", "")
	t.Setenv("STOREFRONT_PASSWORD", "")

	var stderr bytes.Buffer
	_, err := loadConfig(nil, &stderr)
	require.NoError(t, err)

	assert.Contains(t, stderr.String(), "Using HTTP instead of HTTPS")
	assert.Contains(t, stderr.String(), "doesn't appear to be a valid UUID")
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantErr string
	}{
		{
			name:    "missing client id",
			env:     map[string]string{"CLIENT_ID": ""},
			wantErr: "CLIENT_ID not set",
		},
		{
			name:    "bad server url",
			env:     map[string]string{"CLIENT_ID": "mobile_android"},
			args:    []string{"-server-url", "ftp://shop.example.com"},
			wantErr: "invalid SERVER_URL",
		},
		{
			name:    "user without password",
			env:     map[string]string{"CLIENT_ID": "mobile_android", "STOREFRONT_USER": "jane"},
			wantErr: "STOREFRONT_PASSWORD is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVER_URL", "https://shop.example.com")
			t.Setenv("STOREFRONT_USER", "")
			t.Setenv("STOREFRONT_PASSWORD", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := loadConfig(tt.args, io.Discard)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://shop.example.com", false},
		{"http://localhost:9002", false},
		{"", true},
		{"ftp://shop.example.com", true},
		{"https://", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	assert.True(t, newLogger("debug", io.Discard).Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn", io.Discard).Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger("bogus", io.Discard).Enabled(ctx, slog.LevelInfo))
	assert.False(t, newLogger("bogus", io.Discard).Enabled(ctx, slog.LevelDebug))
}
