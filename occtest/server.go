// Package occtest runs a fake storefront backend for tests: an OAuth
// authorization server plus a few commerce API endpoints guarded by bearer
// tokens.
package occtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Paths served by Server.
const (
	TokenPath  = "/authorizationserver/oauth/token"
	RevokePath = "/authorizationserver/oauth/revoke"
	APIPrefix  = "/occ/v2"
	Site       = "electronics"
)

// Default credentials accepted by Server.
const (
	ClientID     = "mobile_android"
	ClientSecret = "secret"
	Username     = "customer@example.com"
	Password     = "Password123."
)

// Server is a fake authorization + commerce server.
type Server struct {
	*httptest.Server

	rotate    bool
	expiresIn int

	mu          sync.Mutex
	users       map[string]string
	userAccess  map[string]string // access token -> username
	clientToken map[string]bool
	refresh     map[string]string // refresh token -> username

	seq           atomic.Int64
	grants        sync.Map // grant type -> *atomic.Int32
	revocations   atomic.Int32
	apiCalls      atomic.Int32
	refreshBefore func()
}

// Option configures a Server.
type Option func(*Server)

// WithFixedRefreshTokens makes refresh answers omit refresh_token, keeping
// the original one valid.
func WithFixedRefreshTokens() Option {
	return func(s *Server) { s.rotate = false }
}

// WithExpiresIn sets the expires_in value of issued tokens.
func WithExpiresIn(seconds int) Option {
	return func(s *Server) { s.expiresIn = seconds }
}

// WithRefreshHook runs fn before every refresh_token grant is answered.
func WithRefreshHook(fn func()) Option {
	return func(s *Server) { s.refreshBefore = fn }
}

// New starts a Server; it is closed with t's cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		rotate:      true,
		expiresIn:   3600,
		users:       map[string]string{Username: Password},
		userAccess:  make(map[string]string),
		clientToken: make(map[string]bool),
		refresh:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Post(TokenPath, s.handleToken)
	r.Post(RevokePath, s.handleRevoke)

	r.Route(APIPrefix+"/{site}", func(r chi.Router) {
		r.With(s.requireUser).Get("/users/current/carts", s.handleCarts)
		r.With(s.requireUser).Get("/users/current/orders", s.handleOrders)
		r.With(s.requireUser).Post("/users/current/carts/{cartID}/entries", s.handleAddEntry)
		r.With(s.requireClient).Post("/users", s.handleRegister)
		r.Get("/products/{code}", s.handleProduct)
	})
	return r
}

// TokenURL returns the token endpoint URL.
func (s *Server) TokenURL() string { return s.URL + TokenPath }

// RevokeURL returns the revocation endpoint URL.
func (s *Server) RevokeURL() string { return s.URL + RevokePath }

// APIBaseURL returns the commerce API base URL.
func (s *Server) APIBaseURL() string { return s.URL + APIPrefix }

// SiteURL returns the URL of path under the default site.
func (s *Server) SiteURL(path string) string {
	return s.APIBaseURL() + "/" + Site + path
}

// IssueUserToken mints a valid user token pair without a network call.
func (s *Server) IssueUserToken(username string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	access, refresh = s.mintLocked(username)
	return access, refresh
}

// ExpireAccessToken makes the API reject access from now on.
func (s *Server) ExpireAccessToken(access string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userAccess, access)
}

// RevokeRefreshToken makes refresh grants with refresh fail from now on.
func (s *Server) RevokeRefreshToken(refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, refresh)
}

// GrantCount returns how many token requests used grant type g.
func (s *Server) GrantCount(g string) int {
	v, ok := s.grants.Load(g)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

// Revocations returns the number of revocation requests.
func (s *Server) Revocations() int { return int(s.revocations.Load()) }

// APICalls returns the number of commerce API requests received.
func (s *Server) APICalls() int { return int(s.apiCalls.Load()) }

func (s *Server) countGrant(g string) {
	v, _ := s.grants.LoadOrStore(g, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (s *Server) mintLocked(username string) (access, refresh string) {
	n := s.seq.Add(1)
	access = fmt.Sprintf("at-%d", n)
	refresh = fmt.Sprintf("rt-%d", n)
	s.userAccess[access] = username
	s.refresh[refresh] = username
	return access, refresh
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	grant := r.PostForm.Get("grant_type")
	s.countGrant(grant)

	if r.PostForm.Get("client_id") != ClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch grant {
	case "password":
		s.passwordGrant(w, r)
	case "refresh_token":
		s.refreshGrant(w, r)
	case "client_credentials":
		s.clientCredentialsGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", grant)
	}
}

func (s *Server) passwordGrant(w http.ResponseWriter, r *http.Request) {
	username := r.PostForm.Get("username")

	s.mu.Lock()
	want, ok := s.users[username]
	if !ok || want != r.PostForm.Get("password") {
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Bad credentials")
		return
	}
	access, refresh := s.mintLocked(username)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    s.expiresIn,
		"scope":         "basic openid",
	})
}

func (s *Server) refreshGrant(w http.ResponseWriter, r *http.Request) {
	if s.refreshBefore != nil {
		s.refreshBefore()
	}

	old := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	username, ok := s.refresh[old]
	if !ok {
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid refresh token: "+old)
		return
	}
	access, refresh := s.mintLocked(username)
	if s.rotate {
		delete(s.refresh, old)
	} else {
		delete(s.refresh, refresh)
	}
	s.mu.Unlock()

	resp := map[string]any{
		"access_token": access,
		"token_type":   "bearer",
		"expires_in":   s.expiresIn,
		"scope":        "basic openid",
	}
	if s.rotate {
		resp["refresh_token"] = refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) clientCredentialsGrant(w http.ResponseWriter, r *http.Request) {
	if r.PostForm.Get("client_secret") != ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "Bad client credentials")
		return
	}

	s.mu.Lock()
	access := fmt.Sprintf("ct-%d", s.seq.Add(1))
	s.clientToken[access] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "bearer",
		"expires_in":   s.expiresIn,
		"scope":        "extended",
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.revocations.Add(1)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	tok := r.PostForm.Get("token")
	s.mu.Lock()
	delete(s.refresh, tok)
	delete(s.userAccess, tok)
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.apiCalls.Add(1)

		s.mu.Lock()
		username, ok := s.userAccess[bearer(r)]
		s.mu.Unlock()
		if !ok {
			writeInvalidToken(w, bearer(r))
			return
		}
		w.Header().Set("X-Customer", username)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.apiCalls.Add(1)

		s.mu.Lock()
		ok := s.clientToken[bearer(r)]
		s.mu.Unlock()
		if !ok {
			writeInvalidToken(w, bearer(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCarts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"carts": []map[string]any{{"code": "00001000", "totalItems": 2}},
		"site":  chi.URLParam(r, "site"),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": []map[string]any{{"code": "00002000", "status": "COMPLETED"}},
		"site":   chi.URLParam(r, "site"),
	})
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var entry struct {
		Product struct {
			Code string `json:"code"`
		} `json:"product"`
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "bad entry", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cart":        chi.URLParam(r, "cartID"),
		"productCode": entry.Product.Code,
		"quantity":    entry.Quantity,
		"statusCode":  "success",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UID      string `json:"uid"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UID == "" {
		http.Error(w, "bad registration", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.users[body.UID] = body.Password
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"uid": body.UID})
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	s.apiCalls.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{
		"code": chi.URLParam(r, "code"),
		"name": "Camera",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

func writeInvalidToken(w http.ResponseWriter, token string) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"errors": []map[string]string{{
			"type":    "InvalidTokenError",
			"message": "Invalid access token: " + token,
		}},
	})
}
