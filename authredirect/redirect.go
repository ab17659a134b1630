// Package authredirect remembers where the user was when authentication was
// required, so the session can resume there after login.
package authredirect

import (
	"strings"
	"sync"
)

// Navigator exposes the current location.
type Navigator interface {
	CurrentURL() string
}

// Router navigates to routes or URLs.
type Router interface {
	Go(route string) error
	GoURL(url string)
}

// Service keeps the redirect URL.
type Service struct {
	nav     Navigator
	ignored []string
	home    string

	mu  sync.Mutex
	url string
}

// Option configures a Service.
type Option func(*Service)

// WithIgnoredURLs replaces the URLs that are never recorded.
func WithIgnoredURLs(urls ...string) Option {
	return func(s *Service) { s.ignored = urls }
}

// WithHomeRoute sets the route used when nothing was recorded.
func WithHomeRoute(route string) Option {
	return func(s *Service) { s.home = route }
}

// New creates a Service reading locations from nav.
func New(nav Navigator, opts ...Option) *Service {
	s := &Service{
		nav:     nav,
		ignored: []string{"/login", "/logout"},
		home:    "home",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveCurrentNavigationURL records the navigator's current URL. Auth pages
// are skipped so login never redirects back to itself.
func (s *Service) SaveCurrentNavigationURL() {
	current := s.nav.CurrentURL()
	if current == "" || s.isIgnored(current) {
		return
	}
	s.SetRedirectURL(current)
}

func (s *Service) isIgnored(u string) bool {
	path := u
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, ign := range s.ignored {
		if path == ign || strings.HasPrefix(path, ign+"/") {
			return true
		}
	}
	return false
}

// SetRedirectURL records u.
func (s *Service) SetRedirectURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
}

// RedirectURL returns the recorded URL, or "" when none.
func (s *Service) RedirectURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Clear forgets the recorded URL.
func (s *Service) Clear() {
	s.SetRedirectURL("")
}

// Redirect navigates to the recorded URL, or the home route when none, and
// clears it.
func (s *Service) Redirect(r Router) error {
	s.mu.Lock()
	u := s.url
	s.url = ""
	s.mu.Unlock()

	if u == "" {
		return r.Go(s.home)
	}
	r.GoURL(u)
	return nil
}
