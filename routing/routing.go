// Package routing maps semantic storefront routes to URLs and tracks the
// current location of the session.
package routing

import (
	"fmt"
	"sync"
)

// Semantic route names.
const (
	Home   = "home"
	Login  = "login"
	Logout = "logout"
	Cart   = "cart"
	Orders = "orders"
)

// DefaultRoutes is the storefront route table.
var DefaultRoutes = map[string]string{
	Home:   "/",
	Login:  "/login",
	Logout: "/logout",
	Cart:   "/cart",
	Orders: "/my-account/orders",
}

// Service is an in-memory router.
type Service struct {
	mu      sync.Mutex
	routes  map[string]string
	current string
	history []string
	hooks   []func(url string)
}

// New creates a router positioned at the home URL. A nil table selects
// DefaultRoutes.
func New(routes map[string]string) *Service {
	if routes == nil {
		routes = DefaultRoutes
	}
	table := make(map[string]string, len(routes))
	for k, v := range routes {
		table[k] = v
	}
	return &Service{routes: table, current: table[Home]}
}

// URL returns the path of a semantic route.
func (s *Service) URL(route string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.routes[route]
	return u, ok
}

// Go navigates to a semantic route.
func (s *Service) Go(route string) error {
	u, ok := s.URL(route)
	if !ok {
		return fmt.Errorf("unknown route %q", route)
	}
	s.GoURL(u)
	return nil
}

// GoURL navigates to a URL.
func (s *Service) GoURL(url string) {
	s.mu.Lock()
	s.current = url
	s.history = append(s.history, url)
	hooks := append([]func(string){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(url)
	}
}

// CurrentURL returns the current location.
func (s *Service) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns every URL navigated to, oldest first.
func (s *Service) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// OnNavigate registers fn to run after every navigation.
func (s *Service) OnNavigate(fn func(url string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}
