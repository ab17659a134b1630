package authtoken

import (
	"log/slog"
	"sync"
	"time"
)

// Persister keeps the stored token across process restarts.
type Persister interface {
	Save(token *AuthToken) error
	Clear() error
}

// Storage is the single source of truth for the current user token.
//
// Subscribers receive the current value on subscription and the latest value
// after every change. Each subscriber channel holds at most one pending value;
// a newer value replaces an undelivered older one.
type Storage struct {
	// writeMu orders writers so the persister sees changes in the same
	// order as memory. Readers only take mu.
	writeMu sync.Mutex

	mu     sync.Mutex
	token  *AuthToken
	subs   map[uint64]chan *AuthToken
	nextID uint64

	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// StorageOption configures a Storage.
type StorageOption func(*Storage)

// WithPersister saves every change through p.
func WithPersister(p Persister) StorageOption {
	return func(s *Storage) { s.persister = p }
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(l *slog.Logger) StorageOption {
	return func(s *Storage) { s.logger = l }
}

// WithClock overrides time.Now, used for stored-at stamps.
func WithClock(now func() time.Time) StorageOption {
	return func(s *Storage) { s.now = now }
}

// NewStorage creates an empty Storage.
func NewStorage(opts ...StorageOption) *Storage {
	s := &Storage{
		subs:   make(map[uint64]chan *AuthToken),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore seeds the storage without persisting, used when loading a token
// that was read from the persister itself.
func (s *Storage) Restore(token *AuthToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token.Clone()
	s.publishLocked()
}

// Token returns a copy of the current token, nil when signed out.
func (s *Storage) Token() *AuthToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.Clone()
}

// SetToken replaces the stored token. A nil token clears it.
func (s *Storage) SetToken(token *AuthToken) {
	if token == nil {
		s.ClearToken()
		return
	}

	token = token.Clone()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if needsStamp(s.token, token) {
		token.AccessTokenStoredAt = StoredAt(s.now())
	}
	s.token = token
	s.publishLocked()
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Save(token); err != nil {
			s.logger.Warn("failed to persist token", slog.Any("error", err))
		}
	}
}

// ClearToken removes the stored token.
func (s *Storage) ClearToken() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.token = nil
	s.publishLocked()
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Clear(); err != nil {
			s.logger.Warn("failed to clear persisted token", slog.Any("error", err))
		}
	}
}

// Subscribe returns a channel that immediately holds the current token and
// then every later change, plus a func that stops the subscription.
func (s *Storage) Subscribe() (<-chan *AuthToken, func()) {
	ch := make(chan *AuthToken, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.token.Clone()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// needsStamp reports whether next lacks a stored-at value of its own: either
// none at all, or one copied over from prev while the access token changed.
func needsStamp(prev, next *AuthToken) bool {
	if next.AccessTokenStoredAt == "" {
		return true
	}
	return prev != nil && !prev.SameAccess(next) &&
		prev.AccessTokenStoredAt == next.AccessTokenStoredAt
}

// publishLocked delivers the current token to every subscriber, dropping any
// value the subscriber has not consumed yet. s.mu must be held.
func (s *Storage) publishLocked() {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.token.Clone()
	}
}
