// Package globalmsg collects user-facing notifications grouped by severity.
package globalmsg

import "sync"

// Type is a message severity.
type Type string

const (
	TypeConfirmation Type = "confirmation"
	TypeError        Type = "error"
	TypeWarning      Type = "warning"
	TypeInfo         Type = "info"
)

// KeySessionExpired is the translation key shown when the session ended
// because the refresh token was rejected.
const KeySessionExpired = "httpHandlers.sessionExpired"

// Message is a single notification. Key is a translation key.
type Message struct {
	Key  string
	Type Type
}

// Service stores messages and fans them out to listeners.
type Service struct {
	mu        sync.Mutex
	messages  map[Type][]string
	listeners []func(Message)
}

// New returns an empty Service.
func New() *Service {
	return &Service{messages: make(map[Type][]string)}
}

// Add appends a message of type typ. Duplicate keys of the same type are
// collapsed.
func (s *Service) Add(key string, typ Type) {
	s.mu.Lock()
	for _, k := range s.messages[typ] {
		if k == key {
			s.mu.Unlock()
			return
		}
	}
	s.messages[typ] = append(s.messages[typ], key)
	listeners := append([]func(Message){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(Message{Key: key, Type: typ})
	}
}

// Messages returns the messages of type typ in insertion order.
func (s *Service) Messages(typ Type) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages[typ]...)
}

// Remove drops the i-th message of type typ, or all of them when i < 0.
func (s *Service) Remove(typ Type, i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[typ]
	switch {
	case i < 0:
		delete(s.messages, typ)
	case i < len(msgs):
		s.messages[typ] = append(msgs[:i:i], msgs[i+1:]...)
	}
}

// OnAdd registers fn to be called for every new message.
func (s *Service) OnAdd(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
