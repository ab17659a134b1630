package authtoken

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu      sync.Mutex
	saved   []*AuthToken
	cleared int
	err     error
}

func (p *recordingPersister) Save(token *AuthToken) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, token)
	return p.err
}

func (p *recordingPersister) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared++
	return p.err
}

func receive(t *testing.T, ch <-chan *AuthToken) *AuthToken {
	t.Helper()
	select {
	case tok := <-ch:
		return tok
	case <-time.After(time.Second):
		t.Fatal("no token delivered")
		return nil
	}
}

func TestStorage_SubscribeReplaysCurrent(t *testing.T) {
	s := NewStorage()
	s.SetToken(&AuthToken{AccessToken: "acc_token", AccessTokenStoredAt: "123"})

	ch, stop := s.Subscribe()
	defer stop()

	tok := receive(t, ch)
	require.NotNil(t, tok)
	assert.Equal(t, "acc_token", tok.AccessToken)
}

func TestStorage_SubscribeBeforeAnyToken(t *testing.T) {
	s := NewStorage()

	ch, stop := s.Subscribe()
	defer stop()

	assert.Nil(t, receive(t, ch))

	s.SetToken(&AuthToken{AccessToken: "first"})
	tok := receive(t, ch)
	require.NotNil(t, tok)
	assert.Equal(t, "first", tok.AccessToken)
}

func TestStorage_SlowSubscriberGetsLatest(t *testing.T) {
	s := NewStorage()
	ch, stop := s.Subscribe()
	defer stop()

	s.SetToken(&AuthToken{AccessToken: "one"})
	s.SetToken(&AuthToken{AccessToken: "two"})
	s.SetToken(&AuthToken{AccessToken: "three"})

	tok := receive(t, ch)
	require.NotNil(t, tok)
	assert.Equal(t, "three", tok.AccessToken)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra value %+v", extra)
	default:
	}
}

func TestStorage_ClearNotifies(t *testing.T) {
	s := NewStorage()
	s.SetToken(&AuthToken{AccessToken: "acc"})

	ch, stop := s.Subscribe()
	defer stop()
	receive(t, ch)

	s.ClearToken()
	assert.Nil(t, receive(t, ch))
	assert.Nil(t, s.Token())
}

func TestStorage_UnsubscribeStopsDelivery(t *testing.T) {
	s := NewStorage()
	ch, stop := s.Subscribe()
	receive(t, ch)

	stop()
	stop() // idempotent

	s.SetToken(&AuthToken{AccessToken: "after"})
	select {
	case tok := <-ch:
		t.Fatalf("unsubscribed channel received %+v", tok)
	default:
	}
}

func TestStorage_TokenReturnsCopy(t *testing.T) {
	s := NewStorage()
	s.SetToken(&AuthToken{AccessToken: "acc"})

	tok := s.Token()
	tok.AccessToken = "mutated"

	assert.Equal(t, "acc", s.Token().AccessToken)
}

func TestStorage_StampsStoredAt(t *testing.T) {
	clock := time.UnixMilli(1_000)
	s := NewStorage(WithClock(func() time.Time { return clock }))

	s.SetToken(&AuthToken{AccessToken: "a"})
	assert.Equal(t, "1000", s.Token().AccessTokenStoredAt)

	// A caller copying the old token and swapping the access token keeps the
	// stale stamp; storage must replace it.
	clock = time.UnixMilli(2_000)
	next := s.Token()
	next.AccessToken = "b"
	s.SetToken(next)
	assert.Equal(t, "2000", s.Token().AccessTokenStoredAt)

	// An explicit stamp is kept.
	s.SetToken(&AuthToken{AccessToken: "c", AccessTokenStoredAt: "456"})
	assert.Equal(t, "456", s.Token().AccessTokenStoredAt)
}

func TestStorage_Persists(t *testing.T) {
	p := &recordingPersister{}
	s := NewStorage(WithPersister(p))

	s.SetToken(&AuthToken{AccessToken: "acc"})
	s.ClearToken()

	require.Len(t, p.saved, 1)
	assert.Equal(t, "acc", p.saved[0].AccessToken)
	assert.Equal(t, 1, p.cleared)
}

func TestStorage_PersistFailureKeepsMemoryState(t *testing.T) {
	p := &recordingPersister{err: errors.New("disk full")}
	s := NewStorage(WithPersister(p))

	s.SetToken(&AuthToken{AccessToken: "acc"})

	require.NotNil(t, s.Token())
	assert.Equal(t, "acc", s.Token().AccessToken)
}

func TestStorage_RestoreDoesNotPersist(t *testing.T) {
	p := &recordingPersister{}
	s := NewStorage(WithPersister(p))

	s.Restore(&AuthToken{AccessToken: "from-disk"})

	assert.Equal(t, "from-disk", s.Token().AccessToken)
	assert.Empty(t, p.saved)
}

func TestStorage_ConcurrentSubscribers(t *testing.T) {
	s := NewStorage()
	s.SetToken(&AuthToken{AccessToken: "old"})

	const subscribers = 20
	var wg sync.WaitGroup
	ready := make(chan struct{}, subscribers)
	results := make(chan string, subscribers)

	wg.Add(subscribers)
	for range subscribers {
		go func() {
			defer wg.Done()
			ch, stop := s.Subscribe()
			defer stop()
			ready <- struct{}{}
			for tok := range ch {
				if tok != nil && tok.AccessToken == "new" {
					results <- tok.AccessToken
					return
				}
			}
		}()
	}

	for range subscribers {
		<-ready
	}
	s.SetToken(&AuthToken{AccessToken: "new"})
	wg.Wait()
	close(results)

	count := 0
	for got := range results {
		assert.Equal(t, "new", got)
		count++
	}
	assert.Equal(t, subscribers, count)
}

// lastStatePersister keeps the state a file would end up with. Saves of the
// slow token take a while.
type lastStatePersister struct {
	slow string

	mu   sync.Mutex
	last *AuthToken
}

func (p *lastStatePersister) Save(token *AuthToken) error {
	if token.AccessToken == p.slow {
		time.Sleep(50 * time.Millisecond)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = token
	return nil
}

func (p *lastStatePersister) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = nil
	return nil
}

func (p *lastStatePersister) state() *AuthToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func TestStorage_PersistsInWriteOrder(t *testing.T) {
	p := &lastStatePersister{slow: "first"}
	s := NewStorage(WithPersister(p))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SetToken(&AuthToken{AccessToken: "first"})
	}()
	require.Eventually(t, func() bool {
		return s.Token() != nil
	}, time.Second, time.Millisecond)

	s.SetToken(&AuthToken{AccessToken: "second"})
	<-done

	require.NotNil(t, p.state())
	assert.Equal(t, "second", p.state().AccessToken)
	assert.Equal(t, s.Token().AccessToken, p.state().AccessToken)

	go s.SetToken(&AuthToken{AccessToken: "first"})
	require.Eventually(t, func() bool {
		tok := s.Token()
		return tok != nil && tok.AccessToken == "first"
	}, time.Second, time.Millisecond)
	s.ClearToken()

	assert.Nil(t, p.state(), "a clear after a slow save wins")
}
