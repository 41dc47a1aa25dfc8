package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/storefront-cli/store"
)

// countingStore wraps a MemoryStore, counting reads and optionally blocking
// them or failing writes.
type countingStore struct {
	*store.MemoryStore

	gets     sync.Map // key -> *atomic.Int32
	gate     chan struct{}
	getErr   error
	writeErr error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *countingStore) Get(ctx context.Context, key string) (string, error) {
	n, _ := s.gets.LoadOrStore(key, &atomic.Int32{})
	n.(*atomic.Int32).Add(1)

	if s.gate != nil {
		<-s.gate
	}
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *countingStore) Remove(ctx context.Context, key string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.MemoryStore.Remove(ctx, key)
}

func (s *countingStore) reads(key string) int32 {
	n, ok := s.gets.Load(key)
	if !ok {
		return 0
	}
	return n.(*atomic.Int32).Load()
}

// fakePublisher records subscribers and lets tests publish events.
type fakePublisher struct {
	mu   sync.Mutex
	subs map[int]func(Invalidation)
	next int
}

func (p *fakePublisher) Subscribe(fn func(Invalidation)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = make(map[int]func(Invalidation))
	}
	id := p.next
	p.next++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *fakePublisher) publish(ev Invalidation) {
	p.mu.Lock()
	subs := make([]func(Invalidation), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func TestManager_Initialize(t *testing.T) {
	t.Run("loads stored pair", func(t *testing.T) {
		s := newCountingStore()
		require.NoError(t, s.MemoryStore.Set(context.Background(), KeyAccessToken, "tok-1"))
		require.NoError(t, s.MemoryStore.Set(context.Background(), KeyRefreshToken, "ref-1"))

		m := NewManager(s)
		require.False(t, m.Ready())
		require.NoError(t, m.Initialize(context.Background()))

		assert.True(t, m.Ready())
		assert.Equal(t, Pair{Access: "tok-1", Refresh: "ref-1"}, m.Pair())
		assert.True(t, m.IsAuthenticated())
	})

	t.Run("empty store", func(t *testing.T) {
		m := NewManager(newCountingStore())
		require.NoError(t, m.Initialize(context.Background()))
		assert.False(t, m.IsAuthenticated())
		assert.Empty(t, m.RefreshToken())
	})

	t.Run("orphan refresh token is ignored", func(t *testing.T) {
		s := newCountingStore()
		require.NoError(t, s.MemoryStore.Set(context.Background(), KeyRefreshToken, "ref-orphan"))

		m := NewManager(s)
		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, Pair{}, m.Pair())
	})

	t.Run("concurrent callers share one load", func(t *testing.T) {
		s := newCountingStore()
		s.gate = make(chan struct{})
		require.NoError(t, s.MemoryStore.Set(context.Background(), KeyAccessToken, "tok-1"))

		m := NewManager(s)

		const callers = 16
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func() {
				defer wg.Done()
				errs <- m.Initialize(context.Background())
			}()
		}

		// Let every caller reach the wait before the load is released.
		time.Sleep(50 * time.Millisecond)
		close(s.gate)
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), s.reads(KeyAccessToken), "store should be read exactly once")
		assert.Equal(t, "tok-1", m.AccessToken())

		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, int32(1), s.reads(KeyAccessToken), "initialized manager must not read again")
	})

	t.Run("failed load can be retried", func(t *testing.T) {
		s := newCountingStore()
		s.getErr = errors.New("keychain locked")

		m := NewManager(s)
		err := m.Initialize(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keychain locked")
		assert.False(t, m.Ready())

		s.getErr = nil
		require.NoError(t, s.MemoryStore.Set(context.Background(), KeyAccessToken, "tok-late"))
		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, "tok-late", m.AccessToken())
	})

	t.Run("caller context cancellation does not abort the load", func(t *testing.T) {
		s := newCountingStore()
		s.gate = make(chan struct{})
		require.NoError(t, s.MemoryStore.Set(context.Background(), KeyAccessToken, "tok-1"))

		m := NewManager(s)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, m.Initialize(ctx), context.Canceled)

		close(s.gate)
		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, "tok-1", m.AccessToken())
	})

	t.Run("tokens set during load win", func(t *testing.T) {
		s := newCountingStore()
		s.gate = make(chan struct{})
		require.NoError(t, s.MemoryStore.Set(context.Background(), KeyAccessToken, "tok-stale"))

		m := NewManager(s)
		done := make(chan error, 1)
		go func() { done <- m.Initialize(context.Background()) }()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, m.SetTokens(context.Background(), "tok-fresh", "ref-fresh"))
		close(s.gate)

		require.NoError(t, <-done)
		assert.Equal(t, Pair{Access: "tok-fresh", Refresh: "ref-fresh"}, m.Pair())
	})
}

func TestManager_SetTokens(t *testing.T) {
	t.Run("mirrors to store", func(t *testing.T) {
		s := newCountingStore()
		m := NewManager(s)

		require.NoError(t, m.SetTokens(context.Background(), "tok-1", "ref-1"))

		v, err := s.MemoryStore.Get(context.Background(), KeyAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "tok-1", v)
		v, err = s.MemoryStore.Get(context.Background(), KeyRefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "ref-1", v)
	})

	t.Run("empty access token is rejected", func(t *testing.T) {
		m := NewManager(newCountingStore())
		require.NoError(t, m.SetTokens(context.Background(), "tok-1", "ref-1"))

		err := m.SetTokens(context.Background(), "", "ref-2")
		require.ErrorIs(t, err, ErrEmptyAccessToken)
		assert.Equal(t, Pair{Access: "tok-1", Refresh: "ref-1"}, m.Pair(), "pair must be unchanged")
	})

	t.Run("missing refresh token drops the previous one", func(t *testing.T) {
		s := newCountingStore()
		m := NewManager(s)
		require.NoError(t, m.SetTokens(context.Background(), "tok-1", "ref-1"))
		require.NoError(t, m.SetTokens(context.Background(), "tok-2", ""))

		assert.Equal(t, Pair{Access: "tok-2"}, m.Pair())
		_, err := s.MemoryStore.Get(context.Background(), KeyRefreshToken)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("store failure keeps memory and is reported", func(t *testing.T) {
		s := newCountingStore()
		s.writeErr = errors.New("disk full")
		m := NewManager(s)

		err := m.SetTokens(context.Background(), "tok-1", "ref-1")
		var persistErr *PersistError
		require.ErrorAs(t, err, &persistErr)
		assert.Equal(t, "set", persistErr.Op)
		assert.Contains(t, err.Error(), "disk full")

		assert.Equal(t, "tok-1", m.AccessToken(), "memory wins for the live process")
		assert.True(t, m.IsAuthenticated())
	})
}

func TestManager_PairAtomicity(t *testing.T) {
	m := NewManager(newCountingStore())

	const writers = 8
	const rounds = 50

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var violations atomic.Int32

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			p := m.Pair()
			if p.Access == "" && p.Refresh != "" {
				violations.Add(1)
			}
			if p.Access != "" && p.Refresh != "" &&
				strings.TrimPrefix(p.Access, "tok-") != strings.TrimPrefix(p.Refresh, "ref-") {
				violations.Add(1)
			}
		}
	}()

	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				id := fmt.Sprintf("%d-%d", w, i)
				if i%5 == 0 {
					_ = m.ClearTokens(context.Background())
					continue
				}
				_ = m.SetTokens(context.Background(), "tok-"+id, "ref-"+id)
			}
		}(w)
	}
	wg.Wait()
	close(stop)

	assert.Zero(t, violations.Load(), "access and refresh must always belong to the same session")
}

func TestManager_ClearTokens(t *testing.T) {
	t.Run("never initialized", func(t *testing.T) {
		m := NewManager(newCountingStore())
		require.NoError(t, m.ClearTokens(context.Background()))
		assert.False(t, m.IsAuthenticated())
	})

	t.Run("twice in a row", func(t *testing.T) {
		s := newCountingStore()
		m := NewManager(s)
		require.NoError(t, m.SetTokens(context.Background(), "tok-1", "ref-1"))

		require.NoError(t, m.ClearTokens(context.Background()))
		require.NoError(t, m.ClearTokens(context.Background()))

		assert.False(t, m.IsAuthenticated())
		assert.Equal(t, Pair{}, m.Pair())
		assert.Empty(t, s.Keys())
	})

	t.Run("store failure still clears memory", func(t *testing.T) {
		s := newCountingStore()
		m := NewManager(s)
		require.NoError(t, m.SetTokens(context.Background(), "tok-1", "ref-1"))

		s.writeErr = errors.New("store offline")
		err := m.ClearTokens(context.Background())

		var persistErr *PersistError
		require.ErrorAs(t, err, &persistErr)
		assert.Equal(t, "remove", persistErr.Op)
		assert.False(t, m.IsAuthenticated())
	})
}

func TestManager_Token(t *testing.T) {
	m := NewManager(newCountingStore())

	_, err := m.Token()
	require.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, m.SetTokens(context.Background(), "tok-1", "ref-1"))
	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, "ref-1", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.Type())
}

func TestManager_Watch(t *testing.T) {
	m := NewManager(newCountingStore())
	pub := &fakePublisher{}
	m.Watch(pub)

	require.NoError(t, m.SetTokens(context.Background(), "tok-1", "ref-1"))
	pub.publish(Invalidation{Status: 401, Method: "GET", Path: "/user/profile"})
	assert.False(t, m.IsAuthenticated(), "invalidation must clear the session")

	require.NoError(t, m.Close())
	require.NoError(t, m.SetTokens(context.Background(), "tok-2", "ref-2"))
	pub.publish(Invalidation{Status: 401})
	assert.True(t, m.IsAuthenticated(), "closed manager must not react to events")
}

func TestInspect(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		Issuer:    "storefront",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte("any-key"))
	require.NoError(t, err)

	m := NewManager(newCountingStore())

	_, err = m.Inspect()
	require.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, m.SetTokens(context.Background(), signed, ""))
	claims, err := m.Inspect()
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "storefront", claims.Issuer)
	assert.True(t, claims.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.False(t, claims.Expired(now))
	assert.True(t, claims.Expired(now.Add(2*time.Hour)))

	_, err = InspectToken("opaque-token")
	require.ErrorIs(t, err, ErrNotJWT)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	assert.Equal(t, "abcdefgh...", Preview("abcdefghijklmnop"))
}
