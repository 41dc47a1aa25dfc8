// Package session owns the shopper's credential pair: the in-memory copy every
// request reads, and its durable mirror in a credential store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/go-authgate/storefront-cli/store"
)

// Keys under which the pair is mirrored in the credential store.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

var (
	// ErrNoToken is returned by Token when no access token is held.
	ErrNoToken = errors.New("no access token")

	// ErrEmptyAccessToken is returned by SetTokens for an empty access token.
	ErrEmptyAccessToken = errors.New("access token cannot be empty")
)

// Pair is the access/refresh credential pair. An empty string means absent.
type Pair struct {
	Access  string
	Refresh string
}

// PersistError reports that memory was updated but the durable mirror was not.
type PersistError struct {
	Op  string // "set" or "remove"
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to %s stored credentials: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Invalidation is published when the server rejects the current session.
type Invalidation struct {
	Status  int
	Method  string
	Path    string
	Message string
	At      time.Time
}

// Publisher emits session invalidation events.
type Publisher interface {
	Subscribe(fn func(Invalidation)) (unsubscribe func())
}

// Manager holds the live credential pair. Reads never touch the store.
type Manager struct {
	store store.Store
	log   *logrus.Entry

	mu      sync.RWMutex
	pair    Pair
	version uint64 // bumped by every Set/Clear; a stale load is discarded
	ready   bool

	// writeMu serializes mirroring so the store never holds a mixed pair.
	writeMu sync.Mutex

	initMu  sync.Mutex
	loading *initCall

	subsMu sync.Mutex
	unsubs []func()
}

type initCall struct {
	done chan struct{}
	err  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger entry used by the manager.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager creates a manager mirroring into s. Call Initialize once at
// startup to load any previously stored pair.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{store: s}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		m.log = logrus.NewEntry(l)
	}
	return m
}

// Initialize loads the stored pair. Concurrent callers share a single load;
// once it has succeeded further calls return immediately. A failed load can be
// retried by calling Initialize again.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.Ready() {
		return nil
	}

	m.initMu.Lock()
	if m.Ready() {
		m.initMu.Unlock()
		return nil
	}
	call := m.loading
	if call == nil {
		call = &initCall{done: make(chan struct{})}
		m.loading = call
		go m.load(context.WithoutCancel(ctx), call)
	}
	m.initMu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) load(ctx context.Context, call *initCall) {
	m.mu.RLock()
	startVersion := m.version
	m.mu.RUnlock()

	pair, err := m.readStored(ctx)

	m.mu.Lock()
	if err == nil {
		if m.version == startVersion {
			m.pair = pair
		} else {
			m.log.Debug("Credentials changed during load, keeping in-memory pair")
		}
		m.ready = true
	}
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).Warn("Failed to load stored credentials")
	} else if pair.Access != "" {
		m.log.WithField("token", Preview(pair.Access)).Debug("Loaded stored credentials")
	}

	m.initMu.Lock()
	m.loading = nil
	m.initMu.Unlock()

	call.err = err
	close(call.done)
}

func (m *Manager) readStored(ctx context.Context) (Pair, error) {
	access, err := m.store.Get(ctx, KeyAccessToken)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Pair{}, fmt.Errorf("failed to load access token: %w", err)
	}
	if access == "" {
		// A refresh token never outlives its access token.
		return Pair{}, nil
	}

	refresh, err := m.store.Get(ctx, KeyRefreshToken)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Pair{}, fmt.Errorf("failed to load refresh token: %w", err)
	}

	return Pair{Access: access, Refresh: refresh}, nil
}

// Ready reports whether Initialize has completed successfully.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// AccessToken returns the in-memory access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.Access
}

// RefreshToken returns the in-memory refresh token, or "".
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.Refresh
}

// Pair returns both tokens as one consistent snapshot.
func (m *Manager) Pair() Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair
}

// IsAuthenticated reports whether an access token is present. It does not
// check expiry; the server answers that with a 401.
func (m *Manager) IsAuthenticated() bool {
	return m.AccessToken() != ""
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	pair := m.Pair()
	if pair.Access == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		TokenType:    "Bearer",
	}, nil
}

// SetTokens replaces the pair in memory and then mirrors it to the store. An
// empty refresh token removes any stored one. If mirroring fails the new pair
// stays live for this process and a *PersistError is returned.
func (m *Manager) SetTokens(ctx context.Context, access, refresh string) error {
	if access == "" {
		return ErrEmptyAccessToken
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.pair = Pair{Access: access, Refresh: refresh}
	m.version++
	m.mu.Unlock()

	var errs []error
	if err := m.store.Set(ctx, KeyAccessToken, access); err != nil {
		errs = append(errs, err)
	}
	if refresh != "" {
		if err := m.store.Set(ctx, KeyRefreshToken, refresh); err != nil {
			errs = append(errs, err)
		}
	} else if err := m.store.Remove(ctx, KeyRefreshToken); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := &PersistError{Op: "set", Err: errors.Join(errs...)}
		m.log.WithError(err).Warn("Credentials kept in memory only")
		return err
	}

	m.log.WithField("token", Preview(access)).Debug("Credentials stored")
	return nil
}

// ClearTokens drops both tokens from memory and from the store. It is safe to
// call before Initialize and safe to call repeatedly.
func (m *Manager) ClearTokens(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.pair = Pair{}
	m.version++
	m.mu.Unlock()

	var errs []error
	for _, key := range []string{KeyAccessToken, KeyRefreshToken} {
		if err := m.store.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return &PersistError{Op: "remove", Err: errors.Join(errs...)}
	}
	return nil
}

// Watch clears the session whenever p publishes an invalidation.
func (m *Manager) Watch(p Publisher) {
	unsub := p.Subscribe(m.handleInvalidation)

	m.subsMu.Lock()
	m.unsubs = append(m.unsubs, unsub)
	m.subsMu.Unlock()
}

func (m *Manager) handleInvalidation(ev Invalidation) {
	m.log.WithFields(logrus.Fields{
		"status": ev.Status,
		"method": ev.Method,
		"path":   ev.Path,
	}).Warn("Session rejected by server, clearing credentials")

	if err := m.ClearTokens(context.Background()); err != nil {
		m.log.WithError(err).Error("Failed to remove stored credentials")
	}
}

// Close detaches the manager from every publisher it watches.
func (m *Manager) Close() error {
	m.subsMu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.subsMu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	return nil
}

// Preview shortens a token for display and logs.
func Preview(token string) string {
	const n = 8
	if len(token) <= n {
		return token
	}
	return token[:n] + "..."
}
