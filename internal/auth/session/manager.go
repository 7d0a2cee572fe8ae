package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benidevo/vega-companion/internal/auth"
	"github.com/benidevo/vega-companion/internal/errclass"
	"github.com/benidevo/vega-companion/internal/kvstore"
)

const (
	// DefaultRefreshBuffer: a token with less remaining lifetime than this
	// is refreshed before being handed out.
	DefaultRefreshBuffer = 5 * time.Minute

	// DefaultInFlightTimeout force-clears the login/refresh guard if an
	// attempt never resolves. Not a true cancellation: a late result is
	// simply ignored or overwritten.
	DefaultInFlightTimeout = 30 * time.Second

	defaultMaxLoginRetries = 3
	defaultRetryBaseDelay  = 500 * time.Millisecond
)

// Config tunes the session manager.
type Config struct {
	// DefaultProvider is used by Login().
	DefaultProvider auth.ProviderType

	RefreshBuffer   time.Duration
	InFlightTimeout time.Duration

	// Retry policy for transient provider failures.
	MaxLoginRetries int
	RetryBaseDelay  time.Duration
}

// DefaultConfig returns the standard session manager tuning.
func DefaultConfig() Config {
	return Config{
		DefaultProvider: auth.ProviderPassword,
		RefreshBuffer:   DefaultRefreshBuffer,
		InFlightTimeout: DefaultInFlightTimeout,
		MaxLoginRetries: defaultMaxLoginRetries,
		RetryBaseDelay:  defaultRetryBaseDelay,
	}
}

// ProviderSource resolves provider instances by type. *auth.Registry
// implements it.
type ProviderSource interface {
	Provider(t auth.ProviderType) (auth.Provider, error)
	AvailableProviders() []auth.ProviderType
}

// Broadcaster pushes auth-state changes to every connected agent. Send
// failures to individual agents are the broadcaster's problem, not the
// session manager's.
type Broadcaster interface {
	BroadcastAuthState(isAuthenticated bool)
}

// Manager orchestrates login/logout/refresh across providers.
//
// At most one login or refresh is in flight per Manager at any time,
// serialized by a guard with a safety timeout that force-clears it.
type Manager struct {
	log        *slog.Logger
	cfg        Config
	providers  ProviderSource
	store      kvstore.Store
	classifier *errclass.Classifier

	// broadcaster may be nil (e.g. during startup wiring).
	broadcaster Broadcaster

	mu            sync.Mutex
	inFlight      bool
	inFlightGen   int
	inFlightClear *time.Timer

	lmu       sync.Mutex
	nextSubID int
	listeners map[int]func(bool)
}

// NewManager constructs a Manager. broadcaster may be nil.
func NewManager(log *slog.Logger, cfg Config, providers ProviderSource, store kvstore.Store, classifier *errclass.Classifier, broadcaster Broadcaster) *Manager {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = DefaultInFlightTimeout
	}
	if cfg.MaxLoginRetries <= 0 {
		cfg.MaxLoginRetries = defaultMaxLoginRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = auth.ProviderPassword
	}
	return &Manager{
		log:         log,
		cfg:         cfg,
		providers:   providers,
		store:       store,
		classifier:  classifier,
		broadcaster: broadcaster,
		listeners:   make(map[int]func(bool)),
	}
}

// SetBroadcaster attaches the connection fabric after construction. The
// fabric and the manager reference each other, so one side is wired late.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.broadcaster = b
	m.mu.Unlock()
}

// Login authenticates with the default provider.
func (m *Manager) Login(ctx context.Context) error {
	return m.LoginWithProvider(ctx, m.cfg.DefaultProvider, nil)
}

// LoginWithProvider authenticates with an explicit provider.
//
// A second call while one is in flight is a no-op that returns without
// error. Provider failures propagate unchanged after the guard is cleared.
func (m *Manager) LoginWithProvider(ctx context.Context, t auth.ProviderType, creds auth.Credentials) error {
	gen, ok := m.begin()
	if !ok {
		m.log.Info("session.login.already_in_flight", "provider", string(t))
		return nil
	}
	defer m.end(gen)

	provider, err := m.providers.Provider(t)
	if err != nil {
		return err
	}

	var tok auth.Token
	err = m.classifier.RetryOperation(ctx, func(ctx context.Context) error {
		var opErr error
		tok, opErr = provider.Authenticate(ctx, creds)
		return opErr
	}, m.cfg.MaxLoginRetries, m.cfg.RetryBaseDelay)
	if err != nil {
		m.log.Info("session.login.fail", "provider", string(t), "err", err)
		return err
	}

	if err := writeTokenData(ctx, m.store, t, tok); err != nil {
		return err
	}

	m.log.Info("session.login.ok", "provider", string(t))

	// Notify strictly after the bundle is durably written.
	m.notifyAuthStateChange(true)
	return nil
}

// Logout clears all persisted keys and notifies listeners regardless of
// whether a token previously existed.
func (m *Manager) Logout(ctx context.Context) error {
	var errs []error
	for _, key := range []string{KeyTokenData, KeyAccessToken, KeyProvider} {
		if err := m.store.Remove(ctx, key); err != nil {
			m.log.Error("session.logout.remove_fail", "key", key, "err", err)
			errs = append(errs, err)
		}
	}

	m.log.Info("session.logout")
	m.notifyAuthStateChange(false)
	return errors.Join(errs...)
}

// GetAuthToken returns the current access token, refreshing it first when
// its remaining lifetime is below the refresh buffer. An empty string means
// "logged out"; a failed refresh reads as logged out rather than handing
// back a stale token.
func (m *Manager) GetAuthToken(ctx context.Context) (string, error) {
	tok, err := readTokenData(ctx, m.store)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", nil
	}

	if !tok.ExpiresWithin(m.cfg.RefreshBuffer, time.Now()) {
		return tok.AccessToken, nil
	}

	if err := m.RefreshAuthToken(ctx); err != nil {
		m.log.Info("session.token.refresh_fail", "err", err)
		return "", nil
	}

	tok, err = readTokenData(ctx, m.store)
	if err != nil || tok == nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// GetTokenData returns the persisted bundle, or nil when absent.
func (m *Manager) GetTokenData(ctx context.Context) (*auth.Token, error) {
	return readTokenData(ctx, m.store)
}

// IsAuthenticated reports whether a usable token exists.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	tok, err := m.GetAuthToken(ctx)
	return err == nil && tok != ""
}

// RefreshAuthToken exchanges the stored refresh token for a new bundle.
//
// It requires both a stored bundle and a stored provider identifier: either
// missing is a real failure mode after partial writes, reported as
// ErrNoRefreshToken. On an expired refresh token it forces Logout before
// returning the error.
func (m *Manager) RefreshAuthToken(ctx context.Context) error {
	gen, ok := m.begin()
	if !ok {
		m.log.Info("session.refresh.already_in_flight")
		return nil
	}
	defer m.end(gen)

	tok, err := readTokenData(ctx, m.store)
	if err != nil {
		return err
	}

	providerRaw, ok, err := m.store.Get(ctx, KeyProvider)
	if err != nil {
		return err
	}

	if tok == nil || tok.RefreshToken == "" || !ok || providerRaw == "" {
		return auth.ErrNoRefreshToken
	}

	provider, err := m.providers.Provider(auth.ProviderType(providerRaw))
	if err != nil {
		return err
	}

	var fresh auth.Token
	err = m.classifier.RetryOperation(ctx, func(ctx context.Context) error {
		var opErr error
		fresh, opErr = provider.RefreshTokens(ctx, tok.RefreshToken)
		return opErr
	}, m.cfg.MaxLoginRetries, m.cfg.RetryBaseDelay)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshTokenExpired) {
			// The session is gone, not merely stale.
			m.log.Info("session.refresh.expired_logout")
			if logoutErr := m.Logout(ctx); logoutErr != nil {
				m.log.Error("session.refresh.logout_fail", "err", logoutErr)
			}
		}
		return err
	}

	if err := writeTokenData(ctx, m.store, auth.ProviderType(providerRaw), fresh); err != nil {
		return err
	}

	m.log.Info("session.refresh.ok")
	return nil
}

// OnAuthStateChange registers an observer and returns its unsubscribe
// handle.
func (m *Manager) OnAuthStateChange(fn func(isAuthenticated bool)) (unsubscribe func()) {
	m.lmu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.listeners[id] = fn
	m.lmu.Unlock()

	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

// notifyAuthStateChange invokes every listener, isolating panics so one
// failing listener cannot starve the rest, then broadcasts to all agents.
func (m *Manager) notifyAuthStateChange(isAuthenticated bool) {
	m.lmu.Lock()
	snapshot := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		snapshot = append(snapshot, fn)
	}
	m.lmu.Unlock()

	for _, fn := range snapshot {
		m.safeNotify(fn, isAuthenticated)
	}

	m.mu.Lock()
	b := m.broadcaster
	m.mu.Unlock()
	if b != nil {
		b.BroadcastAuthState(isAuthenticated)
	}
}

func (m *Manager) safeNotify(fn func(bool), v bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session.listener.panic", "recovered", r)
		}
	}()
	fn(v)
}

// begin acquires the in-flight guard. It arms a safety timer that
// force-clears the guard if the attempt never resolves, and returns the
// guard generation for the matching end call.
func (m *Manager) begin() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight {
		return 0, false
	}
	m.inFlight = true
	m.inFlightGen++
	gen := m.inFlightGen
	m.inFlightClear = time.AfterFunc(m.cfg.InFlightTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.inFlight && m.inFlightGen == gen {
			m.log.Warn("session.guard.force_clear", "timeout", m.cfg.InFlightTimeout)
			m.inFlight = false
			m.inFlightClear = nil
		}
	})
	return gen, true
}

// end releases the guard on the natural resolution path. The generation
// check keeps an attempt that outlived its force-clear from releasing a
// guard a newer attempt now holds, or stopping that attempt's safety timer.
func (m *Manager) end(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlightGen != gen {
		return
	}
	m.inFlight = false
	if m.inFlightClear != nil {
		m.inFlightClear.Stop()
		m.inFlightClear = nil
	}
}
