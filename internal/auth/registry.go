package auth

import (
	"fmt"
	"log/slog"
	"sync"
)

// RegistryConfig selects and configures the enabled providers.
type RegistryConfig struct {
	// Enabled is the runtime-enabled subset of SupportedProviders.
	Enabled []ProviderType

	Password PasswordConfig
	OAuth    OAuthConfig
}

// Registry lazily instantiates and caches providers by type.
// Construction has no side effects beyond allocation; no network calls
// happen here.
type Registry struct {
	log *slog.Logger
	cfg RegistryConfig

	launcher FlowLauncher

	mu    sync.Mutex
	cache map[ProviderType]Provider
}

// NewRegistry constructs a Registry. launcher is only used by redirect-based
// providers and may be nil when none are enabled.
func NewRegistry(log *slog.Logger, cfg RegistryConfig, launcher FlowLauncher) *Registry {
	return &Registry{
		log:      log,
		cfg:      cfg,
		launcher: launcher,
		cache:    make(map[ProviderType]Provider),
	}
}

// Provider returns a cached instance or constructs one from configuration.
//
// Unknown types fail with ErrUnsupportedProvider; known but
// runtime-disabled types fail with ErrProviderDisabled.
func (r *Registry) Provider(t ProviderType) (Provider, error) {
	if !supported(t) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, t)
	}
	if !r.enabled(t) {
		return nil, fmt.Errorf("%w: %q", ErrProviderDisabled, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[t]; ok {
		return p, nil
	}

	var p Provider
	switch t {
	case ProviderPassword:
		p = NewPasswordProvider(r.log, r.cfg.Password)
	case ProviderOAuth:
		p = NewOAuthProvider(r.log, r.cfg.OAuth, r.launcher)
	default:
		// Unreachable: supported() gates the switch.
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, t)
	}

	r.cache[t] = p
	return p, nil
}

// AvailableProviders returns the statically configured, currently-enabled
// provider set.
func (r *Registry) AvailableProviders() []ProviderType {
	out := make([]ProviderType, 0, len(r.cfg.Enabled))
	for _, t := range r.cfg.Enabled {
		if supported(t) {
			out = append(out, t)
		}
	}
	return out
}

// ClearCache drops all cached instances (configuration hot-reload).
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[ProviderType]Provider)
}

func (r *Registry) enabled(t ProviderType) bool {
	for _, e := range r.cfg.Enabled {
		if e == t {
			return true
		}
	}
	return false
}

func supported(t ProviderType) bool {
	for _, s := range SupportedProviders {
		if s == t {
			return true
		}
	}
	return false
}
