package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Kind says what a provider's round-trip is for.
type Kind int

const (
	// KindAuth providers sign users in.
	KindAuth Kind = iota
	// KindConnector providers are linked to an already signed-in user.
	KindConnector
)

func (k Kind) String() string {
	if k == KindConnector {
		return "connector"
	}
	return "auth"
}

// discoveryTimeout bounds lazy OIDC discovery, which runs detached from the
// cancellation of the request that triggered it.
const discoveryTimeout = 10 * time.Second

// ErrUnknownProvider is returned by Registry.Get for unregistered ids.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider represents a configured OAuth/OIDC provider.
type Provider struct {
	id           string
	kind         Kind
	config       *oauth2.Config
	oidcProvider *oidc.Provider        // Optional: nil if not OIDC
	verifier     *oidc.IDTokenVerifier // Optional: nil if not OIDC
}

// NewProvider creates a new Provider instance.
// For OIDC providers, pass a non-nil oidcProvider and verifier.
func NewProvider(id string, kind Kind, config *oauth2.Config, oidcProvider *oidc.Provider, verifier *oidc.IDTokenVerifier) *Provider {
	return &Provider{
		id:           id,
		kind:         kind,
		config:       config,
		oidcProvider: oidcProvider,
		verifier:     verifier,
	}
}

// ID returns the provider identifier.
func (p *Provider) ID() string {
	return p.id
}

// Kind returns what the provider is used for.
func (p *Provider) Kind() Kind {
	return p.kind
}

// Config returns the oauth2.Config for the provider.
func (p *Provider) Config() *oauth2.Config {
	return p.config
}

// Verifier returns the OIDC IDTokenVerifier, if available.
func (p *Provider) Verifier() *oidc.IDTokenVerifier {
	return p.verifier
}

// IsOIDC reports whether ID tokens are verified for this provider.
func (p *Provider) IsOIDC() bool {
	return p.verifier != nil
}

// configFor returns a copy of the config with the given redirect URL.
func (p *Provider) configFor(redirectURL string) *oauth2.Config {
	conf := *p.config
	conf.RedirectURL = redirectURL
	return &conf
}

// OIDCProviderOption configures the token verifier for an OIDC provider.
type OIDCProviderOption func(*oidc.Config)

// WithSkipIssuerCheck disables issuer validation in the token verifier.
// Use this for providers that issue tokens with a per-tenant issuer (e.g.,
// Microsoft via the /common endpoint), and perform your own issuer validation
// in the session issuer.
func WithSkipIssuerCheck() OIDCProviderOption {
	return func(c *oidc.Config) {
		c.SkipIssuerCheck = true
	}
}

// OIDCConfig describes an OIDC provider to be discovered.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Kind         Kind
	Options      []OIDCProviderOption
}

// Registry manages the set of registered providers. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	lazy      map[string]OIDCConfig
	discovery singleflight.Group
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		lazy:      make(map[string]OIDCConfig),
	}
}

// Register adds a provider to the registry, replacing any with the same id.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	delete(r.lazy, p.ID())
}

// Get retrieves a provider by id, running OIDC discovery first for providers
// registered with RegisterLazyOIDCProvider. Concurrent first requests share
// one discovery; a failed discovery is retried on the next Get.
func (r *Registry) Get(ctx context.Context, id string) (*Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	cfg, lazy := r.lazy[id]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if !lazy {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, id)
	}

	v, err, _ := r.discovery.Do(id, func() (any, error) {
		// A flight that finished after the lookup above may have registered it.
		r.mu.RLock()
		p, ok := r.providers[id]
		r.mu.RUnlock()
		if ok {
			return p, nil
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discoveryTimeout)
		defer cancel()
		p, err := discoverOIDC(ctx, id, cfg)
		if err != nil {
			return nil, err
		}
		r.Register(p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Provider), nil
}

// IDs returns the sorted ids of registered providers of the given kind,
// including lazily registered ones.
func (r *Registry) IDs(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, p := range r.providers {
		if p.kind == kind {
			ids = append(ids, id)
		}
	}
	for id, cfg := range r.lazy {
		if cfg.Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RegisterOIDCProvider performs discovery for cfg.Issuer and registers the
// provider.
func (r *Registry) RegisterOIDCProvider(ctx context.Context, id string, cfg OIDCConfig) error {
	p, err := discoverOIDC(ctx, id, cfg)
	if err != nil {
		return err
	}
	r.Register(p)
	return nil
}

// RegisterLazyOIDCProvider registers an OIDC provider whose discovery runs on
// first use, so that an unreachable issuer does not block startup.
func (r *Registry) RegisterLazyOIDCProvider(id string, cfg OIDCConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
	r.lazy[id] = cfg
}

// RegisterOAuth2Provider registers a standard OAuth2 provider (without OIDC discovery).
// This is the usual registration for connectors, where only an access token is needed.
func (r *Registry) RegisterOAuth2Provider(id string, kind Kind, config *oauth2.Config) {
	r.Register(NewProvider(id, kind, config, nil, nil))
}

func discoverOIDC(ctx context.Context, id string, cfg OIDCConfig) (*Provider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider %q: %w", cfg.Issuer, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	verifierConfig := &oidc.Config{ClientID: cfg.ClientID}
	for _, opt := range cfg.Options {
		opt(verifierConfig)
	}
	return NewProvider(id, cfg.Kind, conf, provider, provider.Verifier(verifierConfig)), nil
}
