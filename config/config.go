// Package config loads linkgate server configuration from an optional file,
// a .env file and LINKGATE_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mnehpets/linkgate/auth"
	"github.com/mnehpets/linkgate/logging"
	"github.com/mnehpets/linkgate/ratelimit"
	"github.com/mnehpets/linkgate/state"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LINKGATE_SERVER_ADDR.
const EnvPrefix = "LINKGATE"

// keyInfo separates state keys derived from state.secret from other uses
// of the same secret.
const keyInfo = "linkgate state key v1"

const (
	ResultJSON     = "json"
	ResultRedirect = "redirect"
	ResultPopup    = "popup"

	StoreMemory = "memory"
	StoreRedis  = "redis"

	KindAuth      = "auth"
	KindConnector = "connector"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	State     StateConfig      `mapstructure:"state"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Exchange  ExchangeConfig   `mapstructure:"exchange"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Log       logging.Config   `mapstructure:"log"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicURL is the externally visible origin used to build redirect URIs.
	PublicURL string `mapstructure:"public_url"`
	BasePath  string `mapstructure:"base_path"`
	// TrustedProxies is the number of reverse proxies in front of the
	// server. Zero means X-Forwarded-For is ignored.
	TrustedProxies  int           `mapstructure:"trusted_proxies"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Result selects how callbacks are answered: json, redirect or popup.
	Result      string `mapstructure:"result"`
	PopupOrigin string `mapstructure:"popup_origin"`
	FailureURL  string `mapstructure:"failure_url"`
}

type StateConfig struct {
	// Key is a base64 (standard or URL alphabet) 32-byte key.
	Key string `mapstructure:"key"`
	// FallbackKeys still decrypt states sealed before a key rotation.
	FallbackKeys []string `mapstructure:"fallback_keys"`
	// Secret is used to derive the key when Key is empty.
	Secret string        `mapstructure:"secret"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type PolicyConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type RateLimitConfig struct {
	// Store is memory or redis.
	Store     string       `mapstructure:"store"`
	Authorize PolicyConfig `mapstructure:"authorize"`
	Callback  PolicyConfig `mapstructure:"callback"`
	Redis     RedisConfig  `mapstructure:"redis"`
}

type ExchangeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// ShapeInference classifies envelopes without a flow by the shape of
	// the exchange response.
	ShapeInference bool `mapstructure:"shape_inference"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ProviderConfig describes one OAuth provider. OIDC providers set Issuer;
// plain OAuth2 providers set AuthURL and TokenURL.
type ProviderConfig struct {
	ID           string   `mapstructure:"id"`
	Kind         string   `mapstructure:"kind"`
	Issuer       string   `mapstructure:"issuer"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	// Lazy defers OIDC discovery to first use.
	Lazy            bool `mapstructure:"lazy"`
	SkipIssuerCheck bool `mapstructure:"skip_issuer_check"`
}

// IsOIDC reports whether the provider is discovered from an issuer.
func (p ProviderConfig) IsOIDC() bool {
	return p.Issuer != ""
}

func setDefaults(v *viper.Viper) {
	pol := ratelimit.DefaultPolicies()
	log := logging.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.base_path", "/oauth")
	v.SetDefault("server.trusted_proxies", 0)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.result", ResultJSON)
	v.SetDefault("server.popup_origin", "")
	v.SetDefault("server.failure_url", "/")

	v.SetDefault("state.key", "")
	v.SetDefault("state.fallback_keys", []string{})
	v.SetDefault("state.secret", "")
	v.SetDefault("state.max_age", state.DefaultMaxAge)

	v.SetDefault("ratelimit.store", StoreMemory)
	v.SetDefault("ratelimit.authorize.limit", pol[ratelimit.CategoryAuthorize].Limit)
	v.SetDefault("ratelimit.authorize.window", pol[ratelimit.CategoryAuthorize].Window)
	v.SetDefault("ratelimit.callback.limit", pol[ratelimit.CategoryCallback].Limit)
	v.SetDefault("ratelimit.callback.window", pol[ratelimit.CategoryCallback].Window)
	v.SetDefault("ratelimit.redis.addr", "")
	v.SetDefault("ratelimit.redis.password", "")
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("ratelimit.redis.prefix", "")

	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.shape_inference", false)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.secret", "")
	v.SetDefault("notify.timeout", 5*time.Second)

	v.SetDefault("log.level", log.Level)
	v.SetDefault("log.format", log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", log.MaxSizeMB)
	v.SetDefault("log.max_backups", log.MaxBackups)
	v.SetDefault("log.max_age_days", log.MaxAgeDays)
	v.SetDefault("log.compress", log.Compress)
}

// Load reads configuration. Values in a .env file in the working directory
// are exported first without overriding the environment; then path, if
// non-empty, is read (YAML, JSON or TOML by extension); then LINKGATE_*
// variables override both. Load does not validate.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	// Lists cannot come from a single environment variable otherwise.
	if keys := os.Getenv(EnvPrefix + "_STATE_FALLBACK_KEYS"); keys != "" {
		cfg.State.FallbackKeys = strings.Fields(strings.ReplaceAll(keys, ",", " "))
	}
	return cfg, nil
}

// Validate checks the configuration for errors that would only surface at
// request time.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.public_url must be an absolute URL, got %q", c.Server.PublicURL))
	}
	switch c.Server.Result {
	case ResultJSON:
	case ResultRedirect:
		if _, err := auth.RedirectResultEndpoint(c.Server.FailureURL); err != nil {
			errs = append(errs, fmt.Errorf("server.failure_url: %w", err))
		}
	case ResultPopup:
		if _, err := auth.PopupResultEndpoint(c.Server.PopupOrigin); err != nil {
			errs = append(errs, fmt.Errorf("server.popup_origin: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("server.result must be json, redirect or popup, got %q", c.Server.Result))
	}
	if c.Server.TrustedProxies < 0 {
		errs = append(errs, errors.New("server.trusted_proxies must not be negative"))
	}

	if _, _, err := c.State.Keys(); err != nil {
		errs = append(errs, err)
	}

	for name, p := range map[string]PolicyConfig{"authorize": c.RateLimit.Authorize, "callback": c.RateLimit.Callback} {
		if p.Limit <= 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.%s: limit and window must be positive", name))
		}
	}
	switch c.RateLimit.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RateLimit.Redis.Addr == "" {
			errs = append(errs, errors.New("ratelimit.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("ratelimit.store must be memory or redis, got %q", c.RateLimit.Store))
	}

	if c.Exchange.Timeout <= 0 {
		errs = append(errs, errors.New("exchange.timeout must be positive"))
	}
	if c.Notify.WebhookURL != "" {
		if u, err := url.Parse(c.Notify.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("notify.webhook_url must be an http(s) URL"))
		}
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.Kind != KindAuth && p.Kind != KindConnector {
			errs = append(errs, fmt.Errorf("provider %q: kind must be auth or connector", p.ID))
		}
		if p.ClientID == "" {
			errs = append(errs, fmt.Errorf("provider %q: client_id is required", p.ID))
		}
		if !p.IsOIDC() && (p.AuthURL == "" || p.TokenURL == "") {
			errs = append(errs, fmt.Errorf("provider %q: issuer or auth_url and token_url are required", p.ID))
		}
	}

	return errors.Join(errs...)
}

// Keys returns the primary state key and any fallback keys.
func (s StateConfig) Keys() (primary []byte, fallbacks [][]byte, err error) {
	switch {
	case s.Key != "":
		if primary, err = decodeKey(s.Key); err != nil {
			return nil, nil, fmt.Errorf("state.key: %w", err)
		}
	case s.Secret != "":
		if primary, err = state.KeyFromSecret([]byte(s.Secret), keyInfo); err != nil {
			return nil, nil, fmt.Errorf("state.secret: %w", err)
		}
	default:
		return nil, nil, errors.New("state.key or state.secret is required")
	}

	for i, k := range s.FallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("state.fallback_keys[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, key)
	}
	return primary, fallbacks, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.StdEncoding,
	} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != state.KeySize {
				return nil, state.ErrInvalidKey
			}
			return key, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}

// Policies converts the rate-limit section for ratelimit.New.
func (r RateLimitConfig) Policies() map[ratelimit.Category]ratelimit.Policy {
	return map[ratelimit.Category]ratelimit.Policy{
		ratelimit.CategoryAuthorize: {Limit: r.Authorize.Limit, Window: r.Authorize.Window},
		ratelimit.CategoryCallback:  {Limit: r.Callback.Limit, Window: r.Callback.Window},
	}
}
