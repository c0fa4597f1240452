package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/tollgate/internal/gateway"
	"github.com/AlexKimmel/tollgate/internal/policy"
	"github.com/AlexKimmel/tollgate/internal/ratelimit"
)

// EnvPrefix namespaces environment overrides, e.g. TOLLGATE_REDIS_URL.
const EnvPrefix = "TOLLGATE_"

var ErrInvalidConfig = errors.New("invalid config")

type Server struct {
	Addr           string `yaml:"addr" env:"ADDR"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"` // "debug","info","warn","error"
	MetricsPath string `yaml:"metrics_path"`
}

type Store struct {
	Backend       string        `yaml:"backend" env:"STORE_BACKEND"` // "redis" or "memory"
	RedisURL      string        `yaml:"redis_url" env:"REDIS_URL"`
	TimeoutMS     int           `yaml:"timeout_ms" env:"STORE_TIMEOUT_MS"`
	BucketTTL     time.Duration `yaml:"bucket_ttl"`
	KeyPrefix     string        `yaml:"key_prefix"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type Admission struct {
	FailureMode string   `yaml:"failure_mode" env:"FAILURE_MODE"` // "open" or "closed"
	SkipPaths   []string `yaml:"skip_paths"`

	// TrustedProxies are the CIDRs or addresses of load balancers whose
	// X-Forwarded-For is believed. Empty means the peer address is used.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
	Role   string `yaml:"role"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Route struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

type Root struct {
	Server        Server                      `yaml:"server"`
	Observability Observability               `yaml:"observability"`
	Store         Store                       `yaml:"store"`
	Admission     Admission                   `yaml:"admission"`
	Policies      map[string]ratelimit.Policy `yaml:"policies"`
	Auth          Auth                        `yaml:"auth"`
	Routes        []Route                     `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	return msOr(s.ReadTimeoutMS, 5*time.Second)
}

func (s Server) WriteTimeout() time.Duration {
	return msOr(s.WriteTimeoutMS, 10*time.Second)
}

func (s Server) IdleTimeout() time.Duration {
	return msOr(s.IdleTimeoutMS, 60*time.Second)
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (s Store) Timeout() time.Duration {
	return msOr(s.TimeoutMS, ratelimit.DefaultStoreTimeout)
}

func (r Route) Timeout() time.Duration {
	return msOr(r.Upstream.TimeoutMS, 3*time.Second)
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads the YAML file at path, applies environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse is Load for an in-memory document.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "redis"
	}
	if c.Store.RedisURL == "" {
		c.Store.RedisURL = "redis://localhost:6379/0"
	}
	if c.Store.BucketTTL <= 0 {
		c.Store.BucketTTL = ratelimit.DefaultBucketTTL
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "tollgate:"
	}
	if c.Store.RetryAttempts <= 0 {
		c.Store.RetryAttempts = 3
	}
	if c.Store.RetryInterval <= 0 {
		c.Store.RetryInterval = time.Second
	}
	if c.Admission.FailureMode == "" {
		c.Admission.FailureMode = "open"
	}
	if c.Admission.SkipPaths == nil {
		c.Admission.SkipPaths = []string{"/healthz", "/readyz", c.Observability.MetricsPath}
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-API-Key"
	}
	if len(c.Policies) == 0 {
		c.Policies = policy.DefaultTable()
	}
}

// Validate checks what defaults can't repair.
func (c *Root) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want redis or memory", c.Store.Backend))
	}
	switch c.Admission.FailureMode {
	case "open", "closed":
	default:
		errs = append(errs, fmt.Errorf("admission.failure_mode %q: want open or closed", c.Admission.FailureMode))
	}

	roles := make([]string, 0, len(c.Policies))
	for role := range c.Policies {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	byName := make(map[string]string, len(roles))
	for _, role := range roles {
		name := strings.ToLower(strings.TrimSpace(role))
		if other, dup := byName[name]; dup {
			errs = append(errs, fmt.Errorf("policies: %q and %q name the same role", other, role))
		}
		byName[name] = role
		if p := c.Policies[role]; !p.Valid() {
			errs = append(errs, fmt.Errorf("policies.%s: maxTokens and refillRatePerSecond must be positive", role))
		}
	}
	if _, ok := byName[policy.RoleAnonymous]; !ok {
		errs = append(errs, errors.New("policies: an anonymous policy is required"))
	}

	if _, err := gateway.ParseTrustedProxies(c.Admission.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("admission.trusted_proxies: %w", err))
	}

	seen := map[string]struct{}{}
	for i, k := range c.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			errs = append(errs, fmt.Errorf("auth.keys[%d]: id and secret are required", i))
			continue
		}
		if _, dup := seen[k.Secret]; dup {
			errs = append(errs, fmt.Errorf("auth.keys[%d]: duplicate secret", i))
		}
		seen[k.Secret] = struct{}{}
	}

	for i, rt := range c.Routes {
		if rt.ID == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: id is required", i))
		}
		u, err := url.Parse(rt.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: upstream.url %q is not absolute", i, rt.Upstream.URL))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
