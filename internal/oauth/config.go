package oauth

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/providentiaww/trilix-authserver/internal/audit"
	"github.com/providentiaww/trilix-authserver/internal/upstream"
)

// Store backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds authorization server settings.
type Config struct {
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	ListenAddr      string        `yaml:"listen_addr"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	AuthCodeTTL     time.Duration `yaml:"auth_code_ttl"`
	AuthStateTTL    time.Duration `yaml:"auth_state_ttl"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	AdminToken      string        `yaml:"admin_token"`
	RegisterRate    float64       `yaml:"register_rate"`
	RegisterBurst   int           `yaml:"register_burst"`
	AllowedUsers    []string      `yaml:"allowed_users"`
	ScopesSupported []string      `yaml:"scopes_supported"`

	Store    StoreConfig     `yaml:"store"`
	Keys     KeyConfig       `yaml:"keys"`
	Upstream upstream.Config `yaml:"upstream"`
	Audit    audit.Config    `yaml:"audit"`
}

// StoreConfig selects and addresses the persistence backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// KeyConfig locates the RSA signing key.
type KeyConfig struct {
	PrivateKeyPEM  string `yaml:"private_key_pem"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Bits           int    `yaml:"bits"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 720 * time.Hour,
		AuthCodeTTL:     5 * time.Minute,
		AuthStateTTL:    10 * time.Minute,
		StoreTimeout:    3 * time.Second,
		UpstreamTimeout: upstream.DefaultTimeout,
		RegisterRate:    1,
		RegisterBurst:   5,
		Store: StoreConfig{
			Backend:   BackendRedis,
			KeyPrefix: "oauth:",
		},
		Keys: KeyConfig{
			PrivateKeyPath: "data/signing_key.pem",
			Bits:           MinKeyBits,
		},
		Upstream: upstream.Config{
			Type: upstream.TypeOAuth2,
		},
		Audit: audit.Config{
			Exchange: audit.DefaultExchange,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by OAUTH_CONFIG_FILE and then environment variables, and validates it.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("OAUTH_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read OAUTH_CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse OAUTH_CONFIG_FILE: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.finalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Issuer, "OAUTH_ISSUER")
	setString(&c.Audience, "OAUTH_AUDIENCE")
	setString(&c.ListenAddr, "OAUTH_LISTEN_ADDR")
	setString(&c.AdminToken, "OAUTH_ADMIN_TOKEN")
	setList(&c.AllowedUsers, "OAUTH_ALLOWED_USERS")
	setList(&c.ScopesSupported, "OAUTH_SCOPES_SUPPORTED")

	for key, dst := range map[string]*time.Duration{
		"OAUTH_ACCESS_TOKEN_TTL":  &c.AccessTokenTTL,
		"OAUTH_REFRESH_TOKEN_TTL": &c.RefreshTokenTTL,
		"OAUTH_AUTH_CODE_TTL":     &c.AuthCodeTTL,
		"OAUTH_AUTH_STATE_TTL":    &c.AuthStateTTL,
		"OAUTH_STORE_TIMEOUT":     &c.StoreTimeout,
		"OAUTH_UPSTREAM_TIMEOUT":  &c.UpstreamTimeout,
	} {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}

	if val := strings.TrimSpace(os.Getenv("OAUTH_REGISTER_RATE")); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid OAUTH_REGISTER_RATE: %w", err)
		}
		c.RegisterRate = parsed
	}
	if err := setInt(&c.RegisterBurst, "OAUTH_REGISTER_BURST"); err != nil {
		return err
	}

	setString(&c.Store.Backend, "OAUTH_STORE_BACKEND")
	setString(&c.Store.RedisURL, "REDIS_URL")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.DatabaseURL, "OAUTH_DATABASE_URL")
	if val, ok := os.LookupEnv("OAUTH_KEY_PREFIX"); ok {
		c.Store.KeyPrefix = val
	}

	setString(&c.Keys.PrivateKeyPEM, "OAUTH_PRIVATE_KEY_PEM")
	setString(&c.Keys.PrivateKeyPath, "OAUTH_PRIVATE_KEY_PATH")
	if err := setInt(&c.Keys.Bits, "OAUTH_KEY_BITS"); err != nil {
		return err
	}

	var upstreamType string
	setString(&upstreamType, "UPSTREAM_TYPE")
	if upstreamType != "" {
		c.Upstream.Type = upstream.ProviderType(strings.ToLower(upstreamType))
	}
	setString(&c.Upstream.ClientID, "UPSTREAM_CLIENT_ID")
	setString(&c.Upstream.ClientSecret, "UPSTREAM_CLIENT_SECRET")
	setString(&c.Upstream.AuthURL, "UPSTREAM_AUTH_URL")
	setString(&c.Upstream.TokenURL, "UPSTREAM_TOKEN_URL")
	setString(&c.Upstream.UserInfoURL, "UPSTREAM_USERINFO_URL")
	setString(&c.Upstream.IssuerURL, "UPSTREAM_ISSUER_URL")
	setString(&c.Upstream.SubjectField, "UPSTREAM_SUBJECT_FIELD")
	setList(&c.Upstream.Scopes, "UPSTREAM_SCOPES")

	setString(&c.Audit.AMQPURL, "AUDIT_AMQP_URL")
	setString(&c.Audit.Exchange, "AUDIT_EXCHANGE")
	return nil
}

// IndexTTL is how long the family, user and client index sets outlive their
// last write: long enough to cover every code and token they can reference.
func (c Config) IndexTTL() time.Duration {
	return max(c.RefreshTokenTTL, c.AccessTokenTTL, c.AuthCodeTTL)
}

// finalize derives values that depend on other settings.
func (c *Config) finalize() {
	c.Issuer = strings.TrimRight(strings.TrimSpace(c.Issuer), "/")
	if c.Audience == "" {
		c.Audience = c.Issuer
	}
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	if c.Upstream.RedirectURL == "" && c.Issuer != "" {
		c.Upstream.RedirectURL = c.Issuer + "/callback"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = c.UpstreamTimeout
	}
}

// Validate fails fast on settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("OAUTH_ISSUER is required")
	}
	for name, d := range map[string]time.Duration{
		"OAUTH_ACCESS_TOKEN_TTL":  c.AccessTokenTTL,
		"OAUTH_REFRESH_TOKEN_TTL": c.RefreshTokenTTL,
		"OAUTH_AUTH_CODE_TTL":     c.AuthCodeTTL,
		"OAUTH_AUTH_STATE_TTL":    c.AuthStateTTL,
		"OAUTH_STORE_TIMEOUT":     c.StoreTimeout,
		"OAUTH_UPSTREAM_TIMEOUT":  c.UpstreamTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store backend")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("OAUTH_DATABASE_URL or DATABASE_URL is required for the postgres store backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown OAUTH_STORE_BACKEND %q: want redis, postgres or memory", c.Store.Backend)
	}
	if c.Keys.Bits < MinKeyBits {
		return fmt.Errorf("OAUTH_KEY_BITS must be at least %d", MinKeyBits)
	}
	if c.RegisterRate <= 0 || c.RegisterBurst <= 0 {
		return fmt.Errorf("OAUTH_REGISTER_RATE and OAUTH_REGISTER_BURST must be positive")
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream configuration: %w", err)
	}
	return nil
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func setList(dst *[]string, key string) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	var out []string
	for _, item := range strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func setDuration(dst *time.Duration, key string) error {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = dur
	return nil
}

func setInt(dst *int, key string) error {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = parsed
	return nil
}
