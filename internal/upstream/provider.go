// Package upstream talks to the single identity provider that authenticates
// end-users on behalf of the authorization server.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProviderType selects how identity is resolved after the code exchange.
type ProviderType string

const (
	// TypeOAuth2 exchanges the code and reads the subject from a userinfo
	// endpoint.
	TypeOAuth2 ProviderType = "oauth2"
	// TypeOIDC discovers endpoints and verifies the returned ID token.
	TypeOIDC ProviderType = "oidc"
)

// DefaultTimeout bounds every call to the identity provider.
const DefaultTimeout = 10 * time.Second

var (
	// ErrExchangeFailed means the provider rejected or did not answer the code
	// exchange.
	ErrExchangeFailed = errors.New("upstream: code exchange failed")
	// ErrIdentityResolution means tokens were obtained but no subject could be
	// derived from them.
	ErrIdentityResolution = errors.New("upstream: identity resolution failed")
)

// Identity is the end-user as asserted by the provider.
type Identity struct {
	Subject string
	Email   string
	// EmailVerified is set only when the provider asserted email_verified.
	EmailVerified bool
	Name          string
}

// Provider is the upstream identity provider contract used by the
// authorization flow.
type Provider interface {
	// AuthCodeURL returns the provider authorization URL carrying state and
	// the S256 challenge derived from verifier.
	AuthCodeURL(state, verifier string) string
	// Exchange trades the provider's code for the end-user identity.
	Exchange(ctx context.Context, code, verifier string) (*Identity, error)
}

// Config describes the upstream provider.
type Config struct {
	Type         ProviderType  `yaml:"type"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	UserInfoURL  string        `yaml:"userinfo_url"`
	IssuerURL    string        `yaml:"issuer_url"`
	Scopes       []string      `yaml:"scopes"`
	SubjectField string        `yaml:"subject_field"`
	RedirectURL  string        `yaml:"redirect_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Validate checks that the fields required by the configured type are set.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("UPSTREAM_CLIENT_ID is required")
	}
	if c.RedirectURL == "" {
		return errors.New("upstream redirect URL is required")
	}
	switch c.Type {
	case TypeOAuth2:
		if err := validateEndpoint("UPSTREAM_AUTH_URL", c.AuthURL); err != nil {
			return err
		}
		if err := validateEndpoint("UPSTREAM_TOKEN_URL", c.TokenURL); err != nil {
			return err
		}
		if err := validateEndpoint("UPSTREAM_USERINFO_URL", c.UserInfoURL); err != nil {
			return err
		}
	case TypeOIDC:
		if err := validateEndpoint("UPSTREAM_ISSUER_URL", c.IssuerURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown UPSTREAM_TYPE %q: want oauth2 or oidc", c.Type)
	}
	return nil
}

func validateEndpoint(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%s must be an absolute http(s) URL", name)
	}
	return nil
}

// New builds the provider described by cfg. OIDC providers perform
// discovery against the issuer, so ctx bounds that request.
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Type {
	case TypeOIDC:
		return NewOIDCProvider(ctx, cfg, client, logger)
	default:
		return NewOAuth2Provider(cfg, client, logger), nil
	}
}

func scopesOrDefault(scopes []string, fallback ...string) []string {
	var out []string
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
