package oauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/trilix-authserver/internal/upstream"
)

func setUpstreamEnv(t *testing.T) {
	t.Setenv("UPSTREAM_CLIENT_ID", "gh-client")
	t.Setenv("UPSTREAM_CLIENT_SECRET", "gh-secret")
	t.Setenv("UPSTREAM_AUTH_URL", "https://github.com/login/oauth/authorize")
	t.Setenv("UPSTREAM_TOKEN_URL", "https://github.com/login/oauth/access_token")
	t.Setenv("UPSTREAM_USERINFO_URL", "https://api.github.com/user")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("OAUTH_CONFIG_FILE", "")
	t.Setenv("OAUTH_ISSUER", "https://auth.example.com/")
	t.Setenv("OAUTH_STORE_BACKEND", "Memory")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "15m")
	t.Setenv("OAUTH_ALLOWED_USERS", "alice, bob")
	t.Setenv("OAUTH_REGISTER_RATE", "2.5")
	setUpstreamEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, cfg.Issuer, cfg.Audience)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 720*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, []string{"alice", "bob"}, cfg.AllowedUsers)
	assert.Equal(t, 2.5, cfg.RegisterRate)
	assert.Equal(t, "https://auth.example.com/callback", cfg.Upstream.RedirectURL)
	assert.Equal(t, upstream.TypeOAuth2, cfg.Upstream.Type)
	assert.Equal(t, "oauth:", cfg.Store.KeyPrefix)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
issuer: https://login.example.org
access_token_ttl: 30m
store:
  backend: postgres
  database_url: postgres://localhost/oauth
upstream:
  type: oidc
  client_id: abc
  issuer_url: https://accounts.example.org
`), 0o600))
	t.Setenv("OAUTH_CONFIG_FILE", path)
	t.Setenv("OAUTH_AUDIENCE", "mcp-gateway")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://login.example.org", cfg.Issuer)
	assert.Equal(t, "mcp-gateway", cfg.Audience)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, upstream.TypeOIDC, cfg.Upstream.Type)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing issuer",
			env:     map[string]string{"OAUTH_STORE_BACKEND": "memory"},
			wantErr: "OAUTH_ISSUER is required",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"OAUTH_ISSUER": "https://a", "OAUTH_AUTH_CODE_TTL": "soon"},
			wantErr: "invalid OAUTH_AUTH_CODE_TTL",
		},
		{
			name:    "non-positive ttl",
			env:     map[string]string{"OAUTH_ISSUER": "https://a", "OAUTH_STORE_BACKEND": "memory", "OAUTH_AUTH_CODE_TTL": "0s"},
			wantErr: "OAUTH_AUTH_CODE_TTL must be positive",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"OAUTH_ISSUER": "https://a", "OAUTH_STORE_BACKEND": "etcd"},
			wantErr: "unknown OAUTH_STORE_BACKEND",
		},
		{
			name:    "redis without url",
			env:     map[string]string{"OAUTH_ISSUER": "https://a"},
			wantErr: "REDIS_URL is required",
		},
		{
			name:    "small key",
			env:     map[string]string{"OAUTH_ISSUER": "https://a", "OAUTH_STORE_BACKEND": "memory", "OAUTH_KEY_BITS": "1024"},
			wantErr: "OAUTH_KEY_BITS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OAUTH_CONFIG_FILE", "")
			t.Setenv("OAUTH_ISSUER", "")
			t.Setenv("OAUTH_STORE_BACKEND", "")
			t.Setenv("REDIS_URL", "")
			setUpstreamEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIndexTTLCoversLongestLivedKey(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.RefreshTokenTTL, cfg.IndexTTL())

	cfg.RefreshTokenTTL = time.Minute
	cfg.AccessTokenTTL = 2 * time.Hour
	assert.Equal(t, 2*time.Hour, cfg.IndexTTL())
}
