package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedClaims(t *testing.T, km *KeyManager, mutate func(*AccessClaims)) string {
	t.Helper()
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "octocat",
			Audience:  jwt.ClaimStrings{testIssuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        "jti-live",
		},
		ClientID: "client_a",
	}
	if mutate != nil {
		mutate(&claims)
	}
	signed, err := km.Sign(claims)
	require.NoError(t, err)
	return signed
}

func TestBearerVerifierDenials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SaveAccessToken(ctx, &AccessToken{JTI: "jti-live", ClientID: "client_a", Subject: "octocat"}, time.Hour))

	foreign, err := rsa.GenerateKey(rand.Reader, MinKeyBits)
	require.NoError(t, err)
	foreignKM, err := NewKeyManager(foreign)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "octocat", "jti": "jti-live", "iss": testIssuer, "aud": testIssuer, "exp": time.Now().Add(time.Hour).Unix()})
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(env.keys.PublicKey())
	require.NoError(t, err)
	hmac := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "octocat", "jti": "jti-live", "iss": testIssuer, "aud": testIssuer, "exp": time.Now().Add(time.Hour).Unix()})
	hmac.Header["kid"] = env.keys.KID()
	hmacToken, err := hmac.SignedString(pubDER)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason DenialReason
	}{
		{name: "empty", token: "", reason: DenyMissing},
		{name: "garbage", token: "not.a.jwt", reason: DenyMalformed},
		{name: "alg none", token: noneToken, reason: DenyBadSignature},
		{name: "hmac confusion", token: hmacToken, reason: DenyBadSignature},
		{name: "foreign key", token: signedClaims(t, foreignKM, nil), reason: DenyBadSignature},
		{
			name: "expired",
			token: signedClaims(t, env.keys, func(c *AccessClaims) {
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			}),
			reason: DenyExpired,
		},
		{name: "no expiry", token: signedClaims(t, env.keys, func(c *AccessClaims) { c.ExpiresAt = nil }), reason: DenyMalformed},
		{name: "wrong issuer", token: signedClaims(t, env.keys, func(c *AccessClaims) { c.Issuer = "https://evil.example" }), reason: DenyMalformed},
		{name: "wrong audience", token: signedClaims(t, env.keys, func(c *AccessClaims) { c.Audience = jwt.ClaimStrings{"other"} }), reason: DenyMalformed},
		{name: "missing jti", token: signedClaims(t, env.keys, func(c *AccessClaims) { c.ID = "" }), reason: DenyMalformed},
		{name: "revoked jti", token: signedClaims(t, env.keys, func(c *AccessClaims) { c.ID = "jti-gone" }), reason: DenyRevoked},
		{name: "record for another client", token: signedClaims(t, env.keys, func(c *AccessClaims) { c.ClientID = "client_b" }), reason: DenyRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := env.verifier.Verify(ctx, tt.token)
			assert.Nil(t, p)
			var denied *DeniedError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, tt.reason, denied.Reason)
		})
	}

	series, err := testutil.GatherAndCount(env.metrics.Registry(), "oauth_verify_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, series, 5, "each denial reason is its own series")
}

func TestBearerVerifierAllows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SaveAccessToken(ctx, &AccessToken{JTI: "jti-live", ClientID: "client_a", Subject: "octocat"}, time.Hour))

	token := signedClaims(t, env.keys, func(c *AccessClaims) {
		c.Scope = "read"
		c.Email = "octocat@example.com"
	})
	p, err := env.verifier.Verify(ctx, "  "+token+" ")
	require.NoError(t, err)
	assert.Equal(t, "octocat", p.Subject)
	assert.Equal(t, "client_a", p.ClientID)
	assert.Equal(t, "read", p.Scope)
	assert.Equal(t, "octocat@example.com", p.Email)
	assert.Equal(t, "jti-live", p.JTI)
	assert.WithinDuration(t, time.Now().Add(time.Hour), p.ExpiresAt, 5*time.Second)
}

func TestBearerVerifierStoreOutage(t *testing.T) {
	env := newTestEnv(t)
	down := NewStore(downStore{Store: env.kv}, nil)
	v := NewBearerVerifier(env.cfg, env.keys, down, nil, zapLogger(t))

	_, err := v.Verify(context.Background(), signedClaims(t, env.keys, nil))
	var denied *DeniedError
	assert.False(t, errors.As(err, &denied), "an outage must not look like a denial")
	requireKind(t, err, KindStoreUnavailable)
}
