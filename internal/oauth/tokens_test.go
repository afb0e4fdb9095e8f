package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/providentiaww/trilix-authserver/internal/audit"
	"github.com/providentiaww/trilix-authserver/internal/kv"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
)

type codeFixture struct {
	env      *testEnv
	client   *ClientInformation
	code     string
	verifier string
}

func newCodeFixture(t *testing.T, md ClientMetadata) *codeFixture {
	t.Helper()
	env := newTestEnv(t)
	client := env.register(t, md)
	verifier := oauth2.GenerateVerifier()
	return &codeFixture{
		env:      env,
		client:   client,
		code:     env.authorizeCode(t, client, verifier, ""),
		verifier: verifier,
	}
}

func (f *codeFixture) grant() AuthorizationCodeGrant {
	return AuthorizationCodeGrant{
		Code:         f.code,
		RedirectURI:  f.client.RedirectURIs[0],
		ClientID:     f.client.ClientID,
		ClientSecret: f.client.ClientSecret,
		CodeVerifier: f.verifier,
	}
}

func TestExchangeCode(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{Scope: "read"})
	ctx := context.Background()

	pair, err := f.env.tokens.Exchange(ctx, f.grant())
	require.NoError(t, err)
	assert.Equal(t, TokenTypeBearer, pair.TokenType)
	assert.Equal(t, int64(f.env.cfg.AccessTokenTTL/time.Second), pair.ExpiresIn)
	assert.Equal(t, "read", pair.Scope)
	assert.NotEmpty(t, pair.RefreshToken)

	var claims AccessClaims
	_, err = f.env.keys.Verify(pair.AccessToken, &claims)
	require.NoError(t, err)
	assert.Equal(t, "octocat", claims.Subject)
	assert.Equal(t, f.client.ClientID, claims.ClientID)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{testIssuer}, claims.Audience)
	assert.NotEmpty(t, claims.ID)

	record, err := f.env.store.GetAccessToken(ctx, claims.ID)
	require.NoError(t, err)
	assert.Equal(t, f.client.ClientID, record.ClientID)

	refresh, err := f.env.store.GetRefreshToken(ctx, HashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, record.FamilyID, refresh.FamilyID)

	members, err := f.env.kv.SetMembers(ctx, userTokensKey("octocat"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{tokenKey(claims.ID), refreshKey(HashToken(pair.RefreshToken))}, members)
}

func TestExchangeCodeTwiceFails(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{})
	ctx := context.Background()

	first, err := f.env.tokens.Exchange(ctx, f.grant())
	require.NoError(t, err)

	_, err = f.env.tokens.Exchange(ctx, f.grant())
	oe := requireKind(t, err, KindInvalidGrant)
	assert.Equal(t, "invalid_grant", oe.Code)
	assert.Equal(t, 400, oe.HTTPStatus())

	// The replay takes down what the first exchange produced.
	_, err = f.env.verifier.Verify(ctx, first.AccessToken)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, DenyRevoked, denied.Reason)

	_, err = f.env.tokens.Exchange(ctx, RefreshTokenGrant{
		RefreshToken: first.RefreshToken,
		ClientID:     f.client.ClientID,
		ClientSecret: f.client.ClientSecret,
	})
	requireKind(t, err, KindInvalidGrant)

	assert.Contains(t, f.env.auditor.types(), audit.AuthorizationCodeReplay)
}

func TestExchangeCodeConcurrently(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{})

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.env.tokens.Exchange(context.Background(), f.grant())
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.Equal(t, KindInvalidGrant, AsError(err).Kind)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, successes, 1)
}

func TestExchangeCodeRejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*testing.T, *AuthorizationCodeGrant, *codeFixture)
		wantKind ErrorKind
	}{
		{
			name:     "wrong verifier",
			mutate:   func(_ *testing.T, g *AuthorizationCodeGrant, _ *codeFixture) { g.CodeVerifier = oauth2.GenerateVerifier() },
			wantKind: KindInvalidGrant,
		},
		{
			name:     "malformed verifier",
			mutate:   func(_ *testing.T, g *AuthorizationCodeGrant, _ *codeFixture) { g.CodeVerifier = "short" },
			wantKind: KindInvalidGrant,
		},
		{
			name:     "missing verifier",
			mutate:   func(_ *testing.T, g *AuthorizationCodeGrant, _ *codeFixture) { g.CodeVerifier = "" },
			wantKind: KindInvalidRequest,
		},
		{
			name:     "redirect mismatch",
			mutate:   func(_ *testing.T, g *AuthorizationCodeGrant, _ *codeFixture) { g.RedirectURI = "https://app.example/other" },
			wantKind: KindInvalidGrant,
		},
		{
			name: "other client",
			mutate: func(t *testing.T, g *AuthorizationCodeGrant, f *codeFixture) {
				other := f.env.register(t, ClientMetadata{})
				g.ClientID, g.ClientSecret = other.ClientID, other.ClientSecret
			},
			wantKind: KindInvalidGrant,
		},
		{
			name:     "wrong secret",
			mutate:   func(_ *testing.T, g *AuthorizationCodeGrant, _ *codeFixture) { g.ClientSecret = "nope" },
			wantKind: KindInvalidClient,
		},
		{
			name:     "unknown code",
			mutate:   func(_ *testing.T, g *AuthorizationCodeGrant, _ *codeFixture) { g.Code = "unknown" },
			wantKind: KindInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCodeFixture(t, ClientMetadata{})
			g := f.grant()
			tt.mutate(t, &g, f)

			pair, err := f.env.tokens.Exchange(context.Background(), g)
			assert.Nil(t, pair)
			requireKind(t, err, tt.wantKind)
		})
	}
}

func TestExchangeCodeWrongVerifierConsumesCode(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{})
	ctx := context.Background()

	bad := f.grant()
	bad.CodeVerifier = oauth2.GenerateVerifier()
	_, err := f.env.tokens.Exchange(ctx, bad)
	requireKind(t, err, KindInvalidGrant)

	_, err = f.env.tokens.Exchange(ctx, f.grant())
	requireKind(t, err, KindInvalidGrant)
}

func TestExchangeCodePublicClient(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{TokenEndpointAuthMethod: AuthMethodNone})
	pair, err := f.env.tokens.Exchange(context.Background(), f.grant())
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
}

func TestExchangeCodeExpired(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{})
	f.env.kv.SetClock(func() time.Time { return time.Now().Add(f.env.cfg.AuthCodeTTL + time.Second) })

	_, err := f.env.tokens.Exchange(context.Background(), f.grant())
	requireKind(t, err, KindInvalidGrant)
}

func TestExchangeCodeWithoutRefreshGrant(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{GrantTypes: []string{GrantTypeAuthorizationCode}})
	pair, err := f.env.tokens.Exchange(context.Background(), f.grant())
	require.NoError(t, err)
	assert.Empty(t, pair.RefreshToken)
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := env.register(t, ClientMetadata{Scope: "read write"})
	first := env.issueTokens(t, client)

	second, err := env.tokens.Exchange(ctx, RefreshTokenGrant{
		RefreshToken: first.RefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Scope:        "read",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, "read", second.Scope)

	family, err := env.store.RefreshUsedFamily(ctx, HashToken(first.RefreshToken))
	require.NoError(t, err)
	rotated, err := env.store.GetRefreshToken(ctx, HashToken(second.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, family, rotated.FamilyID)

	_, err = env.verifier.Verify(ctx, second.AccessToken)
	require.NoError(t, err)

	t.Run("scope cannot widen", func(t *testing.T) {
		_, err := env.tokens.Exchange(ctx, RefreshTokenGrant{
			RefreshToken: second.RefreshToken,
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Scope:        "read write",
		})
		requireKind(t, err, KindInvalidScope)
	})
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := env.register(t, ClientMetadata{})
	first := env.issueTokens(t, client)

	grant := RefreshTokenGrant{RefreshToken: first.RefreshToken, ClientID: client.ClientID, ClientSecret: client.ClientSecret}
	second, err := env.tokens.Exchange(ctx, grant)
	require.NoError(t, err)

	_, err = env.tokens.Exchange(ctx, grant)
	requireKind(t, err, KindInvalidGrant)

	for _, access := range []string{first.AccessToken, second.AccessToken} {
		_, err := env.verifier.Verify(ctx, access)
		var denied *DeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, DenyRevoked, denied.Reason)
	}

	_, err = env.tokens.Exchange(ctx, RefreshTokenGrant{RefreshToken: second.RefreshToken, ClientID: client.ClientID, ClientSecret: client.ClientSecret})
	requireKind(t, err, KindInvalidGrant)

	types := env.auditor.types()
	assert.Contains(t, types, audit.RefreshTokenReuse)
	assert.Contains(t, types, audit.FamilyRevoked)

	// An unrelated session of the same user survives.
	other := env.issueTokens(t, client)
	_, err = env.verifier.Verify(ctx, other.AccessToken)
	require.NoError(t, err)
}

func TestRefreshWrongClientRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.register(t, ClientMetadata{})
	thief := env.register(t, ClientMetadata{})
	pair := env.issueTokens(t, owner)

	_, err := env.tokens.Exchange(ctx, RefreshTokenGrant{RefreshToken: pair.RefreshToken, ClientID: thief.ClientID, ClientSecret: thief.ClientSecret})
	requireKind(t, err, KindInvalidGrant)

	_, err = env.verifier.Verify(ctx, pair.AccessToken)
	require.Error(t, err)
}

func TestRefreshConcurrently(t *testing.T) {
	env := newTestEnv(t)
	client := env.register(t, ClientMetadata{})
	pair := env.issueTokens(t, client)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		issued  []*TokenPair
		results = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := env.tokens.Exchange(context.Background(), RefreshTokenGrant{
				RefreshToken: pair.RefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: client.ClientSecret,
			})
			if err == nil {
				mu.Lock()
				issued = append(issued, p)
				mu.Unlock()
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			assert.Equal(t, KindInvalidGrant, AsError(err).Kind)
		}
	}
	require.LessOrEqual(t, len(issued), 1)

	// Any loser that saw the rotation marker revoked the family, so a pair
	// that did get through must not outlive that revocation.
	if len(issued) == 1 {
		revoked, err := env.store.IsFamilyRevoked(context.Background(), mustFamily(t, env, pair))
		require.NoError(t, err)
		_, verr := env.verifier.Verify(context.Background(), issued[0].AccessToken)
		assert.Equal(t, revoked, verr != nil)
	}
}

func mustFamily(t *testing.T, env *testEnv, pair *TokenPair) string {
	t.Helper()
	family, err := env.store.RefreshUsedFamily(context.Background(), HashToken(pair.RefreshToken))
	require.NoError(t, err)
	return family
}

func TestRevoke(t *testing.T) {
	t.Run("refresh token revokes its family", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		client := env.register(t, ClientMetadata{})
		pair := env.issueTokens(t, client)

		require.NoError(t, env.tokens.Revoke(ctx, pair.RefreshToken, "", client.ClientID, client.ClientSecret))

		_, err := env.verifier.Verify(ctx, pair.AccessToken)
		require.Error(t, err)
		_, err = env.tokens.Exchange(ctx, RefreshTokenGrant{RefreshToken: pair.RefreshToken, ClientID: client.ClientID, ClientSecret: client.ClientSecret})
		requireKind(t, err, KindInvalidGrant)
	})

	t.Run("access token revokes its jti only", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		client := env.register(t, ClientMetadata{})
		pair := env.issueTokens(t, client)

		require.NoError(t, env.tokens.Revoke(ctx, pair.AccessToken, TokenHintAccessToken, client.ClientID, client.ClientSecret))

		_, err := env.verifier.Verify(ctx, pair.AccessToken)
		require.Error(t, err)
		_, err = env.tokens.Exchange(ctx, RefreshTokenGrant{RefreshToken: pair.RefreshToken, ClientID: client.ClientID, ClientSecret: client.ClientSecret})
		require.NoError(t, err)
	})

	t.Run("unknown and foreign tokens are ignored", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		owner := env.register(t, ClientMetadata{})
		other := env.register(t, ClientMetadata{})
		pair := env.issueTokens(t, owner)

		require.NoError(t, env.tokens.Revoke(ctx, "not-a-token", "", other.ClientID, other.ClientSecret))
		require.NoError(t, env.tokens.Revoke(ctx, pair.RefreshToken, "", other.ClientID, other.ClientSecret))
		require.NoError(t, env.tokens.Revoke(ctx, pair.AccessToken, "", other.ClientID, other.ClientSecret))

		_, err := env.verifier.Verify(ctx, pair.AccessToken)
		require.NoError(t, err)
	})

	t.Run("client must authenticate", func(t *testing.T) {
		env := newTestEnv(t)
		client := env.register(t, ClientMetadata{})
		err := env.tokens.Revoke(context.Background(), "x", "", client.ClientID, "wrong")
		requireKind(t, err, KindInvalidClient)
	})
}

func TestRevokeUserTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := env.register(t, ClientMetadata{})
	a := env.issueTokens(t, client)
	b := env.issueTokens(t, client)

	n, err := env.tokens.RevokeUserTokens(ctx, "octocat")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, pair := range []*TokenPair{a, b} {
		_, err := env.verifier.Verify(ctx, pair.AccessToken)
		require.Error(t, err)
	}
	assert.Contains(t, env.auditor.types(), audit.UserTokensRevoked)
}

func TestRevokeAccessTokenByJTI(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := env.register(t, ClientMetadata{})
	pair := env.issueTokens(t, client)

	principal, err := env.verifier.Verify(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.NoError(t, env.tokens.RevokeAccessToken(ctx, principal.JTI))

	_, err = env.verifier.Verify(ctx, pair.AccessToken)
	require.Error(t, err)
}

func TestUnsupportedGrant(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.tokens.Exchange(context.Background(), nil)
	requireKind(t, err, KindUnsupportedGrantType)
}

// hookStore runs onAddToSet before each set write.
type hookStore struct {
	kv.Store
	onAddToSet func(key string)
}

func (h *hookStore) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if h.onAddToSet != nil {
		h.onAddToSet(key)
	}
	return h.Store.AddToSet(ctx, key, ttl, members...)
}

func TestClientDeletedDuringExchangeLeavesNoTokens(t *testing.T) {
	f := newCodeFixture(t, ClientMetadata{})
	env := f.env
	ctx := context.Background()

	var once sync.Once
	hooked := &hookStore{Store: env.kv}
	hooked.onAddToSet = func(key string) {
		if !strings.HasPrefix(key, prefixFamily) {
			return
		}
		once.Do(func() {
			require.NoError(t, env.registry.Delete(ctx, f.client.ClientID, f.client.RegistrationAccessToken))
		})
	}
	store := NewStore(hooked, env.metrics)
	tokens := NewTokenService(env.cfg, store, NewClientRegistry(env.cfg, store, nil, env.metrics, zapLogger(t)), env.keys, nil, env.metrics, zapLogger(t))

	_, err := tokens.Exchange(ctx, f.grant())
	requireKind(t, err, KindInvalidClient)

	for _, prefix := range []string{prefixToken, prefixRefresh} {
		keys, err := env.kv.ScanPrefix(ctx, prefix)
		require.NoError(t, err)
		assert.Empty(t, keys, prefix)
	}

	_, err = env.registry.Lookup(ctx, f.client.ClientID)
	requireKind(t, err, KindNotFound)
}

func TestClientIndexExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	env.kv.SetClock(func() time.Time { return now })
	ttl := env.cfg.IndexTTL()

	client := env.register(t, ClientMetadata{})
	index := clientTokensKey(client.ClientID)
	env.issueTokens(t, client)
	members, err := env.kv.SetMembers(ctx, index)
	require.NoError(t, err)
	assert.NotEmpty(t, members)

	// A later write keeps the index alive past the first write's deadline.
	now = now.Add(ttl - time.Minute)
	env.authorizeCode(t, client, oauth2.GenerateVerifier(), "")
	now = now.Add(2 * time.Minute)
	members, err = env.kv.SetMembers(ctx, index)
	require.NoError(t, err)
	assert.NotEmpty(t, members)

	now = now.Add(ttl)
	members, err = env.kv.SetMembers(ctx, index)
	require.NoError(t, err)
	assert.Empty(t, members)
}

// downStore fails every operation as an unreachable backend would.
type downStore struct{ kv.Store }

var errDown = fmt.Errorf("%w: connection refused", kv.ErrUnavailable)

func (downStore) Get(context.Context, string) ([]byte, error)      { return nil, errDown }
func (downStore) TakeOnce(context.Context, string) ([]byte, error) { return nil, errDown }
func (downStore) Put(context.Context, string, []byte, time.Duration) error {
	return errDown
}

func TestStoreOutageIsNotInvalidGrant(t *testing.T) {
	env := newTestEnv(t)
	client := env.register(t, ClientMetadata{})
	verifier := oauth2.GenerateVerifier()
	code := env.authorizeCode(t, client, verifier, "")

	down := NewStore(downStore{Store: env.kv}, metrics.New())
	tokens := NewTokenService(env.cfg, down, NewClientRegistry(env.cfg, down, nil, nil, zapLogger(t)), env.keys, nil, nil, zapLogger(t))

	_, err := tokens.Exchange(context.Background(), AuthorizationCodeGrant{
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		CodeVerifier: verifier,
	})
	oe := requireKind(t, err, KindStoreUnavailable)
	assert.Equal(t, 503, oe.HTTPStatus())
	assert.True(t, errors.Is(err, kv.ErrUnavailable))

	// The code survived the outage.
	_, err = env.tokens.Exchange(context.Background(), AuthorizationCodeGrant{
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
}
