package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/providentiaww/trilix-authserver/internal/audit"
	"github.com/providentiaww/trilix-authserver/internal/kv"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/upstream"
)

const testIssuer = "https://auth.example.com"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, MinKeyBits)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func testKeyManager(t *testing.T) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(sharedKey(t))
	require.NoError(t, err)
	return km
}

func zapLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Issuer = testIssuer
	cfg.Audience = testIssuer
	cfg.Store.Backend = BackendMemory
	return cfg
}

type fakeProvider struct {
	mu        sync.Mutex
	identity  *upstream.Identity
	err       error
	delay     time.Duration
	verifiers []string
}

func (p *fakeProvider) AuthCodeURL(state, verifier string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	return "https://idp.example.com/authorize?" + q.Encode()
}

func (p *fakeProvider) Exchange(ctx context.Context, code, verifier string) (*upstream.Identity, error) {
	p.mu.Lock()
	p.verifiers = append(p.verifiers, verifier)
	identity, err, delay := p.identity, p.err, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Record(_ context.Context, event audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) types() []audit.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventType, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	cfg      Config
	kv       *kv.MemoryStore
	store    *Store
	keys     *KeyManager
	provider *fakeProvider
	auditor  *recordingAuditor
	metrics  *metrics.Metrics
	registry *ClientRegistry
	flow     *AuthorizationFlow
	tokens   *TokenService
	verifier *BearerVerifier
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	logger := zapLogger(t)
	mem := kv.NewMemoryStore()
	m := metrics.New()
	store := NewStore(mem, m)
	keys := testKeyManager(t)
	provider := &fakeProvider{identity: &upstream.Identity{Subject: "octocat", Email: "octocat@example.com", EmailVerified: true}}
	auditor := &recordingAuditor{}

	registry := NewClientRegistry(cfg, store, auditor, m, logger)
	return &testEnv{
		cfg:      cfg,
		kv:       mem,
		store:    store,
		keys:     keys,
		provider: provider,
		auditor:  auditor,
		metrics:  m,
		registry: registry,
		flow:     NewAuthorizationFlow(cfg, store, registry, provider, auditor, m, logger),
		tokens:   NewTokenService(cfg, store, registry, keys, auditor, m, logger),
		verifier: NewBearerVerifier(cfg, keys, store, m, logger),
	}
}

func (e *testEnv) register(t *testing.T, md ClientMetadata) *ClientInformation {
	t.Helper()
	if len(md.RedirectURIs) == 0 {
		md.RedirectURIs = []string{"https://app.example/cb"}
	}
	info, err := e.registry.Register(context.Background(), md)
	require.NoError(t, err)
	return info
}

// authorizeCode drives /authorize and /callback and returns the issued code.
func (e *testEnv) authorizeCode(t *testing.T, client *ClientInformation, verifier, scope string) string {
	t.Helper()
	ctx := context.Background()

	upstreamURL, err := e.flow.Authorize(ctx, AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        ResponseTypeCode,
		State:               "client-state",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		Scope:               scope,
	})
	require.NoError(t, err)

	parsed, err := url.Parse(upstreamURL)
	require.NoError(t, err)
	correlation := parsed.Query().Get("state")
	require.NotEmpty(t, correlation)

	location, err := e.flow.Callback(ctx, CallbackRequest{Code: "upstream-code", State: correlation})
	require.NoError(t, err)

	redirect, err := url.Parse(location)
	require.NoError(t, err)
	require.Equal(t, "client-state", redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

// issueTokens runs a full flow and a code exchange.
func (e *testEnv) issueTokens(t *testing.T, client *ClientInformation) *TokenPair {
	t.Helper()
	verifier := oauth2.GenerateVerifier()
	code := e.authorizeCode(t, client, verifier, "")
	pair, err := e.tokens.Exchange(context.Background(), AuthorizationCodeGrant{
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	return pair
}

func requireKind(t *testing.T, err error, kind ErrorKind) *Error {
	t.Helper()
	require.Error(t, err)
	oe := AsError(err)
	require.Equal(t, kind, oe.Kind, "unexpected error: %v", err)
	return oe
}
