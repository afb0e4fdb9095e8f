package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/providentiaww/trilix-authserver/internal/audit"
	"github.com/providentiaww/trilix-authserver/internal/kv"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
)

const refreshTokenBytes = 32

// Token type hints accepted by the revocation endpoint.
const (
	TokenHintAccessToken  = "access_token"
	TokenHintRefreshToken = "refresh_token"
)

// AccessClaims is the JWT body of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	Email    string `json:"email,omitempty"`
}

// Grant is a token request. The set of grants is closed.
type Grant interface {
	grantType() string
}

// AuthorizationCodeGrant exchanges a first-party code.
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

func (AuthorizationCodeGrant) grantType() string { return GrantTypeAuthorizationCode }

// RefreshTokenGrant rotates a refresh token. Scope may narrow the original
// grant.
type RefreshTokenGrant struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	Scope        string
}

func (RefreshTokenGrant) grantType() string { return GrantTypeRefreshToken }

// TokenService issues, rotates and revokes tokens.
type TokenService struct {
	store      *Store
	registry   *ClientRegistry
	keys       *KeyManager
	auditor    audit.Auditor
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	indexTTL   time.Duration
	now        func() time.Time
}

// NewTokenService wires the service from cfg.
func NewTokenService(cfg Config, store *Store, registry *ClientRegistry, keys *KeyManager, auditor audit.Auditor, m *metrics.Metrics, logger *zap.SugaredLogger) *TokenService {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	audience := cfg.Audience
	if audience == "" {
		audience = cfg.Issuer
	}
	return &TokenService{
		store:      store,
		registry:   registry,
		keys:       keys,
		auditor:    auditor,
		metrics:    m,
		logger:     logger.Named("tokens"),
		issuer:     strings.TrimRight(cfg.Issuer, "/"),
		audience:   audience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		codeTTL:    cfg.AuthCodeTTL,
		indexTTL:   cfg.IndexTTL(),
		now:        time.Now,
	}
}

// Exchange dispatches a token request.
func (s *TokenService) Exchange(ctx context.Context, grant Grant) (*TokenPair, error) {
	switch g := grant.(type) {
	case AuthorizationCodeGrant:
		return s.exchangeCode(ctx, g)
	case RefreshTokenGrant:
		return s.exchangeRefresh(ctx, g)
	default:
		return nil, NewError(KindUnsupportedGrantType, "grant_type is not supported")
	}
}

func (s *TokenService) exchangeCode(ctx context.Context, g AuthorizationCodeGrant) (*TokenPair, error) {
	switch {
	case g.Code == "":
		return nil, NewError(KindInvalidRequest, "code is required")
	case g.RedirectURI == "":
		return nil, NewError(KindInvalidRequest, "redirect_uri is required")
	case g.ClientID == "":
		return nil, NewError(KindInvalidRequest, "client_id is required")
	}
	if perr := ValidateCodeVerifier(g.CodeVerifier); perr != nil {
		return nil, perr
	}

	codeHash := HashToken(g.Code)
	code, err := s.store.TakeAuthCode(ctx, codeHash)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, AsError(err)
		}
		return nil, s.handleCodeReplay(ctx, codeHash, g.ClientID)
	}
	if err := s.store.MarkCodeUsed(ctx, codeHash, code.FamilyID, s.codeTTL); err != nil {
		return nil, AsError(err)
	}

	if !code.ExpiresAt.IsZero() && s.now().After(code.ExpiresAt) {
		return nil, NewError(KindInvalidGrant, "authorization code expired")
	}
	if code.ClientID != g.ClientID {
		s.logger.Infow("code presented by another client", "client_id", g.ClientID, "family_id", code.FamilyID)
		return nil, NewError(KindInvalidGrant, "authorization code was not issued to this client")
	}
	if code.RedirectURI != g.RedirectURI {
		return nil, NewError(KindInvalidGrant, "redirect_uri does not match the authorization request")
	}

	client, err := s.registry.Authenticate(ctx, g.ClientID, g.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantTypeAuthorizationCode) {
		return nil, NewError(KindUnauthorizedClient, "client is not registered for the authorization_code grant")
	}
	if !VerifyPKCE(g.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, NewError(KindInvalidGrant, "code_verifier does not match code_challenge")
	}

	return s.issuePair(ctx, issueRequest{
		grantType:   GrantTypeAuthorizationCode,
		client:      client,
		subject:     code.Subject,
		email:       code.Email,
		scope:       code.Scope,
		familyID:    code.FamilyID,
		withRefresh: client.AllowsGrant(GrantTypeRefreshToken),
	})
}

// handleCodeReplay runs when a code is absent. A code that was consumed
// before is a replay and takes its token family down with it.
func (s *TokenService) handleCodeReplay(ctx context.Context, codeHash, clientID string) error {
	familyID, err := s.store.CodeUsedFamily(ctx, codeHash)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return NewError(KindInvalidGrant, "authorization code is invalid or expired")
	case err != nil:
		return AsError(err)
	}
	if err := s.revokeFamily(ctx, familyID, audit.AuthorizationCodeReplay, clientID, ""); err != nil {
		return err
	}
	return NewError(KindInvalidGrant, "authorization code was already used")
}

func (s *TokenService) exchangeRefresh(ctx context.Context, g RefreshTokenGrant) (*TokenPair, error) {
	if g.RefreshToken == "" {
		return nil, NewError(KindInvalidRequest, "refresh_token is required")
	}
	if g.ClientID == "" {
		return nil, NewError(KindInvalidRequest, "client_id is required")
	}

	client, err := s.registry.Authenticate(ctx, g.ClientID, g.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantTypeRefreshToken) {
		return nil, NewError(KindUnauthorizedClient, "client is not registered for the refresh_token grant")
	}

	tokenHash := HashToken(g.RefreshToken)
	rt, err := s.store.TakeRefreshToken(ctx, tokenHash)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, AsError(err)
		}
		familyID, uerr := s.store.RefreshUsedFamily(ctx, tokenHash)
		switch {
		case errors.Is(uerr, kv.ErrNotFound):
			return nil, NewError(KindInvalidGrant, "refresh token is invalid or expired")
		case uerr != nil:
			return nil, AsError(uerr)
		}
		if err := s.revokeFamily(ctx, familyID, audit.RefreshTokenReuse, client.ClientID, ""); err != nil {
			return nil, err
		}
		return nil, NewError(KindInvalidGrant, "refresh token was already used")
	}
	if err := s.store.MarkRefreshUsed(ctx, tokenHash, rt.FamilyID, s.refreshTTL); err != nil {
		return nil, AsError(err)
	}

	if rt.ClientID != client.ClientID {
		if err := s.revokeFamily(ctx, rt.FamilyID, audit.RefreshTokenReuse, client.ClientID, rt.Subject); err != nil {
			return nil, err
		}
		return nil, NewError(KindInvalidGrant, "refresh token was not issued to this client")
	}
	revoked, err := s.store.IsFamilyRevoked(ctx, rt.FamilyID)
	if err != nil {
		return nil, AsError(err)
	}
	if revoked {
		if err := s.revokeFamily(ctx, rt.FamilyID, audit.RefreshTokenReuse, client.ClientID, rt.Subject); err != nil {
			return nil, err
		}
		return nil, NewError(KindInvalidGrant, "refresh token family was revoked")
	}
	if !rt.ExpiresAt.IsZero() && s.now().After(rt.ExpiresAt) {
		return nil, NewError(KindInvalidGrant, "refresh token expired")
	}

	scope := rt.Scope
	if requested := strings.Fields(g.Scope); len(requested) > 0 {
		if !scopeSubset(requested, strings.Fields(rt.Scope)) {
			return nil, NewError(KindInvalidScope, "requested scope exceeds the original grant")
		}
		scope = strings.Join(dedupe(requested), " ")
	}

	return s.issuePair(ctx, issueRequest{
		grantType:   GrantTypeRefreshToken,
		client:      client,
		subject:     rt.Subject,
		email:       rt.Email,
		scope:       scope,
		familyID:    rt.FamilyID,
		withRefresh: true,
	})
}

type issueRequest struct {
	grantType   string
	client      *Client
	subject     string
	email       string
	scope       string
	familyID    string
	withRefresh bool
}

func (s *TokenService) issuePair(ctx context.Context, req issueRequest) (*TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, AsError(err)
	}

	now := s.now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(s.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   req.subject,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
		Scope:    req.scope,
		ClientID: req.client.ClientID,
		Email:    req.email,
	}
	accessToken, err := s.keys.Sign(claims)
	if err != nil {
		return nil, WrapError(KindServerError, "failed to sign access token", err)
	}

	var written []string
	cleanup := func() {
		if len(written) == 0 {
			return
		}
		if err := s.store.DeleteKeys(context.WithoutCancel(ctx), written...); err != nil {
			s.logger.Errorw("failed to unwind partially issued tokens", "family_id", req.familyID, "error", err)
		}
	}
	unwind := func(cause error) (*TokenPair, error) {
		cleanup()
		return nil, AsError(cause)
	}

	record := &AccessToken{
		JTI:       jti,
		ClientID:  req.client.ClientID,
		Subject:   req.subject,
		Scope:     req.scope,
		FamilyID:  req.familyID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.SaveAccessToken(ctx, record, s.accessTTL); err != nil {
		return unwind(err)
	}
	written = append(written, tokenKey(jti))

	pair := &TokenPair{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(s.accessTTL / time.Second),
		Scope:       req.scope,
	}

	if req.withRefresh {
		raw, err := RandomString(refreshTokenBytes)
		if err != nil {
			return unwind(fmt.Errorf("failed to generate refresh token: %w", err))
		}
		refreshHash := HashToken(raw)
		refresh := &RefreshToken{
			ClientID:  req.client.ClientID,
			Subject:   req.subject,
			Email:     req.email,
			Scope:     req.scope,
			FamilyID:  req.familyID,
			IssuedAt:  now,
			ExpiresAt: now.Add(s.refreshTTL),
		}
		if err := s.store.SaveRefreshToken(ctx, refreshHash, refresh, s.refreshTTL); err != nil {
			return unwind(err)
		}
		written = append(written, refreshKey(refreshHash))
		pair.RefreshToken = raw
	}

	if err := s.store.IndexIssued(ctx, req.familyID, req.subject, req.client.ClientID, s.indexTTL, written...); err != nil {
		return unwind(err)
	}

	// A concurrent replay may have revoked the family while this pair was
	// being written.
	revoked, err := s.store.IsFamilyRevoked(ctx, req.familyID)
	if err != nil {
		return unwind(err)
	}
	if revoked {
		cleanup()
		return nil, NewError(KindInvalidGrant, "token family was revoked")
	}
	deleted, err := s.store.IsClientRevoked(ctx, req.client.ClientID)
	if err != nil {
		return unwind(err)
	}
	if deleted {
		cleanup()
		return nil, NewError(KindInvalidClient, "client was deleted")
	}

	s.metrics.TokenIssued(req.grantType)
	s.logger.Infow("tokens issued",
		"client_id", req.client.ClientID,
		"subject", req.subject,
		"jti", jti,
		"family_id", req.familyID,
		"grant_type", req.grantType,
	)
	return pair, nil
}

func (s *TokenService) revokeFamily(ctx context.Context, familyID string, reason audit.EventType, clientID, subject string) error {
	n, err := s.store.RevokeFamily(ctx, familyID, s.refreshTTL)
	if err != nil {
		return AsError(err)
	}
	s.metrics.SecurityEvent(string(reason))
	s.auditor.Record(ctx, audit.Event{Type: reason, ClientID: clientID, Subject: subject, FamilyID: familyID})
	s.auditor.Record(ctx, audit.Event{Type: audit.FamilyRevoked, ClientID: clientID, Subject: subject, FamilyID: familyID, Detail: fmt.Sprintf("%d keys revoked", n)})
	return nil
}

// Revoke implements RFC 7009. The client must authenticate; tokens that are
// unknown or belong to another client are ignored.
func (s *TokenService) Revoke(ctx context.Context, token, hint, clientID, clientSecret string) error {
	if token == "" {
		return NewError(KindInvalidRequest, "token is required")
	}
	client, err := s.registry.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	if hint == TokenHintAccessToken {
		if done, err := s.revokeAccess(ctx, client, token); done || err != nil {
			return err
		}
		_, err := s.revokeRefresh(ctx, client, token)
		return err
	}
	if done, err := s.revokeRefresh(ctx, client, token); done || err != nil {
		return err
	}
	_, err = s.revokeAccess(ctx, client, token)
	return err
}

func (s *TokenService) revokeRefresh(ctx context.Context, client *Client, token string) (bool, error) {
	rt, err := s.store.GetRefreshToken(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, AsError(err)
	}
	if rt.ClientID != client.ClientID {
		s.logger.Infow("revocation of another client's refresh token ignored", "client_id", client.ClientID)
		return true, nil
	}
	n, err := s.store.RevokeFamily(ctx, rt.FamilyID, s.refreshTTL)
	if err != nil {
		return false, AsError(err)
	}
	s.auditor.Record(ctx, audit.Event{Type: audit.FamilyRevoked, ClientID: client.ClientID, Subject: rt.Subject, FamilyID: rt.FamilyID, Detail: fmt.Sprintf("revoked by client, %d keys", n)})
	return true, nil
}

func (s *TokenService) revokeAccess(ctx context.Context, client *Client, token string) (bool, error) {
	var claims AccessClaims
	if _, err := s.keys.Verify(token, &claims, jwt.WithoutClaimsValidation()); err != nil || claims.ID == "" {
		return false, nil
	}
	if claims.ClientID != client.ClientID {
		s.logger.Infow("revocation of another client's access token ignored", "client_id", client.ClientID)
		return true, nil
	}
	if err := s.store.DeleteAccessToken(ctx, claims.ID); err != nil {
		return false, AsError(err)
	}
	s.logger.Infow("access token revoked", "client_id", client.ClientID, "jti", claims.ID)
	return true, nil
}

// RevokeAccessToken deletes one access token record by jti.
func (s *TokenService) RevokeAccessToken(ctx context.Context, jti string) error {
	if jti == "" {
		return NewError(KindInvalidRequest, "jti is required")
	}
	if err := s.store.DeleteAccessToken(ctx, jti); err != nil {
		return AsError(err)
	}
	s.logger.Infow("access token revoked by administrator", "jti", jti)
	return nil
}

// RevokeUserTokens revokes every access and refresh token issued to subject.
func (s *TokenService) RevokeUserTokens(ctx context.Context, subject string) (int, error) {
	if subject == "" {
		return 0, NewError(KindInvalidRequest, "subject is required")
	}
	n, err := s.store.RevokeUserTokens(ctx, subject)
	if err != nil {
		return 0, AsError(err)
	}
	s.metrics.SecurityEvent(string(audit.UserTokensRevoked))
	s.auditor.Record(ctx, audit.Event{Type: audit.UserTokensRevoked, Subject: subject, Detail: fmt.Sprintf("%d keys revoked", n)})
	return n, nil
}
