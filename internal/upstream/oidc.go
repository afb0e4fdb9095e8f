package upstream

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// OIDCProvider resolves identity from a verified ID token.
type OIDCProvider struct {
	config       *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	subjectField string
	client       *http.Client
	logger       *zap.SugaredLogger
}

type idTokenClaims struct {
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// NewOIDCProvider discovers the issuer's endpoints and keys.
func NewOIDCProvider(ctx context.Context, cfg Config, client *http.Client, logger *zap.SugaredLogger) (*OIDCProvider, error) {
	ctx = oidc.ClientContext(ctx, client)
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newOIDCProvider(cfg, endpoint, verifier, client, logger)
}

func newOIDCProvider(cfg Config, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier, client *http.Client, logger *zap.SugaredLogger) (*OIDCProvider, error) {
	scopes := scopesOrDefault(cfg.Scopes, oidc.ScopeOpenID, "profile", "email")
	if !slices.Contains(scopes, oidc.ScopeOpenID) {
		return nil, fmt.Errorf("openid scope is required for OIDC upstream")
	}

	field := cfg.SubjectField
	if field == defaultSubjectField {
		field = ""
	}
	return &OIDCProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier:     verifier,
		subjectField: field,
		client:       client,
		logger:       logger.Named("upstream.oidc"),
	}, nil
}

func (p *OIDCProvider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, p.client)
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrIdentityResolution)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolution, err)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolution, err)
	}

	subject := idToken.Subject
	if p.subjectField != "" && p.subjectField != "sub" {
		var all map[string]interface{}
		if err := idToken.Claims(&all); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIdentityResolution, err)
		}
		subject = stringField(all, p.subjectField)
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: ID token has no subject", ErrIdentityResolution)
	}

	p.logger.Debugw("upstream identity resolved", "subject", subject)
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	identity := &Identity{Subject: subject, Name: name}
	if claims.EmailVerified {
		identity.Email = claims.Email
		identity.EmailVerified = true
	}
	return identity, nil
}
