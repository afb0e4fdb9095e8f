package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/trilix-authserver/internal/audit"
	"github.com/providentiaww/trilix-authserver/internal/kv"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
)

const (
	maxRedirectURIs   = 10
	maxClientNameLen  = 256
	clientIDBytes     = 18
	clientSecretBytes = 48
	regTokenBytes     = 32
)

// ClientMetadata is the RFC 7591 registration request body. It is also the
// RFC 7592 update body, where RotateClientSecret requests a new secret.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	RotateClientSecret      bool     `json:"rotate_client_secret,omitempty"`
}

// ClientInformation is the RFC 7591 / 7592 response body. Secrets are only
// populated when they were generated by the call that returns them.
type ClientInformation struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string   `json:"registration_client_uri"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// ClientRegistry implements dynamic client registration and management.
type ClientRegistry struct {
	store     *Store
	issuer    string
	markerTTL time.Duration
	auditor   audit.Auditor
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewClientRegistry creates a registry. cfg.Issuer is used to build
// registration_client_uri values.
func NewClientRegistry(cfg Config, store *Store, auditor audit.Auditor, m *metrics.Metrics, logger *zap.SugaredLogger) *ClientRegistry {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &ClientRegistry{
		store:     store,
		issuer:    strings.TrimRight(cfg.Issuer, "/"),
		markerTTL: cfg.IndexTTL(),
		auditor:   auditor,
		metrics:   m,
		logger:    logger.Named("registry"),
		now:       time.Now,
	}
}

// Register validates metadata and creates a client. The returned record holds
// the client secret and registration access token in the clear; they are not
// retrievable afterwards.
func (r *ClientRegistry) Register(ctx context.Context, md ClientMetadata) (*ClientInformation, error) {
	if err := normalizeMetadata(&md); err != nil {
		return nil, err
	}

	clientID, err := RandomString(clientIDBytes)
	if err != nil {
		return nil, WrapError(KindServerError, "failed to generate client_id", err)
	}
	regToken, err := RandomString(regTokenBytes)
	if err != nil {
		return nil, WrapError(KindServerError, "failed to generate registration token", err)
	}

	now := r.now().UTC()
	client := &Client{
		ClientID:                "client_" + clientID,
		ClientName:              md.ClientName,
		RedirectURIs:            md.RedirectURIs,
		GrantTypes:              md.GrantTypes,
		ResponseTypes:           md.ResponseTypes,
		Scope:                   md.Scope,
		TokenEndpointAuthMethod: md.TokenEndpointAuthMethod,
		RegistrationTokenHash:   HashToken(regToken),
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	var secret string
	if !client.IsPublic() {
		if secret, err = r.newSecret(client); err != nil {
			return nil, err
		}
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, AsError(err)
	}

	r.metrics.ClientRegistered()
	r.auditor.Record(ctx, audit.Event{Type: audit.ClientRegistered, ClientID: client.ClientID, Detail: client.TokenEndpointAuthMethod})
	r.logger.Infow("client registered",
		"client_id", client.ClientID,
		"auth_method", client.TokenEndpointAuthMethod,
		"redirect_uris", len(client.RedirectURIs),
	)

	info := r.information(client)
	info.ClientSecret = secret
	info.RegistrationAccessToken = regToken
	return info, nil
}

// Get returns the client's current metadata.
func (r *ClientRegistry) Get(ctx context.Context, clientID, presentedToken string) (*ClientInformation, error) {
	client, err := r.authorize(ctx, clientID, presentedToken)
	if err != nil {
		return nil, err
	}
	return r.information(client), nil
}

// Update replaces the client's metadata. client_id, the registration token
// and the client secret are preserved unless the secret is explicitly rotated
// or the auth method changes between public and confidential.
func (r *ClientRegistry) Update(ctx context.Context, clientID, presentedToken string, md ClientMetadata) (*ClientInformation, error) {
	client, err := r.authorize(ctx, clientID, presentedToken)
	if err != nil {
		return nil, err
	}
	if err := normalizeMetadata(&md); err != nil {
		return nil, err
	}

	wasPublic := client.IsPublic()
	client.ClientName = md.ClientName
	client.RedirectURIs = md.RedirectURIs
	client.GrantTypes = md.GrantTypes
	client.ResponseTypes = md.ResponseTypes
	client.Scope = md.Scope
	client.TokenEndpointAuthMethod = md.TokenEndpointAuthMethod
	client.UpdatedAt = r.now().UTC()

	var secret string
	switch {
	case client.IsPublic():
		client.ClientSecretHash = ""
	case wasPublic || md.RotateClientSecret:
		if secret, err = r.newSecret(client); err != nil {
			return nil, err
		}
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, AsError(err)
	}
	r.logger.Infow("client updated", "client_id", client.ClientID, "secret_rotated", secret != "")

	info := r.information(client)
	info.ClientSecret = secret
	return info, nil
}

// Delete revokes every code and token issued to the client and then removes
// the client.
func (r *ClientRegistry) Delete(ctx context.Context, clientID, presentedToken string) error {
	client, err := r.authorize(ctx, clientID, presentedToken)
	if err != nil {
		return err
	}

	// The marker goes first: a pair indexed before this point is swept
	// below, one indexed after it sees the marker and unwinds.
	if err := r.store.MarkClientRevoked(ctx, client.ClientID, r.markerTTL); err != nil {
		return AsError(err)
	}
	revoked, err := r.store.RevokeClientTokens(ctx, client.ClientID)
	if err != nil {
		return AsError(err)
	}
	if err := r.store.DeleteClient(ctx, client.ClientID); err != nil {
		return AsError(err)
	}

	r.auditor.Record(ctx, audit.Event{Type: audit.ClientDeleted, ClientID: client.ClientID, Detail: fmt.Sprintf("%d keys revoked", revoked)})
	r.logger.Infow("client deleted", "client_id", client.ClientID, "revoked", revoked)
	return nil
}

// Lookup fetches a client for the authorization and token endpoints.
// Unknown clients yield KindNotFound.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, NewError(KindNotFound, "unknown client")
	}
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, storeError(err, NewError(KindNotFound, "unknown client"))
	}
	return client, nil
}

// Authenticate checks token endpoint client credentials. Public clients pass
// with no secret; confidential clients must present their secret.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	if clientID == "" {
		return nil, NewError(KindInvalidClient, "client authentication failed")
	}
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		if oe := AsError(err); oe.Kind == KindNotFound {
			return nil, NewError(KindInvalidClient, "client authentication failed")
		}
		return nil, err
	}
	if client.IsPublic() {
		return client, nil
	}
	if !CompareSecret(client.ClientSecretHash, secret) {
		return nil, NewError(KindInvalidClient, "client authentication failed")
	}
	return client, nil
}

// List returns every client's public metadata, sorted by client_id.
func (r *ClientRegistry) List(ctx context.Context) ([]*ClientInformation, error) {
	ids, err := r.store.ListClientIDs(ctx)
	if err != nil {
		return nil, AsError(err)
	}
	sort.Strings(ids)

	out := make([]*ClientInformation, 0, len(ids))
	for _, id := range ids {
		client, err := r.store.GetClient(ctx, id)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, AsError(err)
		}
		out = append(out, r.information(client))
	}
	return out, nil
}

func (r *ClientRegistry) authorize(ctx context.Context, clientID, presentedToken string) (*Client, error) {
	if presentedToken == "" {
		return nil, NewError(KindUnauthorized, "registration access token required")
	}
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !constantTimeEqual(HashToken(presentedToken), client.RegistrationTokenHash) {
		r.logger.Infow("registration token mismatch", "client_id", clientID)
		return nil, NewError(KindForbidden, "registration access token does not match this client")
	}
	return client, nil
}

func (r *ClientRegistry) newSecret(client *Client) (string, error) {
	secret, err := RandomString(clientSecretBytes)
	if err != nil {
		return "", WrapError(KindServerError, "failed to generate client_secret", err)
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return "", WrapError(KindServerError, "failed to hash client_secret", err)
	}
	client.ClientSecretHash = hash
	return secret, nil
}

func (r *ClientRegistry) information(client *Client) *ClientInformation {
	info := &ClientInformation{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RegistrationClientURI:   r.issuer + "/register/" + client.ClientID,
		ClientName:              client.ClientName,
		RedirectURIs:            slices.Clone(client.RedirectURIs),
		GrantTypes:              slices.Clone(client.GrantTypes),
		ResponseTypes:           slices.Clone(client.ResponseTypes),
		Scope:                   client.Scope,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
	}
	if !client.IsPublic() {
		var never int64
		info.ClientSecretExpiresAt = &never
	}
	return info
}

// normalizeMetadata applies defaults and validates registration metadata.
func normalizeMetadata(md *ClientMetadata) error {
	if len(md.RedirectURIs) == 0 {
		return NewError(KindInvalidClientMetadata, "redirect_uris is required")
	}
	if len(md.RedirectURIs) > maxRedirectURIs {
		return NewError(KindInvalidClientMetadata, fmt.Sprintf("at most %d redirect_uris are allowed", maxRedirectURIs))
	}
	for _, uri := range md.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return NewError(KindInvalidClientMetadata, err.Error())
		}
	}

	md.ClientName = strings.TrimSpace(md.ClientName)
	if len(md.ClientName) > maxClientNameLen {
		return NewError(KindInvalidClientMetadata, fmt.Sprintf("client_name exceeds %d characters", maxClientNameLen))
	}

	if len(md.GrantTypes) == 0 {
		md.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range md.GrantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return NewError(KindInvalidClientMetadata, fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}
	if !slices.Contains(md.GrantTypes, GrantTypeAuthorizationCode) {
		return NewError(KindInvalidClientMetadata, "grant_types must include authorization_code")
	}
	md.GrantTypes = dedupe(md.GrantTypes)

	if len(md.ResponseTypes) == 0 {
		md.ResponseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range md.ResponseTypes {
		if rt != ResponseTypeCode {
			return NewError(KindInvalidClientMetadata, fmt.Sprintf("unsupported response_type %q", rt))
		}
	}
	md.ResponseTypes = dedupe(md.ResponseTypes)

	switch md.TokenEndpointAuthMethod {
	case "":
		md.TokenEndpointAuthMethod = AuthMethodClientSecretPost
	case AuthMethodNone, AuthMethodClientSecretPost, AuthMethodClientSecretBasic:
	default:
		return NewError(KindInvalidClientMetadata, fmt.Sprintf("unsupported token_endpoint_auth_method %q", md.TokenEndpointAuthMethod))
	}

	md.Scope = strings.Join(strings.Fields(md.Scope), " ")
	return nil
}

// validateRedirectURI requires an absolute URI without fragment, served over
// https or plain http on a loopback host.
func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := parsed.Hostname()
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return nil
	}
	return fmt.Errorf("redirect_uri must use https (or loopback http): %s", raw)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
