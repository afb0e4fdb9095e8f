package oauth

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/providentiaww/trilix-authserver/internal/audit"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/upstream"
)

const (
	correlationBytes = 32
	authCodeBytes    = 32
)

// AuthorizeRequest carries the /authorize query parameters.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// CallbackRequest carries the parameters the upstream provider redirects
// back with.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// AuthorizationFlow drives one authorization attempt from the client's
// /authorize request through the upstream provider to a first-party code.
type AuthorizationFlow struct {
	store           *Store
	registry        *ClientRegistry
	provider        upstream.Provider
	auditor         audit.Auditor
	metrics         *metrics.Metrics
	logger          *zap.SugaredLogger
	issuer          string
	scopesSupported []string
	allowedUsers    map[string]struct{}
	stateTTL        time.Duration
	codeTTL         time.Duration
	indexTTL        time.Duration
	upstreamTimeout time.Duration
	now             func() time.Time
}

// NewAuthorizationFlow wires the flow from cfg.
func NewAuthorizationFlow(cfg Config, store *Store, registry *ClientRegistry, provider upstream.Provider, auditor audit.Auditor, m *metrics.Metrics, logger *zap.SugaredLogger) *AuthorizationFlow {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	var allowed map[string]struct{}
	if len(cfg.AllowedUsers) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedUsers))
		for _, u := range cfg.AllowedUsers {
			allowed[strings.ToLower(strings.TrimSpace(u))] = struct{}{}
		}
	}
	return &AuthorizationFlow{
		store:           store,
		registry:        registry,
		provider:        provider,
		auditor:         auditor,
		metrics:         m,
		logger:          logger.Named("flow"),
		issuer:          strings.TrimRight(cfg.Issuer, "/"),
		scopesSupported: cfg.ScopesSupported,
		allowedUsers:    allowed,
		stateTTL:        cfg.AuthStateTTL,
		codeTTL:         cfg.AuthCodeTTL,
		indexTTL:        cfg.IndexTTL(),
		upstreamTimeout: cfg.UpstreamTimeout,
		now:             time.Now,
	}
}

// Authorize validates an authorization request and returns the upstream
// authorization URL. Failures before redirect_uri is validated are returned
// as *Error; later failures as *RedirectError addressed to the client.
func (f *AuthorizationFlow) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.ClientID == "" {
		return "", NewError(KindInvalidRequest, "client_id is required")
	}
	client, err := f.registry.Lookup(ctx, req.ClientID)
	if err != nil {
		if oe := AsError(err); oe.Kind == KindNotFound {
			return "", NewError(KindInvalidRequest, "unknown client_id")
		}
		return "", err
	}
	if req.RedirectURI == "" {
		return "", NewError(KindInvalidRequest, "redirect_uri is required")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return "", NewError(KindInvalidRequest, "redirect_uri is not registered for this client")
	}

	// redirect_uri is trusted from here on.
	fail := func(e *Error) (string, error) {
		f.logger.Infow("authorization request rejected",
			"client_id", client.ClientID,
			"stage", StageFailed,
			"error", e.Code,
		)
		return "", &RedirectError{RedirectURI: req.RedirectURI, State: req.State, Issuer: f.issuer, Err: e}
	}

	if req.ResponseType != ResponseTypeCode {
		return fail(NewError(KindUnsupportedResponseType, "response_type must be code"))
	}
	if perr := ValidateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); perr != nil {
		return fail(perr)
	}
	if !client.AllowsGrant(GrantTypeAuthorizationCode) {
		return fail(NewError(KindUnauthorizedClient, "client is not registered for the authorization_code grant"))
	}
	scope, serr := f.resolveScope(client, req.Scope)
	if serr != nil {
		return fail(serr)
	}

	correlation, err := RandomString(correlationBytes)
	if err != nil {
		return "", WrapError(KindServerError, "failed to generate state", err)
	}
	state := &AuthState{
		Correlation:         correlation,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		RequestedScope:      scope,
		ClientState:         req.State,
		UpstreamVerifier:    oauth2.GenerateVerifier(),
		Stage:               StageRedirectedUpstream,
		CreatedAt:           f.now().UTC(),
	}
	if err := f.store.SaveAuthState(ctx, state, f.stateTTL); err != nil {
		return "", AsError(err)
	}

	f.logger.Debugw("redirecting to upstream",
		"client_id", client.ClientID,
		"stage", state.Stage,
	)
	return f.provider.AuthCodeURL(correlation, state.UpstreamVerifier), nil
}

// Callback completes an attempt after the upstream provider redirects back.
// It returns the client redirect carrying the new code. Errors that can be
// delivered to the client come back as *RedirectError.
func (f *AuthorizationFlow) Callback(ctx context.Context, req CallbackRequest) (string, error) {
	if req.State == "" {
		return "", NewError(KindInvalidRequest, "state is required")
	}
	state, err := f.store.TakeAuthState(ctx, req.State)
	if err != nil {
		return "", storeError(err, NewError(KindInvalidRequest, "authorization request is unknown or expired"))
	}
	state.Stage = StageCallbackReceived

	// A client deleted mid-flow must not receive a code.
	client, err := f.registry.Lookup(ctx, state.ClientID)
	if err != nil {
		if oe := AsError(err); oe.Kind == KindNotFound {
			return "", NewError(KindInvalidRequest, "client no longer exists")
		}
		return "", err
	}
	if !client.HasRedirectURI(state.RedirectURI) {
		return "", NewError(KindInvalidRequest, "redirect_uri is no longer registered for this client")
	}

	fail := func(e *Error) (string, error) {
		f.logger.Infow("authorization failed",
			"client_id", client.ClientID,
			"stage", StageFailed,
			"error", e.Code,
			"cause", e.Cause,
		)
		return "", &RedirectError{RedirectURI: state.RedirectURI, State: state.ClientState, Issuer: f.issuer, Err: e}
	}

	if req.Error != "" {
		desc := "the identity provider denied the request"
		if req.ErrorDescription != "" {
			desc = req.ErrorDescription
		}
		return fail(&Error{Kind: KindUpstreamIdPError, Code: "access_denied", Description: desc})
	}
	if req.Code == "" {
		return fail(NewError(KindInvalidRequest, "the identity provider returned no code"))
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, f.upstreamTimeout)
	identity, err := f.provider.Exchange(exchangeCtx, req.Code, state.UpstreamVerifier)
	timedOut := errors.Is(exchangeCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return "", AsError(ctx.Err())
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			return fail(&Error{Kind: KindUpstreamIdPError, Code: "temporarily_unavailable", Description: "the identity provider did not respond in time", Cause: err})
		}
		return fail(WrapError(KindUpstreamIdPError, "the identity provider could not authenticate the user", err))
	}

	if !f.userAllowed(identity) {
		f.metrics.SecurityEvent(string(audit.UpstreamIdentityDenied))
		f.auditor.Record(ctx, audit.Event{Type: audit.UpstreamIdentityDenied, ClientID: client.ClientID, Subject: identity.Subject})
		return "", NewError(KindAccessDenied, "user is not allowed to use this server")
	}

	if err := ctx.Err(); err != nil {
		return "", AsError(err)
	}

	raw, err := RandomString(authCodeBytes)
	if err != nil {
		return "", WrapError(KindServerError, "failed to generate code", err)
	}
	now := f.now().UTC()
	code := &AuthorizationCode{
		ClientID:            client.ClientID,
		RedirectURI:         state.RedirectURI,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		Subject:             identity.Subject,
		Email:               identity.Email,
		Scope:               state.RequestedScope,
		FamilyID:            uuid.NewString(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.codeTTL),
	}
	if err := f.store.SaveAuthCode(ctx, HashToken(raw), code, f.codeTTL, f.indexTTL); err != nil {
		return "", AsError(err)
	}

	f.logger.Infow("authorization code issued",
		"client_id", client.ClientID,
		"subject", identity.Subject,
		"family_id", code.FamilyID,
		"stage", StageCodeIssued,
	)

	params := url.Values{}
	params.Set("code", raw)
	if state.ClientState != "" {
		params.Set("state", state.ClientState)
	}
	params.Set("iss", f.issuer)
	return appendQuery(state.RedirectURI, params), nil
}

func (f *AuthorizationFlow) userAllowed(identity *upstream.Identity) bool {
	if f.allowedUsers == nil {
		return true
	}
	candidates := []string{identity.Subject}
	if identity.EmailVerified {
		candidates = append(candidates, identity.Email)
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, ok := f.allowedUsers[strings.ToLower(candidate)]; ok {
			return true
		}
	}
	return false
}

// resolveScope returns the normalized scope for a request. An empty request
// inherits the client's registered scope.
func (f *AuthorizationFlow) resolveScope(client *Client, requested string) (string, *Error) {
	requestedScopes := strings.Fields(requested)
	if len(requestedScopes) == 0 {
		return client.Scope, nil
	}
	allowed := strings.Fields(client.Scope)
	if len(allowed) == 0 {
		allowed = f.scopesSupported
	}
	if len(allowed) > 0 && !scopeSubset(requestedScopes, allowed) {
		return "", NewError(KindInvalidScope, "requested scope exceeds what the client may request")
	}
	return strings.Join(dedupe(requestedScopes), " "), nil
}

func scopeSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}
