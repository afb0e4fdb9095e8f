// Package oauth exposes the authorization server over HTTP.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/providentiaww/trilix-authserver/cmd/auth-server/auth"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

const (
	maxBodySize   = 64 * 1024
	healthTimeout = 2 * time.Second
)

// Services are the core components the handlers delegate to.
type Services struct {
	Store    *oauth.Store
	Keys     *oauth.KeyManager
	Registry *oauth.ClientRegistry
	Flow     *oauth.AuthorizationFlow
	Tokens   *oauth.TokenService
	Verifier *oauth.BearerVerifier
	Metrics  *metrics.Metrics
}

// Server provides the OAuth 2.1 endpoints.
type Server struct {
	cfg     oauth.Config
	svc     Services
	admin   *auth.AdminGuard
	limiter *auth.RateLimiter
	logger  *zap.SugaredLogger
}

// NewServer creates a new OAuth server.
func NewServer(cfg oauth.Config, svc Services, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		admin:   auth.NewAdminGuard(cfg.AdminToken, logger),
		limiter: auth.NewRateLimiter(cfg.RegisterRate, cfg.RegisterBurst),
		logger:  logger.Named("http"),
	}
}

// Routes returns the router with every endpoint registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(auth.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.With(s.limiter.Handler).Post("/register", s.HandleRegister)
	r.Get("/register/{client_id}", s.HandleGetClient)
	r.Put("/register/{client_id}", s.HandleUpdateClient)
	r.Delete("/register/{client_id}", s.HandleDeleteClient)

	r.Get("/authorize", s.HandleAuthorize)
	r.Get("/callback", s.HandleCallback)
	r.Post("/token", s.HandleToken)
	r.Post("/revoke", s.HandleRevoke)
	r.Get("/verify", s.HandleVerify)
	r.Head("/verify", s.HandleVerify)

	r.Get("/.well-known/jwks.json", s.HandleJWKS)
	r.Get("/.well-known/oauth-authorization-server", s.HandleWellKnown)
	r.Get("/healthz", s.HandleHealth)
	r.Method(http.MethodGet, "/metrics", s.svc.Metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.admin.Handler)
		r.Get("/clients", s.HandleListClients)
		r.Delete("/users/{subject}/tokens", s.HandleRevokeUserTokens)
		r.Delete("/tokens/{jti}", s.HandleRevokeToken)
	})
	return r
}

// HandleRegister registers a dynamic client (RFC 7591).
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	md, err := decodeMetadata(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.Registry.Register(r.Context(), *md)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	w.Header().Set("Location", info.RegistrationClientURI)
	writeJSON(w, http.StatusCreated, info)
}

// HandleGetClient reads a registration (RFC 7592).
func (s *Server) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Registry.Get(r.Context(), chi.URLParam(r, "client_id"), auth.ExtractTokenFromHeader(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, info)
}

// HandleUpdateClient replaces a registration's metadata (RFC 7592).
func (s *Server) HandleUpdateClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	token := auth.ExtractTokenFromHeader(r)
	if token == "" {
		s.writeError(w, r, oauth.NewError(oauth.KindUnauthorized, "registration access token required"))
		return
	}
	md, err := decodeMetadata(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.Registry.Update(r.Context(), clientID, token, *md)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, info)
}

// HandleDeleteClient deletes a registration and revokes its tokens (RFC 7592).
func (s *Server) HandleDeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Registry.Delete(r.Context(), chi.URLParam(r, "client_id"), auth.ExtractTokenFromHeader(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAuthorize starts an authorization and redirects to the upstream IdP.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	location, err := s.svc.Flow.Authorize(r.Context(), oauth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	http.Redirect(w, r, location, http.StatusFound)
}

// HandleCallback receives the upstream redirect and sends the user back to
// the client with a first-party code.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	location, err := s.svc.Flow.Callback(r.Context(), oauth.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	http.Redirect(w, r, location, http.StatusFound)
}

// HandleToken exchanges a code or refresh token for a token pair.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, oauth.NewError(oauth.KindInvalidRequest, "invalid form body"))
		return
	}
	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var grant oauth.Grant
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case oauth.GrantTypeAuthorizationCode:
		grant = oauth.AuthorizationCodeGrant{
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			CodeVerifier: r.PostForm.Get("code_verifier"),
		}
	case oauth.GrantTypeRefreshToken:
		grant = oauth.RefreshTokenGrant{
			RefreshToken: r.PostForm.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scope:        r.PostForm.Get("scope"),
		}
	case "":
		s.writeError(w, r, oauth.NewError(oauth.KindInvalidRequest, "grant_type is required"))
		return
	default:
		s.writeError(w, r, oauth.NewError(oauth.KindUnsupportedGrantType, "unsupported grant_type "+grantType))
		return
	}

	pair, err := s.svc.Tokens.Exchange(r.Context(), grant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, pair)
}

// HandleRevoke implements RFC 7009 token revocation.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, oauth.NewError(oauth.KindInvalidRequest, "invalid form body"))
		return
	}
	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.svc.Tokens.Revoke(r.Context(), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), clientID, clientSecret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noStore(w)
	w.WriteHeader(http.StatusOK)
}

// HandleVerify is called by the reverse proxy for every protected request.
// Every denial looks the same to the caller.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	principal, err := s.svc.Verifier.Verify(r.Context(), auth.ExtractTokenFromHeader(r))
	if err != nil {
		var denied *oauth.DeniedError
		if !errors.As(err, &denied) {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+s.cfg.Issuer+`", error="invalid_token"`)
		noStore(w)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_token"})
		return
	}

	h := w.Header()
	h.Set("X-Auth-Subject", principal.Subject)
	h.Set("X-Auth-Client-Id", principal.ClientID)
	h.Set("X-Auth-Scope", principal.Scope)
	if principal.Email != "" {
		h.Set("X-Auth-Email", principal.Email)
	}
	noStore(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sub":       principal.Subject,
		"client_id": principal.ClientID,
		"scope":     principal.Scope,
		"exp":       principal.ExpiresAt.Unix(),
	})
}

// HandleJWKS serves the public signing key.
func (s *Server) HandleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.svc.Keys.JWKS())
}

type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethods     []string `json:"revocation_endpoint_auth_methods_supported"`
	AuthorizationResponseIssParameter bool     `json:"authorization_response_iss_parameter_supported"`
}

// HandleWellKnown serves RFC 8414 authorization server metadata.
func (s *Server) HandleWellKnown(w http.ResponseWriter, _ *http.Request) {
	issuer := s.cfg.Issuer
	authMethods := []string{oauth.AuthMethodNone, oauth.AuthMethodClientSecretPost, oauth.AuthMethodClientSecretBasic}
	writeJSON(w, http.StatusOK, serverMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/revoke",
		ScopesSupported:                   s.cfg.ScopesSupported,
		ResponseTypesSupported:            []string{oauth.ResponseTypeCode},
		GrantTypesSupported:               []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		CodeChallengeMethodsSupported:     []string{oauth.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: authMethods,
		RevocationEndpointAuthMethods:     authMethods,
		AuthorizationResponseIssParameter: true,
	})
}

// HandleHealth reports whether the store answers.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.svc.Store.Ping(ctx); err != nil {
		s.logger.Warnw("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListClients lists registered clients without credentials.
func (s *Server) HandleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.svc.Registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": clients})
}

// HandleRevokeUserTokens revokes everything issued to one subject.
func (s *Server) HandleRevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Tokens.RevokeUserTokens(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// HandleRevokeToken deletes one access token by jti.
func (s *Server) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Tokens.RevokeAccessToken(r.Context(), chi.URLParam(r, "jti")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError renders err as a redirect when it carries a validated client
// redirect URI and as a JSON error body otherwise.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var redirect *oauth.RedirectError
	if errors.As(err, &redirect) {
		s.logError(r, redirect.Err)
		noStore(w)
		http.Redirect(w, r, redirect.Location(), http.StatusFound)
		return
	}

	oe := oauth.AsError(err)
	s.logError(r, oe)
	status := oe.HTTPStatus()
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case oe.Kind == oauth.KindUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	case oe.Kind == oauth.KindInvalidClient && usesBasicAuth(r):
		w.Header().Set("WWW-Authenticate", `Basic realm="`+s.cfg.Issuer+`"`)
	}
	noStore(w)
	writeJSON(w, status, errorBody{Error: oe.Code, Description: oe.Description})
}

func (s *Server) logError(r *http.Request, oe *oauth.Error) {
	fields := []interface{}{
		"method", r.Method,
		"path", r.URL.Path,
		"error", oe.Code,
		"request_id", middleware.GetReqID(r.Context()),
	}
	if oe.Cause != nil {
		fields = append(fields, "cause", oe.Cause.Error())
	}
	if oe.HTTPStatus() >= http.StatusInternalServerError {
		s.logger.Errorw(oe.Description, fields...)
		return
	}
	s.logger.Infow(oe.Description, fields...)
}

// clientCredentials reads client_secret_basic or client_secret_post
// credentials. Presenting both with different client ids is an error.
func clientCredentials(r *http.Request) (string, string, error) {
	formID := r.PostForm.Get("client_id")
	basicID, basicSecret, ok := r.BasicAuth()
	if !ok {
		return formID, r.PostForm.Get("client_secret"), nil
	}

	// RFC 6749 2.3.1: both parts are form-encoded before base64.
	id, err := url.QueryUnescape(basicID)
	if err != nil {
		return "", "", oauth.NewError(oauth.KindInvalidClient, "malformed client credentials")
	}
	secret, err := url.QueryUnescape(basicSecret)
	if err != nil {
		return "", "", oauth.NewError(oauth.KindInvalidClient, "malformed client credentials")
	}
	if formID != "" && formID != id {
		return "", "", oauth.NewError(oauth.KindInvalidRequest, "client_id does not match the Authorization header")
	}
	if r.PostForm.Get("client_secret") != "" {
		return "", "", oauth.NewError(oauth.KindInvalidRequest, "only one client authentication method may be used")
	}
	return id, secret, nil
}

func usesBasicAuth(r *http.Request) bool {
	_, _, ok := r.BasicAuth()
	return ok
}

func decodeMetadata(w http.ResponseWriter, r *http.Request) (*oauth.ClientMetadata, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, oauth.NewError(oauth.KindInvalidClientMetadata, "Content-Type must be application/json")
	}
	var md oauth.ClientMetadata
	if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
		return nil, oauth.NewError(oauth.KindInvalidClientMetadata, "invalid JSON body")
	}
	return &md, nil
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
