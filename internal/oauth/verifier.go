package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/providentiaww/trilix-authserver/internal/kv"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
)

// DenialReason says why a bearer token was refused. It is logged and counted
// but never returned to the caller.
type DenialReason string

const (
	DenyMissing      DenialReason = "missing"
	DenyMalformed    DenialReason = "malformed"
	DenyExpired      DenialReason = "expired"
	DenyRevoked      DenialReason = "revoked"
	DenyBadSignature DenialReason = "bad_signature"
)

// DeniedError is returned for every refused token.
type DeniedError struct {
	Reason DenialReason
	Cause  error
}

func (e *DeniedError) Error() string {
	if e.Cause != nil {
		return "bearer token denied: " + string(e.Reason) + ": " + e.Cause.Error()
	}
	return "bearer token denied: " + string(e.Reason)
}

func (e *DeniedError) Unwrap() error { return e.Cause }

// BearerVerifier validates access tokens for the reverse proxy.
type BearerVerifier struct {
	keys     *KeyManager
	store    *Store
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	issuer   string
	audience string
	now      func() time.Time
}

// NewBearerVerifier creates a verifier bound to the server's issuer and
// audience.
func NewBearerVerifier(cfg Config, keys *KeyManager, store *Store, m *metrics.Metrics, logger *zap.SugaredLogger) *BearerVerifier {
	audience := cfg.Audience
	if audience == "" {
		audience = cfg.Issuer
	}
	return &BearerVerifier{
		keys:     keys,
		store:    store,
		metrics:  m,
		logger:   logger.Named("verifier"),
		issuer:   strings.TrimRight(cfg.Issuer, "/"),
		audience: audience,
		now:      time.Now,
	}
}

// Verify checks signature, algorithm, issuer, audience and expiry, then that
// the jti has not been revoked. Refusals are *DeniedError; store outages are
// returned as *Error with KindStoreUnavailable.
func (v *BearerVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	principal, err := v.verify(ctx, token)
	var denied *DeniedError
	switch {
	case err == nil:
		v.metrics.Verified(true, "")
	case errors.As(err, &denied):
		v.metrics.Verified(false, string(denied.Reason))
		v.logger.Debugw("bearer token denied", "reason", denied.Reason, "error", denied.Cause)
	default:
		v.metrics.Verified(false, "error")
		v.logger.Warnw("bearer token verification failed", "error", err)
	}
	return principal, err
}

func (v *BearerVerifier) verify(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &DeniedError{Reason: DenyMissing}
	}

	var claims AccessClaims
	_, err := v.keys.Verify(token, &claims,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, &DeniedError{Reason: classifyJWTError(err), Cause: err}
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, &DeniedError{Reason: DenyMalformed, Cause: errors.New("token has no jti or sub")}
	}

	record, err := v.store.GetAccessToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, &DeniedError{Reason: DenyRevoked}
		}
		return nil, AsError(err)
	}
	if record.Subject != claims.Subject || record.ClientID != claims.ClientID {
		return nil, &DeniedError{Reason: DenyRevoked, Cause: errors.New("token record does not match claims")}
	}

	p := &Principal{
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		Email:    claims.Email,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func classifyJWTError(err error) DenialReason {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return DenyMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return DenyBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return DenyExpired
	default:
		return DenyMalformed
	}
}
