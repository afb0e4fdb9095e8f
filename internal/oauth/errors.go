package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/providentiaww/trilix-authserver/internal/kv"
)

// ErrorKind classifies failures for HTTP translation.
type ErrorKind int

const (
	KindServerError ErrorKind = iota
	KindInvalidRequest
	KindInvalidClientMetadata
	KindInvalidClient
	KindUnauthorizedClient
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindInvalidGrant
	KindInvalidScope
	KindUnsupportedGrantType
	KindUnsupportedResponseType
	KindAccessDenied
	KindStoreUnavailable
	KindUpstreamIdPError
)

var kindCodes = map[ErrorKind]string{
	KindServerError:             "server_error",
	KindInvalidRequest:          "invalid_request",
	KindInvalidClientMetadata:   "invalid_client_metadata",
	KindInvalidClient:           "invalid_client",
	KindUnauthorizedClient:      "unauthorized_client",
	KindUnauthorized:            "invalid_token",
	KindForbidden:               "access_denied",
	KindNotFound:                "not_found",
	KindInvalidGrant:            "invalid_grant",
	KindInvalidScope:            "invalid_scope",
	KindUnsupportedGrantType:    "unsupported_grant_type",
	KindUnsupportedResponseType: "unsupported_response_type",
	KindAccessDenied:            "access_denied",
	KindStoreUnavailable:        "temporarily_unavailable",
	KindUpstreamIdPError:        "server_error",
}

// Error is an OAuth protocol error. Code is the RFC 6749 / RFC 7591 error
// string returned to the client; Description is safe to show to it.
type Error struct {
	Kind        ErrorKind
	Code        string
	Description string
	Cause       error
}

// NewError creates an Error with the default code for kind.
func NewError(kind ErrorKind, description string) *Error {
	return &Error{Kind: kind, Code: kindCodes[kind], Description: description}
}

// WrapError creates an Error that keeps cause for logging.
func WrapError(kind ErrorKind, description string, cause error) *Error {
	e := NewError(kind, description)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Cause)
	}
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest, KindInvalidClientMetadata, KindInvalidGrant, KindInvalidScope,
		KindUnsupportedGrantType, KindUnsupportedResponseType, KindUnauthorizedClient:
		return http.StatusBadRequest
	case KindInvalidClient, KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamIdPError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts any error into an *Error. Store outages become
// KindStoreUnavailable; anything unrecognised becomes KindServerError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	if errors.Is(err, kv.ErrUnavailable) {
		return WrapError(KindStoreUnavailable, "the authorization server is temporarily unavailable", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindStoreUnavailable, "request timed out", err)
	}
	return WrapError(KindServerError, "internal error", err)
}

// storeError converts a repository error. Not-found is reported with
// notFound; outages always become KindStoreUnavailable.
func storeError(err error, notFound *Error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return notFound
	}
	return AsError(err)
}

// RedirectError is an error that must be delivered to a validated client
// redirect URI rather than rendered directly.
type RedirectError struct {
	RedirectURI string
	State       string
	Issuer      string
	Err         *Error
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// Location renders the redirect target with error, error_description, state
// and iss query parameters.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if e.Issuer != "" {
		params.Set("iss", e.Issuer)
	}
	return appendQuery(e.RedirectURI, params)
}

func appendQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
