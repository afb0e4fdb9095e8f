package oauth

import (
	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only accepted code_challenge_method.
const PKCEMethodS256 = "S256"

const (
	minVerifierLen = 43
	maxVerifierLen = 128
	// base64url of a SHA-256 digest without padding.
	s256ChallengeLen = 43
)

// ValidateCodeChallenge checks an authorization request's PKCE parameters.
// Missing challenges and any method other than S256 are rejected.
func ValidateCodeChallenge(challenge, method string) *Error {
	if challenge == "" {
		return NewError(KindInvalidRequest, "code_challenge is required")
	}
	if method == "" {
		return NewError(KindInvalidRequest, "code_challenge_method is required")
	}
	if method != PKCEMethodS256 {
		return NewError(KindInvalidRequest, "code_challenge_method must be S256")
	}
	if len(challenge) != s256ChallengeLen || !isUnreserved(challenge) {
		return NewError(KindInvalidRequest, "code_challenge is malformed")
	}
	return nil
}

// ValidateCodeVerifier checks RFC 7636 length and charset.
func ValidateCodeVerifier(verifier string) *Error {
	if verifier == "" {
		return NewError(KindInvalidRequest, "code_verifier is required")
	}
	if len(verifier) < minVerifierLen || len(verifier) > maxVerifierLen || !isUnreserved(verifier) {
		return NewError(KindInvalidGrant, "code_verifier is malformed")
	}
	return nil
}

// VerifyPKCE recomputes the S256 challenge and compares it in constant time.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != PKCEMethodS256 || verifier == "" || challenge == "" {
		return false
	}
	return constantTimeEqual(oauth2.S256ChallengeFromVerifier(verifier), challenge)
}

func isUnreserved(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
