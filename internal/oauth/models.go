package oauth

import (
	"slices"
	"time"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
	TokenTypeBearer            = "Bearer"

	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
)

// Client is a registered OAuth client. Secrets are held only as hashes:
// the client secret as bcrypt, the registration access token as SHA-256.
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scope                   string    `json:"scope,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	RegistrationTokenHash   string    `json:"registration_token_hash"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// IsPublic reports whether the client authenticates with PKCE alone.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// HasRedirectURI reports an exact match against a registered URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether grantType was registered.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// FlowStage tracks one authorization attempt.
type FlowStage string

const (
	StageStarted            FlowStage = "STARTED"
	StageRedirectedUpstream FlowStage = "REDIRECTED_UPSTREAM"
	StageCallbackReceived   FlowStage = "CALLBACK_RECEIVED"
	StageCodeIssued         FlowStage = "CODE_ISSUED"
	StageFailed             FlowStage = "FAILED"
)

// AuthState correlates an authorization request with the upstream callback.
type AuthState struct {
	Correlation         string    `json:"correlation"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	RequestedScope      string    `json:"requested_scope,omitempty"`
	ClientState         string    `json:"client_state,omitempty"`
	UpstreamVerifier    string    `json:"upstream_verifier"`
	Stage               FlowStage `json:"stage"`
	CreatedAt           time.Time `json:"created_at"`
}

// AuthorizationCode is the first-party code handed to the client. FamilyID is
// assigned at mint time so a replayed code can revoke what it produced.
type AuthorizationCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Subject             string    `json:"subject"`
	Email               string    `json:"email,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	FamilyID            string    `json:"family_id"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AccessToken is the revocation record for an issued JWT.
type AccessToken struct {
	JTI       string    `json:"jti"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	Scope     string    `json:"scope,omitempty"`
	FamilyID  string    `json:"family_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken is an opaque refresh token record, keyed by token hash.
type RefreshToken struct {
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	FamilyID  string    `json:"family_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenPair is the /token success response.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Principal is the identity carried by a verified access token.
type Principal struct {
	Subject   string
	ClientID  string
	Scope     string
	Email     string
	JTI       string
	ExpiresAt time.Time
}
