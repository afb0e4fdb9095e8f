package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultSubjectField = "login"

// OAuth2Provider resolves identity through a plain OAuth 2.0 provider and
// its userinfo endpoint, e.g. GitHub.
type OAuth2Provider struct {
	config       *oauth2.Config
	userInfoURL  string
	subjectField string
	client       *http.Client
	logger       *zap.SugaredLogger
}

// NewOAuth2Provider creates an OAuth2Provider. client is used for both the
// token and userinfo requests.
func NewOAuth2Provider(cfg Config, client *http.Client, logger *zap.SugaredLogger) *OAuth2Provider {
	field := cfg.SubjectField
	if field == "" {
		field = defaultSubjectField
	}
	return &OAuth2Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopesOrDefault(cfg.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL:  cfg.UserInfoURL,
		subjectField: field,
		client:       client,
		logger:       logger.Named("upstream.oauth2"),
	}
}

func (p *OAuth2Provider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	identity, err := p.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}
	p.logger.Debugw("upstream identity resolved", "subject", identity.Subject)
	return identity, nil
}

func (p *OAuth2Provider) fetchUserInfo(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request: %w", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: userinfo rejected the access token", ErrIdentityResolution)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo returned status %d", ErrExchangeFailed, resp.StatusCode)
	}

	var result map[string]interface{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to parse userinfo: %w", ErrIdentityResolution, err)
	}

	subject := stringField(result, p.subjectField)
	if subject == "" {
		return nil, fmt.Errorf("%w: userinfo has no %q field", ErrIdentityResolution, p.subjectField)
	}
	return &Identity{
		Subject:       subject,
		Email:         stringField(result, "email"),
		EmailVerified: boolField(result, "email_verified"),
		Name:          stringField(result, "name"),
	}, nil
}

// boolField accepts both JSON booleans and the "true" strings some providers
// send for email_verified.
func boolField(m map[string]interface{}, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		ok, _ := strconv.ParseBool(v)
		return ok
	default:
		return false
	}
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
