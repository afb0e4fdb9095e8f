package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/providentiaww/trilix-authserver/internal/kv"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
)

// Key families. Secrets appear in keys only as SHA-256 hex.
const (
	prefixClient        = "client:"
	prefixState         = "state:"
	prefixCode          = "code:"
	prefixCodeUsed      = "code_used:"
	prefixToken         = "token:"
	prefixRefresh       = "refresh:"
	prefixRefreshUsed   = "refresh_used:"
	prefixFamily        = "family:"
	prefixFamilyRevoked = "family_revoked:"
	prefixUserTokens    = "user_tokens:"
	prefixClientTokens  = "client_tokens:"
	prefixClientRevoked = "client_revoked:"
)

func clientKey(id string) string          { return prefixClient + id }
func stateKey(correlation string) string  { return prefixState + correlation }
func codeKey(hash string) string          { return prefixCode + hash }
func codeUsedKey(hash string) string      { return prefixCodeUsed + hash }
func tokenKey(jti string) string          { return prefixToken + jti }
func refreshKey(hash string) string       { return prefixRefresh + hash }
func refreshUsedKey(hash string) string   { return prefixRefreshUsed + hash }
func familyKey(id string) string          { return prefixFamily + id }
func familyRevokedKey(id string) string   { return prefixFamilyRevoked + id }
func userTokensKey(subject string) string { return prefixUserTokens + subject }
func clientTokensKey(id string) string    { return prefixClientTokens + id }
func clientRevokedKey(id string) string   { return prefixClientRevoked + id }

// Store is the typed repository over kv.Store. It owns serialization and key
// layout; it never combines a get and a delete to emulate single use.
type Store struct {
	kv      kv.Store
	metrics *metrics.Metrics
}

// NewStore wraps a key-value backend.
func NewStore(backend kv.Store, m *metrics.Metrics) *Store {
	return &Store{kv: backend, metrics: m}
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.observe("ping", s.kv.Ping(ctx))
}

func (s *Store) observe(op string, err error) error {
	if err != nil && errors.Is(err, kv.ErrUnavailable) {
		s.metrics.StoreError(op)
	}
	return err
}

func (s *Store) putJSON(ctx context.Context, op, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", op, err)
	}
	return s.observe(op, s.kv.Put(ctx, key, data, ttl))
}

func (s *Store) getJSON(ctx context.Context, op, key string, v interface{}) error {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return s.observe(op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", op, err)
	}
	return nil
}

func (s *Store) takeJSON(ctx context.Context, op, key string, v interface{}) error {
	data, err := s.kv.TakeOnce(ctx, key)
	if err != nil {
		return s.observe(op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", op, err)
	}
	return nil
}

// SaveClient stores a client with no expiry.
func (s *Store) SaveClient(ctx context.Context, client *Client) error {
	return s.putJSON(ctx, "save_client", clientKey(client.ClientID), client, 0)
}

// GetClient fetches a client. Unknown ids return kv.ErrNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	if err := s.getJSON(ctx, "get_client", clientKey(clientID), &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// DeleteClient removes the client record.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	return s.observe("delete_client", s.kv.Delete(ctx, clientKey(clientID)))
}

// ListClientIDs returns every registered client id.
func (s *Store) ListClientIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.ScanPrefix(ctx, prefixClient)
	if err != nil {
		return nil, s.observe("list_clients", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefixClient))
	}
	return ids, nil
}

// SaveAuthState stores a pending authorization attempt.
func (s *Store) SaveAuthState(ctx context.Context, state *AuthState, ttl time.Duration) error {
	return s.putJSON(ctx, "save_state", stateKey(state.Correlation), state, ttl)
}

// TakeAuthState consumes a pending authorization attempt.
func (s *Store) TakeAuthState(ctx context.Context, correlation string) (*AuthState, error) {
	var state AuthState
	if err := s.takeJSON(ctx, "take_state", stateKey(correlation), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveAuthCode stores a code under its hash and indexes it for the client.
// The client index is kept for indexTTL after this write.
func (s *Store) SaveAuthCode(ctx context.Context, codeHash string, code *AuthorizationCode, ttl, indexTTL time.Duration) error {
	if err := s.putJSON(ctx, "save_code", codeKey(codeHash), code, ttl); err != nil {
		return err
	}
	if err := s.observe("index_code", s.kv.AddToSet(ctx, clientTokensKey(code.ClientID), indexTTL, codeKey(codeHash))); err != nil {
		_ = s.kv.Delete(context.WithoutCancel(ctx), codeKey(codeHash))
		return err
	}
	return nil
}

// TakeAuthCode atomically consumes a code.
func (s *Store) TakeAuthCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	var code AuthorizationCode
	if err := s.takeJSON(ctx, "take_code", codeKey(codeHash), &code); err != nil {
		return nil, err
	}
	return &code, nil
}

// MarkCodeUsed records that a code was consumed and which family it seeded.
func (s *Store) MarkCodeUsed(ctx context.Context, codeHash, familyID string, ttl time.Duration) error {
	return s.observe("mark_code_used", s.kv.Put(ctx, codeUsedKey(codeHash), []byte(familyID), ttl))
}

// CodeUsedFamily returns the family seeded by an already consumed code.
func (s *Store) CodeUsedFamily(ctx context.Context, codeHash string) (string, error) {
	data, err := s.kv.Get(ctx, codeUsedKey(codeHash))
	if err != nil {
		return "", s.observe("get_code_used", err)
	}
	return string(data), nil
}

// SaveAccessToken stores the revocation record of an issued JWT.
func (s *Store) SaveAccessToken(ctx context.Context, token *AccessToken, ttl time.Duration) error {
	return s.putJSON(ctx, "save_token", tokenKey(token.JTI), token, ttl)
}

// GetAccessToken fetches a revocation record. Revoked or expired tokens
// return kv.ErrNotFound.
func (s *Store) GetAccessToken(ctx context.Context, jti string) (*AccessToken, error) {
	var token AccessToken
	if err := s.getJSON(ctx, "get_token", tokenKey(jti), &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// DeleteAccessToken revokes one access token.
func (s *Store) DeleteAccessToken(ctx context.Context, jti string) error {
	return s.observe("delete_token", s.kv.Delete(ctx, tokenKey(jti)))
}

// SaveRefreshToken stores a refresh token under its hash.
func (s *Store) SaveRefreshToken(ctx context.Context, tokenHash string, token *RefreshToken, ttl time.Duration) error {
	return s.putJSON(ctx, "save_refresh", refreshKey(tokenHash), token, ttl)
}

// GetRefreshToken reads a refresh token without consuming it.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var token RefreshToken
	if err := s.getJSON(ctx, "get_refresh", refreshKey(tokenHash), &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// TakeRefreshToken atomically consumes a refresh token.
func (s *Store) TakeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var token RefreshToken
	if err := s.takeJSON(ctx, "take_refresh", refreshKey(tokenHash), &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// MarkRefreshUsed records a rotated refresh token so reuse can be detected.
func (s *Store) MarkRefreshUsed(ctx context.Context, tokenHash, familyID string, ttl time.Duration) error {
	return s.observe("mark_refresh_used", s.kv.Put(ctx, refreshUsedKey(tokenHash), []byte(familyID), ttl))
}

// RefreshUsedFamily returns the family of an already rotated refresh token.
func (s *Store) RefreshUsedFamily(ctx context.Context, tokenHash string) (string, error) {
	data, err := s.kv.Get(ctx, refreshUsedKey(tokenHash))
	if err != nil {
		return "", s.observe("get_refresh_used", err)
	}
	return string(data), nil
}

// IndexIssued adds the keys of a freshly issued pair to the family, user and
// client indexes, each kept for ttl after this write.
func (s *Store) IndexIssued(ctx context.Context, familyID, subject, clientID string, ttl time.Duration, keys ...string) error {
	if err := s.kv.AddToSet(ctx, familyKey(familyID), ttl, keys...); err != nil {
		return s.observe("index_family", err)
	}
	if err := s.kv.AddToSet(ctx, userTokensKey(subject), ttl, keys...); err != nil {
		return s.observe("index_user", err)
	}
	if err := s.kv.AddToSet(ctx, clientTokensKey(clientID), ttl, keys...); err != nil {
		return s.observe("index_client", err)
	}
	return nil
}

// DeleteKeys removes raw keys, used to unwind partial writes.
func (s *Store) DeleteKeys(ctx context.Context, keys ...string) error {
	return s.observe("delete", s.kv.Delete(ctx, keys...))
}

// RevokeFamily deletes every token of a family and leaves a marker so that
// tokens still in flight for it are refused.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, markerTTL time.Duration) (int, error) {
	// The marker goes first: an issuer that indexed before this point is
	// swept below, one that indexes after it sees the marker.
	if err := s.kv.Put(ctx, familyRevokedKey(familyID), []byte("1"), markerTTL); err != nil {
		return 0, s.observe("mark_family_revoked", err)
	}
	members, err := s.kv.SetMembers(ctx, familyKey(familyID))
	if err != nil {
		return 0, s.observe("family_members", err)
	}
	if err := s.kv.Delete(ctx, append(members, familyKey(familyID))...); err != nil {
		return 0, s.observe("revoke_family", err)
	}
	return len(members), nil
}

// IsFamilyRevoked reports whether RevokeFamily ran for familyID.
func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	return s.exists(ctx, "get_family_revoked", familyRevokedKey(familyID))
}

// MarkClientRevoked records that clientID is being deleted. Issuers check it
// after indexing so that no pair outlives the client's token sweep.
func (s *Store) MarkClientRevoked(ctx context.Context, clientID string, ttl time.Duration) error {
	return s.observe("mark_client_revoked", s.kv.Put(ctx, clientRevokedKey(clientID), []byte("1"), ttl))
}

// IsClientRevoked reports whether MarkClientRevoked ran for clientID.
func (s *Store) IsClientRevoked(ctx context.Context, clientID string) (bool, error) {
	return s.exists(ctx, "get_client_revoked", clientRevokedKey(clientID))
}

func (s *Store) exists(ctx context.Context, op, key string) (bool, error) {
	_, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kv.ErrNotFound):
		return false, nil
	default:
		return false, s.observe(op, err)
	}
}

// RevokeUserTokens deletes every token indexed for subject.
func (s *Store) RevokeUserTokens(ctx context.Context, subject string) (int, error) {
	return s.revokeIndexed(ctx, "revoke_user", userTokensKey(subject))
}

// RevokeClientTokens deletes every code and token indexed for clientID.
func (s *Store) RevokeClientTokens(ctx context.Context, clientID string) (int, error) {
	return s.revokeIndexed(ctx, "revoke_client", clientTokensKey(clientID))
}

func (s *Store) revokeIndexed(ctx context.Context, op, indexKey string) (int, error) {
	members, err := s.kv.SetMembers(ctx, indexKey)
	if err != nil {
		return 0, s.observe(op, err)
	}
	if err := s.kv.Delete(ctx, append(members, indexKey)...); err != nil {
		return 0, s.observe(op, err)
	}
	return len(members), nil
}
