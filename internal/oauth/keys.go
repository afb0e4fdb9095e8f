package oauth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// MinKeyBits is the smallest RSA modulus accepted for signing.
const MinKeyBits = 2048

const signingAlg = "RS256"

// KeyManager owns the RSA signing key, signs and verifies access tokens and
// publishes the public half as a JWKS document.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// NewKeyManager validates key and derives its key id.
func NewKeyManager(key *rsa.PrivateKey) (*KeyManager, error) {
	if key == nil {
		return nil, errors.New("signing key is nil")
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RSA private key: %w", err)
	}
	if bits := key.N.BitLen(); bits < MinKeyBits {
		return nil, fmt.Errorf("RSA key is %d bits, minimum is %d", bits, MinKeyBits)
	}

	pub := &key.PublicKey
	kid, err := computeKID(pub)
	if err != nil {
		return nil, err
	}
	return &KeyManager{
		privateKey: key,
		publicKey:  pub,
		kid:        kid,
	}, nil
}

// LoadOrGenerateKeyManager loads the signing key from cfg.PrivateKeyPEM, or
// from cfg.PrivateKeyPath, generating and persisting a new key at that path
// when none exists. A present but unusable key is an error.
func LoadOrGenerateKeyManager(cfg KeyConfig, logger *zap.SugaredLogger) (*KeyManager, error) {
	if cfg.PrivateKeyPEM != "" {
		key, err := ParsePrivateKeyPEM([]byte(strings.ReplaceAll(cfg.PrivateKeyPEM, `\n`, "\n")))
		if err != nil {
			return nil, fmt.Errorf("OAUTH_PRIVATE_KEY_PEM: %w", err)
		}
		return NewKeyManager(key)
	}
	if cfg.PrivateKeyPath == "" {
		return nil, errors.New("OAUTH_PRIVATE_KEY_PEM or OAUTH_PRIVATE_KEY_PATH is required")
	}

	data, err := os.ReadFile(cfg.PrivateKeyPath)
	switch {
	case err == nil:
		return loadKeyFile(cfg.PrivateKeyPath, data)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read OAUTH_PRIVATE_KEY_PATH: %w", err)
	}

	bits := cfg.Bits
	if bits < MinKeyBits {
		bits = MinKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	if err := writeKeyFile(cfg.PrivateKeyPath, key); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another replica won the race; use its key.
			data, readErr := os.ReadFile(cfg.PrivateKeyPath)
			if readErr != nil {
				return nil, fmt.Errorf("failed to read OAUTH_PRIVATE_KEY_PATH: %w", readErr)
			}
			return loadKeyFile(cfg.PrivateKeyPath, data)
		}
		return nil, err
	}

	km, err := NewKeyManager(key)
	if err != nil {
		return nil, err
	}
	logger.Infow("generated new signing key", "path", cfg.PrivateKeyPath, "bits", bits, "kid", km.kid)
	return km, nil
}

func loadKeyFile(path string, data []byte) (*KeyManager, error) {
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", path, err)
	}
	return NewKeyManager(key)
}

func writeKeyFile(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}

// ParsePrivateKeyPEM parses a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}

	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return parsed, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("unable to parse RSA private key")
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

// Sign signs claims with RS256 and sets the kid header.
func (k *KeyManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.kid
	signed, err := token.SignedString(k.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString into claims. The algorithm is pinned to RS256
// and a kid header, when present, must match. opts add claim validation.
func (k *KeyManager) Verify(tokenString string, claims jwt.Claims, opts ...jwt.ParserOption) (*jwt.Token, error) {
	opts = append(opts, jwt.WithValidMethods([]string{signingAlg}))
	parser := jwt.NewParser(opts...)
	return parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if kid, ok := token.Header["kid"]; ok && kid != k.kid {
			return nil, fmt.Errorf("unknown key id %v", kid)
		}
		return k.publicKey, nil
	})
}

// JWKS returns the public key document.
func (k *KeyManager) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       k.publicKey,
			KeyID:     k.kid,
			Algorithm: signingAlg,
			Use:       "sig",
		}},
	}
}

func (k *KeyManager) PublicKey() *rsa.PublicKey {
	return k.publicKey
}

func (k *KeyManager) KID() string {
	return k.kid
}

// computeKID is the RFC 7638 SHA-256 thumbprint of the public key.
func computeKID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
