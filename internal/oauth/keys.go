package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyManager holds the RSA key pair that signs local access tokens and
// backs the JWKS document.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	kid        string
}

// NewKeyManager wraps an existing private key.
func NewKeyManager(key *rsa.PrivateKey) (*KeyManager, error) {
	kid, err := computeKID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyManager{privateKey: key, kid: kid}, nil
}

// GenerateKeyManager creates an ephemeral 2048-bit key. Tokens signed
// with it do not survive a restart, which is consistent with the
// in-memory session store.
func GenerateKeyManager() (*KeyManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewKeyManager(key)
}

// LoadKeyManagerFromPEM parses a PKCS#1 or PKCS#8 RSA private key.
func LoadKeyManagerFromPEM(pemValue string) (*KeyManager, error) {
	pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")
	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		key = rsaKey
	} else {
		return nil, fmt.Errorf("unable to parse RSA private key")
	}
	return NewKeyManager(key)
}

// LoadKeyManagerFromFile reads a PEM key from disk.
func LoadKeyManagerFromFile(path string) (*KeyManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key %s: %w", path, err)
	}
	return LoadKeyManagerFromPEM(string(data))
}

// KID returns the key identifier (base64url SHA-256 of the public key DER).
func (k *KeyManager) KID() string { return k.kid }

// PublicKey returns the verifying key.
func (k *KeyManager) PublicKey() *rsa.PublicKey { return &k.privateKey.PublicKey }

// JWKS returns the JSON Web Key Set document for the signing key.
func (k *KeyManager) JWKS() map[string]any {
	pub := k.PublicKey()
	return map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"use": "sig",
				"kid": k.kid,
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
}

func computeKID(pub *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(derBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// JWTIssuer mints local access tokens as RS256 JWTs. The session stays
// reachable only through the exact issued token string (looked up by
// hash); the JWT adds standard claims and JWKS verifiability for
// downstream resource servers.
type JWTIssuer struct {
	keys     *KeyManager
	issuer   string
	audience string
}

// NewJWTIssuer builds an issuer for tokens scoped to the given issuer URL
// and audience.
func NewJWTIssuer(keys *KeyManager, issuer, audience string) *JWTIssuer {
	return &JWTIssuer{keys: keys, issuer: issuer, audience: audience}
}

// Issue signs a token for the session. The session id becomes the jti and
// the local expiry the exp claim.
func (i *JWTIssuer) Issue(s *Session) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   i.issuer,
		"sub":   s.ID,
		"aud":   i.audience,
		"iat":   now.Unix(),
		"exp":   s.LocalExpiry.Unix(),
		"jti":   s.ID,
		"scope": strings.Join(s.Scopes, " "),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keys.kid
	return token.SignedString(i.keys.privateKey)
}
