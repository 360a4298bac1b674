package oauth

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only code challenge method this server supports.
const PKCEMethodS256 = "S256"

// PKCEPair is a verifier/challenge pair for the S256 method. Both strings
// are 43 characters from the base64url alphabet.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a fresh PKCE pair. The verifier comes from a
// 32-byte cryptographically random source; the challenge is the unpadded
// base64url SHA-256 of the verifier.
func GeneratePKCE() PKCEPair {
	verifier := oauth2.GenerateVerifier()
	return PKCEPair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// S256Challenge computes the challenge for a verifier.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns an unpredictable CSRF state token. Collisions are
// cryptographically negligible.
func GenerateState() string {
	return oauth2.GenerateVerifier()
}

// HashToken returns the hex-encoded SHA-256 of a token. Stores key
// sessions and authorization codes by hash so a memory dump of the key
// space never yields usable credentials.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// RandomToken returns a base64url token with 256 bits of entropy, used
// for opaque local access tokens and authorization codes.
func RandomToken() string {
	return oauth2.GenerateVerifier()
}
