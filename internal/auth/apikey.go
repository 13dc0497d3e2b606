// Package auth generates API keys and checks presented keys against the
// bcrypt hash stored in configuration.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of an API key.
	APIKeyLength = 32
	// APIKeyPrefix starts every generated key.
	APIKeyPrefix = "tx"
	// BcryptMaxInputLength is the largest input bcrypt accepts.
	BcryptMaxInputLength = 72
)

// BcryptCost is the work factor used by HashAPIKey.
var BcryptCost = 12

// GeneratedAPIKey is a new key and its hash. The key is shown once.
type GeneratedAPIKey struct {
	Key           string `json:"key"`
	Hash          string `json:"hash"`
	DisplayPrefix string `json:"display_prefix"`
}

// GenerateAPIKey creates a random key and its bcrypt hash.
func GenerateAPIKey() (*GeneratedAPIKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 has no ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.EncodeToString(randomBytes))[:APIKeyLength]
	key := APIKeyPrefix + "_" + randomPart

	hash, err := HashAPIKey(key)
	if err != nil {
		return nil, err
	}
	return &GeneratedAPIKey{Key: key, Hash: hash, DisplayPrefix: CreateDisplayPrefix(key)}, nil
}

func keyBytes(apiKey string) []byte {
	b := []byte(apiKey)
	if len(b) > BcryptMaxInputLength {
		sum := sha256.Sum256(b)
		b = sum[:]
	}
	return b
}

// HashAPIKey returns the bcrypt hash stored in api.api_key_hash.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(keyBytes(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey reports whether apiKey matches storedHash.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyBytes(apiKey)) == nil
}

// IsValidAPIKeyFormat checks the prefix, length and alphabet of a key.
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < 15 || len(apiKey) > 50 {
		return false
	}
	for _, c := range apiKey {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix returns a loggable prefix such as "tx_abcd1234...".
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}
	_, random, _ := strings.Cut(apiKey, "_")
	if len(random) < 8 {
		return "invalid_key"
	}
	return fmt.Sprintf("%s_%s...", APIKeyPrefix, random[:8])
}

// Verifier checks keys against one stored hash, remembering the digest of
// the last accepted key so bcrypt runs once per distinct key.
type Verifier struct {
	hash string

	mu       sync.Mutex
	accepted [sha256.Size]byte
	hasKey   bool
}

// NewVerifier creates a verifier for storedHash. An empty hash disables
// authentication.
func NewVerifier(storedHash string) *Verifier {
	return &Verifier{hash: storedHash}
}

// Enabled reports whether a hash is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.hash != ""
}

// Verify reports whether apiKey is accepted.
func (v *Verifier) Verify(apiKey string) bool {
	if !v.Enabled() || apiKey == "" {
		return false
	}
	digest := sha256.Sum256([]byte(apiKey))

	v.mu.Lock()
	cached := v.hasKey && subtle.ConstantTimeCompare(digest[:], v.accepted[:]) == 1
	v.mu.Unlock()
	if cached {
		return true
	}

	if !ValidateAPIKey(apiKey, v.hash) {
		return false
	}
	v.mu.Lock()
	v.accepted = digest
	v.hasKey = true
	v.mu.Unlock()
	return true
}
