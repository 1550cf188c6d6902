// Package middleware provides authentication, rate limiting and request
// logging for the togglez HTTP and gRPC transports.
//
// Edge API tokens have the form "<keyID>.<secret>". Only a hash of the secret
// is stored: bcrypt for new keys, with SHA-256 hex digests still accepted.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var (
	ErrMalformedToken = errors.New("malformed api token")
	ErrUnknownKey     = errors.New("unknown api key")
	ErrInvalidToken   = errors.New("invalid api token")
)

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)); err == nil {
		return true
	}
	return legacyAPIKeyMatchesHash(expectedHash, apiKey)
}

func legacyAPIKeyMatchesHash(expectedHash, apiKey string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(apiKey))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// SplitToken splits "<keyID>.<secret>".
func SplitToken(token string) (keyID, secret string, err error) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", "", ErrMalformedToken
	}
	return keyID, secret, nil
}

// HashLookup returns the stored secret hash for a key ID. It returns an error
// wrapping [ErrUnknownKey] when the key does not exist or was revoked.
type HashLookup interface {
	LookupKeyHash(ctx context.Context, keyID string) (string, error)
}

// HashLookupFunc adapts a function to [HashLookup].
type HashLookupFunc func(ctx context.Context, keyID string) (string, error)

// LookupKeyHash calls f.
func (f HashLookupFunc) LookupKeyHash(ctx context.Context, keyID string) (string, error) {
	return f(ctx, keyID)
}

// StaticKeys is an in-memory key table, keyed by key ID.
type StaticKeys map[string]string

// LookupKeyHash implements [HashLookup].
func (k StaticKeys) LookupKeyHash(_ context.Context, keyID string) (string, error) {
	hash, ok := k[keyID]
	if !ok {
		return "", ErrUnknownKey
	}
	return hash, nil
}

// KeyValidator validates "<keyID>.<secret>" tokens against one or more
// lookups, consulted in order until one knows the key.
type KeyValidator struct {
	lookups []HashLookup
}

// NewKeyValidator returns a validator over the given lookups. Nil lookups are
// skipped.
func NewKeyValidator(lookups ...HashLookup) *KeyValidator {
	v := &KeyValidator{}
	for _, l := range lookups {
		if l != nil {
			v.lookups = append(v.lookups, l)
		}
	}
	return v
}

// ValidateToken implements [TokenValidator]. It returns the key ID.
func (v *KeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, err := SplitToken(token)
	if err != nil {
		return "", err
	}

	for _, lookup := range v.lookups {
		hash, err := lookup.LookupKeyHash(ctx, keyID)
		if errors.Is(err, ErrUnknownKey) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("lookup key hash: %w", err)
		}
		if !APIKeyMatchesHash(hash, secret) {
			return "", ErrInvalidToken
		}
		return keyID, nil
	}
	return "", ErrUnknownKey
}
