package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"
)

// KeyPrefix marks raw keys issued by this service.
const KeyPrefix = "tpk_"

// APIKey is a stored credential. Only the SHA-256 hash of the raw key is persisted.
type APIKey struct {
	ID         string     `db:"id"`
	Label      string     `db:"label"`
	KeyHash    string     `db:"key_hash"`
	Active     bool       `db:"active"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	KeyID string
	Label string
}

// HashKey returns the hex SHA-256 of a raw key, the form stored in api_keys.key_hash.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// GenerateKey returns a new random raw key. The caller shows it once and stores HashKey(raw).
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
