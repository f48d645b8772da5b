package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"onboarding-service/internal/apperr"
)

// Kind identifies what a secret is for; it selects the display prefix and the
// storage scheme.
type Kind string

const (
	KindMasterKey       Kind = "master_key"
	KindAPIKey          Kind = "api_key"
	KindActivationToken Kind = "activation_token"
	KindWebhookSecret   Kind = "webhook_secret"
)

// prefixes are the human-readable type markers on issued secrets
var prefixes = map[Kind]string{
	KindMasterKey:       "mk_",
	KindAPIKey:          "ak_",
	KindActivationToken: "at_",
	KindWebhookSecret:   "whsec_",
}

// PublicPrefixLen is how many leading characters of a secret are kept as the
// non-secret display prefix.
const PublicPrefixLen = 11

// secretBytes gives 256 bits of entropy per secret
const secretBytes = 32

// Issued is the one-time result of issuing a secret. Plaintext is returned to
// the caller exactly once and never persisted.
type Issued struct {
	Plaintext    string
	StoredHash   string
	PublicPrefix string
}

// Issue generates a new secret of the given kind from a cryptographically
// secure source. Master keys are stored as bcrypt hashes (verified against a
// loaded record); all other kinds are stored as SHA-256 hex so they can be
// looked up by hash.
func Issue(kind Kind) (*Issued, error) {
	prefix, ok := prefixes[kind]
	if !ok {
		return nil, fmt.Errorf("unknown credential kind %q", kind)
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	plaintext := prefix + base64.RawURLEncoding.EncodeToString(buf)

	var stored string
	switch kind {
	case KindMasterKey:
		hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret: %w", err)
		}
		stored = string(hashed)
	default:
		stored = HashLookupSecret(plaintext)
	}

	publicPrefix := plaintext
	if len(publicPrefix) > PublicPrefixLen {
		publicPrefix = publicPrefix[:PublicPrefixLen]
	}

	return &Issued{
		Plaintext:    plaintext,
		StoredHash:   stored,
		PublicPrefix: publicPrefix,
	}, nil
}

// HashLookupSecret returns the SHA-256 hex digest used to store and look up
// opaque secrets (API keys, activation tokens).
func HashLookupSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Verify checks a presented secret against its stored hash in constant time.
func Verify(kind Kind, presented, storedHash string) bool {
	if prefix, ok := prefixes[kind]; !ok || !strings.HasPrefix(presented, prefix) {
		return false
	}

	switch kind {
	case KindMasterKey:
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)) == nil
	default:
		digest := HashLookupSecret(presented)
		return subtle.ConstantTimeCompare([]byte(digest), []byte(storedHash)) == 1
	}
}

// VerifyActivationToken checks an activation token against its stored hash,
// expiry and consumption state. Expired tokens fail distinctly from unknown
// or already-consumed ones so callers can offer the right recovery path.
func VerifyActivationToken(presented, storedHash string, expiresAt time.Time, consumedAt *time.Time, now time.Time) error {
	if !Verify(KindActivationToken, presented, storedHash) {
		return apperr.ErrTokenInvalid
	}
	if consumedAt != nil {
		return apperr.ErrTokenInvalid
	}
	if now.After(expiresAt) {
		return apperr.ErrTokenExpired
	}
	return nil
}

// HashPassword hashes a tenant admin password with bcrypt
func HashPassword(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword checks a password against its bcrypt hash
func VerifyPassword(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
