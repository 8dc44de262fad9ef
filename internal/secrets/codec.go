package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// secretBytes yields 256 bits of entropy for the secret body.
	secretBytes = 32
	// prefixBytes feeds the short public identifier. Independent randomness,
	// not derivable from the secret body.
	prefixBytes = 6

	apiKeyScope        = "hk"
	signingSecretScope = "whsec"
)

// Secret is the result of a fresh generation. Full is returned to the caller
// exactly once; only Prefix and Fingerprint are meant to be persisted for
// API keys.
type Secret struct {
	Full        string
	Prefix      string
	Fingerprint string
}

// GenerateAPIKey produces a bearer secret of the form hk_<prefix>_<body>.
// Entropy-source failure is fatal for the caller, there is no retry.
func GenerateAPIKey() (Secret, error) {
	return generate(apiKeyScope)
}

// GenerateSigningSecret produces a webhook signing secret. Unlike API keys
// the full value is persisted, since it is needed to sign future deliveries.
func GenerateSigningSecret() (string, error) {
	body := make([]byte, secretBytes)
	if _, err := rand.Read(body); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return fmt.Sprintf("%s_%s", signingSecretScope, hex.EncodeToString(body)), nil
}

func generate(scope string) (Secret, error) {
	prefixRaw := make([]byte, prefixBytes)
	if _, err := rand.Read(prefixRaw); err != nil {
		return Secret{}, fmt.Errorf("generate secret prefix: %w", err)
	}
	body := make([]byte, secretBytes)
	if _, err := rand.Read(body); err != nil {
		return Secret{}, fmt.Errorf("generate secret: %w", err)
	}

	prefix := fmt.Sprintf("%s_%s", scope, hex.EncodeToString(prefixRaw))
	full := fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(body))

	return Secret{
		Full:        full,
		Prefix:      prefix,
		Fingerprint: Fingerprint(full),
	}, nil
}

// Fingerprint hashes the raw secret using the same strategy as generation.
// Deterministic, one-way; the stored value never reveals the secret.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Match compares a stored fingerprint against the fingerprint of a candidate
// secret in constant time.
func Match(storedFingerprint, candidate string) bool {
	computed := Fingerprint(candidate)
	return subtle.ConstantTimeCompare([]byte(storedFingerprint), []byte(computed)) == 1
}

// ParsePrefix extracts the public prefix (scope + first segment) from a full
// secret, for indexed lookup before fingerprint comparison.
func ParsePrefix(full string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(full), "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyScope || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[0] + "_" + parts[1], true
}
