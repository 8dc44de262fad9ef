package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKeyShape(t *testing.T) {
	secret, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret.Full, "hk_"))
	assert.True(t, strings.HasPrefix(secret.Full, secret.Prefix+"_"))

	parts := strings.SplitN(secret.Full, "_", 3)
	require.Len(t, parts, 3)
	assert.Len(t, parts[1], prefixBytes*2)
	assert.Len(t, parts[2], secretBytes*2)

	assert.Equal(t, Fingerprint(secret.Full), secret.Fingerprint)
}

func TestFingerprintDeterministic(t *testing.T) {
	secret, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(secret.Full), Fingerprint(secret.Full))
}

func TestFingerprintsDoNotCollide(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		secret, err := GenerateAPIKey()
		require.NoError(t, err)
		_, dup := seen[secret.Fingerprint]
		require.False(t, dup, "fingerprint collision after %d generations", i)
		seen[secret.Fingerprint] = struct{}{}
	}
}

func TestMatch(t *testing.T) {
	secret, err := GenerateAPIKey()
	require.NoError(t, err)
	other, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, Match(secret.Fingerprint, secret.Full))
	assert.False(t, Match(secret.Fingerprint, other.Full))
	assert.False(t, Match(secret.Fingerprint, secret.Full+"x"))
	assert.False(t, Match(secret.Fingerprint, ""))
}

func TestParsePrefix(t *testing.T) {
	secret, err := GenerateAPIKey()
	require.NoError(t, err)

	prefix, ok := ParsePrefix(secret.Full)
	require.True(t, ok)
	assert.Equal(t, secret.Prefix, prefix)

	for _, raw := range []string{
		"",
		"hk_",
		"hk_abc",
		"whsec_abc_def",
		"hk__body",
		"hk_prefix_",
		"not a key at all",
	} {
		_, ok := ParsePrefix(raw)
		assert.False(t, ok, "expected %q to be rejected", raw)
	}
}

func TestGenerateSigningSecret(t *testing.T) {
	secret, err := GenerateSigningSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret, "whsec_"))
	assert.Len(t, strings.TrimPrefix(secret, "whsec_"), secretBytes*2)

	other, err := GenerateSigningSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}
