package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	BcryptCost = bcrypt.MinCost
}

func TestGenerateAPIKey(t *testing.T) {
	gen, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gen.Key, "tx_"))
	assert.Len(t, gen.Key, len("tx_")+APIKeyLength)
	assert.True(t, IsValidAPIKeyFormat(gen.Key))
	assert.True(t, ValidateAPIKey(gen.Key, gen.Hash))
	assert.Equal(t, gen.Key[:11]+"...", gen.DisplayPrefix)

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, gen.Key, other.Key)
}

func TestHashAndValidate(t *testing.T) {
	long := strings.Repeat("k", 100)

	tests := []struct {
		name string
		key  string
	}{
		{"short key", "tx_abcdefghijklmnop"},
		{"key longer than bcrypt limit", long},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashAPIKey(tt.key)
			require.NoError(t, err)
			assert.True(t, ValidateAPIKey(tt.key, hash))
			assert.False(t, ValidateAPIKey(tt.key+"x", hash))
		})
	}

	_, err := HashAPIKey("")
	assert.Error(t, err)
	assert.False(t, ValidateAPIKey("", "hash"))
	assert.False(t, ValidateAPIKey("key", ""))
}

func TestIsValidAPIKeyFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"tx_abcdefghijklmnopqrstuvwxyz234567", true},
		{"sk_abcdefghijklmnopqrstuvwxyz234567", false},
		{"tx_short", false},
		{"tx_abcdefgh-jklmnop", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidAPIKeyFormat(tt.key), tt.key)
	}
	assert.Equal(t, "invalid_key", CreateDisplayPrefix("nope"))
}

func TestVerifier(t *testing.T) {
	hash, err := HashAPIKey("tx_secretsecretsecret")
	require.NoError(t, err)

	v := NewVerifier(hash)
	assert.True(t, v.Enabled())
	assert.False(t, v.Verify(""))
	assert.False(t, v.Verify("tx_wrong"))
	assert.True(t, v.Verify("tx_secretsecretsecret"))
	assert.True(t, v.Verify("tx_secretsecretsecret"))
	assert.False(t, v.Verify("tx_wrong"))

	assert.False(t, NewVerifier("").Enabled())
	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Enabled())
}
