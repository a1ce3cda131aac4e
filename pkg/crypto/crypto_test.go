package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("P@ssw0rd1")
	require.NoError(t, err)
	require.NotEqual(t, "P@ssw0rd1", hash)

	require.True(t, VerifyPassword(hash, "P@ssw0rd1"))
	require.False(t, VerifyPassword(hash, "p@ssw0rd1"))
	require.False(t, VerifyPassword(hash, ""))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := []byte("12345678901234567890123456789012")

	encrypted, err := Encrypt([]byte("JBSWY3DPEHPK3PXP"), key)
	require.NoError(t, err)
	require.NotContains(t, encrypted, "JBSWY3DPEHPK3PXP")

	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	require.Equal(t, "JBSWY3DPEHPK3PXP", string(decrypted))
}

func TestEncryptProducesUniqueCiphertext(t *testing.T) {
	key := []byte("12345678901234567890123456789012")

	first, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)
	second, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key := []byte("12345678901234567890123456789012")
	other := []byte("abcdefghijklmnopqrstuvwxyz123456")

	encrypted, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Decrypt(encrypted, other)
	require.Error(t, err)
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	key := []byte("12345678901234567890123456789012")
	_, err := Decrypt("c2hvcnQ=", key)
	require.Error(t, err)
}

func TestGenerateTokenLengthAndUniqueness(t *testing.T) {
	first, err := GenerateToken(32)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := GenerateToken(32)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
