package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New("a-secret-that-is-at-least-32-chars-long", "fixed-salt")
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)
	cases := [][]byte{
		[]byte(""),
		[]byte("short"),
		bytes.Repeat([]byte("x"), 10*1024),
	}
	for _, plaintext := range cases {
		ct, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		pt, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v := testVault(t)
	ct, err := v.Encrypt([]byte("ghp_supersecret"))
	require.NoError(t, err)

	for i := range ct {
		mutated := append([]byte(nil), ct...)
		mutated[i] ^= 0xFF
		_, err := v.Decrypt(mutated)
		assert.ErrorIs(t, err, ErrCiphertextInvalid, "byte %d mutation should invalidate ciphertext", i)
	}
}

func TestDecryptRejectsShortInput(t *testing.T) {
	v := testVault(t)
	_, err := v.Decrypt([]byte("short"))
	assert.ErrorIs(t, err, ErrCiphertextInvalid)
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New("too-short", "salt")
	assert.Error(t, err)
}

func TestEncryptNeverReusesNonce(t *testing.T) {
	v := testVault(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ct, err := v.Encrypt([]byte("same plaintext"))
		require.NoError(t, err)
		nonce := string(ct[:nonceBytes])
		assert.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}
