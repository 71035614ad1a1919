package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	tests := []string{"", "smtp-password", "Hello 世界", strings.Repeat("x", 4096)}
	for _, plaintext := range tests {
		sealed, err := box.Seal(plaintext)
		require.NoError(t, err)
		assert.True(t, IsSealed(sealed))
		if plaintext != "" {
			assert.NotContains(t, sealed, plaintext)
		}

		opened, err := box.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenPlainValue(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	v, err := box.Open("not-sealed")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", v)
}

func TestOpenErrors(t *testing.T) {
	key1, err := GenerateKey()
	require.NoError(t, err)
	key2, err := GenerateKey()
	require.NoError(t, err)
	box1, err := NewBox(key1)
	require.NoError(t, err)
	box2, err := NewBox(key2)
	require.NoError(t, err)

	sealed, err := box1.Seal("secret")
	require.NoError(t, err)

	_, err = box2.Open(sealed)
	assert.ErrorIs(t, err, ErrOpenFailed)

	_, err = box1.Open(Prefix + "short")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = box1.Open(Prefix + "!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewBoxInvalidKey(t *testing.T) {
	for _, key := range []string{"", "not base64!", "c2hvcnQ="} {
		_, err := NewBox(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}
