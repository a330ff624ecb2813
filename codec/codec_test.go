package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/apperr"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not hex", strings.Repeat("zz", KeySize)},
		{"too short", "0011"},
		{"too long", testKey + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.key)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, apperr.Is(err, apperr.ErrCodec))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)

	for _, plain := range []string{
		"",
		"hello",
		"with:colons:inside",
		"юникод и эмодзи 🚀",
		strings.Repeat("x", 64*1024),
	} {
		sealed, err := c.Seal(plain)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(sealed, ":"), "hex output never contains the delimiter")

		opened, err := c.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, opened)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)

	a, err := c.Seal("same")
	require.NoError(t, err)
	b, err := c.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsMalformed(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)

	sealed, err := c.Seal("payload")
	require.NoError(t, err)
	nonce, body, _ := strings.Cut(sealed, ":")

	tests := []struct {
		name  string
		input string
	}{
		{"no delimiter", nonce + body},
		{"extra delimiter", sealed + ":00"},
		{"nonce not hex", "xyz:" + body},
		{"short nonce", "0011:" + body},
		{"payload not hex", nonce + ":nothex"},
		{"tampered payload", nonce + ":" + strings.Repeat("0", len(body))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Open(tt.input)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.ErrCodec))
		})
	}
}

func TestOpenWithOtherKeyFails(t *testing.T) {
	a, err := New(testKey)
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)
	b, err := New(other)
	require.NoError(t, err)

	sealed, err := a.Seal("secret")
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.True(t, apperr.Is(err, apperr.ErrCodec))
}
