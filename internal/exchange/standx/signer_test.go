package standx

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return seed
}

func TestDecodeSigningKeyFormats(t *testing.T) {
	seed := testSeed()
	want := ed25519.NewKeyFromSeed(seed)

	formats := map[string]string{
		"unpadded base64url": base64.RawURLEncoding.EncodeToString(seed),
		"padded base64url":   base64.URLEncoding.EncodeToString(seed),
		"hex":                hex.EncodeToString(seed),
		"0x hex":             "0x" + hex.EncodeToString(seed),
		"full private key":   base64.RawURLEncoding.EncodeToString(want),
	}

	for name, encoded := range formats {
		t.Run(name, func(t *testing.T) {
			key, err := DecodeSigningKey(encoded)
			require.NoError(t, err)
			assert.Equal(t, want, key)
		})
	}
}

func TestDecodeSigningKeyRejectsBadInput(t *testing.T) {
	_, err := DecodeSigningKey("")
	assert.Error(t, err)

	_, err = DecodeSigningKey("!!!not-base64!!!")
	assert.Error(t, err)

	_, err = DecodeSigningKey(base64.RawURLEncoding.EncodeToString([]byte("short")))
	assert.ErrorContains(t, err, "bytes")
}

func TestSignerHeaders(t *testing.T) {
	signer, err := NewSigner(base64.RawURLEncoding.EncodeToString(testSeed()))
	require.NoError(t, err)
	signer.now = func() time.Time { return time.UnixMilli(1700000000123) }
	signer.newID = func() string { return "req-1" }

	payload := []byte(`{"order_id":"42"}`)
	h := signer.Headers(payload)

	assert.Equal(t, "v1", h.Get("x-request-sign-version"))
	assert.Equal(t, "req-1", h.Get("x-request-id"))
	assert.Equal(t, "1700000000123", h.Get("x-request-timestamp"))

	sig, err := base64.StdEncoding.DecodeString(h.Get("x-request-signature"))
	require.NoError(t, err)
	message := []byte(`v1,req-1,1700000000123,{"order_id":"42"}`)
	assert.True(t, ed25519.Verify(signer.PublicKey(), message, sig))
}
