package standx

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const signVersion = "v1"

// Signer produces the request-signing headers for order endpoints
type Signer struct {
	key   ed25519.PrivateKey
	now   func() time.Time
	newID func() string
}

// NewSigner builds a Signer from an encoded Ed25519 seed (see DecodeSigningKey)
func NewSigner(encoded string) (*Signer, error) {
	key, err := DecodeSigningKey(encoded)
	if err != nil {
		return nil, err
	}
	return &Signer{
		key:   key,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}, nil
}

// DecodeSigningKey accepts the exported "d" value as unpadded base64url, or a
// hex seed with an optional 0x prefix. Both 32-byte seeds and 64-byte private
// keys are accepted.
func DecodeSigningKey(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("signing key is empty")
	}

	var raw []byte
	hexForm := strings.TrimPrefix(encoded, "0x")
	if decoded, err := hex.DecodeString(hexForm); err == nil && (len(decoded) == ed25519.SeedSize || len(decoded) == ed25519.PrivateKeySize) {
		raw = decoded
	} else {
		if pad := len(encoded) % 4; pad != 0 {
			encoded += strings.Repeat("=", 4-pad)
		}
		decoded, err := base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode signing key: %w", err)
		}
		raw = decoded
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("signing key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// PublicKey returns the verifying key
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Headers signs "{version},{requestId},{timestamp},{payload}" and returns the
// headers that carry it
func (s *Signer) Headers(payload []byte) http.Header {
	requestID := s.newID()
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	message := signVersion + "," + requestID + "," + timestamp + "," + string(payload)
	signature := ed25519.Sign(s.key, []byte(message))

	h := make(http.Header)
	h.Set("x-request-sign-version", signVersion)
	h.Set("x-request-id", requestID)
	h.Set("x-request-timestamp", timestamp)
	h.Set("x-request-signature", base64.StdEncoding.EncodeToString(signature))
	return h
}
