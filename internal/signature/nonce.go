package signature

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
)

// NonceSize is 8 random bytes followed by a big-endian minute counter.
const NonceSize = 12

// -- Base64 --

func toBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes the loosely padded base64 the vendor hands out.
// Padding is optional, URL-safe characters are accepted and a dangling
// sixth-bit character is dropped.
func FromBase64(b64 string) ([]byte, error) {
	s := strings.TrimSpace(b64)
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	s = strings.TrimRight(s, "=")
	if len(s)%4 == 1 {
		s = s[:len(s)-1]
	}
	out, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return out, nil
}

// -- Nonce --

// GenerateNonce returns a fresh base64 nonce for one request.
func GenerateNonce() (string, error) {
	return NonceAt(rand.Reader, time.Now())
}

// NonceAt builds a nonce from the given entropy source and clock reading.
func NonceAt(random io.Reader, now time.Time) (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, buf[:8]); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	binary.BigEndian.PutUint32(buf[8:], uint32(now.UnixMilli()/60000))
	return toBase64(buf), nil
}

// -- Signed nonce --

// SignedNonce computes base64(SHA256(secret || nonce)).
func SignedNonce(secretBase64, nonceBase64 string) (string, error) {
	secret, err := FromBase64(secretBase64)
	if err != nil {
		return "", fmt.Errorf("decode ssecurity: %w", err)
	}
	nonce, err := FromBase64(nonceBase64)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	h := sha256.New()
	h.Write(secret)
	h.Write(nonce)
	return toBase64(h.Sum(nil)), nil
}
