// Package streamcipher provides the keystream cipher used to wrap
// encrypted API requests and responses.
package streamcipher

import (
	"crypto/rc4"
	"encoding/base64"
	"fmt"
)

// DefaultDiscard is how many keystream bytes are thrown away before use.
const DefaultDiscard = 1024

// Cipher encrypts a payload to base64 ciphertext and back. An instance
// carries keystream state and must be used for exactly one payload.
type Cipher interface {
	Encode(plain []byte) string
	Decode(ciphertext string) ([]byte, error)
}

// Factory constructs a Cipher from key material and a discard count.
type Factory func(key []byte, discard int) (Cipher, error)

type rc4Cipher struct {
	c *rc4.Cipher
}

// NewRC4 returns an RC4 cipher whose first discard keystream bytes are
// skipped (RC4-dropN).
func NewRC4(key []byte, discard int) (Cipher, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rc4 key error: %w", err)
	}
	if discard > 0 {
		skip := make([]byte, discard)
		c.XORKeyStream(skip, skip)
	}
	return &rc4Cipher{c: c}, nil
}

func (r *rc4Cipher) Encode(plain []byte) string {
	out := make([]byte, len(plain))
	r.c.XORKeyStream(out, plain)
	return base64.StdEncoding.EncodeToString(out)
}

func (r *rc4Cipher) Decode(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}
	out := make([]byte, len(raw))
	r.c.XORKeyStream(out, raw)
	return out, nil
}
