package micloud

import (
	"fmt"
	"net/http"
	"net/url"

	"go-micloud/internal/signature"
	"go-micloud/internal/streamcipher"
)

const rc4HashField = "rc4_hash__"

// envelope is the per-request key material. It is used for one exchange.
type envelope struct {
	nonce       string
	signedNonce string
}

func newEnvelope(ssecurity string) (*envelope, error) {
	nonce, err := signature.GenerateNonce()
	if err != nil {
		return nil, err
	}
	signed, err := signature.SignedNonce(ssecurity, nonce)
	if err != nil {
		return nil, err
	}
	return &envelope{nonce: nonce, signedNonce: signed}, nil
}

// plainForm builds {_nonce, data, signature} for unencrypted requests.
func (e *envelope) plainForm(path string, params map[string]string) (url.Values, error) {
	sig, err := signature.SignPlain(path, e.signedNonce, e.nonce, params)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("_nonce", e.nonce)
	form.Set("signature", sig)
	return form, nil
}

// encryptedForm signs the plaintext params into rc4_hash__, encrypts every
// value with its own cipher instance, signs the ciphertext into signature
// and appends ssecurity and _nonce in the clear.
func (e *envelope) encryptedForm(newCipher CipherFactory, rawURL, ssecurity string, params map[string]string) (url.Values, error) {
	rc4Hash, err := signature.SignEncrypted(rawURL, http.MethodPost, e.signedNonce, params)
	if err != nil {
		return nil, err
	}

	plain := make(map[string]string, len(params)+1)
	for k, v := range params {
		plain[k] = v
	}
	plain[rc4HashField] = rc4Hash

	encrypted := make(map[string]string, len(plain))
	for k, v := range plain {
		c, err := e.cipher(newCipher)
		if err != nil {
			return nil, err
		}
		encrypted[k] = c.Encode([]byte(v))
	}

	sig, err := signature.SignEncrypted(rawURL, http.MethodPost, e.signedNonce, encrypted)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, v := range encrypted {
		form.Set(k, v)
	}
	form.Set("signature", sig)
	form.Set("ssecurity", ssecurity)
	form.Set("_nonce", e.nonce)
	return form, nil
}

// decrypt reverses the response transform with a fresh cipher keyed by
// this request's signed nonce.
func (e *envelope) decrypt(newCipher CipherFactory, body string) ([]byte, error) {
	c, err := e.cipher(newCipher)
	if err != nil {
		return nil, err
	}
	plain, err := c.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

func (e *envelope) cipher(newCipher CipherFactory) (Cipher, error) {
	key, err := signature.FromBase64(e.signedNonce)
	if err != nil {
		return nil, fmt.Errorf("decode signed nonce: %w", err)
	}
	return newCipher(key, streamcipher.DefaultDiscard)
}
