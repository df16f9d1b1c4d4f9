package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// SignPlain computes the signature used by unencrypted requests.
//
//  1. stringToSign = path & signedNonce & nonce & k1=v1 & k2=v2 ... (keys sorted)
//  2. signature    = base64(HMAC-SHA256(base64decode(signedNonce), stringToSign))
func SignPlain(path, signedNonce, nonce string, params map[string]string) (string, error) {
	key, err := FromBase64(signedNonce)
	if err != nil {
		return "", fmt.Errorf("decode signed nonce: %w", err)
	}

	parts := []string{path, signedNonce, nonce}
	parts = append(parts, sortedPairs(params)...)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strings.Join(parts, "&")))
	return toBase64(mac.Sum(nil)), nil
}

// SignEncrypted computes the SHA1 signature used by RC4 requests.
//
//  1. stringToSign = METHOD & apiPath & k1=v1 & k2=v2 ... (keys sorted) & signedNonce
//  2. signature    = base64(SHA1(stringToSign))
//
// apiPath is the request path with the leading "/app" routing segment removed.
func SignEncrypted(rawURL, method, signedNonce string, params map[string]string) (string, error) {
	path, err := apiPath(rawURL)
	if err != nil {
		return "", err
	}

	parts := []string{strings.ToUpper(method), path}
	parts = append(parts, sortedPairs(params)...)
	parts = append(parts, signedNonce)

	sum := sha1.Sum([]byte(strings.Join(parts, "&")))
	return toBase64(sum[:]), nil
}

// PasswordHash is the uppercase hex MD5 the account service expects.
func PasswordHash(password string) string {
	sum := md5.Sum([]byte(password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func apiPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	p := u.EscapedPath()
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return strings.Replace(p, "/app/", "/", 1), nil
}

func sortedPairs(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return pairs
}
