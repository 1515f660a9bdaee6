package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth signs HTTP requests to quote APIs that require HMAC-SHA256
// authentication: signature = base64(HMAC(secret, timestamp+method+path+body)).
// Header names are Prefix + "-KEY", "-TIMESTAMP", "-PASSPHRASE" and "-SIGN".
type HMACAuth struct {
	Key        string
	Secret     string
	Passphrase string
	Prefix     string

	now func() time.Time
}

// NewHMACAuth returns an HMACAuth; an empty prefix defaults to "X-API".
func NewHMACAuth(key, secret, passphrase, prefix string) *HMACAuth {
	if prefix == "" {
		prefix = "X-API"
	}
	return &HMACAuth{Key: key, Secret: secret, Passphrase: passphrase, Prefix: prefix, now: time.Now}
}

// Headers returns the authentication headers for one request.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	return h.HeadersAt(method, path, body, now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	out := map[string]string{
		h.Prefix + "-KEY":       h.Key,
		h.Prefix + "-TIMESTAMP": ts,
		h.Prefix + "-SIGN":      hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
	if h.Passphrase != "" {
		out[h.Prefix+"-PASSPHRASE"] = h.Passphrase
	}
	return out
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
