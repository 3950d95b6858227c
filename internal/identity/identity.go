// Package identity derives stable website keys from URLs.
//
// Every per-site resource (agent, knowledge base, cache entry, database row)
// is indexed by the key produced here, so the normalization rule must be a
// single consistent one: two spellings of the same site must collapse to the
// same key, and the key must be stable across process restarts.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL indicates the input could not be parsed as a website URL.
var ErrInvalidURL = errors.New("invalid website URL")

// KeyLength is the length of a derived key in hex characters.
const KeyLength = 16

// Key is a normalized website identity. It indexes all cached and persisted
// per-site resources.
type Key string

// Derive converts a website URL into a stable Key.
//
// Normalization rule (the one rule, applied everywhere):
//   - scheme and host are lower-cased
//   - default ports 80 and 443 are dropped
//   - the URL fragment is dropped
//   - a trailing "/" on the path is dropped
//   - path and query are preserved: distinct paths may warrant distinct
//     knowledge bases
//
// The key is the first 16 hex characters of the SHA-256 of the normalized
// URL. Derivation is deterministic, so retries and restarts always resolve
// to the same resources.
func Derive(rawURL string) (Key, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(normalized))
	return Key(hex.EncodeToString(sum[:])[:KeyLength]), nil
}

// Normalize applies the normalization rule and returns the canonical URL
// string that keys are derived from. Exposed separately so callers can log
// or compare canonical forms without hashing.
func Normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	host := strings.ToLower(u.Host)
	host = stripDefaultPort(scheme, host)

	path := strings.TrimSuffix(u.EscapedPath(), "/")

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	// Fragment intentionally dropped: it never reaches the server and has no
	// bearing on site identity.
	return b.String(), nil
}

// stripDefaultPort removes ":80" for http and ":443" for https.
func stripDefaultPort(scheme, host string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}
