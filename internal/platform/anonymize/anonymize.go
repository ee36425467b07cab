// Package anonymize reduces request attributes to forms that are safe to
// persist: truncated keyed hashes and bare referer hosts.
package anonymize

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// HashLength is the number of hex characters kept from the digest.
const HashLength = 16

// Hasher produces keyed digests of client attributes. Without the key an
// IPv4 address cannot be recovered by enumerating the address space.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with key. An empty key gets a random
// per-process key: digests then only match within one process, which is
// enough for development but not for counters shared between instances.
func NewHasher(key string) *Hasher {
	if key == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			panic("anonymize: read random key: " + err.Error())
		}
		return &Hasher{key: b}
	}
	return &Hasher{key: []byte(key)}
}

// Hash returns the truncated HMAC-SHA256 hex digest of s, or "" for empty
// input.
func (h *Hasher) Hash(s string) string {
	if s == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))[:HashLength]
}

// RefererDomain returns only the host part of a Referer header value.
// Anything unparsable, or without a host, yields "".
func RefererDomain(referer string) string {
	referer = strings.TrimSpace(referer)
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if len(host) > 100 {
		return ""
	}
	return host
}

// CountryCode normalises an ISO 3166-1 alpha-2 value supplied by a trusted
// edge proxy. Cloudflare's unknown ("XX") and Tor ("T1") markers are dropped.
func CountryCode(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) != 2 || v == "XX" || v == "T1" {
		return ""
	}
	for _, r := range v {
		if r < 'A' || r > 'Z' {
			return ""
		}
	}
	return v
}
