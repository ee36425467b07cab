package emergency

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

const (
	ShortIDLength   = 8
	shortIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// shortIDPattern accepts anything a stored short id could be. Mixed case is
// significant.
var shortIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)

// ValidShortID reports whether s is worth looking up.
func ValidShortID(s string) bool {
	return shortIDPattern.MatchString(s)
}

// NewShortID returns a random identifier of ShortIDLength characters drawn
// uniformly from [A-Za-z0-9].
func NewShortID() (string, error) {
	// 248 is the largest multiple of 62 below 256; bytes above it are
	// rejected to keep the distribution uniform.
	const limit = 256 - 256%len(shortIDAlphabet)

	out := make([]byte, 0, ShortIDLength)
	buf := make([]byte, ShortIDLength*2)
	for len(out) < ShortIDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, shortIDAlphabet[int(b)%len(shortIDAlphabet)])
			if len(out) == ShortIDLength {
				break
			}
		}
	}
	return string(out), nil
}
