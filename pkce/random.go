// Package pkce implements the secret handling behind the OAuth2 PKCE extension:
// random state/verifier generation, the S256 challenge and the SHA-256 engines
// used to derive it.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrRNGUnavailable is returned when the secure random source cannot be read.
var ErrRNGUnavailable = errors.New("secure random source unavailable")

// Reader is the secure random source. Tests may swap it.
var Reader io.Reader = rand.Reader

// RandomHex reads n secure random bytes and returns them lower-case hex encoded (2n characters).
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(Reader, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRNGUnavailable, err)
	}
	return hex.EncodeToString(buf), nil
}

// Base64URLNoPad encodes b with the URL-safe alphabet and no '=' padding (RFC 7636 appendix A).
func Base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
