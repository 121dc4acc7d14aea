// Package cookie implements the one-shot rendezvous token described in
// spec.md §3: a 32-byte ASCII lowercase-hex string derived from a
// cryptographic UUID, used to correlate an out-of-band TCP connection with
// the RPC negotiation that minted it.
package cookie

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Length is CONNECTION_COOKIE_LENGTH: the wire size of a cookie, exactly
// 32 bytes of ASCII lowercase hex with no terminator.
const Length = 32

// Cookie is a fixed-size, comparable rendezvous token.
type Cookie [Length]byte

// Zero is the empty cookie returned alongside a TransportUnavailable
// negotiation result (spec.md §7).
var Zero Cookie

// New mints a fresh cookie from a random UUID. Cookies are never reused;
// callers must request a new one for every pending connection.
func New() Cookie {
	u := uuid.New()
	var c Cookie
	hex.Encode(c[:], u[:])
	return c
}

// String renders the cookie as its 32-character ASCII hex form.
func (c Cookie) String() string { return string(c[:]) }

// IsZero reports whether c is the empty/unset cookie.
func (c Cookie) IsZero() bool { return c == Zero }

// Equal performs a constant-time comparison, appropriate for comparing an
// attacker-influenced cookie read off the wire against a registered one.
func (c Cookie) Equal(other Cookie) bool {
	return subtle.ConstantTimeCompare(c[:], other[:]) == 1
}

// Parse validates and converts a 32-byte wire-format cookie. It returns an
// error if s is not exactly Length bytes of lowercase hex.
func Parse(s string) (Cookie, error) {
	var c Cookie
	if len(s) != Length {
		return c, fmt.Errorf("cookie: wrong length %d, want %d", len(s), Length)
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		isHex := (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f')
		if !isHex {
			return c, fmt.Errorf("cookie: invalid character %q at offset %d", ch, i)
		}
	}
	copy(c[:], s)
	return c, nil
}
