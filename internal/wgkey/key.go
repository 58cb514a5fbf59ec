// Package wgkey provides the Curve25519 key representation shared by the
// charger store and the relay's tunnel layer.
package wgkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Size is the length in bytes of a WireGuard key.
const Size = 32

// Key is a WireGuard Curve25519 key (private, public, or preshared). Its
// string form is standard base64, matching the on-wire/UAPI convention.
type Key [Size]byte

// Generate returns a new random private key, clamped per RFC 7748 ยง5.
func Generate() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating random key: %w", err)
	}
	clamp(&k)
	return k, nil
}

// Public derives the Curve25519 public key for a private key.
func Public(private Key) Key {
	var pub Key
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&private))
	return pub
}

// Parse decodes a base64-encoded key.
func Parse(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding base64 key: %w", err)
	}
	if len(b) != Size {
		return Key{}, fmt.Errorf("invalid key length: got %d, want %d", len(b), Size)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// String returns the base64 representation of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the lowercase hex representation, the form wireguard-go's
// UAPI configuration protocol expects for private_key/public_key/preshared_key.
func (k Key) Hex() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, Size*2)
	for _, b := range k {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}

// IsZero reports whether the key is the all-zero value.
func (k Key) IsZero() bool {
	return k == Key{}
}

func clamp(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
