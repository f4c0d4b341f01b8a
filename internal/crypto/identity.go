// Package crypto implements the UKEY2 handshake and D2D signcryption
// layer: key agreement, key derivation, the per-direction
// authenticated-encryption wrapper installed on an EndpointChannel after a
// successful handshake, and the device identity key used to sign
// ConnectionRequest frames.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// Identity is a device's long-term signing key, plus the X25519 static key
// derived from it via the birational Ed25519<->Curve25519 map. The
// converted key lets the same long-term identity double as the static key
// for the Noise_XX re-key run during a bandwidth upgrade, using
// filippo.io/edwards25519 for the conversion.
type Identity struct {
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 identity key pair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &Identity{SigningPublic: pub, SigningPrivate: priv}, nil
}

// Sign signs msg with the identity's long-term key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.SigningPrivate, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// X25519StaticKey converts the Ed25519 private key to its Curve25519
// equivalent via the birational map edwards25519 implements, for use as a
// Noise_XX static key.
func (id *Identity) X25519StaticKey() ([32]byte, error) {
	h := sha512.Sum512(id.SigningPrivate.Seed())
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	s, err := edwards25519.NewScalar().SetBytesWithClamping(scalar[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("crypto: clamp scalar: %w", err)
	}
	var out [32]byte
	copy(out[:], s.Bytes())
	return out, nil
}
