// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// MACKey keys the BLAKE2s MAC authenticating packets.
type MACKey [MACKeyLen]byte

// BulkKey keys the XChaCha20 stream cipher encrypting packets.
type BulkKey [BulkKeyLen]byte

// SymmetricKey is the MAC/bulk key pair protecting one direction of a
// session, or an endpoint's introduction traffic.
type SymmetricKey struct {
	MAC  MACKey
	Bulk BulkKey
}

// PublicKey is a Curve25519 public key.
type PublicKey [ECDHPublicKeyLen]byte

// PrivateKey is a clamped Curve25519 private key.
type PrivateKey [ECDHPrivateKeyLen]byte

// wipe zeroes the key material.
func (k *SymmetricKey) wipe() {
	memwipe(k.MAC[:])
	memwipe(k.Bulk[:])
}

// IsZero reports whether the key is all zeroes, in constant time.
func (k PublicKey) IsZero() bool {
	acc := 1
	for _, v := range k {
		acc &= subtle.ConstantTimeByteEq(v, 0)
	}
	return acc == 1
}

// clamp applies the Curve25519 clamping operation to a private key.
func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the public key from this private key.
func (sk *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	result, _ := curve25519.X25519(sk[:], curve25519.Basepoint)
	copy(pk[:], result)
	return pk
}

// GenerateKeypair generates a fresh random Curve25519 keypair.
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	var sk PrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, PublicKey{}, fmt.Errorf("lodp: keypair generation: %w", err)
	}
	sk.clamp()
	return sk, sk.PublicKey(), nil
}

// mac computes the keyed BLAKE2s digest of the concatenation of data into
// out. out must be MACDigestLen bytes.
func mac(out []byte, key *MACKey, data ...[]byte) {
	h, _ := blake2s.New256(key[:])
	for _, d := range data {
		h.Write(d)
	}
	h.Sum(out[:0])
}

// macLabelKey builds a MAC key from an ASCII label, zero padded.
func macLabelKey(label string) MACKey {
	var k MACKey
	copy(k[:], label)
	return k
}

// streamXOR applies XChaCha20 keyed by key under iv, reading src and
// writing dst. src and dst may alias exactly or not at all.
func streamXOR(dst, src []byte, key *BulkKey, iv []byte) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], iv)
	if err != nil {
		// Key and IV sizes are fixed by the types; this cannot fail.
		panic("lodp: stream cipher init: " + err.Error())
	}
	c.XORKeyStream(dst, src)
}

// ecdh computes the X25519 shared secret between a local private key and a
// peer public key. The peer key is validated first; low-order points and
// the identity are rejected with ErrBadHandshake.
func ecdh(priv *PrivateKey, pub *PublicKey) ([]byte, error) {
	if err := validatePublicKey(pub); err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, ErrBadHandshake
	}
	return secret, nil
}

// validatePublicKey rejects peer public keys that would yield a degenerate
// shared secret. X25519 itself refuses low-order points by checking for an
// all-zero output; the explicit zero-key check here fails fast before any
// scalar multiplication.
func validatePublicKey(pub *PublicKey) error {
	if pub.IsZero() {
		return ErrBadHandshake
	}
	return nil
}

// deriveSessionKeys expands a handshake shared secret into the two
// directional symmetric key pairs via HKDF-BLAKE2s. The first key protects
// initiator-to-responder traffic, the second the reverse.
func deriveSessionKeys(sharedSecret []byte) (initToResp, respToInit SymmetricKey, err error) {
	r := hkdf.New(newBLAKE2s, sharedSecret, nil, []byte(ntorProtoID))
	for _, k := range []*SymmetricKey{&initToResp, &respToInit} {
		if _, err = io.ReadFull(r, k.MAC[:]); err != nil {
			return
		}
		if _, err = io.ReadFull(r, k.Bulk[:]); err != nil {
			return
		}
	}
	return
}

func newBLAKE2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// randBytes fills b with cryptographically strong random bytes.
func randBytes(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("lodp: entropy source: %w", err)
	}
	return nil
}

// ctCompare reports whether a and b are equal, in constant time.
func ctCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// memwipe zeroes b through a routine the compiler may not elide.
func memwipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
