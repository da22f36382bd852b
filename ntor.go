// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

// Modified ntor key agreement. The responder authenticates with its
// long-term keypair B/b; both sides contribute ephemerals (X/x initiator,
// Y/y responder). The KDF is labeled keyed BLAKE2s rather than the
// HMAC-SHA256 of the original ntor paper.

var (
	ntorSSKey     = macLabelKey(ntorSSLabel)
	ntorVerifyKey = macLabelKey(ntorVerifyLabel)
	ntorAuthKey   = macLabelKey(ntorAuthLabel)
)

// ntorKeys is the transient output of the key agreement: the extracted
// shared secret feeding session key derivation, and the verifier the
// responder transmits in HANDSHAKE_ACK.
type ntorKeys struct {
	sharedSecret [ECDHSecretLen]byte
	auth         [MACDigestLen]byte
}

func (nk *ntorKeys) wipe() {
	memwipe(nk.sharedSecret[:])
	memwipe(nk.auth[:])
}

// ntorInitiator runs the initiator side: x is the session ephemeral
// private key, peerB the responder's long-term public key, peerY the
// ephemeral public key received in HANDSHAKE_ACK.
func ntorInitiator(x *PrivateKey, peerB, peerY *PublicKey) (*ntorKeys, error) {
	s1, err := ecdh(x, peerY)
	if err != nil {
		return nil, err
	}
	s2, err := ecdh(x, peerB)
	if err != nil {
		memwipe(s1)
		return nil, err
	}
	localX := x.PublicKey()
	return ntorCommon(s1, s2, peerB, &localX, peerY)
}

// ntorResponder runs the responder side: y is the session ephemeral
// private key, b the endpoint's long-term private key, peerX the ephemeral
// public key received in HANDSHAKE.
func ntorResponder(y, b *PrivateKey, peerX *PublicKey) (*ntorKeys, error) {
	s1, err := ecdh(y, peerX)
	if err != nil {
		return nil, err
	}
	s2, err := ecdh(b, peerX)
	if err != nil {
		memwipe(s1)
		return nil, err
	}
	localB := b.PublicKey()
	localY := y.PublicKey()
	return ntorCommon(s1, s2, &localB, peerX, &localY)
}

// ntorCommon finishes the agreement from the two raw DH secrets. It
// consumes s1 and s2, wiping them along with every intermediate before
// returning.
func ntorCommon(s1, s2 []byte, pubB, pubX, pubY *PublicKey) (*ntorKeys, error) {
	defer memwipe(s1)
	defer memwipe(s2)

	nk := new(ntorKeys)

	// SecretInput = s1 | s2 | B | X | Y | PROTOID
	var ss [MACDigestLen]byte
	mac(ss[:], &ntorSSKey, s1, s2, pubB[:], pubX[:], pubY[:], []byte(ntorProtoID))
	copy(nk.sharedSecret[:], ss[:ECDHSecretLen])

	var verify [MACDigestLen]byte
	mac(verify[:], &ntorVerifyKey, s1, s2, pubB[:], pubX[:], pubY[:], []byte(ntorProtoID))

	// AuthInput = Verify | B | Y | X | PROTOID | RESPONDER
	mac(nk.auth[:], &ntorAuthKey, verify[:], pubB[:], pubY[:], pubX[:],
		[]byte(ntorProtoID), []byte(ntorResponderLabel))

	memwipe(ss[:])
	memwipe(verify[:])
	return nk, nil
}
