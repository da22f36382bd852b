// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package lodp implements the packet processing core of the Lightweight
// Obfuscated Datagram Protocol: the nine-type wire framing, the
// encrypt-then-MAC envelope, the cookie-based three-way handshake with a
// modified ntor key agreement, and the per-session state machine.
//
// The package is transport-agnostic. Packets enter through
// Endpoint.OnIncomingPacket and leave through the host's Send callback; a
// ready-made UDP host lives in Server.
package lodp

import (
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20"
)

// Packet types. REKEY and REKEY_ACK are reserved by the numbering but
// unimplemented; received instances are dropped.
const (
	PktData uint8 = iota
	PktInit
	PktInitACK
	PktHandshake
	PktHandshakeACK
	PktHeartbeat
	PktHeartbeatACK
	PktRekey
	PktRekeyACK
)

// Cryptographic primitive sizes.
const (
	// MACDigestLen is the length of the BLAKE2s digest authenticating
	// every packet, and of the handshake verifier.
	MACDigestLen = blake2s.Size

	// MACKeyLen is the length of a BLAKE2s MAC key.
	MACKeyLen = 32

	// BulkKeyLen is the length of an XChaCha20 key.
	BulkKeyLen = chacha20.KeySize

	// BulkIVLen is the length of the random per-packet XChaCha20 nonce.
	BulkIVLen = chacha20.NonceSizeX

	// ECDHPublicKeyLen and ECDHPrivateKeyLen are the Curve25519 key
	// lengths; ECDHSecretLen is the length of a raw shared secret.
	ECDHPublicKeyLen  = 32
	ECDHPrivateKeyLen = 32
	ECDHSecretLen     = 32

	// CookieLen is the length of the cookies this implementation
	// generates. Initiators treat received cookies as opaque and
	// variable length.
	CookieLen = MACDigestLen
)

// Wire layout. Every packet is MAC || IV || type || flags || length || body.
// The length field is big-endian and counts bytes from the type byte to the
// end of the authenticated plaintext.
const (
	pktTagLen = MACDigestLen + BulkIVLen

	pktTypeOff  = pktTagLen
	pktFlagsOff = pktTagLen + 1
	pktLenOff   = pktTagLen + 2
	pktBodyOff  = pktTagLen + 4

	// pktHdrLen is the TLV header: type, flags, 2-byte length.
	pktHdrLen = 4
)

// Fixed per-type body lengths, header included (the value carried in the
// length field for a packet with no variable tail).
const (
	hdrDataLen         = pktHdrLen
	hdrInitLen         = pktHdrLen + MACKeyLen + BulkKeyLen
	hdrInitACKLen      = pktHdrLen
	hdrHandshakeLen    = pktHdrLen + MACKeyLen + BulkKeyLen + ECDHPublicKeyLen
	hdrHandshakeACKLen = pktHdrLen + ECDHPublicKeyLen + MACDigestLen
	hdrHeartbeatLen    = pktHdrLen
	hdrHeartbeatACKLen = pktHdrLen

	pktDataLen         = pktTagLen + hdrDataLen
	pktInitLen         = pktTagLen + hdrInitLen
	pktInitACKLen      = pktTagLen + hdrInitACKLen
	pktHandshakeLen    = pktTagLen + hdrHandshakeLen
	pktHandshakeACKLen = pktTagLen + hdrHandshakeACKLen
	pktHeartbeatLen    = pktTagLen + hdrHeartbeatLen
)

const (
	// MaxSegmentSize is the largest datagram the endpoint will produce
	// or accept: an Ethernet-friendly 1500 minus 40 bytes of IP/UDP
	// headers.
	MaxSegmentSize = 1500 - 40

	// MaxDataPayloadLen is the largest payload SendData accepts.
	MaxDataPayloadLen = MaxSegmentSize - pktDataLen
)

// Cookie key rotation schedule. Keys rotate lazily on the first cookie
// operation past the deadline; the previous key stays valid for the grace
// window after rotation.
const (
	cookieRotateInterval = 30 * time.Second
	cookieGraceWindow    = 15 * time.Second
)

// ntor protocol labels.
const (
	ntorProtoID        = "lodp-ntor-1"
	ntorResponderLabel = "Responder"

	ntorSSLabel     = ntorProtoID + ":key_extract"
	ntorVerifyLabel = ntorProtoID + ":key_expand"
	ntorAuthLabel   = ntorProtoID + ":mac"
)

// defaultBufPoolSize bounds the number of packet buffers that may be
// outstanding at once per endpoint.
const defaultBufPoolSize = 64

// SessionState is the lifecycle state of a Session.
type SessionState uint8

const (
	// StateInit means the initiator has sent INIT and is waiting for
	// INIT_ACK.
	StateInit SessionState = iota

	// StateHandshake means the initiator holds a cookie and is waiting
	// for HANDSHAKE_ACK.
	StateHandshake

	// StateEstablished means session keys are live in both directions.
	// Responder sessions are created directly in this state.
	StateEstablished

	// StateError is terminal. The session must be closed by the host.
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshake:
		return "HANDSHAKE"
	case StateEstablished:
		return "ESTABLISHED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
