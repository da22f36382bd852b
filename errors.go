// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import "errors"

// Protocol errors surfaced by the packet processing core. Receive-path
// failures are reported to the caller only; nothing is ever sent back to the
// peer in response to a malformed or unauthenticated packet.
var (
	// ErrInvalidMAC indicates authentication failed under the tried key.
	ErrInvalidMAC = errors.New("lodp: invalid MAC")

	// ErrBadPacket indicates a structural or semantic check failed: bad
	// length, non-zero flags, or a packet type that is not legal in the
	// session's current state.
	ErrBadPacket = errors.New("lodp: bad packet")

	// ErrInvalidCookie indicates the handshake cookie did not verify under
	// the current or the previous cookie key.
	ErrInvalidCookie = errors.New("lodp: invalid cookie")

	// ErrNotResponder indicates a packet that requires responder intro keys
	// arrived at an endpoint that has none, or a responder-only operation
	// was attempted on an initiator session.
	ErrNotResponder = errors.New("lodp: not a responder")

	// ErrBadHandshake indicates the ntor computation failed or the
	// verifier did not match.
	ErrBadHandshake = errors.New("lodp: handshake failed")

	// ErrNoBufs indicates the packet buffer pool is exhausted.
	ErrNoBufs = errors.New("lodp: no buffers available")

	// ErrMsgSize indicates the payload would exceed the maximum segment
	// size. Fragmentation is not performed.
	ErrMsgSize = errors.New("lodp: message too large")

	// ErrAFNotSupport indicates a peer address that is neither IPv4 nor
	// IPv6.
	ErrAFNotSupport = errors.New("lodp: address family not supported")
)
