// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Config configures an Endpoint.
//
// An Endpoint is not safe for concurrent use: the host must issue all calls
// into an endpoint and its sessions from a single goroutine. Callbacks are
// invoked on that same goroutine and may re-enter the endpoint (an OnReceive
// handler calling SendData is fine).
type Config struct {
	// PrivateKey is the long-term identity keypair. Required for a
	// responder; an initiator-only endpoint may leave it zero.
	PrivateKey PrivateKey

	// IntroKeys is the introduction key pair advertised out-of-band.
	// Setting it makes the endpoint a responder: it will decrypt and
	// accept INIT/HANDSHAKE from unknown peers.
	IntroKeys *SymmetricKey

	// Send transmits one datagram to addr. Required.
	Send func(pkt []byte, addr *net.UDPAddr) error

	// OnAccept delivers a newly established responder session to the
	// host. The host owns the session from this point.
	OnAccept func(s *Session, addr *net.UDPAddr)

	// OnConnect reports the initiator handshake outcome, once per
	// Connect, when the handshake completes or fails. A session closed
	// before either happens gets no call.
	OnConnect func(s *Session, err error)

	// OnReceive delivers a DATA payload. The slice is only valid for the
	// duration of the callback.
	OnReceive func(s *Session, payload []byte)

	// OnHeartbeatACK, if set, delivers HEARTBEAT_ACK payloads.
	OnHeartbeatACK func(s *Session, payload []byte)

	// PreEncrypt, if set, is asked before every encrypt how many random
	// padding bytes to append. The return value is clamped to the
	// remaining segment space.
	PreEncrypt func(curLen, maxLen int) int

	// Rate optionally limits INIT and HEARTBEAT processing. Nil means
	// no limiting.
	Rate *RatePolicy

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// BufPoolSize bounds the packet buffers outstanding at once.
	// Defaults to 64.
	BufPoolSize int
}

// Endpoint is the process-wide protocol engine: it owns the identity keys,
// the cookie keys, and the packet dispatcher. Sessions hang off it.
type Endpoint struct {
	privKey   PrivateKey
	pubKey    PublicKey
	introKeys *SymmetricKey
	cookies   *cookieService
	pool      *bufPool
	cfg       Config
	log       *slog.Logger
}

// NewEndpoint creates an endpoint from cfg.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("lodp: config: Send callback is required")
	}
	e := &Endpoint{
		privKey:   cfg.PrivateKey,
		introKeys: cfg.IntroKeys,
		pool:      newBufPool(cfg.BufPoolSize),
		cfg:       cfg,
		log:       cfg.Logger,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.introKeys != nil {
		var zero PrivateKey
		if e.privKey == zero {
			return nil, fmt.Errorf("lodp: config: responder needs a private key")
		}
	}
	e.pubKey = e.privKey.PublicKey()
	cs, err := newCookieService()
	if err != nil {
		return nil, err
	}
	e.cookies = cs
	return e, nil
}

// PublicKey returns the endpoint's long-term public key.
func (e *Endpoint) PublicKey() PublicKey { return e.pubKey }

// IsResponder reports whether the endpoint holds introduction keys.
func (e *Endpoint) IsResponder() bool { return e.introKeys != nil }

// GenerateIntroKeys creates a fresh random introduction key pair.
func GenerateIntroKeys() (*SymmetricKey, error) {
	k := new(SymmetricKey)
	if err := randBytes(k.MAC[:]); err != nil {
		return nil, err
	}
	if err := randBytes(k.Bulk[:]); err != nil {
		return nil, err
	}
	return k, nil
}

// authResult records which key decrypted an incoming packet.
type authResult uint8

const (
	authFail authResult = iota
	authSession
	authIntro
)

// OnIncomingPacket processes one received datagram. session is the session
// the host matched by peer address, or nil. Receive-path failures are
// reported to the caller only; nothing is ever sent back in response to a
// bad packet.
func (e *Endpoint) OnIncomingPacket(session *Session, data []byte, addr *net.UDPAddr) error {
	if len(data) < pktBodyOff || len(data) > MaxSegmentSize {
		return ErrBadPacket
	}

	b, err := e.pool.get()
	if err != nil {
		return err
	}
	defer e.pool.put(b)
	copy(b.ct[:], data)
	b.n = len(data)

	auth, err := e.tryDecrypt(session, b)
	if err != nil {
		return err
	}
	hdr, err := parseHeader(b)
	if err != nil {
		return err
	}

	if session == nil {
		return e.dispatchNoSession(hdr, b, addr)
	}
	if auth == authIntro {
		// Intro-key success on an existing session is only the
		// HANDSHAKE retransmit case.
		if hdr.pktType != PktHandshake || session.isInitiator {
			return ErrBadPacket
		}
		return session.onHandshakeRetransmit(hdr, b, addr)
	}
	return session.dispatch(hdr, b)
}

// tryDecrypt implements the two-key trial: the session receive key first,
// then the endpoint introduction keys.
func (e *Endpoint) tryDecrypt(session *Session, b *packetBuf) (authResult, error) {
	if session != nil {
		err := macThenDecrypt(b, &session.rxKey)
		if err == nil {
			return authSession, nil
		}
		if !errors.Is(err, ErrInvalidMAC) || e.introKeys == nil {
			return authFail, err
		}
		if err := macThenDecrypt(b, e.introKeys); err != nil {
			return authFail, err
		}
		return authIntro, nil
	}
	if e.introKeys == nil {
		return authFail, ErrNotResponder
	}
	if err := macThenDecrypt(b, e.introKeys); err != nil {
		return authFail, err
	}
	return authIntro, nil
}

// dispatchNoSession handles packets from peers with no session: the
// responder side of the handshake.
func (e *Endpoint) dispatchNoSession(hdr pktHeader, b *packetBuf, addr *net.UDPAddr) error {
	switch hdr.pktType {
	case PktInit:
		return e.onInit(hdr, b, addr)
	case PktHandshake:
		return e.onHandshake(hdr, b, addr)
	default:
		return ErrBadPacket
	}
}

// onInit answers a valid INIT with a cookie-bearing INIT_ACK. No state is
// created.
func (e *Endpoint) onInit(hdr pktHeader, b *packetBuf, addr *net.UDPAddr) error {
	if hdr.length != hdrInitLen {
		return ErrBadPacket
	}
	if !e.cfg.Rate.allowInit() {
		e.log.Debug("lodp: INIT rate limited", "addr", addr)
		return nil
	}

	body := hdr.body(b)
	peerIntro := body[:MACKeyLen+BulkKeyLen]

	var cookie [CookieLen]byte
	if err := e.cookies.generate(cookie[:], addr, peerIntro); err != nil {
		return err
	}

	// The reply is encrypted under the keys the initiator just sent us.
	var replyKeys SymmetricKey
	copy(replyKeys.MAC[:], body[:MACKeyLen])
	copy(replyKeys.Bulk[:], body[MACKeyLen:MACKeyLen+BulkKeyLen])
	defer replyKeys.wipe()

	e.log.Debug("lodp: INIT", "addr", addr)
	return e.sendPacket(PktInitACK, &replyKeys, addr, cookie[:])
}

// onHandshake accepts a cookie-validated HANDSHAKE, completes the key
// agreement, creates the session in ESTABLISHED, replies HANDSHAKE_ACK,
// and hands the session to the host via OnAccept.
func (e *Endpoint) onHandshake(hdr pktHeader, b *packetBuf, addr *net.UDPAddr) error {
	if hdr.length != hdrHandshakeLen+CookieLen {
		return ErrBadPacket
	}

	body := hdr.body(b)
	peerIntro := body[:MACKeyLen+BulkKeyLen]
	var peerX PublicKey
	copy(peerX[:], body[MACKeyLen+BulkKeyLen:MACKeyLen+BulkKeyLen+ECDHPublicKeyLen])
	cookie := body[MACKeyLen+BulkKeyLen+ECDHPublicKeyLen:]

	if err := e.cookies.verify(cookie, addr, peerIntro); err != nil {
		return err
	}

	s, err := e.acceptSession(addr, &peerX, peerIntro)
	if err != nil {
		return err
	}
	if err := s.sendHandshakeACK(); err != nil {
		s.log("handshake ack send failed", "err", err)
	}
	e.log.Debug("lodp: session accepted", "addr", addr)
	if e.cfg.OnAccept != nil {
		e.cfg.OnAccept(s, addr)
	}
	return nil
}

// sendPacket assembles, pads, seals, and transmits one packet under key.
// The body parts are concatenated in order.
func (e *Endpoint) sendPacket(pktType uint8, key *SymmetricKey, addr *net.UDPAddr, body ...[]byte) error {
	length := pktHdrLen
	for _, part := range body {
		length += len(part)
	}
	if pktTagLen+length > MaxSegmentSize {
		return ErrMsgSize
	}

	b, err := e.pool.get()
	if err != nil {
		return err
	}
	defer e.pool.put(b)

	putHeader(b, pktType, length)
	off := pktBodyOff
	for _, part := range body {
		copy(b.pt[off:], part)
		off += len(part)
	}
	b.n = off

	if e.cfg.PreEncrypt != nil {
		pad := e.cfg.PreEncrypt(b.n, MaxSegmentSize)
		if pad > MaxSegmentSize-b.n {
			pad = MaxSegmentSize - b.n
		}
		if err := padPacket(b, pad); err != nil {
			return err
		}
	}

	if err := encryptThenMAC(b, key); err != nil {
		return err
	}
	return e.cfg.Send(b.ciphertext(), addr)
}
