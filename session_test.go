// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

// harness wires an initiator and a responder endpoint back to back through
// in-memory queues, so tests can drop, replay, and tamper with individual
// packets.
type harness struct {
	t *testing.T

	resp *Endpoint
	init *Endpoint

	respPub   PublicKey
	introKeys *SymmetricKey

	initAddr *net.UDPAddr // initiator as seen by the responder
	respAddr *net.UDPAddr // responder as seen by the initiator

	respOut [][]byte // packets emitted by the responder
	initOut [][]byte // packets emitted by the initiator

	respSess *Session
	initSess *Session

	accepted    int
	connectErrs []error
	respRecv    [][]byte
	initRecv    [][]byte
	hbACKs      [][]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		initAddr: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 40000},
		respAddr: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 20), Port: 6543},
	}

	respPriv, respPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("responder keypair: %v", err)
	}
	h.respPub = respPub
	h.introKeys, err = GenerateIntroKeys()
	if err != nil {
		t.Fatalf("intro keys: %v", err)
	}

	h.resp, err = NewEndpoint(Config{
		PrivateKey: respPriv,
		IntroKeys:  h.introKeys,
		Send: func(pkt []byte, addr *net.UDPAddr) error {
			h.respOut = append(h.respOut, append([]byte(nil), pkt...))
			return nil
		},
		OnAccept: func(s *Session, addr *net.UDPAddr) {
			h.respSess = s
			h.accepted++
		},
		OnReceive: func(s *Session, payload []byte) {
			h.respRecv = append(h.respRecv, append([]byte(nil), payload...))
		},
	})
	if err != nil {
		t.Fatalf("responder endpoint: %v", err)
	}

	h.init, err = NewEndpoint(Config{
		Send: func(pkt []byte, addr *net.UDPAddr) error {
			h.initOut = append(h.initOut, append([]byte(nil), pkt...))
			return nil
		},
		OnConnect: func(s *Session, err error) {
			h.connectErrs = append(h.connectErrs, err)
		},
		OnReceive: func(s *Session, payload []byte) {
			h.initRecv = append(h.initRecv, append([]byte(nil), payload...))
		},
		OnHeartbeatACK: func(s *Session, payload []byte) {
			h.hbACKs = append(h.hbACKs, append([]byte(nil), payload...))
		},
	})
	if err != nil {
		t.Fatalf("initiator endpoint: %v", err)
	}
	return h
}

// popInit removes and returns the oldest initiator packet.
func (h *harness) popInit() []byte {
	h.t.Helper()
	if len(h.initOut) == 0 {
		h.t.Fatal("initiator emitted no packet")
	}
	pkt := h.initOut[0]
	h.initOut = h.initOut[1:]
	return pkt
}

// popResp removes and returns the oldest responder packet.
func (h *harness) popResp() []byte {
	h.t.Helper()
	if len(h.respOut) == 0 {
		h.t.Fatal("responder emitted no packet")
	}
	pkt := h.respOut[0]
	h.respOut = h.respOut[1:]
	return pkt
}

// deliverToResp feeds one initiator packet into the responder.
func (h *harness) deliverToResp() error {
	return h.resp.OnIncomingPacket(h.respSess, h.popInit(), h.initAddr)
}

// deliverToInit feeds one responder packet into the initiator.
func (h *harness) deliverToInit() error {
	return h.init.OnIncomingPacket(h.initSess, h.popResp(), h.respAddr)
}

// connect starts the initiator handshake (emits INIT).
func (h *harness) connect() {
	h.t.Helper()
	s, err := h.init.Connect(h.respAddr, h.respPub, h.introKeys)
	if err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	h.initSess = s
}

// establish drives the full three-way handshake to completion.
func (h *harness) establish() {
	h.t.Helper()
	h.connect()
	if err := h.deliverToResp(); err != nil { // INIT
		h.t.Fatalf("deliver INIT: %v", err)
	}
	if err := h.deliverToInit(); err != nil { // INIT_ACK
		h.t.Fatalf("deliver INIT_ACK: %v", err)
	}
	if err := h.deliverToResp(); err != nil { // HANDSHAKE
		h.t.Fatalf("deliver HANDSHAKE: %v", err)
	}
	if err := h.deliverToInit(); err != nil { // HANDSHAKE_ACK
		h.t.Fatalf("deliver HANDSHAKE_ACK: %v", err)
	}
}

func TestHandshakeAndEcho(t *testing.T) {
	h := newHarness(t)
	h.establish()

	if h.accepted != 1 {
		t.Fatalf("accepted = %d, want 1", h.accepted)
	}
	if h.initSess.State() != StateEstablished {
		t.Fatalf("initiator state = %v", h.initSess.State())
	}
	if h.respSess.State() != StateEstablished {
		t.Fatalf("responder state = %v", h.respSess.State())
	}
	if len(h.connectErrs) != 1 || h.connectErrs[0] != nil {
		t.Fatalf("connect outcomes = %v, want [nil]", h.connectErrs)
	}

	// DATA round trip, initiator -> responder -> initiator.
	if err := h.initSess.SendData([]byte("hello")); err != nil {
		t.Fatalf("send data: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver data: %v", err)
	}
	if len(h.respRecv) != 1 || !bytes.Equal(h.respRecv[0], []byte("hello")) {
		t.Fatalf("responder received %q", h.respRecv)
	}

	if err := h.respSess.SendData([]byte("hello yourself")); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if err := h.deliverToInit(); err != nil {
		t.Fatalf("deliver echo: %v", err)
	}
	if len(h.initRecv) != 1 || !bytes.Equal(h.initRecv[0], []byte("hello yourself")) {
		t.Fatalf("initiator received %q", h.initRecv)
	}
}

func TestHandshakeScrubsTransients(t *testing.T) {
	h := newHarness(t)
	h.establish()

	var zeroPriv PrivateKey
	var zeroAuth [MACDigestLen]byte

	if h.initSess.cookie != nil {
		t.Fatal("initiator cookie not released")
	}
	if h.initSess.ephPriv != zeroPriv {
		t.Fatal("initiator ephemeral key not wiped")
	}
	if h.initSess.auth != zeroAuth {
		t.Fatal("initiator verifier not wiped")
	}

	// The responder keeps its transients until the first peer DATA.
	if h.respSess.ephPriv == zeroPriv {
		t.Fatal("responder ephemeral wiped before first DATA")
	}
	if err := h.initSess.SendData([]byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if h.respSess.ephPriv != zeroPriv {
		t.Fatal("responder ephemeral not wiped after first DATA")
	}
	if h.respSess.auth != zeroAuth {
		t.Fatal("responder verifier not wiped after first DATA")
	}
	var zeroSym SymmetricKey
	if h.respSess.peerIntro != zeroSym {
		t.Fatal("responder cached intro keys not wiped")
	}
}

func TestCookieExpiryDropsHandshake(t *testing.T) {
	h := newHarness(t)

	clock := time.Unix(1700000000, 0)
	h.resp.cookies.clock = func() time.Time { return clock }
	h.resp.cookies.rotated = clock

	h.connect()
	if err := h.deliverToResp(); err != nil { // INIT, cookie issued under K1
		t.Fatalf("deliver INIT: %v", err)
	}
	if err := h.deliverToInit(); err != nil { // INIT_ACK
		t.Fatalf("deliver INIT_ACK: %v", err)
	}

	// Unrelated INIT traffic keeps the rotation schedule live while the
	// initiator stalls.
	clock = clock.Add(31 * time.Second)
	var scratch [CookieLen]byte
	other := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 7}
	if err := h.resp.cookies.generate(scratch[:], other, make([]byte, MACKeyLen+BulkKeyLen)); err != nil {
		t.Fatalf("rotation tick: %v", err)
	}
	clock = clock.Add(31 * time.Second)

	// The stale HANDSHAKE arrives 62s after its cookie was issued.
	err := h.deliverToResp()
	if !errors.Is(err, ErrInvalidCookie) {
		t.Fatalf("got %v, want ErrInvalidCookie", err)
	}
	if h.accepted != 0 {
		t.Fatal("session created despite stale cookie")
	}
	if len(h.respOut) != 0 {
		t.Fatal("responder replied to a stale HANDSHAKE")
	}
}

func TestHandshakeACKRetransmit(t *testing.T) {
	h := newHarness(t)
	h.connect()
	if err := h.deliverToResp(); err != nil { // INIT
		t.Fatalf("deliver INIT: %v", err)
	}
	if err := h.deliverToInit(); err != nil { // INIT_ACK
		t.Fatalf("deliver INIT_ACK: %v", err)
	}

	// Keep a copy of HANDSHAKE to replay, as a retransmitting initiator
	// that never saw the ACK would.
	handshake := append([]byte(nil), h.initOut[0]...)
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver HANDSHAKE: %v", err)
	}
	if h.accepted != 1 {
		t.Fatalf("accepted = %d, want 1", h.accepted)
	}
	firstACK := h.popResp()

	// The replayed HANDSHAKE decrypts with the intro keys, hits the
	// existing session, and yields a fresh ACK without a second accept.
	if err := h.resp.OnIncomingPacket(h.respSess, handshake, h.initAddr); err != nil {
		t.Fatalf("retransmit: %v", err)
	}
	if h.accepted != 1 {
		t.Fatalf("accepted = %d after retransmit, want 1", h.accepted)
	}
	secondACK := h.popResp()
	if len(secondACK) == 0 {
		t.Fatal("no retransmitted ACK")
	}

	// Both ACKs must complete the handshake identically; deliver the
	// retransmitted one.
	_ = firstACK
	h.respOut = [][]byte{secondACK}
	if err := h.deliverToInit(); err != nil {
		t.Fatalf("deliver retransmitted ACK: %v", err)
	}
	if h.initSess.State() != StateEstablished {
		t.Fatalf("initiator state = %v", h.initSess.State())
	}

	// After the first peer DATA the retransmit window closes.
	if err := h.initSess.SendData([]byte("first")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver data: %v", err)
	}
	if err := h.resp.OnIncomingPacket(h.respSess, handshake, h.initAddr); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("late retransmit: got %v, want ErrBadPacket", err)
	}
}

func TestTamperedDataRejected(t *testing.T) {
	h := newHarness(t)
	h.establish()

	if err := h.initSess.SendData([]byte("sensitive")); err != nil {
		t.Fatalf("send: %v", err)
	}
	pkt := h.popInit()
	pkt[len(pkt)/2] ^= 0x40

	err := h.resp.OnIncomingPacket(h.respSess, pkt, h.initAddr)
	if !errors.Is(err, ErrInvalidMAC) {
		t.Fatalf("got %v, want ErrInvalidMAC", err)
	}
	if len(h.respRecv) != 0 {
		t.Fatal("tampered payload was delivered")
	}
}

func TestOversizedSend(t *testing.T) {
	h := newHarness(t)
	h.establish()
	h.initOut = nil

	big := make([]byte, MaxDataPayloadLen+1)
	if err := h.initSess.SendData(big); !errors.Is(err, ErrMsgSize) {
		t.Fatalf("got %v, want ErrMsgSize", err)
	}
	if len(h.initOut) != 0 {
		t.Fatal("bytes emitted for oversized payload")
	}

	// The largest legal payload still goes out.
	if err := h.initSess.SendData(big[:MaxDataPayloadLen]); err != nil {
		t.Fatalf("max payload: %v", err)
	}
	if got := len(h.popInit()); got != MaxSegmentSize {
		t.Fatalf("max payload packet is %d bytes, want %d", got, MaxSegmentSize)
	}
}

func TestHeartbeatEcho(t *testing.T) {
	h := newHarness(t)
	h.establish()

	payload := make([]byte, 17)
	if err := randBytes(payload); err != nil {
		t.Fatalf("randBytes: %v", err)
	}
	if err := h.initSess.SendHeartbeat(payload); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver heartbeat: %v", err)
	}
	if err := h.deliverToInit(); err != nil {
		t.Fatalf("deliver heartbeat ack: %v", err)
	}
	if len(h.hbACKs) != 1 || !bytes.Equal(h.hbACKs[0], payload) {
		t.Fatalf("heartbeat ack = %x, want %x", h.hbACKs, payload)
	}
}

func TestRekeyDropped(t *testing.T) {
	h := newHarness(t)
	h.establish()

	b := &packetBuf{}
	putHeader(b, PktRekey, pktHdrLen)
	b.n = pktBodyOff
	if err := encryptThenMAC(b, &h.initSess.txKey); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pkt := append([]byte(nil), b.ciphertext()...)
	if err := h.resp.OnIncomingPacket(h.respSess, pkt, h.initAddr); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("got %v, want ErrBadPacket", err)
	}
}

func TestDataBeforeEstablishedRejected(t *testing.T) {
	h := newHarness(t)
	h.connect()
	if err := h.initSess.SendData([]byte("early")); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("send in INIT: got %v, want ErrBadPacket", err)
	}
	if err := h.initSess.SendHeartbeat(nil); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("heartbeat in INIT: got %v, want ErrBadPacket", err)
	}
}

func TestNoIntroKeysNotResponder(t *testing.T) {
	h := newHarness(t)
	h.connect()
	pkt := h.popInit()

	// The initiator endpoint has no intro keys; an unsolicited packet
	// has nothing to decrypt under.
	err := h.init.OnIncomingPacket(nil, pkt, h.respAddr)
	if !errors.Is(err, ErrNotResponder) {
		t.Fatalf("got %v, want ErrNotResponder", err)
	}
}

func TestRuntPacketRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.resp.OnIncomingPacket(nil, make([]byte, pktBodyOff-1), h.initAddr); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("runt: got %v, want ErrBadPacket", err)
	}
	if err := h.resp.OnIncomingPacket(nil, make([]byte, MaxSegmentSize+1), h.initAddr); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("giant: got %v, want ErrBadPacket", err)
	}
}

func TestGarbageRejected(t *testing.T) {
	h := newHarness(t)
	pkt := make([]byte, 256)
	if err := randBytes(pkt); err != nil {
		t.Fatalf("randBytes: %v", err)
	}
	if err := h.resp.OnIncomingPacket(nil, pkt, h.initAddr); !errors.Is(err, ErrInvalidMAC) {
		t.Fatalf("got %v, want ErrInvalidMAC", err)
	}
}

func TestVerifierMismatchFailsHandshake(t *testing.T) {
	h := newHarness(t)
	h.connect()
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver INIT: %v", err)
	}
	if err := h.deliverToInit(); err != nil {
		t.Fatalf("deliver INIT_ACK: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver HANDSHAKE: %v", err)
	}

	// Rebuild the HANDSHAKE_ACK with a corrupted verifier, re-sealed
	// under the initiator's intro keys so only the ntor check can
	// reject it.
	ack := h.popResp()
	rx := &packetBuf{}
	copy(rx.ct[:], ack)
	rx.n = len(ack)
	if err := macThenDecrypt(rx, &h.initSess.rxKey); err != nil {
		t.Fatalf("unseal ACK: %v", err)
	}
	rx.pt[pktBodyOff+ECDHPublicKeyLen] ^= 0xFF
	fwd := &packetBuf{}
	copy(fwd.pt[:], rx.pt[:rx.n])
	fwd.n = rx.n
	if err := encryptThenMAC(fwd, &h.initSess.rxKey); err != nil {
		t.Fatalf("reseal ACK: %v", err)
	}

	err := h.init.OnIncomingPacket(h.initSess, append([]byte(nil), fwd.ciphertext()...), h.respAddr)
	if !errors.Is(err, ErrBadHandshake) {
		t.Fatalf("got %v, want ErrBadHandshake", err)
	}
	if h.initSess.State() != StateError {
		t.Fatalf("state = %v, want ERROR", h.initSess.State())
	}
	if len(h.connectErrs) != 1 || !errors.Is(h.connectErrs[0], ErrBadHandshake) {
		t.Fatalf("connect outcomes = %v, want [ErrBadHandshake]", h.connectErrs)
	}

	var zeroPriv PrivateKey
	if h.initSess.ephPriv != zeroPriv {
		t.Fatal("ephemeral key survived a failed handshake")
	}
	if h.initSess.cookie != nil {
		t.Fatal("cookie survived a failed handshake")
	}
}

func TestBufferExhaustionFailsConnect(t *testing.T) {
	h := newHarness(t)

	starved, err := NewEndpoint(Config{
		Send: func(pkt []byte, addr *net.UDPAddr) error {
			h.initOut = append(h.initOut, append([]byte(nil), pkt...))
			return nil
		},
		OnConnect: func(s *Session, err error) {
			h.connectErrs = append(h.connectErrs, err)
		},
		BufPoolSize: 1,
	})
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	sess, err := starved.Connect(h.respAddr, h.respPub, h.introKeys)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h.deliverToResp(); err != nil { // INIT
		t.Fatalf("deliver INIT: %v", err)
	}

	// INIT_ACK processing holds the only buffer; sending HANDSHAKE
	// needs a second one.
	err = starved.OnIncomingPacket(sess, h.popResp(), h.respAddr)
	if !errors.Is(err, ErrNoBufs) {
		t.Fatalf("got %v, want ErrNoBufs", err)
	}
	if sess.State() != StateError {
		t.Fatalf("state = %v, want ERROR", sess.State())
	}
	if len(h.connectErrs) != 1 || !errors.Is(h.connectErrs[0], ErrNoBufs) {
		t.Fatalf("connect outcomes = %v, want [ErrNoBufs]", h.connectErrs)
	}
}

func TestCloseMidHandshake(t *testing.T) {
	h := newHarness(t)
	h.connect()
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver INIT: %v", err)
	}
	if err := h.deliverToInit(); err != nil {
		t.Fatalf("deliver INIT_ACK: %v", err)
	}

	h.initSess.Close()
	if h.initSess.State() != StateError {
		t.Fatalf("state = %v after close", h.initSess.State())
	}
	if h.initSess.cookie != nil {
		t.Fatal("cookie survived close")
	}
	var zeroPriv PrivateKey
	if h.initSess.ephPriv != zeroPriv {
		t.Fatal("ephemeral key survived close")
	}
	var zeroSym SymmetricKey
	if h.initSess.txKey != zeroSym || h.initSess.rxKey != zeroSym {
		t.Fatal("session keys survived close")
	}
}

func TestHandshakeResend(t *testing.T) {
	h := newHarness(t)
	h.connect()

	// INIT lost; the host re-drives.
	h.initOut = nil
	if err := h.initSess.Handshake(); err != nil {
		t.Fatalf("resend INIT: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver resent INIT: %v", err)
	}
	if err := h.deliverToInit(); err != nil {
		t.Fatalf("deliver INIT_ACK: %v", err)
	}

	// HANDSHAKE lost; re-drive again.
	h.initOut = nil
	if err := h.initSess.Handshake(); err != nil {
		t.Fatalf("resend HANDSHAKE: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("deliver resent HANDSHAKE: %v", err)
	}
	if err := h.deliverToInit(); err != nil {
		t.Fatalf("deliver ACK: %v", err)
	}
	if h.initSess.State() != StateEstablished {
		t.Fatalf("state = %v", h.initSess.State())
	}

	// Established sessions have nothing left to resend.
	if err := h.initSess.Handshake(); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("got %v, want ErrBadPacket", err)
	}
}

func TestInitRateLimit(t *testing.T) {
	h := newHarness(t)
	h.resp.cfg.Rate = &RatePolicy{Init: newTestLimiter(1)}

	h.connect()
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("first INIT: %v", err)
	}
	if len(h.respOut) != 1 {
		t.Fatalf("respOut = %d, want 1", len(h.respOut))
	}

	// A second INIT inside the same window is silently dropped.
	if err := h.initSess.Handshake(); err != nil {
		t.Fatalf("resend INIT: %v", err)
	}
	if err := h.deliverToResp(); err != nil {
		t.Fatalf("limited INIT returned %v, want nil", err)
	}
	if len(h.respOut) != 1 {
		t.Fatalf("respOut = %d after limited INIT, want 1", len(h.respOut))
	}
}
