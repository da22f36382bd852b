// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import (
	"net"
)

// Session is the per-peer transmission control block. Initiator sessions
// are created by Connect; responder sessions are created by the dispatcher
// and handed to the host through OnAccept.
type Session struct {
	ep          *Endpoint
	addr        *net.UDPAddr
	isInitiator bool
	state       SessionState

	// Live directional keys. During the initiator handshake rxKey holds
	// the random introduction keys sent in INIT and txKey the
	// responder's advertised introduction keys; both are replaced by
	// the derived session keys on completion.
	txKey SymmetricKey
	rxKey SymmetricKey

	// Handshake transients, scrubbed per the rules below.
	remotePublic PublicKey // responder long-term key (initiator)
	ephPriv      PrivateKey
	ephPub       PublicKey
	cookie       []byte              // received in INIT_ACK (initiator)
	auth         [MACDigestLen]byte  // verifier (responder cache)
	peerIntro    SymmetricKey        // initiator intro keys (responder cache)
	seenPeerData bool

	// Context is an opaque slot for the host.
	Context any
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Addr returns the peer address.
func (s *Session) Addr() *net.UDPAddr { return s.addr }

// IsInitiator reports the session's role.
func (s *Session) IsInitiator() bool { return s.isInitiator }

func (s *Session) log(msg string, args ...any) {
	s.ep.log.Debug("lodp: "+msg, append(args, "addr", s.addr, "state", s.state)...)
}

// Connect creates an initiator session towards addr and sends INIT.
// peerPublic is the responder's long-term public key and peerIntro its
// out-of-band introduction keys.
func (e *Endpoint) Connect(addr *net.UDPAddr, peerPublic PublicKey, peerIntro *SymmetricKey) (*Session, error) {
	if _, err := addrBlob(addr); err != nil {
		return nil, err
	}
	if err := validatePublicKey(&peerPublic); err != nil {
		return nil, err
	}

	priv, pub, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	selfIntro, err := GenerateIntroKeys()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ep:           e,
		addr:         addr,
		isInitiator:  true,
		state:        StateInit,
		txKey:        *peerIntro,
		rxKey:        *selfIntro,
		remotePublic: peerPublic,
		ephPriv:      priv,
		ephPub:       pub,
	}
	selfIntro.wipe()

	if err := s.sendInit(); err != nil {
		return nil, err
	}
	s.log("connecting")
	return s, nil
}

// acceptSession builds a responder session directly in ESTABLISHED from a
// validated HANDSHAKE. Handshake material is retained until the first peer
// DATA so a lost HANDSHAKE_ACK can be retransmitted.
func (e *Endpoint) acceptSession(addr *net.UDPAddr, peerX *PublicKey, peerIntro []byte) (*Session, error) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	nk, err := ntorResponder(&priv, &e.privKey, peerX)
	if err != nil {
		memwipe(priv[:])
		return nil, err
	}
	initToResp, respToInit, err := deriveSessionKeys(nk.sharedSecret[:])
	if err != nil {
		nk.wipe()
		memwipe(priv[:])
		return nil, err
	}

	s := &Session{
		ep:      e,
		addr:    addr,
		state:   StateEstablished,
		txKey:   respToInit,
		rxKey:   initToResp,
		ephPriv: priv,
		ephPub:  pub,
		auth:    nk.auth,
	}
	copy(s.peerIntro.MAC[:], peerIntro[:MACKeyLen])
	copy(s.peerIntro.Bulk[:], peerIntro[MACKeyLen:])
	nk.wipe()
	return s, nil
}

// dispatch routes a session-key authenticated packet by type against the
// state and role tables.
func (s *Session) dispatch(hdr pktHeader, b *packetBuf) error {
	switch hdr.pktType {
	case PktInitACK:
		if !s.isInitiator || s.state != StateInit {
			return ErrBadPacket
		}
		return s.onInitACK(hdr, b)
	case PktHandshakeACK:
		if !s.isInitiator || s.state != StateHandshake {
			return ErrBadPacket
		}
		return s.onHandshakeACK(hdr, b)
	case PktData:
		if s.state != StateEstablished {
			return ErrBadPacket
		}
		return s.onData(hdr, b)
	case PktHeartbeat:
		if s.state != StateEstablished {
			return ErrBadPacket
		}
		return s.onHeartbeat(hdr, b)
	case PktHeartbeatACK:
		if s.state != StateEstablished {
			return ErrBadPacket
		}
		if s.ep.cfg.OnHeartbeatACK != nil {
			s.ep.cfg.OnHeartbeatACK(s, hdr.body(b))
		}
		return nil
	default:
		// INIT/HANDSHAKE under session keys, and the reserved
		// REKEY/REKEY_ACK pair.
		return ErrBadPacket
	}
}

// onInitACK stores the responder's cookie and advances to HANDSHAKE.
func (s *Session) onInitACK(hdr pktHeader, b *packetBuf) error {
	body := hdr.body(b)
	if len(body) == 0 {
		return ErrBadPacket
	}

	// Cookie length is responder-defined; treat it as opaque.
	s.cookie = make([]byte, len(body))
	copy(s.cookie, body)
	s.state = StateHandshake
	s.log("cookie received", "len", len(body))

	if err := s.sendHandshake(); err != nil {
		if err == ErrNoBufs {
			s.fail(ErrNoBufs)
		}
		return err
	}
	return nil
}

// onHandshakeACK completes the initiator handshake: runs the key
// agreement, checks the verifier, installs the session keys, and reports
// through OnConnect.
func (s *Session) onHandshakeACK(hdr pktHeader, b *packetBuf) error {
	if hdr.length != hdrHandshakeACKLen {
		return ErrBadPacket
	}
	body := hdr.body(b)
	var peerY PublicKey
	copy(peerY[:], body[:ECDHPublicKeyLen])
	verifier := body[ECDHPublicKeyLen:]

	nk, err := ntorInitiator(&s.ephPriv, &s.remotePublic, &peerY)
	if err != nil {
		s.fail(ErrBadHandshake)
		return ErrBadHandshake
	}
	if !ctCompare(nk.auth[:], verifier) {
		nk.wipe()
		s.fail(ErrBadHandshake)
		return ErrBadHandshake
	}

	initToResp, respToInit, err := deriveSessionKeys(nk.sharedSecret[:])
	nk.wipe()
	if err != nil {
		s.fail(ErrBadHandshake)
		return ErrBadHandshake
	}
	s.txKey = initToResp
	s.rxKey = respToInit
	s.state = StateEstablished
	s.scrubHandshake()
	s.log("established")
	if s.ep.cfg.OnConnect != nil {
		s.ep.cfg.OnConnect(s, nil)
	}
	return nil
}

// onHandshakeRetransmit re-emits HANDSHAKE_ACK for a responder session
// whose ACK was lost. The cookie is re-validated; once peer DATA has been
// seen the retransmit window is closed.
func (s *Session) onHandshakeRetransmit(hdr pktHeader, b *packetBuf, addr *net.UDPAddr) error {
	if s.state != StateEstablished || hdr.length != hdrHandshakeLen+CookieLen {
		return ErrBadPacket
	}
	if s.seenPeerData {
		return ErrBadPacket
	}
	body := hdr.body(b)
	peerIntro := body[:MACKeyLen+BulkKeyLen]
	cookie := body[MACKeyLen+BulkKeyLen+ECDHPublicKeyLen:]
	if err := s.ep.cookies.verify(cookie, addr, peerIntro); err != nil {
		return err
	}
	s.log("handshake retransmit")
	return s.sendHandshakeACK()
}

// onData delivers a DATA payload. The responder scrubs its retained
// handshake material on the first peer DATA.
func (s *Session) onData(hdr pktHeader, b *packetBuf) error {
	if !s.isInitiator && !s.seenPeerData {
		s.seenPeerData = true
		s.scrubHandshake()
	}
	if s.ep.cfg.OnReceive != nil {
		s.ep.cfg.OnReceive(s, hdr.body(b))
	}
	return nil
}

// onHeartbeat echoes the payload back in a HEARTBEAT_ACK.
func (s *Session) onHeartbeat(hdr pktHeader, b *packetBuf) error {
	if !s.ep.cfg.Rate.allowHeartbeat() {
		s.log("heartbeat rate limited")
		return nil
	}
	return s.ep.sendPacket(PktHeartbeatACK, &s.txKey, s.addr, hdr.body(b))
}

// SendData transmits payload in a DATA packet. The payload must fit in one
// segment; oversized payloads fail with ErrMsgSize and nothing is sent.
func (s *Session) SendData(payload []byte) error {
	if s.state != StateEstablished {
		return ErrBadPacket
	}
	if len(payload) > MaxDataPayloadLen {
		return ErrMsgSize
	}
	return s.ep.sendPacket(PktData, &s.txKey, s.addr, payload)
}

// SendHeartbeat transmits a HEARTBEAT carrying payload. The peer echoes it
// in a HEARTBEAT_ACK.
func (s *Session) SendHeartbeat(payload []byte) error {
	if s.state != StateEstablished {
		return ErrBadPacket
	}
	return s.ep.sendPacket(PktHeartbeat, &s.txKey, s.addr, payload)
}

// sendInit emits INIT carrying the session's freshly generated
// introduction keys.
func (s *Session) sendInit() error {
	if !s.isInitiator || s.state != StateInit {
		return ErrBadPacket
	}
	return s.ep.sendPacket(PktInit, &s.txKey, s.addr,
		s.rxKey.MAC[:], s.rxKey.Bulk[:])
}

// sendHandshake emits HANDSHAKE echoing the stored cookie.
func (s *Session) sendHandshake() error {
	if !s.isInitiator || s.state != StateHandshake || s.cookie == nil {
		return ErrBadPacket
	}
	return s.ep.sendPacket(PktHandshake, &s.txKey, s.addr,
		s.rxKey.MAC[:], s.rxKey.Bulk[:], s.ephPub[:], s.cookie)
}

// sendHandshakeACK emits HANDSHAKE_ACK under the initiator's introduction
// keys, carrying the responder ephemeral and the verifier.
func (s *Session) sendHandshakeACK() error {
	if s.isInitiator {
		return ErrNotResponder
	}
	return s.ep.sendPacket(PktHandshakeACK, &s.peerIntro, s.addr,
		s.ephPub[:], s.auth[:])
}

// Handshake re-drives the initiator handshake after suspected packet
// loss: it resends INIT or HANDSHAKE according to the current state. The
// core runs no timers; retransmission policy belongs to the host.
func (s *Session) Handshake() error {
	switch {
	case s.isInitiator && s.state == StateInit:
		return s.sendInit()
	case s.isInitiator && s.state == StateHandshake:
		return s.sendHandshake()
	default:
		return ErrBadPacket
	}
}

// fail drives the session to ERROR, scrubs, and reports the handshake
// outcome.
func (s *Session) fail(err error) {
	s.state = StateError
	s.scrubHandshake()
	s.log("handshake failed", "err", err)
	if s.ep.cfg.OnConnect != nil && s.isInitiator {
		s.ep.cfg.OnConnect(s, err)
	}
}

// scrubHandshake zeroes every handshake transient: the cookie buffer in
// its entirety, the ephemeral keypair, and the cached verifier and
// introduction keys.
func (s *Session) scrubHandshake() {
	if s.cookie != nil {
		memwipe(s.cookie)
		s.cookie = nil
	}
	memwipe(s.ephPriv[:])
	memwipe(s.ephPub[:])
	memwipe(s.auth[:])
	s.peerIntro.wipe()
}

// Close tears the session down, wiping all key material. Closing
// mid-handshake is legal; an initiator that has not yet completed will not
// receive OnConnect.
func (s *Session) Close() {
	s.scrubHandshake()
	s.txKey.wipe()
	s.rxKey.wipe()
	memwipe(s.remotePublic[:])
	s.state = StateError
	s.log("closed")
}
