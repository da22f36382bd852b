// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Key is the long-term identity keypair. Required when IntroKeys is
	// set; optional for a client-only server.
	Key PrivateKey

	// IntroKeys, when set, makes the server accept incoming sessions.
	IntroKeys *SymmetricKey

	// OnMessage is called for every delivered DATA payload.
	OnMessage func(s *Session, payload []byte)

	// OnSessionUp is called when a session reaches ESTABLISHED, for both
	// accepted and initiated sessions. Optional.
	OnSessionUp func(s *Session)

	// OnSessionDown is called when an initiated handshake fails. Optional.
	OnSessionDown func(s *Session, err error)

	// OnHeartbeatACK, PreEncrypt and Rate are passed through to the
	// endpoint. Optional.
	OnHeartbeatACK func(s *Session, payload []byte)
	PreEncrypt     func(curLen, maxLen int) int
	Rate           *RatePolicy

	// OnMaintenance runs on the maintenance ticker, serialized with
	// packet processing. Hosts use it to expire idle sessions. Optional.
	OnMaintenance func(srv *Server)

	// MaintenanceInterval controls how often OnMaintenance runs.
	// Default: 10s.
	MaintenanceInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server binds an Endpoint to a net.PacketConn: it runs the read loop,
// matches datagrams to sessions by peer address, and serializes all calls
// into the single-threaded protocol core.
type Server struct {
	ep       *Endpoint
	sessions *SessionTable
	cfg      ServerConfig
	log      *slog.Logger

	epMu      sync.Mutex
	conn      net.PacketConn
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a Server and its underlying Endpoint from cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.MaintenanceInterval == 0 {
		cfg.MaintenanceInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	table, err := NewSessionTable()
	if err != nil {
		return nil, err
	}
	s := &Server{
		sessions: table,
		cfg:      cfg,
		log:      cfg.Logger,
		done:     make(chan struct{}),
	}

	ep, err := NewEndpoint(Config{
		PrivateKey: cfg.Key,
		IntroKeys:  cfg.IntroKeys,
		Send:       s.writeTo,
		OnAccept: func(sess *Session, addr *net.UDPAddr) {
			s.sessions.Add(addr, sess)
			if cfg.OnSessionUp != nil {
				cfg.OnSessionUp(sess)
			}
		},
		OnConnect: func(sess *Session, err error) {
			if err != nil {
				s.sessions.Remove(sess.Addr())
				if cfg.OnSessionDown != nil {
					cfg.OnSessionDown(sess, err)
				}
				return
			}
			if cfg.OnSessionUp != nil {
				cfg.OnSessionUp(sess)
			}
		},
		OnReceive:      cfg.OnMessage,
		OnHeartbeatACK: cfg.OnHeartbeatACK,
		PreEncrypt:     cfg.PreEncrypt,
		Rate:           cfg.Rate,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.ep = ep
	return s, nil
}

// Endpoint returns the underlying protocol endpoint.
func (s *Server) Endpoint() *Endpoint { return s.ep }

// PublicKey returns the server's long-term public key.
func (s *Server) PublicKey() PublicKey { return s.ep.PublicKey() }

// Serve runs the read loop and maintenance ticker over conn, blocking
// until Close is called or the connection fails permanently.
func (s *Server) Serve(conn net.PacketConn) error {
	s.Start(conn)
	<-s.done
	s.wg.Wait()
	return nil
}

// Start begins serving conn without blocking. The server is ready for
// Connect as soon as Start returns; use Close to stop it.
func (s *Server) Start(conn net.PacketConn) {
	s.conn = conn
	s.wg.Add(2)
	go s.readLoop()
	go s.maintenanceLoop()
}

// Connect initiates a session towards addr. The outcome is delivered via
// OnSessionUp or OnSessionDown.
func (s *Server) Connect(addr *net.UDPAddr, peerPublic PublicKey, peerIntro *SymmetricKey) (*Session, error) {
	if s.conn == nil {
		return nil, errors.New("lodp: server is not serving")
	}
	s.epMu.Lock()
	defer s.epMu.Unlock()
	sess, err := s.ep.Connect(addr, peerPublic, peerIntro)
	if err != nil {
		return nil, fmt.Errorf("lodp: connect: %w", err)
	}
	s.sessions.Add(addr, sess)
	return sess, nil
}

// Do runs fn serialized with packet processing. Hosts use it to call into
// a session from outside a callback; calling Do from within a callback
// deadlocks.
func (s *Server) Do(fn func()) {
	s.epMu.Lock()
	defer s.epMu.Unlock()
	fn()
}

// Lookup returns the session for addr, or nil.
func (s *Server) Lookup(addr *net.UDPAddr) *Session {
	return s.sessions.Lookup(addr)
}

// CloseSession tears down sess and forgets its address.
func (s *Server) CloseSession(sess *Session) {
	s.epMu.Lock()
	defer s.epMu.Unlock()
	s.sessions.Remove(sess.Addr())
	sess.Close()
}

// Close stops the read loop and maintenance ticker. The net.PacketConn is
// owned by the caller and stays open.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	// Always try to unblock a pending ReadFrom, even if closeOnce already ran.
	if s.conn != nil {
		s.conn.SetReadDeadline(time.Now())
	}
	s.wg.Wait()
	return nil
}

func (s *Server) writeTo(pkt []byte, addr *net.UDPAddr) error {
	if s.conn == nil {
		return errors.New("lodp: server is not serving")
	}
	_, err := s.conn.WriteTo(pkt, addr)
	return err
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, MaxSegmentSize+1)

	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Permanent read error -- shut down.
			s.closeOnce.Do(func() {
				close(s.done)
			})
			return
		}
		s.processIncoming(buf[:n], addr)
	}
}

func (s *Server) processIncoming(data []byte, addr net.Addr) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}

	s.epMu.Lock()
	defer s.epMu.Unlock()
	sess := s.sessions.Lookup(udpAddr)
	if err := s.ep.OnIncomingPacket(sess, data, udpAddr); err != nil {
		// Bad datagrams are dropped without a reply; the log line is
		// the only trace they leave.
		s.log.Debug("lodp: packet dropped", "addr", udpAddr, "err", err)
	}
}

func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.cfg.OnMaintenance != nil {
				s.epMu.Lock()
				s.cfg.OnMaintenance(s)
				s.epMu.Unlock()
			}
		}
	}
}
