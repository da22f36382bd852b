// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import (
	"net"
	"sync"
	"time"
)

// cookieService issues and verifies the stateless handshake cookies. A
// cookie binds the peer's claimed address and the introduction keys it sent
// in INIT, so the responder keeps no per-flow state between INIT and
// HANDSHAKE.
//
// Two keys are live at once. The current key rotates lazily on the first
// operation past the rotation deadline; the displaced key keeps verifying
// for a grace window so in-flight handshakes survive a rotation.
type cookieService struct {
	mu       sync.Mutex
	current  MACKey
	previous MACKey
	rotated  time.Time
	expire   time.Time
	clock    func() time.Time
}

func newCookieService() (*cookieService, error) {
	cs := &cookieService{clock: now}
	if err := randBytes(cs.current[:]); err != nil {
		return nil, err
	}
	if err := randBytes(cs.previous[:]); err != nil {
		return nil, err
	}
	cs.rotated = cs.clock()
	return cs, nil
}

// maybeRotate rotates the keys if the rotation deadline has passed.
// Callers hold mu.
func (cs *cookieService) maybeRotate() error {
	t := cs.clock()
	if t.Sub(cs.rotated) < cookieRotateInterval {
		return nil
	}
	cs.previous = cs.current
	if err := randBytes(cs.current[:]); err != nil {
		return err
	}
	cs.rotated = t
	cs.expire = t.Add(cookieGraceWindow)
	return nil
}

// generate computes the cookie for addr and the peer's introduction keys
// into out. out must be CookieLen bytes.
func (cs *cookieService) generate(out []byte, addr *net.UDPAddr, introKeys []byte) error {
	blob, err := addrBlob(addr)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.maybeRotate(); err != nil {
		return err
	}
	mac(out, &cs.current, blob, introKeys)
	return nil
}

// verify checks a received cookie against the current key, then against
// the previous key if its grace window is still open. Two mismatches fail
// with ErrInvalidCookie.
func (cs *cookieService) verify(cookie []byte, addr *net.UDPAddr, introKeys []byte) error {
	blob, err := addrBlob(addr)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.maybeRotate(); err != nil {
		return err
	}

	var digest [MACDigestLen]byte
	mac(digest[:], &cs.current, blob, introKeys)
	if ctCompare(digest[:], cookie) {
		return nil
	}
	if cs.clock().Before(cs.expire) {
		mac(digest[:], &cs.previous, blob, introKeys)
		if ctCompare(digest[:], cookie) {
			return nil
		}
	}
	return ErrInvalidCookie
}

// addrBlob serializes a peer address as raw address bytes followed by the
// big-endian port. Address families other than IPv4 and IPv6 fail with
// ErrAFNotSupport.
func addrBlob(addr *net.UDPAddr) ([]byte, error) {
	var ip []byte
	if v4 := addr.IP.To4(); v4 != nil {
		ip = v4
	} else if v6 := addr.IP.To16(); v6 != nil {
		ip = v6
	} else {
		return nil, ErrAFNotSupport
	}
	blob := make([]byte, 0, len(ip)+2)
	blob = append(blob, ip...)
	blob = append(blob, byte(addr.Port>>8), byte(addr.Port))
	return blob, nil
}
