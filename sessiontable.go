// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import (
	"net"
	"sync"

	"github.com/dchest/siphash"
)

// SessionTable maps peer addresses to sessions for the host's dispatch
// step. Buckets are indexed by SipHash-2-4 under a random per-table key so
// a peer cannot choose addresses that collide.
type SessionTable struct {
	mu      sync.RWMutex
	k0, k1  uint64
	buckets []map[uint64][]*tableEntry
}

type tableEntry struct {
	addr *net.UDPAddr
	s    *Session
}

const sessionTableBuckets = 256

// NewSessionTable creates an empty table with a fresh random hash key.
func NewSessionTable() (*SessionTable, error) {
	var seed [16]byte
	if err := randBytes(seed[:]); err != nil {
		return nil, err
	}
	t := &SessionTable{
		k0:      le64(seed[0:8]),
		k1:      le64(seed[8:16]),
		buckets: make([]map[uint64][]*tableEntry, sessionTableBuckets),
	}
	return t, nil
}

func (t *SessionTable) hash(addr *net.UDPAddr) uint64 {
	blob, err := addrBlob(addr)
	if err != nil {
		return 0
	}
	return siphash.Hash(t.k0, t.k1, blob)
}

// Lookup returns the session for addr, or nil.
func (t *SessionTable) Lookup(addr *net.UDPAddr) *Session {
	h := t.hash(addr)
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.buckets[h%sessionTableBuckets]
	if m == nil {
		return nil
	}
	for _, e := range m[h] {
		if sameAddr(e.addr, addr) {
			return e.s
		}
	}
	return nil
}

// Add inserts or replaces the session for addr.
func (t *SessionTable) Add(addr *net.UDPAddr, s *Session) {
	h := t.hash(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	i := h % sessionTableBuckets
	if t.buckets[i] == nil {
		t.buckets[i] = make(map[uint64][]*tableEntry)
	}
	for _, e := range t.buckets[i][h] {
		if sameAddr(e.addr, addr) {
			e.s = s
			return
		}
	}
	t.buckets[i][h] = append(t.buckets[i][h], &tableEntry{addr: addr, s: s})
}

// Remove drops the session for addr, if present.
func (t *SessionTable) Remove(addr *net.UDPAddr) {
	h := t.hash(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	i := h % sessionTableBuckets
	entries := t.buckets[i][h]
	for j, e := range entries {
		if sameAddr(e.addr, addr) {
			t.buckets[i][h] = append(entries[:j], entries[j+1:]...)
			if len(t.buckets[i][h]) == 0 {
				delete(t.buckets[i], h)
			}
			return
		}
	}
}

// Range calls fn for every session until it returns false.
func (t *SessionTable) Range(fn func(addr *net.UDPAddr, s *Session) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.buckets {
		for _, entries := range m {
			for _, e := range entries {
				if !fn(e.addr, e.s) {
					return
				}
			}
		}
	}
}

// Len returns the number of tracked sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.buckets {
		for _, entries := range m {
			n += len(entries)
		}
	}
	return n
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
