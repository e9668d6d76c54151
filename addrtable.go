// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"net/netip"
	"sync"
	"time"
)

// addrEntrySlots is the number of candidate keypairs an AddrEntry can
// remember for one (ip, port) pair, mirroring WgAddrEntry's three-slot
// design: a source address can transiently own an old, a current, and a
// just-negotiated next keypair at once during a rekey.
const addrEntrySlots = 3

// addrInsertThrottle is the age unit for sweeping the table: Maintenance
// removes entries with no keypairs that are older than twice this value.
// No insertion throttle is applied; GetOrCreate always creates a missing
// entry.
const addrInsertThrottle = 60 * time.Second

// addrEntry is the reverse index from a source (ip, port) to the
// keypairs that are willing to accept transport data that claims to
// come from it. It exists so a data packet whose receiver index has
// been evicted (e.g. by a concurrent rekey) can still be matched by
// source address as a fallback. Endpoint roaming (Peer.setEndpoint)
// does not consult it.
type addrEntry struct {
	mu        sync.Mutex
	addr      netip.AddrPort
	peer      *Peer
	keypairs  [addrEntrySlots]*KeyPair
	createdAt time.Time
}

func (ae *addrEntry) addKeyPair(kp *KeyPair) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	copy(ae.keypairs[1:], ae.keypairs[:addrEntrySlots-1])
	ae.keypairs[0] = kp
}

func (ae *addrEntry) hasKeyPair(kp *KeyPair) bool {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	for _, k := range ae.keypairs {
		if k == kp {
			return true
		}
	}
	return false
}

// removeKeyPair clears kp from the entry's candidate slots.
func (ae *addrEntry) removeKeyPair(kp *KeyPair) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	for i, k := range ae.keypairs {
		if k == kp {
			ae.keypairs[i] = nil
		}
	}
}

// keyPairByLocalIndex returns the candidate keypair whose localIndex
// matches idx, if one of the entry's slots currently holds it.
func (ae *addrEntry) keyPairByLocalIndex(idx uint32) *KeyPair {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	for _, k := range ae.keypairs {
		if k != nil && k.localIndex == idx {
			return k
		}
	}
	return nil
}

// addrEntryStripes bounds the number of independent locks the table
// uses, following the "striped hash maps" design note: readers and
// writers for unrelated addresses never contend with each other.
const addrEntryStripes = 32

// addrEntryTable is the striped, concurrency-safe map from source
// address to addrEntry, guarding the addr_entry_lookup_lock portion of
// the locking discipline.
type addrEntryTable struct {
	stripes [addrEntryStripes]struct {
		mu      sync.RWMutex
		entries map[netip.AddrPort]*addrEntry
	}
}

func newAddrEntryTable() *addrEntryTable {
	t := &addrEntryTable{}
	for i := range t.stripes {
		t.stripes[i].entries = make(map[netip.AddrPort]*addrEntry)
	}
	return t
}

func (t *addrEntryTable) stripe(addr netip.AddrPort) int {
	b := addr.Addr().As16()
	h := uint32(addr.Port())
	for _, c := range b {
		h = h*31 + uint32(c)
	}
	return int(h % addrEntryStripes)
}

// Lookup returns the existing entry for addr, if any.
func (t *addrEntryTable) Lookup(addr netip.AddrPort) *addrEntry {
	s := &t.stripes[t.stripe(addr)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[addr]
}

// GetOrCreate returns the entry for addr, creating one for peer if none
// exists yet. Creation is unconditional: an entry that was removed or
// swept can be recreated for the same address at once.
func (t *addrEntryTable) GetOrCreate(addr netip.AddrPort, peer *Peer) *addrEntry {
	s := &t.stripes[t.stripe(addr)]

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[addr]; ok {
		return e
	}

	e := &addrEntry{addr: addr, peer: peer, createdAt: now()}
	s.entries[addr] = e
	return e
}

// Delete removes the entry for addr if it still belongs to peer (a stale
// caller that raced a replacement will not clobber the new owner).
func (t *addrEntryTable) Delete(addr netip.AddrPort, peer *Peer) {
	s := &t.stripes[t.stripe(addr)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[addr]; ok && e.peer == peer {
		delete(s.entries, addr)
	}
}

// RemoveKeyPair clears kp from addr's candidate slots if it is still
// present there, called once a keypair is evicted so the address-based
// fallback in decryptDataPacket never resurrects a retired session.
func (t *addrEntryTable) RemoveKeyPair(addr netip.AddrPort, kp *KeyPair) {
	s := &t.stripes[t.stripe(addr)]
	s.mu.RLock()
	e, ok := s.entries[addr]
	s.mu.RUnlock()
	if !ok || !e.hasKeyPair(kp) {
		return
	}
	e.removeKeyPair(kp)
}

// sweepOlderThan removes entries that have not been replaced in d and
// belong to no live keypair, called from device maintenance.
func (t *addrEntryTable) sweepOlderThan(d time.Duration) {
	cutoff := now().Add(-d)
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.Lock()
		for addr, e := range s.entries {
			e.mu.Lock()
			empty := e.keypairs[0] == nil && e.keypairs[1] == nil && e.keypairs[2] == nil
			e.mu.Unlock()
			if empty && e.createdAt.Before(cutoff) {
				delete(s.entries, addr)
			}
		}
		s.mu.Unlock()
	}
}
