// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// keyIDStripes bounds the number of independent locks the key-id table
// uses, so unrelated handshakes/keypairs never contend with each other
// under the device's key_id_lookup_lock.
const keyIDStripes = 32

// keyIDEntry is what a key-id resolves to: either a pending handshake
// (keypair nil) or a completed KeyPair. Both cases carry the owning
// Peer so a data-path or handshake-path lookup never needs a second map
// traversal to find it.
type keyIDEntry struct {
	peer      *Peer
	handshake *Handshake // non-nil while the handshake is in flight
	keypair   *KeyPair   // non-nil once transport keys are derived
}

type keyIDTable struct {
	stripes [keyIDStripes]struct {
		mu      sync.RWMutex
		entries map[uint32]*keyIDEntry
	}
}

func newKeyIDTable() *keyIDTable {
	t := &keyIDTable{}
	for i := range t.stripes {
		t.stripes[i].entries = make(map[uint32]*keyIDEntry)
	}
	return t
}

func (t *keyIDTable) stripe(id uint32) *struct {
	mu      sync.RWMutex
	entries map[uint32]*keyIDEntry
} {
	return &t.stripes[id%keyIDStripes]
}

// Reserve allocates a fresh, collision-free key-id for a handshake in
// flight and registers it, following WgDevice's InsertInKeyIdLookup:
// indices are drawn from a CSPRNG and retried on collision rather than
// incremented, so an observer watching key-ids cannot infer how many
// handshakes a device has processed.
func (t *keyIDTable) Reserve(peer *Peer, hs *Handshake) uint32 {
	for {
		id := randomKeyID()
		if id == 0 {
			continue
		}
		s := t.stripe(id)
		s.mu.Lock()
		if _, exists := s.entries[id]; exists {
			s.mu.Unlock()
			continue
		}
		s.entries[id] = &keyIDEntry{peer: peer, handshake: hs}
		s.mu.Unlock()
		return id
	}
}

func randomKeyID() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Promote installs the derived KeyPair for an existing key-id, clearing
// the handshake scratch in the same locked section so a concurrent
// lookup never observes a state that is neither "pending" nor "ready"
// (DESIGN.md Open Question #1).
func (t *keyIDTable) Promote(id uint32, kp *KeyPair) {
	s := t.stripe(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.handshake = nil
		e.keypair = kp
	}
}

// Lookup returns the entry for id, or nil.
func (t *keyIDTable) Lookup(id uint32) *keyIDEntry {
	s := t.stripe(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Delete removes a key-id, e.g. during session teardown or rekey
// eviction.
func (t *keyIDTable) Delete(id uint32) {
	s := t.stripe(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}
