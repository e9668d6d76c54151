// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"net/netip"
	"sort"
	"sync"
)

// ipToPeerMap resolves an IP address to the Peer whose allowed-IP list
// contains it, using longest-prefix-match. This is the narrow lookup
// the device's TUN-facing send path needs; it is not a general routing
// table (building one is out of scope, see DESIGN.md).
type ipToPeerMap struct {
	mu      sync.RWMutex
	entries []ipToPeerEntry // kept sorted by prefix length, descending
}

type ipToPeerEntry struct {
	prefix netip.Prefix
	peer   *Peer
}

func newIPToPeerMap() *ipToPeerMap {
	return &ipToPeerMap{}
}

// Insert adds prefix -> peer, replacing any existing mapping for the
// identical prefix.
func (m *ipToPeerMap) Insert(prefix netip.Prefix, peer *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.prefix == prefix {
			m.entries[i].peer = peer
			return
		}
	}

	m.entries = append(m.entries, ipToPeerEntry{prefix: prefix, peer: peer})
	sort.Slice(m.entries, func(i, j int) bool {
		return m.entries[i].prefix.Bits() > m.entries[j].prefix.Bits()
	})
}

// RemovePeer deletes every prefix belonging to peer, e.g. when the peer
// is removed from the device.
func (m *ipToPeerMap) RemovePeer(peer *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.peer != peer {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

// Lookup returns the peer whose allowed-IP list most specifically
// contains addr, or nil if none matches.
func (m *ipToPeerMap) Lookup(addr netip.Addr) *Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.prefix.Contains(addr) {
			return e.peer
		}
	}
	return nil
}
