// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"net/netip"
	"testing"
)

func TestAddrEntryTableGetOrCreate(t *testing.T) {
	tbl := newAddrEntryTable()
	addr := netip.MustParseAddrPort("10.0.0.1:51820")
	peer := &Peer{}

	e := tbl.GetOrCreate(addr, peer)
	if e == nil {
		t.Fatal("GetOrCreate returned nil")
	}

	again := tbl.GetOrCreate(addr, peer)
	if again != e {
		t.Fatal("GetOrCreate should return the same entry for the same address")
	}

	if tbl.Lookup(addr) != e {
		t.Fatal("Lookup should find the entry created by GetOrCreate")
	}
}

func TestAddrEntryTableLookupMiss(t *testing.T) {
	tbl := newAddrEntryTable()
	addr := netip.MustParseAddrPort("10.0.0.2:51820")

	if tbl.Lookup(addr) != nil {
		t.Fatal("Lookup on an empty table should return nil")
	}
}

func TestAddrEntrySlotRotation(t *testing.T) {
	e := &addrEntry{}
	kp1 := &KeyPair{localIndex: 1}
	kp2 := &KeyPair{localIndex: 2}
	kp3 := &KeyPair{localIndex: 3}
	kp4 := &KeyPair{localIndex: 4}

	e.addKeyPair(kp1)
	e.addKeyPair(kp2)
	e.addKeyPair(kp3)

	for _, kp := range []*KeyPair{kp1, kp2, kp3} {
		if !e.hasKeyPair(kp) {
			t.Fatalf("expected entry to remember keypair %d", kp.localIndex)
		}
	}

	// A fourth insertion should evict the oldest (kp1).
	e.addKeyPair(kp4)
	if e.hasKeyPair(kp1) {
		t.Fatal("oldest keypair should have been evicted after the fourth insertion")
	}
	if !e.hasKeyPair(kp4) {
		t.Fatal("newest keypair should be remembered")
	}
}

func TestAddrEntryTableDeleteRespectsOwnership(t *testing.T) {
	tbl := newAddrEntryTable()
	addr := netip.MustParseAddrPort("10.0.0.3:51820")
	owner := &Peer{}
	other := &Peer{}

	tbl.GetOrCreate(addr, owner)

	// A delete from a non-owning peer must not remove the entry.
	tbl.Delete(addr, other)
	if tbl.Lookup(addr) == nil {
		t.Fatal("Delete by a non-owner should not remove the entry")
	}

	tbl.Delete(addr, owner)
	if tbl.Lookup(addr) != nil {
		t.Fatal("Delete by the owner should remove the entry")
	}
}

func TestAddrEntryTableSweepRemovesEmptyStaleEntries(t *testing.T) {
	tbl := newAddrEntryTable()
	addr := netip.MustParseAddrPort("10.0.0.4:51820")
	peer := &Peer{}

	e := tbl.GetOrCreate(addr, peer)
	e.createdAt = now().Add(-2 * addrInsertThrottle)

	tbl.sweepOlderThan(addrInsertThrottle)
	if tbl.Lookup(addr) != nil {
		t.Fatal("sweepOlderThan should remove a stale, empty entry")
	}
}

func TestAddrEntryTableSweepKeepsEntriesWithKeyPairs(t *testing.T) {
	tbl := newAddrEntryTable()
	addr := netip.MustParseAddrPort("10.0.0.5:51820")
	peer := &Peer{}

	e := tbl.GetOrCreate(addr, peer)
	e.createdAt = now().Add(-2 * addrInsertThrottle)
	e.addKeyPair(&KeyPair{localIndex: 99})

	tbl.sweepOlderThan(addrInsertThrottle)
	if tbl.Lookup(addr) == nil {
		t.Fatal("sweepOlderThan should not remove an entry that still holds a keypair")
	}
}
