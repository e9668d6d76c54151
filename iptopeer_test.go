// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"net/netip"
	"testing"
)

func TestIPToPeerMapLongestPrefixMatch(t *testing.T) {
	m := newIPToPeerMap()
	broad := &Peer{}
	narrow := &Peer{}

	m.Insert(netip.MustParsePrefix("10.0.0.0/8"), broad)
	m.Insert(netip.MustParsePrefix("10.0.0.0/24"), narrow)

	got := m.Lookup(netip.MustParseAddr("10.0.0.5"))
	if got != narrow {
		t.Fatal("expected the more specific /24 prefix to win")
	}

	got = m.Lookup(netip.MustParseAddr("10.1.2.3"))
	if got != broad {
		t.Fatal("expected the /8 prefix to match an address outside the /24")
	}
}

func TestIPToPeerMapLookupMiss(t *testing.T) {
	m := newIPToPeerMap()
	m.Insert(netip.MustParsePrefix("192.168.1.0/24"), &Peer{})

	if m.Lookup(netip.MustParseAddr("10.0.0.1")) != nil {
		t.Fatal("expected no match for an address outside every registered prefix")
	}
}

func TestIPToPeerMapInsertReplacesSamePrefix(t *testing.T) {
	m := newIPToPeerMap()
	first := &Peer{}
	second := &Peer{}
	prefix := netip.MustParsePrefix("172.16.0.0/16")

	m.Insert(prefix, first)
	m.Insert(prefix, second)

	if got := m.Lookup(netip.MustParseAddr("172.16.5.5")); got != second {
		t.Fatal("re-inserting the same prefix should replace its peer")
	}
	if len(m.entries) != 1 {
		t.Fatalf("expected exactly one entry for a re-inserted prefix, got %d", len(m.entries))
	}
}

func TestIPToPeerMapRemovePeer(t *testing.T) {
	m := newIPToPeerMap()
	peer := &Peer{}

	m.Insert(netip.MustParsePrefix("10.0.0.0/8"), peer)
	m.Insert(netip.MustParsePrefix("10.0.0.0/24"), peer)
	m.Insert(netip.MustParsePrefix("192.168.0.0/16"), &Peer{})

	m.RemovePeer(peer)

	if m.Lookup(netip.MustParseAddr("10.0.0.5")) != nil {
		t.Fatal("expected every prefix belonging to the removed peer to be gone")
	}
	if m.Lookup(netip.MustParseAddr("192.168.1.1")) == nil {
		t.Fatal("expected an unrelated peer's prefix to survive RemovePeer")
	}
}
