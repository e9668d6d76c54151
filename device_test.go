// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"net/netip"
	"testing"
	"time"
)

func TestDeviceAddRemovePeer(t *testing.T) {
	dev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	other, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice other: %v", err)
	}

	dev.AddPeer(PeerConfig{PublicKey: other.PublicKey()})
	if dev.Peer(other.PublicKey()) == nil {
		t.Fatal("expected peer to be registered")
	}
	if len(dev.Peers()) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(dev.Peers()))
	}

	dev.RemovePeer(other.PublicKey())
	if dev.Peer(other.PublicKey()) != nil {
		t.Fatal("expected peer to be removed")
	}
	if len(dev.Peers()) != 0 {
		t.Fatalf("expected 0 peers after removal, got %d", len(dev.Peers()))
	}
}

func TestDeviceIsAuthorizedPeerHonorsExpiry(t *testing.T) {
	dev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	other, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice other: %v", err)
	}

	peer := dev.AddPeer(PeerConfig{PublicKey: other.PublicKey()})
	if !dev.IsAuthorizedPeer(other.PublicKey()) {
		t.Fatal("freshly added peer should be authorized")
	}

	peer.SetExpiry(now().Add(-time.Minute))
	if dev.IsAuthorizedPeer(other.PublicKey()) {
		t.Fatal("expired peer should not be authorized")
	}
}

func TestDeviceIsAuthorizedPeerUnknown(t *testing.T) {
	dev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	var unknown NoisePublicKey
	if dev.IsAuthorizedPeer(unknown) {
		t.Fatal("an unregistered peer should never be authorized")
	}
}

func TestDeviceGenerateCookieReplyRoundTrip(t *testing.T) {
	responder, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice responder: %v", err)
	}
	initiator, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice initiator: %v", err)
	}

	initiatorPeer := initiator.AddPeer(PeerConfig{PublicKey: responder.PublicKey()})
	responder.AddPeer(PeerConfig{PublicKey: initiator.PublicKey()})

	initPkt, err := initiator.InitiateHandshake(initiatorPeer)
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}

	senderIdx := binary_le_uint32(initPkt[4:8])
	initMAC1 := initPkt[116:132]

	reply, err := responder.GenerateCookieReply(netip.MustParseAddr("127.0.0.1"), senderIdx, initMAC1)
	if err != nil {
		t.Fatalf("GenerateCookieReply: %v", err)
	}
	if len(reply) != MessageCookieReplySize {
		t.Fatalf("reply size: got %d, want %d", len(reply), MessageCookieReplySize)
	}
	if binary_le_uint32(reply[0:4]) != MessageCookieReplyType {
		t.Fatalf("reply type: got %d, want %d", binary_le_uint32(reply[0:4]), MessageCookieReplyType)
	}

	if _, err := initiator.processCookieReply(reply); err != nil {
		t.Fatalf("processCookieReply: %v", err)
	}

	if !initiatorPeer.cookieGen.mac2.cookieSet.After(time.Time{}) {
		t.Fatal("expected the initiator's cookie generator to record a cookie")
	}
}

func TestDeviceMaintenanceEvictsExpiredKeyPairs(t *testing.T) {
	a, b := newLinkedDevicePair(t)

	runHandshake(t, a, b)

	peer := a.Peer(b.PublicKey())
	kp := peer.currentKeyPair()
	if kp == nil {
		t.Fatal("expected an installed keypair after handshake")
	}
	kp.created = now().Add(-2 * RejectAfterTime)

	a.Maintenance()

	if a.keyIDs.Lookup(kp.localIndex) != nil {
		t.Fatal("expired keypair should be evicted from the key-id table by Maintenance")
	}
}

func TestDeviceUnderLoadTracksActiveHandshakes(t *testing.T) {
	dev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	if dev.isUnderLoad() {
		t.Fatal("a fresh device should not be under load")
	}

	for i := 0; i < DefaultLoadThreshold+1; i++ {
		dev.incrementActiveHandshakes()
	}
	if !dev.isUnderLoad() {
		t.Fatal("expected device to be under load once the threshold is exceeded")
	}

	for i := 0; i < DefaultLoadThreshold+1; i++ {
		dev.decrementActiveHandshakes()
	}
	if dev.isUnderLoad() {
		t.Fatal("expected device to recover from under-load once handshakes drain")
	}
}
