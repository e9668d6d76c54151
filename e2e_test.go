// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"bytes"
	"net/netip"
	"testing"
)

// fakeInitiatorAddr stands in for the initiator's UDP source address
// throughout these tests, since no real socket is involved.
var fakeInitiatorAddr = netip.MustParseAddrPort("127.0.0.1:51820")

// runHandshake drives a full Noise_IKpsk2 exchange between two in-process
// Devices and returns once both sides report an established session.
func runHandshake(t *testing.T, initiator, responder *Device) {
	t.Helper()

	initPeer := initiator.Peer(responder.PublicKey())
	respPeer := responder.Peer(initiator.PublicKey())
	if initPeer == nil || respPeer == nil {
		t.Fatal("peers not registered on both devices")
	}

	initPkt, err := initiator.InitiateHandshake(initPeer)
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}

	result, err := responder.processHandshakeInitiation(initPkt, fakeInitiatorAddr)
	if err != nil {
		t.Fatalf("responder processHandshakeInitiation: %v", err)
	}
	if result.Outcome != OutcomeReplyHandshake {
		t.Fatalf("expected reply-handshake outcome, got %s", result.Outcome)
	}

	result2, err := initiator.processHandshakeResponse(result.Response)
	if err != nil {
		t.Fatalf("initiator processHandshakeResponse: %v", err)
	}
	if result2.Outcome != OutcomeReplyHandshake {
		t.Fatalf("expected reply-handshake (keepalive) outcome, got %s", result2.Outcome)
	}

	if !initPeer.HasSession() {
		t.Fatal("initiator has no session after handshake")
	}
	if !respPeer.HasSession() {
		t.Fatal("responder has no session after handshake")
	}

	keepaliveResult, err := responder.processDataPacket(result2.Response, fakeInitiatorAddr)
	if err != nil {
		t.Fatalf("responder process trailing keepalive: %v", err)
	}
	if keepaliveResult.Outcome != OutcomeKeepalive {
		t.Fatalf("expected keepalive outcome, got %s", keepaliveResult.Outcome)
	}
}

func newLinkedDevicePair(t *testing.T) (a, b *Device) {
	t.Helper()

	a, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice a: %v", err)
	}
	b, err = NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice b: %v", err)
	}

	a.AddPeer(PeerConfig{PublicKey: b.PublicKey()})
	b.AddPeer(PeerConfig{PublicKey: a.PublicKey()})

	return a, b
}

func TestEndToEndHandshakeAndData(t *testing.T) {
	initiator, responder := newLinkedDevicePair(t)

	runHandshake(t, initiator, responder)

	initPeer := initiator.Peer(responder.PublicKey())

	payload := []byte("hello over the tunnel")
	encrypted, err := initiator.encryptDataPacket(payload, initPeer)
	if err != nil {
		t.Fatalf("encryptDataPacket: %v", err)
	}

	result, err := responder.processDataPacket(encrypted, fakeInitiatorAddr)
	if err != nil {
		t.Fatalf("responder processDataPacket: %v", err)
	}
	if result.Outcome != OutcomeDeliverData {
		t.Fatalf("expected deliver-data outcome, got %s", result.Outcome)
	}
	if !bytes.Equal(result.Data, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", result.Data, payload)
	}
}

func TestEndToEndShortHeader(t *testing.T) {
	initiator, responder := newLinkedDevicePair(t)

	initiator.Peer(responder.PublicKey()).features.setFeature(FeatureShortHeader, true)
	responder.Peer(initiator.PublicKey()).features.setFeature(FeatureShortHeader, true)

	runHandshake(t, initiator, responder)

	initPeer := initiator.Peer(responder.PublicKey())

	payload := []byte("short header payload")
	encrypted, err := initiator.encryptDataPacket(payload, initPeer)
	if err != nil {
		t.Fatalf("encryptDataPacket: %v", err)
	}
	if binary_le_uint32(encrypted[0:4]) != MessageShortTransportType {
		t.Fatalf("expected short transport type, got %d", binary_le_uint32(encrypted[0:4]))
	}

	result, err := responder.processDataPacket(encrypted, fakeInitiatorAddr)
	if err != nil {
		t.Fatalf("responder processDataPacket: %v", err)
	}
	if !bytes.Equal(result.Data, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", result.Data, payload)
	}
}

func TestEndToEndAlternateCipherSuite(t *testing.T) {
	initiator, responder := newLinkedDevicePair(t)

	initiator.Peer(responder.PublicKey()).SetCipherSuites([]CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305}, false)
	responder.Peer(initiator.PublicKey()).SetCipherSuites([]CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305}, false)

	runHandshake(t, initiator, responder)

	initPeer := initiator.Peer(responder.PublicKey())
	respPeer := responder.Peer(initiator.PublicKey())

	if initPeer.currentKeyPair().suite != respPeer.currentKeyPair().suite {
		t.Fatalf("cipher suite mismatch between peers: %v vs %v",
			initPeer.currentKeyPair().suite, respPeer.currentKeyPair().suite)
	}

	payload := []byte("aes gcm payload")
	encrypted, err := initiator.encryptDataPacket(payload, initPeer)
	if err != nil {
		t.Fatalf("encryptDataPacket: %v", err)
	}
	result, err := responder.processDataPacket(encrypted, fakeInitiatorAddr)
	if err != nil {
		t.Fatalf("responder processDataPacket: %v", err)
	}
	if !bytes.Equal(result.Data, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", result.Data, payload)
	}
}

func TestEndToEndUnauthorizedPeerRejected(t *testing.T) {
	a, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	b, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	// a does not authorize b.
	b.AddPeer(PeerConfig{PublicKey: a.PublicKey()})

	initPkt, err := b.InitiateHandshake(b.Peer(a.PublicKey()))
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}

	_, err = a.processHandshakeInitiation(initPkt, netip.MustParseAddrPort("127.0.0.1:9"))
	if err == nil {
		t.Fatal("expected error processing handshake from unauthorized peer")
	}
}
