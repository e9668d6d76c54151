// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"net"
	"testing"
	"time"
)

func TestServerConfigValidation(t *testing.T) {
	noop := func([]byte, NoisePublicKey) {}

	// Missing Device.
	_, err := NewServer(ServerConfig{OnPacket: noop})
	if err == nil {
		t.Fatal("expected error with no device")
	}

	dev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	// Missing OnPacket.
	_, err = NewServer(ServerConfig{Device: dev})
	if err == nil {
		t.Fatal("expected error with no OnPacket")
	}

	// Both present: fine.
	if _, err := NewServer(ServerConfig{Device: dev, OnPacket: noop}); err != nil {
		t.Fatalf("NewServer: %v", err)
	}
}

func TestServerHandshakeAndTransport(t *testing.T) {
	serverDev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice server: %v", err)
	}
	clientDev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice client: %v", err)
	}

	serverDev.AddPeer(PeerConfig{PublicKey: clientDev.PublicKey()})
	clientDev.AddPeer(PeerConfig{PublicKey: serverDev.PublicKey()})

	packetCh := make(chan []byte, 1)
	connectedCh := make(chan NoisePublicKey, 1)

	srv, err := NewServer(ServerConfig{
		Device: serverDev,
		OnPacket: func(data []byte, peerKey NoisePublicKey) {
			d := make([]byte, len(data))
			copy(d, data)
			packetCh <- d
		},
		OnPeerConnected: func(peerKey NoisePublicKey) {
			connectedCh <- peerKey
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	go srv.Serve(conn)
	defer srv.Close()

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket client: %v", err)
	}
	defer client.Close()

	clientPeer := clientDev.Peer(serverDev.PublicKey())
	initPkt, err := clientDev.InitiateHandshake(clientPeer)
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}

	if _, err := client.WriteTo(initPkt, conn.LocalAddr()); err != nil {
		t.Fatalf("send initiation: %v", err)
	}

	buf := make([]byte, 512)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if binary_le_uint32(buf[0:4]) != MessageResponseType {
		t.Fatalf("message type: got %d, want %d", binary_le_uint32(buf[0:4]), MessageResponseType)
	}

	result, err := clientDev.processHandshakeResponse(append([]byte(nil), buf[:n]...))
	if err != nil {
		t.Fatalf("client processHandshakeResponse: %v", err)
	}

	// Send the trailing keepalive so the server completes its handshake.
	if _, err := client.WriteTo(result.Response, conn.LocalAddr()); err != nil {
		t.Fatalf("send keepalive: %v", err)
	}

	select {
	case key := <-connectedCh:
		if key != clientDev.PublicKey() {
			t.Fatal("OnPeerConnected: wrong key")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnPeerConnected not called")
	}

	if !clientPeer.HasSession() {
		t.Fatal("client has no session after handshake")
	}

	// Send a transport packet from client to server.
	payload := []byte("hello from client")
	encrypted, err := clientDev.encryptDataPacket(payload, clientPeer)
	if err != nil {
		t.Fatalf("encryptDataPacket: %v", err)
	}
	if _, err := client.WriteTo(encrypted, conn.LocalAddr()); err != nil {
		t.Fatalf("send transport: %v", err)
	}

	select {
	case data := <-packetCh:
		if string(data) != string(payload) {
			t.Fatalf("OnPacket data: got %q, want %q", data, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnPacket not called")
	}
}

func TestServerSend(t *testing.T) {
	serverDev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice server: %v", err)
	}
	clientDev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice client: %v", err)
	}

	serverDev.AddPeer(PeerConfig{PublicKey: clientDev.PublicKey()})
	clientPeer := clientDev.AddPeer(PeerConfig{PublicKey: serverDev.PublicKey()})

	srv, err := NewServer(ServerConfig{
		Device:   serverDev,
		OnPacket: func([]byte, NoisePublicKey) {},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	go srv.Serve(conn)
	defer srv.Close()

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket client: %v", err)
	}
	defer client.Close()

	serverAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected local addr type %T", conn.LocalAddr())
	}
	clientPeer.setEndpoint(serverAddr.AddrPort())

	initPkt, err := clientDev.InitiateHandshake(clientPeer)
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}
	if _, err := client.WriteTo(initPkt, conn.LocalAddr()); err != nil {
		t.Fatalf("send initiation: %v", err)
	}

	buf := make([]byte, 512)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if _, err := clientDev.processHandshakeResponse(append([]byte(nil), buf[:n]...)); err != nil {
		t.Fatalf("client processHandshakeResponse: %v", err)
	}

	// Wait for the server to fully process the handshake.
	time.Sleep(50 * time.Millisecond)

	payload := []byte("hello from server")
	if err := srv.Send(payload, clientDev.PublicKey()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err = client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read transport: %v", err)
	}
	if n < MessageTransportHeaderSize {
		t.Fatalf("packet too short: %d", n)
	}
	if binary_le_uint32(buf[0:4]) != MessageTransportType {
		t.Fatalf("message type: got %d, want %d", binary_le_uint32(buf[0:4]), MessageTransportType)
	}

	kp := clientPeer.currentKeyPair()
	counter := binary_le_uint64(buf[8:16])
	var nonce [nonceSize]byte
	binary_le_put_uint64(nonce[4:], counter)
	decrypted, err := kp.receive.Open(nil, nonce[:], buf[MessageTransportHeaderSize:n], nil)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(decrypted) != string(payload) {
		t.Fatalf("payload: got %q, want %q", decrypted, payload)
	}
}

func TestServerConnect(t *testing.T) {
	serverDev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice server: %v", err)
	}
	peerDev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice peer: %v", err)
	}

	serverDev.AddPeer(PeerConfig{PublicKey: peerDev.PublicKey()})
	peerDev.AddPeer(PeerConfig{PublicKey: serverDev.PublicKey()})

	srv, err := NewServer(ServerConfig{
		Device:   serverDev,
		OnPacket: func([]byte, NoisePublicKey) {},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	go srv.Serve(conn)
	defer srv.Close()

	// Give Serve time to install the connection before Connect uses it.
	time.Sleep(50 * time.Millisecond)

	peerConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket peer: %v", err)
	}
	defer peerConn.Close()

	peerAddr, ok := peerConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected local addr type %T", peerConn.LocalAddr())
	}

	if err := srv.Connect(peerDev.PublicKey(), peerAddr.AddrPort()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	buf := make([]byte, 512)
	peerConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = peerConn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read initiation: %v", err)
	}
	if binary_le_uint32(buf[0:4]) != MessageInitiationType {
		t.Fatalf("message type: got %d, want %d", binary_le_uint32(buf[0:4]), MessageInitiationType)
	}
}

func TestServerClose(t *testing.T) {
	dev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	srv, err := NewServer(ServerConfig{
		Device:   dev,
		OnPacket: func([]byte, NoisePublicKey) {},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	serveDone := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(serveDone)
	}()

	// Give goroutines time to start.
	time.Sleep(50 * time.Millisecond)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	// Calling Close again should not panic.
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestServerSendUnknownPeer(t *testing.T) {
	dev, err := NewDevice(DeviceConfig{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	srv, err := NewServer(ServerConfig{
		Device:   dev,
		OnPacket: func([]byte, NoisePublicKey) {},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	var unknown NoisePublicKey
	if err := srv.Send([]byte("x"), unknown); err == nil {
		t.Fatal("expected error sending to unknown peer")
	}
}
