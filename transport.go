// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"fmt"
	"net/netip"
)

// shortHeaderFlags is the single byte following the message type in a
// short-header packet. It encodes only the width of the counter tail;
// the receiver index is always carried in full, so only the counter
// field of the fixed 16-byte header is trimmed.
type shortHeaderFlags uint8

const (
	counterWidth1 shortHeaderFlags = iota
	counterWidth2
	counterWidth4
	counterWidth8
)

// MessageShortTransportType identifies a transport data packet using
// the compressed header: a variable-width counter suffix chosen by the
// sender based on how far the counter has drifted from what it expects
// the receiver has already seen, instead of the fixed 8-byte counter
// field of MessageTransportType.
const MessageShortTransportType = 5

const shortHeaderFixedSize = 4 + 1 + 4 // type + flags + receiver

// counterWidthFor picks the narrowest encoding that still lets the
// receiver reconstruct the full 64-bit counter from its own replay
// window position, mirroring how header-compression schemes only need
// to carry the low bits once both ends roughly agree on where they are.
func counterWidthFor(counter, peerExpected uint64) (shortHeaderFlags, int) {
	delta := counter - peerExpected
	if peerExpected > counter {
		delta = peerExpected - counter
	}
	switch {
	case delta < 1<<7:
		return counterWidth1, 1
	case delta < 1<<15:
		return counterWidth2, 2
	case delta < 1<<31:
		return counterWidth4, 4
	default:
		return counterWidth8, 8
	}
}

func encodeCounterTail(counter uint64, n int) []byte {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(counter >> (8 * i))
	}
	return buf
}

// reconstructCounter rebuilds a full 64-bit counter from its low n
// bytes, choosing the candidate closest to expected, since the low
// bytes alone are ambiguous modulo 2^(8n).
func reconstructCounter(low []byte, n int, expected uint64) uint64 {
	var lowVal uint64
	for i := n - 1; i >= 0; i-- {
		lowVal = lowVal<<8 | uint64(low[i])
	}
	mod := uint64(1) << (8 * n)
	base := expected &^ (mod - 1)

	best := base | lowVal
	if base >= mod {
		if cand := (base - mod) | lowVal; absDiffU64(cand, expected) < absDiffU64(best, expected) {
			best = cand
		}
	}
	if cand := (base + mod) | lowVal; absDiffU64(cand, expected) < absDiffU64(best, expected) {
		best = cand
	}
	return best
}

func absDiffU64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// processDataPacket decrypts an incoming transport data packet,
// accepting either the standard fixed header or the negotiated short
// header.
func (d *Device) processDataPacket(data []byte, remoteAddr netip.AddrPort) (*PacketResult, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data packet too short: %d", len(data))
	}

	msgType := binary_le_uint32(data[0:4])

	switch msgType {
	case MessageTransportType:
		return d.processFullHeaderPacket(data, remoteAddr)
	case MessageShortTransportType:
		return d.processShortHeaderPacket(data, remoteAddr)
	default:
		return nil, fmt.Errorf("invalid message type: %d", msgType)
	}
}

func (d *Device) processFullHeaderPacket(data []byte, remoteAddr netip.AddrPort) (*PacketResult, error) {
	if len(data) < MessageTransportHeaderSize {
		return nil, fmt.Errorf("data packet too short: %d", len(data))
	}

	receiverIdx := binary_le_uint32(data[4:8])
	counter := binary_le_uint64(data[8:16])
	ciphertext := data[16:]

	return d.decryptDataPacket(receiverIdx, counter, ciphertext, remoteAddr)
}

func (d *Device) processShortHeaderPacket(data []byte, remoteAddr netip.AddrPort) (*PacketResult, error) {
	if len(data) < shortHeaderFixedSize {
		return nil, fmt.Errorf("short data packet too short: %d", len(data))
	}

	flags := shortHeaderFlags(data[4])
	receiverIdx := binary_le_uint32(data[5:9])

	var counterLen int
	switch flags {
	case counterWidth1:
		counterLen = 1
	case counterWidth2:
		counterLen = 2
	case counterWidth4:
		counterLen = 4
	case counterWidth8:
		counterLen = 8
	default:
		return nil, fmt.Errorf("invalid short header counter width: %d", flags)
	}

	if len(data) < shortHeaderFixedSize+counterLen {
		return nil, fmt.Errorf("short data packet too short for counter width %d", counterLen)
	}

	entry := d.keyIDs.Lookup(receiverIdx)
	if entry == nil || entry.keypair == nil {
		return nil, errUnknownKeyID
	}

	expected := entry.keypair.replayFilter.expected.Load()
	counter := reconstructCounter(data[shortHeaderFixedSize:shortHeaderFixedSize+counterLen], counterLen, expected)

	ciphertext := data[shortHeaderFixedSize+counterLen:]

	return d.decryptDataPacket(receiverIdx, counter, ciphertext, remoteAddr)
}

func (d *Device) decryptDataPacket(receiverIdx uint32, counter uint64, ciphertext []byte, remoteAddr netip.AddrPort) (*PacketResult, error) {
	var keypair *KeyPair
	var peer *Peer

	if entry := d.keyIDs.Lookup(receiverIdx); entry != nil && entry.keypair != nil {
		keypair = entry.keypair
		peer = entry.peer
	} else if ae := d.addrs.Lookup(remoteAddr); ae != nil {
		// The key-id table lost this index (e.g. evicted by a concurrent
		// rekey) but the source address still has a candidate keypair on
		// file for it; fall back to that rather than dropping the packet.
		if kp := ae.keyPairByLocalIndex(receiverIdx); kp != nil {
			keypair = kp
			peer = ae.peer
		}
	}
	if keypair == nil || peer == nil {
		return nil, errUnknownKeyID
	}

	if keypair.replayFilter.CheckReplay(counter) {
		return nil, errReplay
	}
	if counter >= RejectAfterMessages {
		peer.retireExhaustedKeyPair(keypair)
		return &PacketResult{Outcome: OutcomeFatal, PeerKey: peer.publicKey}, nil
	}

	var nonce [nonceSize]byte
	binary_le_put_uint64(nonce[4:], counter)

	plaintext, err := keypair.receive.Open(ciphertext[:0], nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt failed: %w", err)
	}

	n := now()
	peer.timers.recordReceive(n)
	peer.setEndpoint(remoteAddr)
	if e := d.addrs.GetOrCreate(remoteAddr, peer); e != nil {
		e.addKeyPair(keypair)
	}

	outcome := OutcomeDeliverData
	if len(plaintext) == 0 {
		outcome = OutcomeKeepalive
	}

	return &PacketResult{
		Outcome: outcome,
		Data:    plaintext,
		PeerKey: peer.publicKey,
	}, nil
}

// nonceSize is the AEAD nonce width shared by every negotiated cipher
// suite (ChaCha20-Poly1305 and AES-GCM both default to 12 bytes;
// poly1305Auth interprets the same 12-byte layout for its own KDF).
const nonceSize = 12

// encryptDataPacket encrypts data for transmission to peer using its
// current keypair, choosing the short header when the local peer
// configuration enables FeatureShortHeader. The features the remote
// offered in its handshake extensions are not consulted;
// processDataPacket accepts both header forms.
func (d *Device) encryptDataPacket(data []byte, peer *Peer) ([]byte, error) {
	keypair := peer.currentKeyPair()
	if keypair == nil {
		return nil, errNoSession
	}

	counter := keypair.sendCounter.Add(1) - 1
	if counter >= RejectAfterMessages {
		peer.retireExhaustedKeyPair(keypair)
		return nil, errKeyExhausted
	}

	var nonce [nonceSize]byte
	binary_le_put_uint64(nonce[4:], counter)

	ciphertext := keypair.send.Seal(nil, nonce[:], data, nil)

	peer.timers.recordSend(now())

	useShort := peer.features.hasFeature(FeatureShortHeader)
	if !useShort {
		result := make([]byte, MessageTransportHeaderSize+len(ciphertext))
		binary_le_put_uint32(result[0:4], MessageTransportType)
		binary_le_put_uint32(result[4:8], keypair.remoteIndex)
		binary_le_put_uint64(result[8:16], counter)
		copy(result[MessageTransportHeaderSize:], ciphertext)
		return result, nil
	}

	peerExpected := keypair.replayFilter.expected.Load()
	flags, n := counterWidthFor(counter, peerExpected)
	tail := encodeCounterTail(counter, n)

	result := make([]byte, shortHeaderFixedSize+n+len(ciphertext))
	binary_le_put_uint32(result[0:4], MessageShortTransportType)
	result[4] = byte(flags)
	binary_le_put_uint32(result[5:9], keypair.remoteIndex)
	copy(result[shortHeaderFixedSize:], tail)
	copy(result[shortHeaderFixedSize+n:], ciphertext)

	return result, nil
}
