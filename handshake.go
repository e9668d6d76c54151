// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// extensionAEADLabel domain-separates the key used to protect the
// optional TLV extension suffix from every other AEAD the handshake
// derives, so a bug in one never weakens the other.
const extensionAEADLabel = "wgcore extension v1"

// sealExtensions encrypts ext under a key derived from chainKey, with hash
// as associated data, and returns it as [2-byte length][ciphertext] for
// the caller to append after the base message. The initiation passes
// the chain key after the static-static DH and the hash after the
// timestamp; the response passes the post-mixPSK chain key and the hash
// after the empty payload, the same points the receiver reaches.
func sealExtensions(chainKey *[blake2s.Size]byte, hash *[blake2s.Size]byte, ext *extensionSet) []byte {
	plain := ext.encode()
	if len(plain) == 0 {
		return nil
	}

	var extKey [blake2s.Size]byte
	kdf1(&extKey, chainKey[:], []byte(extensionAEADLabel))

	var key [chacha20poly1305.KeySize]byte
	copy(key[:], extKey[:chacha20poly1305.KeySize])
	aeadCipher, _ := chacha20poly1305.New(key[:])
	ciphertext := aeadCipher.Seal(nil, zeroNonce[:], plain, hash[:])

	out := make([]byte, 2+len(ciphertext))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(ciphertext)))
	copy(out[2:], ciphertext)
	return out
}

// openExtensions reverses sealExtensions given the trailing bytes of a
// received datagram beyond its base message size.
func openExtensions(chainKey *[blake2s.Size]byte, hash *[blake2s.Size]byte, trailer []byte) (extensionSet, error) {
	if len(trailer) < 2 {
		return extensionSet{}, nil
	}
	n := int(binary.LittleEndian.Uint16(trailer[0:2]))
	if 2+n != len(trailer) {
		return extensionSet{}, fmt.Errorf("extension trailer: length mismatch")
	}

	var extKey [blake2s.Size]byte
	kdf1(&extKey, chainKey[:], []byte(extensionAEADLabel))

	var key [chacha20poly1305.KeySize]byte
	copy(key[:], extKey[:chacha20poly1305.KeySize])
	aeadCipher, _ := chacha20poly1305.New(key[:])

	plain, err := aeadCipher.Open(nil, zeroNonce[:], trailer[2:], hash[:])
	if err != nil {
		return extensionSet{}, fmt.Errorf("decrypt extensions: %w", err)
	}

	return decodeExtensionSet(plain)
}

// localExtensionSet builds the extension payload this device offers for
// peer, from the peer's configured preferences.
func localExtensionSet(peer *Peer) extensionSet {
	var e extensionSet
	e.cipherSuites = peer.cipherSuites
	e.cipherPriority = peer.cipherPriority
	for f := Feature(0); f < FeatureCount; f++ {
		if peer.features.hasFeature(f) {
			e.setFeature(f, true)
		}
	}
	return e
}

// processHandshakeInitiation processes a handshake initiation addressed
// to this device.
func (d *Device) processHandshakeInitiation(data []byte, remoteAddr netip.AddrPort) (*PacketResult, error) {
	d.incrementActiveHandshakes()
	defer d.decrementActiveHandshakes()

	if d.rateLimiter != nil && !d.rateLimiter.CheckRateLimit(remoteAddr.Addr()) {
		return &PacketResult{Outcome: OutcomeDropSilently}, nil
	}

	base := data
	if len(base) > MessageInitiationSize {
		base = data[:MessageInitiationSize]
	}

	msg, err := decodeMessageInitiation(base)
	if err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}

	if !d.cookieChecker.CheckMAC1(base) {
		return nil, fmt.Errorf("invalid MAC1")
	}

	if d.isUnderLoad() {
		if isZero(base[132:148]) {
			reply, err := d.GenerateCookieReply(remoteAddr.Addr(), msg.Sender, base[116:132])
			if err != nil {
				return nil, fmt.Errorf("generate cookie reply: %w", err)
			}
			return &PacketResult{Outcome: OutcomeReplyCookie, Response: reply}, nil
		}
		if !d.cookieChecker.CheckMAC2(base, remoteAddr.Addr().AsSlice()) {
			reply, err := d.GenerateCookieReply(remoteAddr.Addr(), msg.Sender, base[116:132])
			if err != nil {
				return nil, fmt.Errorf("generate cookie reply: %w", err)
			}
			return &PacketResult{Outcome: OutcomeReplyCookie, Response: reply}, nil
		}
	}

	if d.rateLimiter != nil {
		d.rateLimiter.CommitResult(remoteAddr.Addr())
	}

	var hs Handshake
	hs.chainKey = initialChainKey
	hs.hash = initialHash
	hs.remoteIndex = msg.Sender

	mixHash(&hs.hash, &hs.hash, d.publicKey[:])

	copy(hs.remoteEphemeral[:], msg.Ephemeral[:])
	mixHash(&hs.hash, &hs.hash, hs.remoteEphemeral[:])
	mixKey(&hs.chainKey, &hs.chainKey, hs.remoteEphemeral[:])

	var key [chacha20poly1305.KeySize]byte
	tempSS, err := curve25519.X25519(d.privateKey[:], hs.remoteEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("DH failed: %w", err)
	}
	kdf2(&hs.chainKey, &key, hs.chainKey[:], tempSS)

	aeadCipher, _ := chacha20poly1305.New(key[:])
	clientStaticKey, err := aeadCipher.Open(nil, zeroNonce[:], msg.Static[:], hs.hash[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt static key: %w", err)
	}
	if len(clientStaticKey) != 32 {
		return nil, fmt.Errorf("invalid client static key length: %d", len(clientStaticKey))
	}
	copy(hs.remoteStatic[:], clientStaticKey)
	mixHash(&hs.hash, &hs.hash, msg.Static[:])

	tempSS, err = curve25519.X25519(d.privateKey[:], hs.remoteStatic[:])
	if err != nil {
		return nil, fmt.Errorf("static DH failed: %w", err)
	}
	copy(hs.precomputedStaticStatic[:], tempSS)
	kdf2(&hs.chainKey, &key, hs.chainKey[:], tempSS)

	aeadCipher, _ = chacha20poly1305.New(key[:])
	timestampPlain, err := aeadCipher.Open(nil, zeroNonce[:], msg.Timestamp[:], hs.hash[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt timestamp: %w", err)
	}
	if len(timestampPlain) != tai64nTimestampSize {
		return nil, fmt.Errorf("invalid timestamp length: %d", len(timestampPlain))
	}
	var timestamp [tai64nTimestampSize]byte
	copy(timestamp[:], timestampPlain)
	mixHash(&hs.hash, &hs.hash, msg.Timestamp[:])

	if !d.IsAuthorizedPeer(hs.remoteStatic) {
		if d.onUnknownPeer != nil && d.onUnknownPeer(hs.remoteStatic, remoteAddr) {
			d.AddPeer(PeerConfig{PublicKey: hs.remoteStatic})
		} else {
			return nil, errUnauthorizedPeer
		}
	}

	peer := d.Peer(hs.remoteStatic)
	if peer == nil {
		return nil, errUnauthorizedPeer
	}

	if !peer.acceptHandshakeTimestamp(timestamp) {
		return &PacketResult{Outcome: OutcomeDropSilently}, nil
	}
	if !peer.acceptInitiationRate(now()) {
		return &PacketResult{Outcome: OutcomeDropSilently}, nil
	}

	peer.setEndpoint(remoteAddr)

	if len(data) > MessageInitiationSize {
		remoteExt, err := openExtensions(&hs.chainKey, &hs.hash, data[MessageInitiationSize:])
		if err == nil {
			hs.remoteExt = remoteExt
		}
	}
	hs.localExt = localExtensionSet(peer)

	var respMsg MessageResponse
	respMsg.Type = MessageResponseType
	respMsg.Receiver = msg.Sender

	senderIdx := d.keyIDs.Reserve(peer, &hs)
	respMsg.Sender = senderIdx

	hs.localEphemeral, err = GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPub := hs.localEphemeral.PublicKey()
	copy(respMsg.Ephemeral[:], ephemeralPub[:])

	mixHash(&hs.hash, &hs.hash, ephemeralPub[:])
	mixKey(&hs.chainKey, &hs.chainKey, ephemeralPub[:])

	tempSS, err = curve25519.X25519(hs.localEphemeral[:], hs.remoteEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("ee DH failed: %w", err)
	}
	mixKey(&hs.chainKey, &hs.chainKey, tempSS)

	tempSS, err = curve25519.X25519(hs.localEphemeral[:], hs.remoteStatic[:])
	if err != nil {
		return nil, fmt.Errorf("es DH failed: %w", err)
	}
	mixKey(&hs.chainKey, &hs.chainKey, tempSS)

	psk := peer.presharedKeyOrZero()
	mixPSK(&hs.chainKey, &hs.hash, &key, psk)

	aeadCipher, _ = chacha20poly1305.New(key[:])
	emptyData := aeadCipher.Seal(nil, zeroNonce[:], []byte{}, hs.hash[:])
	if len(emptyData) != chacha20poly1305.Overhead {
		return nil, fmt.Errorf("invalid empty data size: %d", len(emptyData))
	}
	copy(respMsg.Empty[:], emptyData)
	mixHash(&hs.hash, &hs.hash, emptyData)

	macInput := make([]byte, 60)
	binary.LittleEndian.PutUint32(macInput[0:4], respMsg.Type)
	binary.LittleEndian.PutUint32(macInput[4:8], respMsg.Sender)
	binary.LittleEndian.PutUint32(macInput[8:12], respMsg.Receiver)
	copy(macInput[12:44], respMsg.Ephemeral[:])
	copy(macInput[44:60], respMsg.Empty[:])

	mac1Key := calculateMAC1Key(hs.remoteStatic)
	mac1Hasher, err := blake2s.New128(mac1Key[:])
	if err != nil {
		return nil, fmt.Errorf("create MAC1 hash: %w", err)
	}
	mac1Hasher.Write(macInput)
	mac1Hasher.Sum(respMsg.MAC1[:0])

	hs.localIndex = senderIdx
	hs.state = handshakeResponseCreated

	var sendKey, recvKey [chacha20poly1305.KeySize]byte
	kdf2(&recvKey, &sendKey, hs.chainKey[:], nil)

	suite := negotiatedCipherSuite(d.publicKey, hs.remoteStatic, peer.cipherSuites, hs.remoteExt.cipherSuites, peer.cipherPriority, hs.remoteExt.cipherPriority)
	keypair, err := newKeyPair(sendKey, recvKey, hs.localIndex, hs.remoteIndex, false, suite)
	if err != nil {
		return nil, fmt.Errorf("build keypair: %w", err)
	}
	setZero(sendKey[:])
	setZero(recvKey[:])

	d.keyIDs.Promote(hs.localIndex, keypair)
	peer.installKeyPair(keypair)
	peer.timers.handshakeCompleted(now())
	peer.clearHandshake()

	entry := d.addrs.GetOrCreate(remoteAddr, peer)
	entry.addKeyPair(keypair)

	respBytes, err := encodeMessageResponse(&respMsg)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	if len(respBytes) != MessageResponseSize {
		return nil, fmt.Errorf("invalid response size: %d (expected %d)", len(respBytes), MessageResponseSize)
	}

	if ext := sealExtensions(&hs.chainKey, &hs.hash, &hs.localExt); ext != nil {
		respBytes = append(respBytes, ext...)
	}

	return &PacketResult{
		Outcome:  OutcomeReplyHandshake,
		Response: respBytes,
		PeerKey:  hs.remoteStatic,
	}, nil
}

// decodeMessageInitiation deserializes a handshake initiation message.
func decodeMessageInitiation(data []byte) (*MessageInitiation, error) {
	if len(data) < MessageInitiationSize {
		return nil, fmt.Errorf("message too short: %d (expected %d)", len(data), MessageInitiationSize)
	}

	var msg MessageInitiation
	reader := bytes.NewReader(data)
	if err := binary.Read(reader, binary.LittleEndian, &msg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	return &msg, nil
}

// encodeMessageResponse serializes a handshake response message.
func encodeMessageResponse(msg *MessageResponse) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := binary.Write(&buf, binary.LittleEndian, msg); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	return buf.Bytes(), nil
}

// presharedKeyOrZero returns the peer's PSK, or the all-zero PSK if none
// is configured (Noise_IKpsk2 always mixes a PSK field; zero is the
// well-defined "no PSK configured" value).
func (p *Peer) presharedKeyOrZero() NoisePresharedKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.hasPSK {
		return p.presharedKey
	}
	return NoisePresharedKey{}
}

// InitiateHandshake creates and records a handshake initiation packet
// for peer. The peer must already be authorized via AddPeer.
func (d *Device) InitiateHandshake(peer *Peer) ([]byte, error) {
	if peer.IsExpired(now()) {
		return nil, fmt.Errorf("peer not authorized")
	}
	if peer.timers.isDormant() {
		return nil, fmt.Errorf("peer dormant: handshake attempts exhausted")
	}

	var hs Handshake
	hs.chainKey = initialChainKey
	hs.hash = initialHash
	hs.remoteStatic = peer.publicKey

	tempSS, err := curve25519.X25519(d.privateKey[:], peer.publicKey[:])
	if err != nil {
		return nil, fmt.Errorf("static DH failed: %w", err)
	}
	copy(hs.precomputedStaticStatic[:], tempSS)

	mixHash(&hs.hash, &hs.hash, peer.publicKey[:])

	hs.localEphemeral, err = GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub := hs.localEphemeral.PublicKey()

	mixHash(&hs.hash, &hs.hash, ephPub[:])
	mixKey(&hs.chainKey, &hs.chainKey, ephPub[:])

	tempSS, err = curve25519.X25519(hs.localEphemeral[:], peer.publicKey[:])
	if err != nil {
		return nil, fmt.Errorf("DH failed: %w", err)
	}

	var key [chacha20poly1305.KeySize]byte
	kdf2(&hs.chainKey, &key, hs.chainKey[:], tempSS)

	aeadCipher, _ := chacha20poly1305.New(key[:])
	encStatic := aeadCipher.Seal(nil, zeroNonce[:], d.publicKey[:], hs.hash[:])
	var staticField [NoisePublicKeySize + chacha20poly1305.Overhead]byte
	copy(staticField[:], encStatic)
	mixHash(&hs.hash, &hs.hash, staticField[:])

	kdf2(&hs.chainKey, &key, hs.chainKey[:], hs.precomputedStaticStatic[:])

	var timestamp [tai64nTimestampSize]byte
	n := now()
	secs := uint64(n.Unix()) + 4611686018427387914
	binary.BigEndian.PutUint64(timestamp[0:8], secs)
	binary.BigEndian.PutUint32(timestamp[8:12], uint32(n.Nanosecond()))

	aeadCipher, _ = chacha20poly1305.New(key[:])
	encTimestamp := aeadCipher.Seal(nil, zeroNonce[:], timestamp[:], hs.hash[:])
	var timestampField [tai64nTimestampSize + chacha20poly1305.Overhead]byte
	copy(timestampField[:], encTimestamp)
	mixHash(&hs.hash, &hs.hash, timestampField[:])

	hs.localExt = localExtensionSet(peer)

	senderIdx := d.keyIDs.Reserve(peer, &hs)
	hs.localIndex = senderIdx
	hs.state = handshakeInitiationCreated

	pkt := make([]byte, MessageInitiationSize)
	binary_le_put_uint32(pkt[0:4], MessageInitiationType)
	binary_le_put_uint32(pkt[4:8], senderIdx)
	copy(pkt[8:40], ephPub[:])
	copy(pkt[40:88], staticField[:])
	copy(pkt[88:116], timestampField[:])

	peer.cookieGen.AddMacs(pkt)

	peer.mu.Lock()
	peer.handshake = &hs
	peer.mu.Unlock()

	attempt, dormant := peer.timers.handshakeStarted(now())
	if dormant {
		slog.Debug("wgcore: peer handshake attempts exhausted", "peer", peer.publicKey, "attempts", attempt)
	}

	if ext := sealExtensions(&hs.chainKey, &hs.hash, &hs.localExt); ext != nil {
		pkt = append(pkt, ext...)
	}

	return pkt, nil
}

// processHandshakeResponse processes a type-2 handshake response.
func (d *Device) processHandshakeResponse(data []byte) (*PacketResult, error) {
	base := data
	if len(base) > MessageResponseSize {
		base = data[:MessageResponseSize]
	}

	msg, err := decodeMessageResponse(base)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	entry := d.keyIDs.Lookup(msg.Receiver)
	if entry == nil || entry.handshake == nil {
		return nil, fmt.Errorf("no pending handshake for receiver index %d", msg.Receiver)
	}
	hs := entry.handshake
	peer := entry.peer

	if !d.cookieChecker.CheckMAC1(base) {
		return nil, fmt.Errorf("invalid MAC1 on response")
	}

	hash := hs.hash
	chainKey := hs.chainKey

	var serverEphPub NoisePublicKey
	copy(serverEphPub[:], msg.Ephemeral[:])
	mixHash(&hash, &hash, serverEphPub[:])
	mixKey(&chainKey, &chainKey, serverEphPub[:])

	tempSS, err := curve25519.X25519(hs.localEphemeral[:], serverEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("ee DH failed: %w", err)
	}
	mixKey(&chainKey, &chainKey, tempSS)

	tempSS, err = curve25519.X25519(d.privateKey[:], serverEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("se DH failed: %w", err)
	}
	mixKey(&chainKey, &chainKey, tempSS)

	psk := peer.presharedKeyOrZero()
	var key [chacha20poly1305.KeySize]byte
	mixPSK(&chainKey, &hash, &key, psk)

	aeadCipher, _ := chacha20poly1305.New(key[:])
	_, err = aeadCipher.Open(nil, zeroNonce[:], msg.Empty[:], hash[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt empty: %w", err)
	}
	mixHash(&hash, &hash, msg.Empty[:])

	hs.remoteIndex = msg.Sender
	hs.remoteEphemeral = serverEphPub

	if len(data) > MessageResponseSize {
		remoteExt, err := openExtensions(&chainKey, &hash, data[MessageResponseSize:])
		if err == nil {
			hs.remoteExt = remoteExt
		}
	}

	var sendKey, recvKey [chacha20poly1305.KeySize]byte
	kdf2(&sendKey, &recvKey, chainKey[:], nil)

	suite := negotiatedCipherSuite(d.publicKey, hs.remoteStatic, peer.cipherSuites, hs.remoteExt.cipherSuites, peer.cipherPriority, hs.remoteExt.cipherPriority)
	keypair, err := newKeyPair(sendKey, recvKey, hs.localIndex, msg.Sender, true, suite)
	if err != nil {
		return nil, fmt.Errorf("build keypair: %w", err)
	}
	setZero(sendKey[:])
	setZero(recvKey[:])

	d.keyIDs.Promote(hs.localIndex, keypair)
	peer.installKeyPair(keypair)
	peer.timers.handshakeCompleted(now())
	peer.clearHandshake()

	keepalive, err := d.encryptDataPacket([]byte{}, peer)
	if err != nil {
		return nil, fmt.Errorf("generate keepalive: %w", err)
	}

	return &PacketResult{
		Outcome:  OutcomeReplyHandshake,
		Response: keepalive,
		PeerKey:  peer.publicKey,
	}, nil
}

// processCookieReply processes a type-3 cookie reply message.
func (d *Device) processCookieReply(data []byte) (*PacketResult, error) {
	if len(data) < MessageCookieReplySize {
		return nil, fmt.Errorf("cookie reply too short: %d", len(data))
	}

	receiverIdx := binary_le_uint32(data[4:8])

	entry := d.keyIDs.Lookup(receiverIdx)
	if entry == nil || entry.peer == nil {
		return nil, fmt.Errorf("no pending handshake for receiver index %d", receiverIdx)
	}
	peer := entry.peer

	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], data[8:32])

	peer.cookieGen.Lock()
	xaead, err := chacha20poly1305.NewX(peer.cookieGen.mac2.encryptionKey[:])
	if err != nil {
		peer.cookieGen.Unlock()
		return nil, fmt.Errorf("create xchacha20: %w", err)
	}

	cookie, err := xaead.Open(nil, nonce[:], data[32:MessageCookieReplySize], peer.cookieGen.mac2.lastMAC1[:])
	if err != nil {
		peer.cookieGen.Unlock()
		return nil, fmt.Errorf("decrypt cookie: %w", err)
	}

	copy(peer.cookieGen.mac2.cookie[:], cookie)
	peer.cookieGen.mac2.cookieSet = now()
	peer.cookieGen.Unlock()

	return &PacketResult{Outcome: OutcomeDropSilently}, nil
}

// decodeMessageResponse deserializes a handshake response message.
func decodeMessageResponse(data []byte) (*MessageResponse, error) {
	if len(data) < MessageResponseSize {
		return nil, fmt.Errorf("message too short: %d (expected %d)", len(data), MessageResponseSize)
	}

	var msg MessageResponse
	reader := bytes.NewReader(data)
	if err := binary.Read(reader, binary.LittleEndian, &msg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	return &msg, nil
}
