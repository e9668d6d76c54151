// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"bytes"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// peerSendQueueDepth is the capacity of Peer.sendQueue. No code path
// enqueues to or drains that queue: encryptDataPacket returns
// errNoSession while the peer has no keypair.
const peerSendQueueDepth = 128

// Peer is one remote endpoint the local Device is willing to exchange
// handshakes and transport data with. It holds a current and a previous
// KeyPair: installKeyPair, under mu, makes a completed handshake's
// keypair current and demotes the old current to previous. The
// keypairNext slot is read by allKeyPairs, but no code path stores a
// keypair in it.
type Peer struct {
	device *Device

	publicKey    NoisePublicKey
	presharedKey NoisePresharedKey
	hasPSK       bool

	cookieGen CookieGenerator

	// negotiation preferences, set via PeerConfig and offered in the
	// handshake's extension TLV.
	cipherSuites        []CipherSuite
	cipherPriority      bool
	features            extensionSet
	allowMulticast      bool
	allowEndpointChange bool

	allowedIPs []netip.Prefix

	mu                     sync.RWMutex
	endpoint               netip.AddrPort
	handshake              *Handshake
	keypairCurrent         *KeyPair
	keypairPrev            *KeyPair
	keypairNext            atomic.Pointer[KeyPair]
	lastTimestamp          [tai64nTimestampSize]byte
	lastInitiationAccepted time.Time

	activeSuite atomic.Uint32 // negotiated CipherSuite, valid once current != nil

	timers peerTimers

	sendQueue chan []byte

	createdAt time.Time
	expiresAt time.Time
}

func newPeer(device *Device, publicKey NoisePublicKey) *Peer {
	p := &Peer{
		device:     device,
		publicKey:  publicKey,
		createdAt:  now(),
		sendQueue:  make(chan []byte, peerSendQueueDepth),
		cipherSuites: []CipherSuite{CipherChaCha20Poly1305},
	}
	p.cookieGen.Init(publicKey)
	return p
}

// PublicKey returns the peer's static public key.
func (p *Peer) PublicKey() NoisePublicKey { return p.publicKey }

// IsExpired reports whether the peer's authorization window has passed.
func (p *Peer) IsExpired(n time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.expiresAt.IsZero() && n.After(p.expiresAt)
}

// SetExpiry sets the time after which this peer is no longer authorized
// for new handshakes.
func (p *Peer) SetExpiry(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiresAt = t
}

// SetAllowedIPs replaces the peer's allowed-IP list and re-registers it
// with the device's IP routing table.
func (p *Peer) SetAllowedIPs(prefixes []netip.Prefix) {
	p.mu.Lock()
	p.allowedIPs = append([]netip.Prefix(nil), prefixes...)
	p.mu.Unlock()

	if p.device != nil {
		p.device.ipToPeer.RemovePeer(p)
		for _, prefix := range prefixes {
			p.device.ipToPeer.Insert(prefix, p)
		}
	}
}

// AllowedIPs returns a copy of the peer's current allowed-IP list.
func (p *Peer) AllowedIPs() []netip.Prefix {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]netip.Prefix(nil), p.allowedIPs...)
}

// SetPersistentKeepalive configures an interval at which a keepalive is
// sent even absent a NAT-refresh reason, or 0 to disable it.
func (p *Peer) SetPersistentKeepalive(d time.Duration) {
	p.timers.setPersistentKeepalive(d)
}

// SetCipherSuites configures the ordered list of transport ciphers this
// peer offers/accepts, and whether it asserts tie-break priority.
func (p *Peer) SetCipherSuites(suites []CipherSuite, priority bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cipherSuites = append([]CipherSuite(nil), suites...)
	p.cipherPriority = priority
}

// Endpoint returns the peer's last known source address.
func (p *Peer) Endpoint() netip.AddrPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoint
}

// setEndpoint updates the peer's known address, honoring
// AllowEndpointChange: a peer configured with a fixed endpoint ignores
// roaming and is only ever contacted at the address it was configured
// with.
func (p *Peer) setEndpoint(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.endpoint.IsValid() || p.allowEndpointChange {
		p.endpoint = addr
	}
}

// acceptHandshakeTimestamp reports whether ts is strictly newer than the
// last timestamp accepted from this peer, and records it if so. TAI64N
// is big-endian, so a byte comparison is equivalent to a numeric one.
// A replayed or reordered initiation carries a non-increasing timestamp
// and must be rejected before any state is mutated on its behalf.
func (p *Peer) acceptHandshakeTimestamp(ts [tai64nTimestampSize]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bytes.Compare(ts[:], p.lastTimestamp[:]) <= 0 {
		return false
	}
	p.lastTimestamp = ts
	return true
}

// acceptInitiationRate reports whether enough time has passed since the
// last accepted initiation from this peer to admit another one, per
// HandshakeInitiationRate, and records n as the new baseline if so. This
// throttles a single peer identity regardless of source address, unlike
// the device's address-keyed RateLimiter.
func (p *Peer) acceptInitiationRate(n time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastInitiationAccepted.IsZero() && n.Sub(p.lastInitiationAccepted) < HandshakeInitiationRate {
		return false
	}
	p.lastInitiationAccepted = n
	return true
}

// retireExhaustedKeyPair drops kp from the current slot if it is still
// installed there and forces an immediate rekey attempt. Used when a
// keypair's counter reaches RejectAfterMessages: it must never encrypt
// or accept another message, regardless of how recently it was created.
func (p *Peer) retireExhaustedKeyPair(kp *KeyPair) {
	p.mu.Lock()
	if p.keypairCurrent == kp {
		p.keypairCurrent = nil
	}
	endpoint := p.endpoint
	p.mu.Unlock()
	p.timers.forceRekey(now())

	if p.device != nil {
		p.device.keyIDs.Delete(kp.localIndex)
		if endpoint.IsValid() {
			p.device.addrs.RemoveKeyPair(endpoint, kp)
		}
	}
}

// HasSession reports whether the peer currently has a usable keypair.
func (p *Peer) HasSession() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keypairCurrent != nil
}

// currentKeyPair returns the active keypair for sending, or nil.
func (p *Peer) currentKeyPair() *KeyPair {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keypairCurrent
}

// installKeyPair makes a freshly completed handshake's keypair current,
// retiring the previous "current" into "previous" and dropping whatever
// was in "previous" before that, and records the keypair's cipher suite.
// Key-id promotion is not done here: the caller must already have
// placed kp into the device's key-id table (keyIDTable.Promote) before
// calling this, since installKeyPair only manages the peer-local slots.
func (p *Peer) installKeyPair(kp *KeyPair) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keypairPrev = p.keypairCurrent
	p.keypairCurrent = kp
	p.activeSuite.Store(uint32(kp.suite))
}

// clearHandshake drops the peer's in-flight handshake pointer.
func (p *Peer) clearHandshake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handshake = nil
}

// expiredKeyPairs returns keypairs that have outlived RejectAfterTime
// and should be evicted from both the peer's slots and the device's
// key-id table.
func (p *Peer) expiredKeyPairs(n time.Time) []*KeyPair {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []*KeyPair
	if p.keypairPrev != nil && n.Sub(p.keypairPrev.created) > RejectAfterTime {
		expired = append(expired, p.keypairPrev)
		p.keypairPrev = nil
	}
	if p.keypairCurrent != nil && n.Sub(p.keypairCurrent.created) > RejectAfterTime {
		expired = append(expired, p.keypairCurrent)
		p.keypairCurrent = nil
	}
	return expired
}

// allKeyPairs returns every non-nil keypair currently held by the peer,
// used when tearing the peer down entirely.
func (p *Peer) allKeyPairs() []*KeyPair {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var all []*KeyPair
	if p.keypairCurrent != nil {
		all = append(all, p.keypairCurrent)
	}
	if p.keypairPrev != nil {
		all = append(all, p.keypairPrev)
	}
	if n := p.keypairNext.Load(); n != nil {
		all = append(all, n)
	}
	return all
}
