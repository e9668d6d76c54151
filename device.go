// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// UnknownPeerFunc is called when a handshake arrives from an
// unauthorized peer. Returning true authorizes the peer (via AddPeer)
// and lets the handshake proceed; returning false drops it silently.
// This is the HandleUnknownPeerId delegate of the original design.
type UnknownPeerFunc func(publicKey NoisePublicKey, remoteAddr netip.AddrPort) bool

// DeviceConfig configures a Device.
type DeviceConfig struct {
	// PrivateKey is the local static private key. If zero, one is
	// generated.
	PrivateKey NoisePrivateKey

	// OnUnknownPeer is called when a handshake arrives from an
	// unauthorized peer. If nil, unknown peers are always rejected.
	OnUnknownPeer UnknownPeerFunc

	// HeaderObfuscationPassphrase, if set, enables SipHash-keyed header
	// obfuscation (SPEC_FULL.md §4.7) derived from this shared secret.
	HeaderObfuscationPassphrase string
}

// PeerConfig describes a peer being added to a Device.
type PeerConfig struct {
	PublicKey           NoisePublicKey
	PresharedKey        NoisePresharedKey
	HasPSK              bool
	AllowedIPs          []netip.Prefix
	Endpoint            netip.AddrPort
	PersistentKeepalive time.Duration
	CipherSuites        []CipherSuite
	CipherPriority      bool
	Features            []Feature
	AllowMulticast      bool
	AllowEndpointChange bool
}

// Device is the local WireGuard-compatible endpoint: exactly one static
// identity, and zero or more authorized Peers. It owns every table the
// concurrency model's locking discipline names: the peer-by-key map,
// the key-id lookup, and the address-entry reverse index.
type Device struct {
	privateKey NoisePrivateKey
	publicKey  NoisePublicKey

	cookieChecker CookieChecker
	rateLimiter   *RateLimiter
	obfuscator    *headerObfuscator

	onUnknownPeer UnknownPeerFunc

	peersMu sync.RWMutex
	peers   map[NoisePublicKey]*Peer

	ipToPeer *ipToPeerMap
	keyIDs   *keyIDTable
	addrs    *addrEntryTable

	loadMu           sync.RWMutex
	underLoad        bool
	activeHandshakes int

	packetPool sync.Pool

	closeOnce sync.Once
}

// NewDevice creates a Device from the given configuration.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	privKey := cfg.PrivateKey
	if privKey == (NoisePrivateKey{}) {
		var err error
		privKey, err = GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate private key: %w", err)
		}
	}
	pubKey := privKey.PublicKey()

	d := &Device{
		privateKey:    privKey,
		publicKey:     pubKey,
		onUnknownPeer: cfg.OnUnknownPeer,
		peers:         make(map[NoisePublicKey]*Peer),
		ipToPeer:      newIPToPeerMap(),
		keyIDs:        newKeyIDTable(),
		addrs:         newAddrEntryTable(),
		rateLimiter:   NewRateLimiter(),
		obfuscator:    newHeaderObfuscator(cfg.HeaderObfuscationPassphrase),
	}
	d.packetPool.New = func() any { return make([]byte, 2048) }

	d.cookieChecker.Init(pubKey)

	return d, nil
}

// PublicKey returns the device's static public key.
func (d *Device) PublicKey() NoisePublicKey { return d.publicKey }

// AddPeer authorizes a peer with the given configuration, replacing any
// existing peer with the same public key.
func (d *Device) AddPeer(cfg PeerConfig) *Peer {
	p := newPeer(d, cfg.PublicKey)
	if cfg.HasPSK {
		p.presharedKey = cfg.PresharedKey
		p.hasPSK = true
	}
	if len(cfg.CipherSuites) > 0 {
		p.cipherSuites = append([]CipherSuite(nil), cfg.CipherSuites...)
	}
	p.cipherPriority = cfg.CipherPriority
	p.allowMulticast = cfg.AllowMulticast
	p.allowEndpointChange = cfg.AllowEndpointChange
	for _, f := range cfg.Features {
		p.features.setFeature(f, true)
	}
	if cfg.Endpoint.IsValid() {
		p.endpoint = cfg.Endpoint
	}
	p.timers.setPersistentKeepalive(cfg.PersistentKeepalive)

	d.peersMu.Lock()
	d.peers[cfg.PublicKey] = p
	d.peersMu.Unlock()

	if len(cfg.AllowedIPs) > 0 {
		p.SetAllowedIPs(cfg.AllowedIPs)
	}

	return p
}

// RemovePeer de-authorizes a peer and tears down its session state.
func (d *Device) RemovePeer(peerKey NoisePublicKey) {
	d.peersMu.Lock()
	p, exists := d.peers[peerKey]
	delete(d.peers, peerKey)
	d.peersMu.Unlock()

	if !exists {
		return
	}

	d.ipToPeer.RemovePeer(p)
	for _, kp := range p.allKeyPairs() {
		d.keyIDs.Delete(kp.localIndex)
	}
	if addr := p.Endpoint(); addr.IsValid() {
		d.addrs.Delete(addr, p)
	}
}

// Peer returns the authorized peer for peerKey, or nil.
func (d *Device) Peer(peerKey NoisePublicKey) *Peer {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	return d.peers[peerKey]
}

// Peers returns every currently authorized peer.
func (d *Device) Peers() []*Peer {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	list := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		list = append(list, p)
	}
	return list
}

// IsAuthorizedPeer reports whether peerKey is a known, non-expired peer.
func (d *Device) IsAuthorizedPeer(peerKey NoisePublicKey) bool {
	p := d.Peer(peerKey)
	return p != nil && !p.IsExpired(now())
}

// GenerateCookieReply builds a type-3 cookie-reply datagram for the
// given source address, keyed to receiverIdx (copied from the
// triggering initiation's sender index) and bound to the initiation's
// MAC1 so only the same initiator can decrypt it.
func (d *Device) GenerateCookieReply(addr netip.Addr, receiverIdx uint32, initMAC1 []byte) ([]byte, error) {
	msg := make([]byte, MessageCookieReplySize)

	binary_le_put_uint32(msg[0:4], MessageCookieReplyType)
	binary_le_put_uint32(msg[4:8], receiverIdx)

	if _, err := rand.Read(msg[8:32]); err != nil {
		return nil, err
	}

	d.cookieChecker.RLock()
	mac, err := blake2s.New128(d.cookieChecker.mac2.secret[:])
	if err != nil {
		d.cookieChecker.RUnlock()
		return nil, err
	}
	mac.Write(addr.AsSlice())
	var cookie [blake2s.Size128]byte
	mac.Sum(cookie[:0])
	d.cookieChecker.RUnlock()

	cookieKey := blake2s.Sum256(append([]byte(wgLabelCookie), d.publicKey[:]...))
	xaead, err := chacha20poly1305.NewX(cookieKey[:])
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], msg[8:32])
	encryptedCookie := xaead.Seal(nil, nonce[:], cookie[:], initMAC1)
	copy(msg[32:], encryptedCookie)

	return msg, nil
}

// under load / rate limiting integration

func (d *Device) incrementActiveHandshakes() {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	d.activeHandshakes++
	if d.activeHandshakes > DefaultLoadThreshold || d.rateLimiter.IsUsed() {
		d.underLoad = true
	}
}

func (d *Device) decrementActiveHandshakes() {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if d.activeHandshakes > 0 {
		d.activeHandshakes--
	}
	if d.activeHandshakes < DefaultLoadThreshold/2 && !d.rateLimiter.IsUsed() {
		d.underLoad = false
	}
}

func (d *Device) isUnderLoad() bool {
	d.loadMu.RLock()
	defer d.loadMu.RUnlock()
	return d.underLoad
}

// MaintenanceAction is a datagram Maintenance produced on a peer's
// behalf that the caller (the transport, e.g. Server) must deliver to
// the peer's last known endpoint.
type MaintenanceAction struct {
	PeerKey NoisePublicKey
	Addr    netip.AddrPort
	Data    []byte
}

// Maintenance performs periodic housekeeping: cookie secret rotation,
// rate limiter bin decay, expired-keypair eviction, stale address-entry
// sweeping, and per-peer timer evaluation. Call this roughly once per
// second. The returned actions are handshake retries, rekeys, and
// keepalives CheckTimeouts decided this tick; Maintenance itself never
// touches the network.
func (d *Device) Maintenance() []MaintenanceAction {
	d.cookieChecker.Lock()
	if time.Since(d.cookieChecker.mac2.secretSet) > CookieRefreshTime {
		if _, err := rand.Read(d.cookieChecker.mac2.secret[:]); err != nil {
			slog.Error("wgcore: failed to rotate cookie secret", "error", err)
		} else {
			d.cookieChecker.mac2.secretSet = now()
		}
	}
	d.cookieChecker.Unlock()

	d.rateLimiter.Periodic()
	d.addrs.sweepOlderThan(2 * addrInsertThrottle)

	n := now()
	var actions []MaintenanceAction
	for _, p := range d.Peers() {
		addr := p.Endpoint()
		for _, kp := range p.expiredKeyPairs(n) {
			d.keyIDs.Delete(kp.localIndex)
			if addr.IsValid() {
				d.addrs.RemoveKeyPair(addr, kp)
			}
		}

		if !addr.IsValid() {
			continue
		}

		ev := p.timers.CheckTimeouts(n)
		if ev&TimerSendHandshake != 0 && !p.timers.isDormant() {
			if pkt, err := d.InitiateHandshake(p); err != nil {
				slog.Debug("wgcore: maintenance handshake failed", "peer", p.publicKey, "error", err)
			} else {
				actions = append(actions, MaintenanceAction{PeerKey: p.publicKey, Addr: addr, Data: pkt})
			}
		}
		if ev&TimerSendKeepalive != 0 && p.HasSession() {
			if pkt, err := d.encryptDataPacket(nil, p); err != nil {
				slog.Debug("wgcore: maintenance keepalive failed", "peer", p.publicKey, "error", err)
			} else {
				actions = append(actions, MaintenanceAction{PeerKey: p.publicKey, Addr: addr, Data: pkt})
			}
		}
	}
	return actions
}

// Close tears down every peer's session state.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		for _, p := range d.Peers() {
			d.RemovePeer(p.publicKey)
		}
	})
	return nil
}
