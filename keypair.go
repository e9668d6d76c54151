// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyPair is one negotiated pair of transport keys, valid until the
// peer rekeys or the session is torn down. A Peer keeps up to two
// KeyPairs alive at once (current and previous) so that in-flight
// traffic encrypted under an about-to-be-retired key is still
// decryptable for a grace period after a rekey completes.
type KeyPair struct {
	send    aead
	receive aead

	isInitiator bool
	created     time.Time
	localIndex  uint32
	remoteIndex uint32

	suite        CipherSuite
	replayFilter SlidingWindow
	sendCounter  atomic.Uint64

	// compressMAC holds a SipHash key (two 64-bit halves) per direction,
	// derived from the session's send/receive keys by newKeyPair for
	// every keypair. No framing path uses it: transport frames, short
	// header or not, carry the cipher suite's full 16-byte tag.
	compressMAC [2][2]uint64
}

// newKeyPair builds a KeyPair from freshly-derived Noise transport keys.
// sendKey/recvKey are zeroed by the caller's responsibility once no
// longer needed; newKeyPair only reads them.
func newKeyPair(sendKey, recvKey [chacha20poly1305.KeySize]byte, localIndex, remoteIndex uint32, isInitiator bool, suite CipherSuite) (*KeyPair, error) {
	sendAEAD, err := newCipherSuite(suite, sendKey)
	if err != nil {
		return nil, fmt.Errorf("build send cipher: %w", err)
	}
	recvAEAD, err := newCipherSuite(suite, recvKey)
	if err != nil {
		return nil, fmt.Errorf("build receive cipher: %w", err)
	}

	kp := &KeyPair{
		send:        sendAEAD,
		receive:     recvAEAD,
		isInitiator: isInitiator,
		created:     now(),
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
		suite:       suite,
	}
	kp.compressMAC[0] = deriveCompressMACKeys(sendKey)
	kp.compressMAC[1] = deriveCompressMACKeys(recvKey)
	return kp, nil
}

// deriveCompressMACKeys derives the two SipHash keys used for an 8-byte
// compressed MAC from a 32-byte transport key. There is no running
// reference peer to pin this derivation against (see DESIGN.md's Open
// Question notes); it is defined as SipHash-2-4 keyed with the transport
// key's own first 16 bytes over two fixed domain-separation strings,
// which yield the key's two 64-bit halves. Each direction is derived
// from its own transport key, so the two directions of one keypair
// never reuse a key.
func deriveCompressMACKeys(transportKey [chacha20poly1305.KeySize]byte) [2]uint64 {
	k0 := leUint64(transportKey[0:8])
	k1 := leUint64(transportKey[8:16])
	return [2]uint64{
		siphash.Hash(k0, k1, []byte("wgcore-mac-a")),
		siphash.Hash(k0, k1, []byte("wgcore-mac-b")),
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// newCipherSuite builds the AEAD (or auth-only) construction for suite
// from a 32-byte key. Suite 0 is the mandatory WireGuard transport
// cipher; suites 1-3 only ever apply to transport data, never to the
// handshake itself.
func newCipherSuite(suite CipherSuite, key [chacha20poly1305.KeySize]byte) (aead, error) {
	switch suite {
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key[:])
	case CipherAES128GCM:
		block, err := aes.NewCipher(key[:16])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherAES256GCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherPoly1305Auth:
		return newPoly1305Auth(key), nil
	default:
		return nil, fmt.Errorf("unsupported cipher suite: %d", suite)
	}
}

// negotiatedCipherSuite applies the tie-break rule when both
// peers request a cipher-priority flag: the lexicographically lower
// static public key's preferred suite wins; otherwise the first suite
// both sides listed in common is used, falling back to the mandatory
// ChaCha20-Poly1305 if they share none.
func negotiatedCipherSuite(localKey, remoteKey NoisePublicKey, localSuites, remoteSuites []CipherSuite, localPrio, remotePrio bool) CipherSuite {
	common := make(map[CipherSuite]bool, len(localSuites))
	for _, s := range localSuites {
		common[s] = true
	}

	var shared []CipherSuite
	for _, s := range remoteSuites {
		if common[s] {
			shared = append(shared, s)
		}
	}
	if len(shared) == 0 {
		return CipherChaCha20Poly1305
	}

	if localPrio && remotePrio {
		lowerIsLocal := bytesLess(localKey[:], remoteKey[:])
		preferred := localSuites
		if !lowerIsLocal {
			preferred = remoteSuites
		}
		for _, s := range preferred {
			if common[s] && containsSuite(shared, s) {
				return s
			}
		}
	}

	return shared[0]
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func containsSuite(list []CipherSuite, s CipherSuite) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
