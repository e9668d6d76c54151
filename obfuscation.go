// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2s"
)

// obfuscationKeyCount mirrors ScramblerSiphashKeys: distinct keys so that
// the obfuscation keystream doesn't reuse the same SipHash key across
// message types, which would leak a distinguisher between them.
const obfuscationKeyCount = 4

// headerObfuscator XORs the first 16 bytes of every outgoing datagram
// with a SipHash-keyed keystream, and reverses the transform on receipt,
// so that a passive observer cannot fingerprint WireGuard's fixed
// message-type/length prefix. It never participates in the handshake's
// own authentication; obfuscation failure just means the datagram is
// handled as a different message type or fails to decode, the same as
// random noise would.
type headerObfuscator struct {
	keys [obfuscationKeyCount][2]uint64
}

// newHeaderObfuscator derives four SipHash keys from an operator
// passphrase via BLAKE2s, following ScramblerSiphashKeys's approach of
// keying the scrambler from a shared secret instead of a random value,
// since both ends must derive the same keys independently.
func newHeaderObfuscator(passphrase string) *headerObfuscator {
	o := &headerObfuscator{}
	if passphrase == "" {
		return o
	}

	seed := blake2s.Sum256([]byte("wgcore-header-obfuscation-v1:" + passphrase))
	for i := 0; i < obfuscationKeyCount; i++ {
		h, _ := blake2s.New256(seed[:])
		h.Write([]byte{byte(i)})
		var out [blake2s.Size]byte
		h.Sum(out[:0])
		o.keys[i][0] = leUint64(out[0:8])
		o.keys[i][1] = leUint64(out[8:16])
	}
	return o
}

// enabled reports whether obfuscation should be applied; a zero-value
// obfuscator (no passphrase configured) is a no-op so existing
// deployments without obfuscation keep working unchanged.
func (o *headerObfuscator) enabled() bool {
	return o.keys[0][0] != 0 || o.keys[0][1] != 0
}

// keystream produces 16 bytes by hashing (length, counter) under the
// key selected for the datagram's apparent message slot, following the
// original design where the scrambler key depends on what's being hidden.
func (o *headerObfuscator) keystream(slot int, length int, counter uint64) [16]byte {
	k := o.keys[slot%obfuscationKeyCount]
	var msg [16]byte
	binary_le_put_uint64(msg[0:8], uint64(length))
	binary_le_put_uint64(msg[8:16], counter)

	var out [16]byte
	v := siphash.Hash(k[0], k[1], msg[:])
	binary_le_put_uint64(out[0:8], v)
	v2 := siphash.Hash(k[1], k[0], msg[:])
	binary_le_put_uint64(out[8:16], v2)
	return out
}

// Obfuscate XORs the first 16 bytes of datagram in place. slot and
// counter select the keystream together with the datagram length, and
// must equal the values the receiver passes to Deobfuscate. Server
// passes 0 for both, so its keystream varies only with the length.
func (o *headerObfuscator) Obfuscate(datagram []byte, slot int, counter uint64) {
	if !o.enabled() || len(datagram) < 16 {
		return
	}
	ks := o.keystream(slot, len(datagram), counter)
	for i := 0; i < 16; i++ {
		datagram[i] ^= ks[i]
	}
}

// Deobfuscate reverses Obfuscate; XOR is its own inverse given the same
// keystream.
func (o *headerObfuscator) Deobfuscate(datagram []byte, slot int, counter uint64) {
	o.Obfuscate(datagram, slot, counter)
}
