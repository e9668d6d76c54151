// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/poly1305"
)

// poly1305Auth implements the aead interface for cipher suite 3:
// authenticate transport data without encrypting it. This trades
// confidentiality for speed on links that are already otherwise
// protected (e.g. carried inside another encrypted tunnel) but still
// want WireGuard's replay and integrity guarantees.
//
// Poly1305 demands a fresh, never-reused 32-byte key per message; since
// the AEAD interface only gives us a base key plus a nonce, each call
// derives a one-time key via BLAKE2s keyed with the base key over the
// nonce before handing it to poly1305.Sum/Verify.
type poly1305Auth struct {
	baseKey [32]byte
}

func newPoly1305Auth(key [32]byte) *poly1305Auth {
	return &poly1305Auth{baseKey: key}
}

func (p *poly1305Auth) oneTimeKey(nonce []byte) [32]byte {
	var key [32]byte
	h, _ := blake2s.New256(p.baseKey[:])
	h.Write(nonce)
	h.Sum(key[:0])
	return key
}

// Seal appends a 16-byte Poly1305 tag over additionalData||plaintext to
// dst; the plaintext itself is copied through unencrypted.
func (p *poly1305Auth) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	key := p.oneTimeKey(nonce)

	ret, out := sliceForAppend(dst, len(plaintext)+poly1305.TagSize)
	copy(out, plaintext)

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, authInput(additionalData, plaintext), &key)
	copy(out[len(plaintext):], tag[:])

	return ret
}

// Open verifies the trailing 16-byte Poly1305 tag and returns the
// plaintext (which was never encrypted) unchanged.
func (p *poly1305Auth) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < poly1305.TagSize {
		return nil, errShortCiphertext
	}

	plaintext := ciphertext[:len(ciphertext)-poly1305.TagSize]
	tag := ciphertext[len(ciphertext)-poly1305.TagSize:]

	key := p.oneTimeKey(nonce)
	var want [poly1305.TagSize]byte
	copy(want[:], tag)

	if !poly1305.Verify(&want, authInput(additionalData, plaintext), &key) {
		return nil, errAuthenticationFailed
	}

	ret, out := sliceForAppend(dst, len(plaintext))
	copy(out, plaintext)
	return ret, nil
}

// authInput concatenates additionalData and plaintext into one buffer
// suitable for poly1305.Sum/Verify, which take a single message.
func authInput(additionalData, plaintext []byte) []byte {
	buf := make([]byte, 0, len(additionalData)+len(plaintext))
	buf = append(buf, additionalData...)
	buf = append(buf, plaintext...)
	return buf
}

func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
