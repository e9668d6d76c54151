// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package wgcore implements the core of a WireGuard-compatible endpoint:
// the Noise_IKpsk2 handshake, keypair lifecycle and replay protection,
// key-id/address demultiplexing, MAC1/MAC2 DoS mitigation with rate
// limiting, and an extended negotiation layer (alternate AEAD ciphers,
// compressed headers, payload compression) layered on stock WireGuard
// framing.
//
// Unlike the standard WireGuard implementation, which is designed for
// multipoint mesh networks, wgcore focuses on a single local Device with
// many remote Peers, matching the way TunSafe-derived clients are
// actually deployed.
package wgcore

import (
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// WireGuard protocol constants
const (
	// Protocol labels
	wgLabelMAC1   = "mac1----"
	wgLabelCookie = "cookie--"

	// Noise parameters
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"

	// TAI64N timestamp size (8 bytes seconds + 4 bytes nanoseconds)
	tai64nTimestampSize = 12

	// Message types
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4

	// Message sizes
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + chacha20poly1305.Overhead
	MessageKeepaliveSize       = MessageTransportSize

	// Transport message offsets (standard, full header)
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16

	// Handshake timing
	HandshakeInitiationRate = 20 * time.Millisecond // MIN_HANDSHAKE_INTERVAL
	RekeyAttemptTime        = 90 * time.Second
	RekeyTimeout            = 5 * time.Second // REKEY_TIMEOUT
	RekeyAttempts           = 20               // attempts before a peer goes dormant
	KeepaliveTimeout        = 10 * time.Second
	CookieRefreshTime       = 120 * time.Second
	RekeyAfterTime          = 120 * time.Second // REKEY_AFTER_TIME
	RejectAfterTime         = 180 * time.Second // REJECT_AFTER_TIME

	// DoS mitigation
	DefaultLoadThreshold = 100

	// RejectAfterMessages is the send/receive counter ceiling: a keypair
	// that reaches it is exhausted and must be rekeyed rather than reused.
	RejectAfterMessages = ^uint64(0) - 2047 // REJECT_AFTER_MESSAGES = 2^64-2048

	// Key sizes
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32

	// Replay protection window, per the original ReplayDetector: 2048 bits
	// laid out as 64 32-bit words, of which (2048-32)/32 = 63 are usable
	// (one word of headroom is kept clear during rotation).
	ReplayBitsPerEntry = 32
	ReplayWindowSize   = 2048
	replayWordCount    = ReplayWindowSize / ReplayBitsPerEntry // 64
	replayUsableWords  = replayWordCount - 1                   // 63

	// WindowSize is an exported alias of ReplayWindowSize.
	WindowSize = ReplayWindowSize
)

// NoisePublicKey is a Curve25519 public key.
type NoisePublicKey [32]byte

// NoisePrivateKey is a Curve25519 private key.
type NoisePrivateKey [32]byte

// NoisePresharedKey is a WireGuard preshared key.
type NoisePresharedKey [32]byte

// Message structs for WireGuard protocol

// MessageInitiation represents a handshake initiation message.
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral [NoisePublicKeySize]byte
	Static    [NoisePublicKeySize + chacha20poly1305.Overhead]byte
	Timestamp [tai64nTimestampSize + chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageResponse represents a handshake response message.
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral [NoisePublicKeySize]byte
	Empty     [chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageTransport represents a full-header data transport message.
type MessageTransport struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
	Content  []byte
}

// MessageCookieReply represents a cookie reply message.
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + chacha20poly1305.Overhead]byte
}

// Handshake state enumeration
type handshakeState int

const (
	handshakeZeroed = handshakeState(iota)
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

// CipherSuite identifies the AEAD construction a keypair uses for
// transport data, negotiated via the handshake extension payload.
// Suite 0 (ChaCha20-Poly1305) is mandatory and is always what the
// handshake itself uses; suites 1-3 only apply to transport data once
// negotiated.
type CipherSuite uint8

const (
	// CipherChaCha20Poly1305 is the mandatory WireGuard transport cipher.
	CipherChaCha20Poly1305 CipherSuite = 0
	// CipherAES128GCM is an optional alternate transport cipher.
	CipherAES128GCM CipherSuite = 1
	// CipherAES256GCM is an optional alternate transport cipher.
	CipherAES256GCM CipherSuite = 2
	// CipherPoly1305Auth authenticates transport data without encrypting it.
	CipherPoly1305Auth CipherSuite = 3
)

func (c CipherSuite) String() string {
	switch c {
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	case CipherAES128GCM:
		return "aes-128-gcm"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherPoly1305Auth:
		return "poly1305-auth"
	default:
		return "unknown"
	}
}

// Feature identifies an optional protocol extension negotiated in the
// handshake's 6-bit feature vector (original source WG_FEATURES_COUNT=6).
type Feature uint8

const (
	FeaturePacketCompression Feature = iota
	FeatureShortHeader
	FeatureCompressedMAC
	FeatureCipherSuites
	FeatureCipherPriority
	FeatureHeaderObfuscation

	FeatureCount = 6
)

// Extension tags for the TLV payload carried inside the AEAD-protected
// region of the handshake initiation/response, following the EXT_* enum
// of the protocol this module is grounded on.
const (
	extTagPacketCompression uint8 = iota + 1
	extTagBooleanFeatures
	extTagCipherSuites
	extTagCipherSuitesPriority
)

// extensionMaxSize bounds the TLV payload so that a corrupt or hostile
// length field can never make the AEAD plaintext buffer unbounded.
const extensionMaxSize = 1024
