// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import "fmt"

// packetCompressionDescriptor mirrors the original WgPacketCompressionVer01
// layout: a fixed-size table the responder uses to tell the initiator
// which uncompressed header shapes it is willing to compress away on
// transport data. The compressor implementation itself is out of scope
// (SPEC_FULL.md §1); this module only carries the negotiated descriptor
// so a caller-supplied compressor has something to configure itself
// from.
type packetCompressionDescriptor struct {
	Version  uint8
	Reserved uint8
	IDs      [22]uint8 // up to 22 negotiated compression-table entries
}

func (d packetCompressionDescriptor) encode() []byte {
	buf := make([]byte, 24)
	buf[0] = d.Version
	buf[1] = d.Reserved
	copy(buf[2:], d.IDs[:])
	return buf
}

func decodePacketCompressionDescriptor(b []byte) (packetCompressionDescriptor, error) {
	var d packetCompressionDescriptor
	if len(b) != 24 {
		return d, fmt.Errorf("packet compression descriptor: bad length %d", len(b))
	}
	d.Version = b[0]
	d.Reserved = b[1]
	copy(d.IDs[:], b[2:])
	return d, nil
}

// extensionSet holds everything negotiable via the handshake's TLV
// extension payload: a 6-bit feature vector (original source
// WG_FEATURES_COUNT=6), an optional packet-compression descriptor, an
// ordered cipher-suite list, and the cipher-priority tie-break flag.
type extensionSet struct {
	features    uint8 // bitmask, bit i set iff Feature(i) is offered
	compression *packetCompressionDescriptor
	cipherSuites []CipherSuite
	cipherPriority bool
}

func (e *extensionSet) hasFeature(f Feature) bool {
	return e.features&(1<<uint(f)) != 0
}

func (e *extensionSet) setFeature(f Feature, on bool) {
	if on {
		e.features |= 1 << uint(f)
	} else {
		e.features &^= 1 << uint(f)
	}
}

// encode serializes the extension set as a sequence of TLV records:
// one byte tag, one byte length, then the payload. Unknown tags are
// never emitted by this module but are tolerated on decode so a future
// extension doesn't break interop with an older peer.
func (e *extensionSet) encode() []byte {
	var buf []byte

	buf = appendTLV(buf, extTagBooleanFeatures, []byte{e.features})

	if e.compression != nil {
		buf = appendTLV(buf, extTagPacketCompression, e.compression.encode())
	}

	if len(e.cipherSuites) > 0 {
		payload := make([]byte, len(e.cipherSuites))
		for i, s := range e.cipherSuites {
			payload[i] = uint8(s)
		}
		buf = appendTLV(buf, extTagCipherSuites, payload)
	}

	if e.cipherPriority {
		buf = appendTLV(buf, extTagCipherSuitesPriority, []byte{1})
	}

	return buf
}

func appendTLV(buf []byte, tag uint8, payload []byte) []byte {
	buf = append(buf, tag, uint8(len(payload)))
	return append(buf, payload...)
}

// decodeExtensionSet parses a TLV stream produced by encode. Malformed
// or truncated records abort decoding with an error; unrecognized tags
// are skipped using their declared length.
func decodeExtensionSet(buf []byte) (extensionSet, error) {
	var e extensionSet
	if len(buf) > extensionMaxSize {
		return e, errExtensionTooLarge
	}

	for len(buf) > 0 {
		if len(buf) < 2 {
			return e, fmt.Errorf("extension: truncated TLV header")
		}
		tag := buf[0]
		length := int(buf[1])
		buf = buf[2:]
		if length > len(buf) {
			return e, fmt.Errorf("extension: TLV payload overruns buffer")
		}
		payload := buf[:length]
		buf = buf[length:]

		switch tag {
		case extTagBooleanFeatures:
			if length >= 1 {
				e.features = payload[0]
			}
		case extTagPacketCompression:
			desc, err := decodePacketCompressionDescriptor(payload)
			if err != nil {
				return e, err
			}
			e.compression = &desc
		case extTagCipherSuites:
			suites := make([]CipherSuite, length)
			for i, b := range payload {
				suites[i] = CipherSuite(b)
			}
			e.cipherSuites = suites
		case extTagCipherSuitesPriority:
			e.cipherPriority = length >= 1 && payload[0] != 0
		default:
			// unknown tag: skip forward compatibly
		}
	}

	return e, nil
}
