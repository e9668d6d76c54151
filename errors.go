// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import "errors"

// Sentinel errors for conditions callers may want to match on directly.
var (
	errShortCiphertext      = errors.New("wgcore: ciphertext shorter than authentication tag")
	errAuthenticationFailed = errors.New("wgcore: authentication failed")
	errUnknownKeyID         = errors.New("wgcore: no keypair for receiver index")
	errReplay               = errors.New("wgcore: replay detected")
	errUnauthorizedPeer     = errors.New("wgcore: unauthorized peer")
	errNoSession            = errors.New("wgcore: no session for peer")
	errExtensionTooLarge    = errors.New("wgcore: extension payload too large")
	errKeyExhausted         = errors.New("wgcore: keypair reached REJECT_AFTER_MESSAGES, rekey required")
)

// PacketOutcome classifies how a packet was handled, mirroring the
// outcome vocabulary a device-level caller needs: whether to stay
// silent, reply with a cookie, recover locally, or tear the session
// down. Distinct from error: an outcome can be completely expected
// behavior (e.g. a cookie reply under load) and is returned as data
// rather than as a failure.
type PacketOutcome int

const (
	// OutcomeDropSilently means no response should be sent and nothing
	// should be logged above debug level (e.g. a replayed packet).
	OutcomeDropSilently PacketOutcome = iota
	// OutcomeReplyCookie means the caller should send back the Response
	// bytes (a cookie reply) and take no other action.
	OutcomeReplyCookie
	// OutcomeReplyHandshake means the caller should send back the
	// Response bytes (a handshake response or post-response keepalive).
	OutcomeReplyHandshake
	// OutcomeDeliverData means Data holds decrypted application payload
	// ready for the caller.
	OutcomeDeliverData
	// OutcomeKeepalive means a zero-length transport message arrived;
	// the peer's liveness state should be refreshed but there is no
	// payload to deliver.
	OutcomeKeepalive
	// OutcomePeerExhausted means the peer has exceeded its handshake
	// attempt budget and has gone dormant; the caller may want to surface
	// this to an operator.
	OutcomePeerExhausted
	// OutcomeFatal means the session is no longer usable and must be
	// torn down (e.g. REJECT_AFTER_TIME / REJECT_AFTER_MESSAGES exceeded).
	OutcomeFatal
)

func (o PacketOutcome) String() string {
	switch o {
	case OutcomeDropSilently:
		return "drop-silently"
	case OutcomeReplyCookie:
		return "reply-with-cookie"
	case OutcomeReplyHandshake:
		return "reply-handshake"
	case OutcomeDeliverData:
		return "deliver-data"
	case OutcomeKeepalive:
		return "keepalive"
	case OutcomePeerExhausted:
		return "peer-exhausted"
	case OutcomeFatal:
		return "fatal-to-session"
	default:
		return "unknown"
	}
}

// PacketResult is the result of processing one incoming packet.
type PacketResult struct {
	Outcome  PacketOutcome
	Response []byte // bytes to send back to the remote address, if any
	Data     []byte // decrypted application payload, if any
	PeerKey  NoisePublicKey
}
