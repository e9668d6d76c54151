// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
)

// Rate limiter tuning constants, ported from the original WgRateLimit.
const (
	rateLimitBinSize       = 4096
	rateLimitPacketAccum   = 100
	rateLimitInitialPerSec = 25
	rateLimitFloorPerSec   = 1
	rateLimitOverload      = 25000
	rateLimitPeriod        = time.Second
)

// RateLimiter implements the handshake-flood mitigation described in the
// original WgRateLimit: two independent SipHash-keyed byte bins record
// how many handshake-initiation attempts each source IP has spent this
// period, and a global token bucket caps the aggregate acceptance rate
// once the device is under sustained load.
//
// The two-bin design lets Periodic swap the "current" and "previous"
// bins without losing recently-seen addresses: a key-rotated bin starts
// empty, so an attacker that floods right after rotation would get a
// free pass if there were only one bin. is_first_ip reports whether an
// address has never been seen in either bin, since a never-seen address
// gets more lenient treatment than a loud, already-throttled one.
type RateLimiter struct {
	mu       sync.Mutex
	keys     [2][2]uint64 // two SipHash keys (k0,k1) per bin
	bins     [2][rateLimitBinSize]uint8
	curBin   int
	lastSpin time.Time

	tokens      atomic.Int64 // available handshake tokens, scaled by rateLimitPacketAccum
	perSec      atomic.Int64 // current allowance, halves under sustained overload
	lastRefill  atomic.Int64 // unix nanos of the last refill
	recentCount atomic.Uint64
}

// NewRateLimiter constructs a RateLimiter with freshly randomized SipHash
// keys and a full token bucket.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{curBin: 0, lastSpin: now()}
	for bin := range rl.keys {
		rl.rekey(bin)
	}
	rl.perSec.Store(rateLimitInitialPerSec)
	rl.tokens.Store(rateLimitInitialPerSec * rateLimitPacketAccum)
	rl.lastRefill.Store(now().UnixNano())
	return rl
}

func (rl *RateLimiter) rekey(bin int) {
	var buf [16]byte
	rand.Read(buf[:])
	rl.keys[bin][0] = binary.LittleEndian.Uint64(buf[0:8])
	rl.keys[bin][1] = binary.LittleEndian.Uint64(buf[8:16])
	for i := range rl.bins[bin] {
		rl.bins[bin][i] = 0
	}
}

func addrHash(key [2]uint64, addr netip.Addr) uint32 {
	b := addr.AsSlice()
	return uint32(siphash.Hash(key[0], key[1], b) % rateLimitBinSize)
}

// IsFirstIP reports whether addr has not been recorded in either bin yet.
func (rl *RateLimiter) IsFirstIP(addr netip.Addr) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for bin := range rl.bins {
		if rl.bins[bin][addrHash(rl.keys[bin], addr)] != 0 {
			return false
		}
	}
	return true
}

// CheckRateLimit reports whether a handshake-initiation attempt from addr
// should be allowed. It consults the per-IP bins (capped at 255 hits per
// rotation) and the global token bucket. Call CommitResult only after the
// packet has otherwise validated, so a malformed packet never consumes a
// token on behalf of an attacker probing the format.
func (rl *RateLimiter) CheckRateLimit(addr netip.Addr) bool {
	rl.refillTokens()

	firstSeen := rl.IsFirstIP(addr)

	rl.mu.Lock()
	count := rl.bins[rl.curBin][addrHash(rl.keys[rl.curBin], addr)]
	prev := 1 - rl.curBin
	if c := rl.bins[prev][addrHash(rl.keys[prev], addr)]; c > count {
		count = c
	}
	rl.mu.Unlock()

	// A source whose recorded count (the larger of its two bins) is a
	// nonzero multiple of 8 is rejected outright, independent of the
	// global bucket. Rejected attempts are not committed, so a source
	// that reaches 8 recorded attempts stays refused until Periodic has
	// rotated both bins past them.
	if count > 4 && count%8 == 0 {
		return false
	}

	if rl.tokens.Load() > 0 {
		return true
	}

	// The global bucket is dry, but an address never seen this period
	// still gets its one attempt: it cannot be the source flooding the
	// bucket empty, so it shouldn't be punished for others' traffic.
	return firstSeen
}

// CommitResult records that a handshake-initiation attempt from addr
// consumed one rate-limit token and counts against its per-IP bin.
func (rl *RateLimiter) CommitResult(addr netip.Addr) {
	rl.mu.Lock()
	idx := addrHash(rl.keys[rl.curBin], addr)
	if rl.bins[rl.curBin][idx] < 0xff {
		rl.bins[rl.curBin][idx]++
	}
	rl.mu.Unlock()

	rl.tokens.Add(-rateLimitPacketAccum)
	rl.recentCount.Add(1)
}

func (rl *RateLimiter) refillTokens() {
	nowNanos := now().UnixNano()
	last := rl.lastRefill.Load()
	elapsed := time.Duration(nowNanos - last)
	if elapsed < 10*time.Millisecond {
		return
	}
	if !rl.lastRefill.CompareAndSwap(last, nowNanos) {
		return
	}

	perSec := rl.perSec.Load()
	add := int64(float64(perSec*rateLimitPacketAccum) * elapsed.Seconds())
	if add <= 0 {
		return
	}

	max := perSec * rateLimitPacketAccum
	for {
		cur := rl.tokens.Load()
		next := cur + add
		if next > max {
			next = max
		}
		if rl.tokens.CompareAndSwap(cur, next) {
			break
		}
	}
}

// Periodic should be called roughly once per second. It rotates the bin
// keys (discarding the older bin) and halves the acceptance rate while
// the device remains overloaded, recovering by doubling it (up to the
// initial rate) once load subsides.
func (rl *RateLimiter) Periodic() {
	n := now()
	if n.Sub(rl.lastSpin) < rateLimitPeriod {
		return
	}
	rl.lastSpin = n

	rl.mu.Lock()
	rl.curBin = (rl.curBin + 1) % 2
	rl.rekey(rl.curBin)
	rl.mu.Unlock()

	recent := rl.recentCount.Swap(0)

	perSec := rl.perSec.Load()
	switch {
	case recent > rateLimitOverload && perSec > rateLimitFloorPerSec:
		rl.perSec.Store(perSec / 2)
	case recent <= rateLimitOverload/2 && perSec < rateLimitInitialPerSec:
		next := perSec * 2
		if next > rateLimitInitialPerSec {
			next = rateLimitInitialPerSec
		}
		rl.perSec.Store(next)
	}
}

// IsUsed reports whether the global token bucket is empty, used as one
// input (alongside the device's active-handshake count) to the
// under-load decision.
func (rl *RateLimiter) IsUsed() bool {
	return rl.tokens.Load() <= 0
}
