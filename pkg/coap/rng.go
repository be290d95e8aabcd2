package coap

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// RNG is the randomness capability used for Message-ID seeding and Token
// generation (spec.md §9: "inject a PRNG capability for determinism under
// test"), following the crypto/rand-based token generation shown in
// backkem-matter's exchange manager (see DESIGN.md).
type RNG interface {
	// TokenBytes returns n (4..8) cryptographically-irrelevant random
	// bytes for use as a CoAP Token.
	TokenBytes(n int) []byte
	// SeedMID returns a random starting value for a per-Endpoint
	// Message-ID counter (spec.md §4.B: "monotonically increasing 16-bit
	// counter per Endpoint with a random start").
	SeedMID() uint16
	// Float64 returns a uniform value in [0,1), used to jitter a
	// Transaction's initial retransmit timeout within
	// [ackTimeout, ackTimeout*ackRandomFactor] (spec.md §4.C). Tests that
	// need the exact fixed schedule {2000,4000,8000,16000,32000}ms from
	// spec.md §4.C supply an RNG whose Float64 always returns 0.
	Float64() float64
}

// cryptoRNG is the default RNG, backed by crypto/rand.
type cryptoRNG struct{}

// DefaultRNG returns the default crypto/rand-backed RNG.
func DefaultRNG() RNG { return cryptoRNG{} }

func (cryptoRNG) TokenBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on the standard Reader does not fail in
		// practice; fall back to a fixed pattern rather than panicking.
		for i := range b {
			b[i] = byte(i)
		}
	}
	return b
}

func (cryptoRNG) SeedMID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func (cryptoRNG) Float64() float64 { return mrand.Float64() }

// SequenceRNG is a deterministic RNG for tests: it returns tokens and MIDs
// from fixed, caller-supplied sequences instead of real randomness.
type SequenceRNG struct {
	Tokens  [][]byte
	MIDs    []uint16
	Floats  []float64 // defaults to 0 once exhausted, giving the fixed backoff schedule

	tokenIdx int
	midIdx   int
	floatIdx int
}

func (s *SequenceRNG) TokenBytes(n int) []byte {
	if s.tokenIdx < len(s.Tokens) {
		t := s.Tokens[s.tokenIdx]
		s.tokenIdx++
		return t
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(s.tokenIdx + i)
	}
	s.tokenIdx++
	return b
}

func (s *SequenceRNG) SeedMID() uint16 {
	if s.midIdx < len(s.MIDs) {
		m := s.MIDs[s.midIdx]
		s.midIdx++
		return m
	}
	return 0
}

// Float64 returns 0 once Floats is exhausted (or was never set), which
// pins a Transaction's initial timeout to exactly ackTimeout and thus
// reproduces the fixed {2000,4000,8000,16000,32000}ms schedule required by
// spec.md §4.C's conformance test.
func (s *SequenceRNG) Float64() float64 {
	if s.floatIdx < len(s.Floats) {
		f := s.Floats[s.floatIdx]
		s.floatIdx++
		return f
	}
	return 0
}
