// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package codec decodes and encodes the GeRM event bitfield and
// reconstructs a monotonic 64-bit time axis from the wrapping 31-bit
// coarse timestamp. Every function here is pure: no sockets, no
// files, no allocation beyond the output it returns.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Bit widths from the GeRM event wire format (word A: tag/chip/chan/td/pd,
// word B: tag/ts).
const (
	chipBits = 4
	chanBits = 5
	tdBits   = 10
	pdBits   = 12
	tsBits   = 31

	chipMask = uint32(1)<<chipBits - 1
	chanMask = uint32(1)<<chanBits - 1
	tdMask   = uint32(1)<<tdBits - 1
	pdMask   = uint32(1)<<pdBits - 1
	tsMask   = uint32(1)<<tsBits - 1
)

var (
	// ErrOddWordCount is returned by Decode when the input does not
	// contain a whole number of 2-word events.
	ErrOddWordCount = errors.New("codec: odd word count")
	// ErrBadTag is returned when a word's top bit does not follow the
	// required 0 (word A) / 1 (word B) alternation.
	ErrBadTag = errors.New("codec: word tag out of alternation")
	// ErrUnsupportedLayout marks an on-wire layout other than the
	// canonical one (u32 pairs, 31-bit ts, 1024-word UDP packets).
	// Decode never silently parses one of these; see spec.md §9.
	ErrUnsupportedLayout = errors.New("codec: unsupported event layout")
	// ErrDoubleWrap is returned by ReconstructTime when a chunk's
	// coarse timestamp appears to have wrapped more than once; the
	// caller violated the chunk-duration bound documented on
	// MaxChunkDuration.
	ErrDoubleWrap = errors.New("codec: timestamp wrapped more than once in one chunk")
)

// Columns is the decoded, column-oriented form of a run of events:
// Chip[i], Chan[i], Td[i], Pd[i], Ts[i] together describe event i.
// All slices have equal length.
type Columns struct {
	Chip []uint8
	Chan []uint8
	Td   []uint16
	Pd   []uint16
	Ts   []uint32
}

// Len returns the number of events held by c.
func (c Columns) Len() int {
	return len(c.Chip)
}

// Layout selects which on-wire event encoding Decode/Encode accept.
// Canonical is the only one spec.md defines; the others are named so
// that an attempt to use them fails loudly instead of silently
// misparsing (spec.md §9, "Multiple near-duplicate source variants").
type Layout int

const (
	// Canonical is the u32-pair, 31-bit-ts, "1" tag layout (spec.md §3).
	Canonical Layout = iota
	// LegacyU64Packed is the single merged 64-bit word layout seen in
	// some simulator variants in original_source/. Rejected.
	LegacyU64Packed
	// LegacyTag1000 is the "1000" 28-bit-ts tag layout seen in
	// original_source/pygerm/client/__init__.py. Rejected.
	LegacyTag1000
)

// Decode splits a stream of 32-bit words into event columns. words
// must hold a whole number of 2-word events; word 2n+0 (word A) must
// have its top bit clear and word 2n+1 (word B) must have its top bit
// set, or decoding fails with ErrBadTag.
func Decode(words []uint32) (Columns, error) {
	return DecodeLayout(words, Canonical)
}

// DecodeLayout is Decode parameterized by on-wire layout. Only
// Canonical is implemented; the legacy layouts exist purely so callers
// that request them get ErrUnsupportedLayout instead of wrong data.
func DecodeLayout(words []uint32, layout Layout) (Columns, error) {
	if layout != Canonical {
		return Columns{}, fmt.Errorf("%w: %v", ErrUnsupportedLayout, layout)
	}
	if len(words)%2 != 0 {
		return Columns{}, ErrOddWordCount
	}

	n := len(words) / 2
	c := Columns{
		Chip: make([]uint8, n),
		Chan: make([]uint8, n),
		Td:   make([]uint16, n),
		Pd:   make([]uint16, n),
		Ts:   make([]uint32, n),
	}

	for i := 0; i < n; i++ {
		a := words[2*i]
		b := words[2*i+1]

		if a&0x8000_0000 != 0 {
			return Columns{}, fmt.Errorf("%w: word A of event %d has tag bit set", ErrBadTag, i)
		}
		if b&0x8000_0000 == 0 {
			return Columns{}, fmt.Errorf("%w: word B of event %d has tag bit clear", ErrBadTag, i)
		}

		c.Chip[i] = uint8((a >> 27) & chipMask)
		c.Chan[i] = uint8((a >> 22) & chanMask)
		c.Td[i] = uint16((a >> 12) & tdMask)
		c.Pd[i] = uint16(a & pdMask)
		c.Ts[i] = b & tsMask
	}

	return c, nil
}

// Encode is the inverse of Decode: Decode(Encode(c)) == c for any c
// whose fields are within the bounds of spec.md §3's invariants.
func Encode(c Columns) []uint32 {
	words := make([]uint32, 2*c.Len())
	for i := 0; i < c.Len(); i++ {
		a := (uint32(c.Chip[i])&chipMask)<<27 |
			(uint32(c.Chan[i])&chanMask)<<22 |
			(uint32(c.Td[i])&tdMask)<<12 |
			(uint32(c.Pd[i]) & pdMask)
		b := uint32(0x8000_0000) | (c.Ts[i] & tsMask)
		words[2*i] = a
		words[2*i+1] = b
	}
	return words
}

// WordsFromBytes turns a raw byte buffer into 32-bit words using the
// given byte order. The UDP path (spec.md §4.4) uses big-endian; the
// ZMQ path uses the host's native order, since the detector's sender
// already publishes platform-width words (spec.md §4.1).
func WordsFromBytes(b []byte, order binary.ByteOrder) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("codec: byte buffer length %d not a multiple of 4", len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = order.Uint32(b[4*i:])
	}
	return words, nil
}

// BytesFromWords is the inverse of WordsFromBytes.
func BytesFromWords(words []uint32, order binary.ByteOrder) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		order.PutUint32(b[4*i:], w)
	}
	return b
}

// Wrap threshold and jump (spec.md §4.1). The jump is one full period
// of the 31-bit coarse timestamp, which at a 40ns tick wraps after
// ~85.9s.
const (
	DefaultThreshold int64 = 1 << 26
	DefaultJump      int64 = 1 << 31
)

// WrapState carries the monotonic-time reconstruction state across
// chunk boundaries so a caller can process a stream incrementally
// without losing the running bias (spec.md §4.1).
type WrapState struct {
	// Initialized is false only before the very first sample of the
	// stream has been seen.
	Initialized bool
	Last        uint64
	Bias        int64
}

// MaxChunkDuration returns the longest span a single ReconstructTime
// call may cover at the given tick period before a legitimate
// double-wrap becomes possible. Callers (the ZMQ ingester's frame
// buffer, the UDP collector) must flush well under this bound
// (spec.md §9).
func MaxChunkDuration(tick time.Duration) time.Duration {
	const margin = 1 << 20 // ticks of slack, conservative
	return tick * time.Duration((int64(1)<<31)-margin)
}

// ReconstructTime undoes the 31-bit coarse-timestamp wraparound using
// the default threshold/jump from spec.md §4.1. See
// ReconstructTimeWithParams for the tunable form.
func ReconstructTime(ts []uint32, state WrapState) (recon []uint64, order []int, next WrapState, err error) {
	return ReconstructTimeWithParams(ts, state, DefaultThreshold, DefaultJump)
}

// ReconstructTimeWithParams implements spec.md §4.1's algorithm:
//
//	diff = ts[i] - ts[i-1] in signed 32-bit arithmetic
//	diff < -thresh  => bias += jump   (ts wrapped forward)
//	diff > +thresh  => bias -= jump   (an out-of-order pair straddled a wrap)
//
// recon[i] = ts[i] + bias (bias as of sample i). The caller gets back
// recon in arrival order plus order, a permutation such that
// recon[order[0]] <= recon[order[1]] <= ...; apply order to every
// other column of the same frame before persisting it, since spec.md
// §4.1 requires the whole event stream sorted by reconstructed time,
// not just the ts column in isolation.
func ReconstructTimeWithParams(ts []uint32, state WrapState, thresh, jump int64) (recon []uint64, order []int, next WrapState, err error) {
	n := len(ts)
	recon = make([]uint64, n)
	next = state

	if n == 0 {
		return recon, nil, next, nil
	}

	if !next.Initialized {
		next.Last = uint64(ts[0])
		next.Bias = 0
		next.Initialized = true
	}

	bias := next.Bias
	forwardWraps := 0
	backwardCompensations := 0

	// A resumed call compares its first sample with the previous
	// chunk's, so a wrap that falls on the chunk boundary is counted.
	prev := ts[0]
	if state.Initialized {
		prev = uint32(int64(state.Last)-state.Bias) & tsMask
	}
	for i := 0; i < n; i++ {
		diff := int32(ts[i]) - int32(prev)
		switch {
		case int64(diff) < -thresh:
			bias += jump
			forwardWraps++
		case int64(diff) > thresh:
			bias -= jump
			backwardCompensations++
		}
		recon[i] = uint64(int64(ts[i]) + bias)
		prev = ts[i]
	}

	if forwardWraps-backwardCompensations > 1 {
		return recon, nil, next, fmt.Errorf("%w: saw %d net wraps in one chunk", ErrDoubleWrap, forwardWraps-backwardCompensations)
	}

	order = make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return recon[order[i]] < recon[order[j]]
	})

	next.Bias = bias
	next.Last = recon[order[n-1]]

	return recon, order, next, nil
}

// Reorder applies a permutation produced by ReconstructTime(WithParams)
// to c, returning a new Columns in sorted order.
func Reorder(c Columns, order []int) Columns {
	out := Columns{
		Chip: make([]uint8, len(order)),
		Chan: make([]uint8, len(order)),
		Td:   make([]uint16, len(order)),
		Pd:   make([]uint16, len(order)),
		Ts:   make([]uint32, len(order)),
	}
	for i, idx := range order {
		out.Chip[i] = c.Chip[idx]
		out.Chan[i] = c.Chan[idx]
		out.Td[i] = c.Td[idx]
		out.Pd[i] = c.Pd[idx]
		out.Ts[i] = c.Ts[idx]
	}
	return out
}

// Append concatenates b onto a and returns the result; used by the
// ingesters to grow a frame buffer in arrival order.
func Append(a, b Columns) Columns {
	return Columns{
		Chip: append(append([]uint8{}, a.Chip...), b.Chip...),
		Chan: append(append([]uint8{}, a.Chan...), b.Chan...),
		Td:   append(append([]uint16{}, a.Td...), b.Td...),
		Pd:   append(append([]uint16{}, a.Pd...), b.Pd...),
		Ts:   append(append([]uint32{}, a.Ts...), b.Ts...),
	}
}
