// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package udpcollect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singlePacketFrame(frameNum uint32, events []uint32, overflow uint32) []uint32 {
	words := make([]uint32, wordsPerPacket)
	words[0] = 0 // packet_seq
	words[1] = sentinelOpen
	words[2] = frameNum
	words[3] = 0 // pad
	copy(words[firstPacketHdr:], events)
	words[wordsPerPacket-2] = overflow
	words[wordsPerPacket-1] = sentinelClose
	return words
}

func TestParsePacketSingleFullFrame(t *testing.T) {
	events := []uint32{0x1111, 0x2222, 0x3333, 0x4444}
	words := singlePacketFrame(7, events, 3)

	p, err := parsePacket(words, true)
	require.NoError(t, err)

	assert.True(t, p.isFirst)
	assert.True(t, p.isFinal)
	assert.Equal(t, uint32(7), p.frameNum)
	assert.Equal(t, uint32(3), p.overflow)
	// The payload is everything between header and trailer: the events
	// followed by the zero fill of the fixed-size packet.
	assert.Equal(t, words[firstPacketHdr:wordsPerPacket-trailerWords], p.payload)
	assert.Equal(t, events, p.payload[:len(events)])
}

func TestParsePacketMiddlePacketHasNoHeaderOrTrailer(t *testing.T) {
	words := make([]uint32, wordsPerPacket)
	words[0] = 5 // packet_seq
	words[1] = 0 // pad
	for i := otherPacketHdr; i < wordsPerPacket; i++ {
		words[i] = uint32(i)
	}

	p, err := parsePacket(words, false)
	require.NoError(t, err)
	assert.False(t, p.isFirst)
	assert.False(t, p.isFinal)
	assert.Len(t, p.payload, wordsPerPacket-otherPacketHdr)
	assert.Equal(t, uint32(otherPacketHdr), p.payload[0])
}

func TestParsePacketFinalNonFirstHasTrailerStripped(t *testing.T) {
	words := make([]uint32, wordsPerPacket)
	words[0] = 9
	words[1] = 0
	words[wordsPerPacket-2] = 42 // overflow
	words[wordsPerPacket-1] = sentinelClose

	p, err := parsePacket(words, false)
	require.NoError(t, err)
	assert.True(t, p.isFinal)
	assert.Equal(t, uint32(42), p.overflow)
	assert.Len(t, p.payload, wordsPerPacket-otherPacketHdr-trailerWords)
}

func TestParsePacketRejectsMissingOpenSentinel(t *testing.T) {
	words := make([]uint32, wordsPerPacket)
	words[1] = 0xbad // not sentinelOpen
	_, err := parsePacket(words, true)
	assert.Error(t, err)
}

func TestParsePacketRejectsWrongLength(t *testing.T) {
	_, err := parsePacket(make([]uint32, 10), true)
	assert.Error(t, err)
}
