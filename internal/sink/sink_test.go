// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sink

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsls2/germ-acquire/pkg/codec"
)

func sampleFrame() Frame {
	return Frame{
		FrameNum: 42,
		Overflow: 3,
		Events: codec.Columns{
			Chip: []uint8{1, 2},
			Chan: []uint8{3, 4},
			Td:   []uint16{5, 6},
			Pd:   []uint16{7, 8},
			Ts:   []uint32{9, 10},
		},
	}
}

func TestRawBackendWritesByteExactLayout(t *testing.T) {
	dir := t.TempDir()
	b := &RawBackend{}

	path, err := b.Write(dir, sampleFrame())
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// open sentinel, frame_num, 2 events (4 words), overflow, close sentinel
	require.Len(t, data, 4*(1+1+4+1+1))

	assert.Equal(t, sentinelOpen, binary.BigEndian.Uint32(data[0:4]))
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(data[4:8]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(data[len(data)-8:len(data)-4]))
	assert.Equal(t, sentinelClose, binary.BigEndian.Uint32(data[len(data)-4:]))
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Kind("nonsense"))
	assert.Error(t, err)
}

func TestStreamWriterMatchesBufferedWriter(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	frame := sampleFrame()

	b := &RawBackend{}
	bufferedPath, err := b.Write(dir1, frame)
	require.NoError(t, err)
	wantBytes, err := os.ReadFile(bufferedPath)
	require.NoError(t, err)

	sw, err := OpenStream(dir2, frame.FrameNum)
	require.NoError(t, err)
	require.NoError(t, sw.WritePayload(codec.Encode(frame.Events)))
	require.NoError(t, sw.Close(frame.Overflow))

	gotBytes, err := os.ReadFile(sw.Path())
	require.NoError(t, err)
	assert.Equal(t, wantBytes, gotBytes)
}

func TestStreamWriterAbandonRemovesFile(t *testing.T) {
	dir := t.TempDir()
	sw, err := OpenStream(dir, 1)
	require.NoError(t, err)
	path := sw.Path()

	require.NoError(t, sw.Abandon())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
