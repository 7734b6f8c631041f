// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nsls2/germ-acquire/pkg/codec"
)

const (
	sentinelOpen  uint32 = 0xFEEDFACE
	sentinelClose uint32 = 0xDECAFBAD
)

// RawBackend persists a frame as the byte-exact reassembly stream of
// spec.md §4.4/§6: sentinelOpen, frame_num, event word pairs in
// arrival order, overflow_count, sentinelClose — all big-endian.
type RawBackend struct{}

func (*RawBackend) Ext() string { return "bin" }

func (*RawBackend) Write(dir string, frame Frame) (string, error) {
	f, path, err := createExclusive(dir, "bin")
	if err != nil {
		return "", err
	}

	bw := bufio.NewWriter(f)
	writeWord := func(w uint32) error {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], w)
		_, err := bw.Write(b[:])
		return err
	}

	if err := writeWord(sentinelOpen); err != nil {
		f.Close()
		return "", err
	}
	if err := writeWord(frame.FrameNum); err != nil {
		f.Close()
		return "", err
	}
	for _, w := range codec.Encode(frame.Events) {
		if err := writeWord(w); err != nil {
			f.Close()
			return "", err
		}
	}
	if err := writeWord(frame.Overflow); err != nil {
		f.Close()
		return "", err
	}
	if err := writeWord(sentinelClose); err != nil {
		f.Close()
		return "", err
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		return "", fmt.Errorf("sink: flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sink: fsync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("sink: close %s: %w", path, err)
	}
	return path, nil
}

// StreamWriter writes the same byte-exact layout as RawBackend.Write
// but word-by-word as they arrive, so the UDP collector (§4.4) never
// has to hold a full frame's worth of events in memory. Callers open
// the stream once the open sentinel and frame number are known, push
// payload words as datagrams are reassembled, and Close once the
// closing sentinel and overflow count are known.
type StreamWriter struct {
	f    *os.File
	path string
	bw   *bufio.Writer
}

// OpenStream creates {dir}/{uuid}.bin and writes the open sentinel and
// frame number.
func OpenStream(dir string, frameNum uint32) (*StreamWriter, error) {
	f, path, err := createExclusive(dir, "bin")
	if err != nil {
		return nil, err
	}
	sw := &StreamWriter{f: f, path: path, bw: bufio.NewWriter(f)}
	if err := sw.writeWord(sentinelOpen); err != nil {
		f.Close()
		return nil, err
	}
	if err := sw.writeWord(frameNum); err != nil {
		f.Close()
		return nil, err
	}
	return sw, nil
}

// Path returns the file path this stream is writing to.
func (sw *StreamWriter) Path() string { return sw.path }

func (sw *StreamWriter) writeWord(w uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], w)
	_, err := sw.bw.Write(b[:])
	return err
}

// WritePayload streams a run of already-big-endian-ordered payload
// words straight from a reassembled datagram.
func (sw *StreamWriter) WritePayload(words []uint32) error {
	for _, w := range words {
		if err := sw.writeWord(w); err != nil {
			return fmt.Errorf("sink: stream write %s: %w", sw.path, err)
		}
	}
	return nil
}

// Close writes the overflow count and closing sentinel, flushes,
// fsyncs, and closes the file.
func (sw *StreamWriter) Close(overflow uint32) error {
	if err := sw.writeWord(overflow); err != nil {
		sw.f.Close()
		return err
	}
	if err := sw.writeWord(sentinelClose); err != nil {
		sw.f.Close()
		return err
	}
	if err := sw.bw.Flush(); err != nil {
		sw.f.Close()
		return fmt.Errorf("sink: flush %s: %w", sw.path, err)
	}
	if err := sw.f.Sync(); err != nil {
		sw.f.Close()
		return fmt.Errorf("sink: fsync %s: %w", sw.path, err)
	}
	return sw.f.Close()
}

// Abandon discards an in-progress stream without writing the closing
// sentinel: used when acquisition is cancelled mid-frame (spec.md §5,
// "abandon the in-flight frame").
func (sw *StreamWriter) Abandon() error {
	sw.bw.Flush()
	err := sw.f.Close()
	os.Remove(sw.path)
	return err
}
