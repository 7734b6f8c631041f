// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package udpcollect implements the high-speed path (C4): a fixed
// 1024-word UDP datagram reassembly loop, streaming the reassembled
// frame straight to an internal/sink.StreamWriter. The fixed-buffer
// net.ListenUDP read loop is grounded on xtaci/kcp-go's
// UDPSession.defaultReadLoop; the on-wire packet and handshake layout
// is spec.md §4.4/§6, the only authoritative source for this path (no
// matching next-generation collector source shipped in
// original_source/).
package udpcollect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/nsls2/germ-acquire/internal/sink"
	"github.com/nsls2/germ-acquire/pkg/germlog"
)

const (
	wordsPerPacket = 1024
	bytesPerPacket = wordsPerPacket * 4

	sigHandshake   uint32 = 0xDEADBEEF
	sigOkay        uint32 = 0x4F6B6179 // "Okay"
	sentinelOpen   uint32 = 0xFEEDFACE
	sentinelClose  uint32 = 0xDECAFBAD
	firstPacketHdr        = 4 // packet_seq, sentinelOpen, frame_num, pad
	otherPacketHdr        = 2 // packet_seq, pad
	trailerWords          = 2 // overflow_count, sentinel
)

// ErrSequenceGap is recorded (not returned) when a packet_seq gap is
// observed; the frame is marked degraded and reassembly continues, per
// spec.md §4.4: "gaps are recorded as loss and the frame is marked
// degraded but still closed."
var ErrSequenceGap = errors.New("udpcollect: packet sequence gap")

// ErrHandshakeTimeout is returned when the detector-side collector
// does not answer the initial UDP handshake datagram.
var ErrHandshakeTimeout = errors.New("udpcollect: initial handshake timed out")

// ErrAborted is returned by CollectFrame when Abort was called while a
// frame was in progress (spec.md §5, "abandon the in-flight frame").
var ErrAborted = errors.New("udpcollect: frame collection aborted")

// Result summarizes one reassembled frame.
type Result struct {
	FrameNum    uint32
	EventCount  uint64
	Overflow    uint32
	Degraded    bool
	LostPackets int
	Path        string
}

// Collector owns the UDP socket that receives the detector's
// high-speed fragment stream.
type Collector struct {
	conn      *net.UDPConn
	remote    *net.UDPAddr
	outputDir string
	aborted   atomic.Bool
}

// Dial opens a UDP socket bound to localAddr and performs the initial
// handshake datagram exchange with the detector's collector endpoint
// at remoteAddr, per spec.md §6: send (sig=0xDEADBEEF, reserved=0,
// enable=1) big-endian, await an 8-byte reply whose last four bytes
// are 0x4F6B6179 ("Okay"). A successful handshake latches our address
// as the detector's data destination.
func Dial(localAddr, remoteAddr string, outputDir string, timeout time.Duration) (*Collector, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udpcollect: resolve local %s: %w", localAddr, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("udpcollect: resolve remote %s: %w", remoteAddr, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udpcollect: listen %s: %w", localAddr, err)
	}

	c := &Collector{conn: conn, remote: raddr, outputDir: outputDir}
	if err := c.handshake(raddr, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collector) handshake(raddr *net.UDPAddr, timeout time.Duration) error {
	req := make([]byte, 12)
	binary.BigEndian.PutUint32(req[0:4], sigHandshake)
	binary.BigEndian.PutUint32(req[4:8], 0)  // reserved
	binary.BigEndian.PutUint32(req[8:12], 1) // enable

	if _, err := c.conn.WriteToUDP(req, raddr); err != nil {
		return fmt.Errorf("udpcollect: send handshake: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	reply := make([]byte, 8)
	n, _, err := c.conn.ReadFromUDP(reply)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if n != 8 || binary.BigEndian.Uint32(reply[4:8]) != sigOkay {
		return fmt.Errorf("udpcollect: bad handshake reply %x", reply[:n])
	}
	return nil
}

// Close releases the UDP socket.
func (c *Collector) Close() error {
	return c.conn.Close()
}

// Abort unblocks a CollectFrame call in progress on another goroutine,
// causing it to abandon the in-flight frame and return ErrAborted.
// Used when a client writes 0 to acquire mid-frame (spec.md §5).
func (c *Collector) Abort() {
	c.aborted.Store(true)
	c.conn.SetReadDeadline(time.Now())
}

// parsedPacket is the structural decomposition of one fixed-size
// datagram, independent of any socket — kept separate from
// CollectFrame so the reassembly rules (header/trailer sizing,
// sentinel placement) can be exercised without a live UDP connection.
type parsedPacket struct {
	seq      int64
	isFirst  bool
	isFinal  bool
	frameNum uint32 // valid only when isFirst
	payload  []uint32
	overflow uint32 // valid only when isFinal
}

// parsePacket validates and decomposes one 1024-word big-endian
// datagram. isFirst tells it whether this is the first packet of a
// frame (and therefore carries the open sentinel/frame number rather
// than a plain pad word).
func parsePacket(words []uint32, isFirst bool) (parsedPacket, error) {
	if len(words) != wordsPerPacket {
		return parsedPacket{}, fmt.Errorf("udpcollect: packet has %d words, want %d", len(words), wordsPerPacket)
	}

	p := parsedPacket{seq: int64(words[0]), isFirst: isFirst}
	p.isFinal = words[wordsPerPacket-1] == sentinelClose

	headerLen := otherPacketHdr
	if isFirst {
		headerLen = firstPacketHdr
		if words[1] != sentinelOpen {
			return parsedPacket{}, fmt.Errorf("udpcollect: first packet missing open sentinel, got 0x%x", words[1])
		}
		p.frameNum = words[2]
	}

	payloadEnd := wordsPerPacket
	if p.isFinal {
		payloadEnd = wordsPerPacket - trailerWords
		p.overflow = words[wordsPerPacket-2]
	}
	if headerLen > payloadEnd {
		return parsedPacket{}, fmt.Errorf("udpcollect: packet too short for header+trailer")
	}
	p.payload = words[headerLen:payloadEnd]
	return p, nil
}

// CollectFrame reads datagrams until the closing sentinel is seen,
// streaming payload words straight into a sink.StreamWriter opened
// under c.outputDir. It never buffers the whole frame, matching
// spec.md §4.4's rationale for the UDP path existing at all.
func (c *Collector) CollectFrame() (Result, error) {
	c.aborted.Store(false)
	c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, bytesPerPacket)
	var (
		sw         *sink.StreamWriter
		prevSeq    int64 = -1
		degraded   bool
		lost       int
		eventCount uint64
		frameNum   uint32
	)

	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if sw != nil {
				sw.Abandon()
			}
			if c.aborted.Load() {
				return Result{}, ErrAborted
			}
			return Result{}, fmt.Errorf("udpcollect: read datagram: %w", err)
		}
		if n != bytesPerPacket {
			if sw != nil {
				sw.Abandon()
			}
			return Result{}, fmt.Errorf("udpcollect: short datagram: got %d bytes, want %d", n, bytesPerPacket)
		}

		words := make([]uint32, wordsPerPacket)
		for i := range words {
			words[i] = binary.BigEndian.Uint32(buf[4*i : 4*i+4])
		}

		if prevSeq >= 0 {
			seq := int64(words[0])
			if seq != prevSeq+1 {
				gap := seq - prevSeq - 1
				if gap < 0 {
					gap = 0
				}
				lost += int(gap)
				degraded = true
				germlog.Warnf("udpcollect: %v: expected seq %d, got %d", ErrSequenceGap, prevSeq+1, seq)
			}
		}

		pkt, err := parsePacket(words, sw == nil)
		if err != nil {
			if sw != nil {
				sw.Abandon()
			}
			return Result{}, err
		}
		prevSeq = pkt.seq

		if pkt.isFirst {
			frameNum = pkt.frameNum
			sw, err = sink.OpenStream(c.outputDir, frameNum)
			if err != nil {
				return Result{}, fmt.Errorf("udpcollect: open frame stream: %w", err)
			}
		}

		eventCount += uint64(len(pkt.payload) / 2)
		if err := sw.WritePayload(pkt.payload); err != nil {
			sw.Abandon()
			return Result{}, err
		}

		if pkt.isFinal {
			if err := sw.Close(pkt.overflow); err != nil {
				return Result{}, fmt.Errorf("udpcollect: close frame stream: %w", err)
			}
			return Result{
				FrameNum:    frameNum,
				EventCount:  eventCount,
				Overflow:    pkt.overflow,
				Degraded:    degraded,
				LostPackets: lost,
				Path:        sw.Path(),
			}, nil
		}
	}
}
