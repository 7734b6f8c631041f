// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package zmqsub implements the streaming ZMQ data ingester (C3): a
// SUB socket subscribed to the "data"/"meta" topics, accumulating a
// frame buffer while armed and discarding traffic otherwise. It is
// the Go translation of
// original_source/pygerm/client/curio_zmq.py's
// ZClientCaprotoBase/ZClientCaproto — the single cooperative
// read_forever task becomes a dedicated goroutine, and the
// curio.Condition hand-off becomes a buffered completion channel plus
// an atomic "collecting" flag, per spec.md §4.3/§5.
package zmqsub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	czmq "github.com/zeromq/goczmq"

	"github.com/nsls2/germ-acquire/pkg/codec"
	"github.com/nsls2/germ-acquire/pkg/germlog"
)

var (
	topicData = []byte("data")
	topicMeta = []byte("meta")
)

// FrameResult is what the ingester hands back once a frame completes.
// FrameNum is nil when the frame desynchronized (max_events exceeded
// before "meta" arrived) — the controller must treat that as a soft
// failure per spec.md §4.3.
type FrameResult struct {
	FrameNum *uint32
	Overflow uint32
	Events   codec.Columns
	Desynced bool
}

// ErrClosed is returned by Await when the ingester was closed while a
// caller was waiting on a frame.
var ErrClosed = errors.New("zmqsub: ingester closed")

// Ingester owns the SUB socket and the frame buffer it accumulates
// while armed.
type Ingester struct {
	sock      *czmq.Sock
	maxEvents int

	collecting atomic.Bool

	mu          sync.Mutex
	buffer      codec.Columns
	totalEvents int

	done   chan FrameResult
	closed chan struct{}
}

// Dial connects a SUB socket to host's data port (5556) and starts
// the background read loop. maxEvents <= 0 disables the desync guard.
func Dial(host string, maxEvents int) (*Ingester, error) {
	sock := czmq.NewSock(czmq.Sub)
	endpoint := fmt.Sprintf("tcp://%s:5556", host)
	if err := sock.Connect(endpoint); err != nil {
		sock.Destroy()
		return nil, fmt.Errorf("zmqsub: connect %s: %w", endpoint, err)
	}
	sock.SetSubscribe(string(topicData))
	sock.SetSubscribe(string(topicMeta))

	in := &Ingester{
		sock:      sock,
		maxEvents: maxEvents,
		done:      make(chan FrameResult, 1),
		closed:    make(chan struct{}),
	}
	go in.readLoop()
	return in, nil
}

// Close tears down the SUB socket and unblocks any pending Await.
func (in *Ingester) Close() {
	close(in.closed)
	in.sock.Destroy()
}

// TriggerFrame arms the ingester: clears the frame buffer and starts
// accepting "data"/"meta" traffic. Call this immediately before
// issuing the detector START register write.
func (in *Ingester) TriggerFrame() {
	in.mu.Lock()
	in.buffer = codec.Columns{}
	in.totalEvents = 0
	in.mu.Unlock()
	in.collecting.Store(true)
}

// Await blocks until the ingester signals frame completion (a "meta"
// message or the max_events desync path) or ctx is cancelled.
func (in *Ingester) Await(ctx context.Context) (FrameResult, error) {
	select {
	case res := <-in.done:
		return res, nil
	case <-in.closed:
		return FrameResult{}, ErrClosed
	case <-ctx.Done():
		return FrameResult{}, ctx.Err()
	}
}

func (in *Ingester) readLoop() {
	for {
		msg, err := in.sock.RecvMessage()
		if err != nil {
			select {
			case <-in.closed:
				return
			default:
				germlog.Warnf("zmqsub: recv error: %v", err)
				continue
			}
		}
		if len(msg) != 2 {
			germlog.Warnf("zmqsub: expected 2-part message, got %d parts", len(msg))
			continue
		}
		topic, payload := msg[0], msg[1]

		if !in.collecting.Load() {
			continue
		}

		switch string(topic) {
		case string(topicData):
			in.handleData(payload)
		case string(topicMeta):
			in.handleMeta(payload)
		default:
			germlog.Warnf("zmqsub: unknown topic %q", topic)
		}
	}
}

func (in *Ingester) handleData(payload []byte) {
	words, err := codec.WordsFromBytes(payload, nativeOrder())
	if err != nil {
		germlog.Warnf("zmqsub: malformed data payload: %v", err)
		return
	}
	cols, err := codec.Decode(words)
	if err != nil {
		germlog.Warnf("zmqsub: decode error: %v", err)
		return
	}

	in.mu.Lock()
	in.buffer = codec.Append(in.buffer, cols)
	in.totalEvents += cols.Len()
	overLimit := in.maxEvents > 0 && in.totalEvents > in.maxEvents
	in.mu.Unlock()

	if overLimit {
		in.finishDesync()
	}
}

func (in *Ingester) handleMeta(payload []byte) {
	words, err := codec.WordsFromBytes(payload, nativeOrder())
	if err != nil || len(words) != 2 {
		germlog.Warnf("zmqsub: malformed meta payload (%d bytes): %v", len(payload), err)
		in.finishDesync()
		return
	}

	frameNum := words[0]
	overflow := words[1]

	in.mu.Lock()
	events := in.buffer
	in.mu.Unlock()

	in.collecting.Store(false)
	in.signal(FrameResult{FrameNum: &frameNum, Overflow: overflow, Events: events})
}

func (in *Ingester) finishDesync() {
	in.mu.Lock()
	events := in.buffer
	in.mu.Unlock()

	in.collecting.Store(false)
	in.signal(FrameResult{Desynced: true, Events: events})
}

func (in *Ingester) signal(res FrameResult) {
	select {
	case in.done <- res:
	default:
		// A previous result is still unclaimed; drop it rather than
		// block the read loop. This should not happen in practice
		// since the controller always Awaits before the next
		// TriggerFrame.
		germlog.Warnf("zmqsub: frame result dropped, previous result unclaimed")
	}
}

// nativeOrder returns the host's native byte order, matching
// spec.md §4.1: "native when travelling over ZMQ (the ZMQ sender
// already publishes a buffer of platform-width words)".
func nativeOrder() binary.ByteOrder {
	return binary.NativeEndian
}
