// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package control implements the register-level command channel to the
// GeRM detector firmware: a ZMQ REQ socket carrying 3-word
// read/write frames (spec.md §4.2).
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	czmq "github.com/zeromq/goczmq"

	"github.com/nsls2/germ-acquire/pkg/codec"
)

// Command opcodes, word 0 of every control frame.
const (
	opRead     uint32 = 0x0
	opWrite    uint32 = 0x1
	opStartDMA uint32 = 0x2
)

var (
	// ErrTimeout is returned when the detector does not answer a
	// register command within the configured deadline.
	ErrTimeout = errors.New("control: register command timed out")
	// ErrProtocol is returned when a reply does not have the shape a
	// 3-word register frame requires.
	ErrProtocol = errors.New("control: malformed register reply")
)

// Client serializes register read/write commands onto a single ZMQ
// REQ socket. The REQ/REP pattern only allows one outstanding request
// at a time, so every exported method takes cmdLock before touching
// the socket — the same serialization original_source/pygerm/client/
// curio_zmq.py performs with its curio.Lock-guarded cmd_lock.
type Client struct {
	cmdLock sync.Mutex
	sock    *czmq.Sock
}

// Dial connects a register command client to host's control port
// (5555) and sets a receive deadline so a wedged detector surfaces as
// ErrTimeout instead of hanging the caller forever.
func Dial(host string, timeout time.Duration) (*Client, error) {
	sock := czmq.NewSock(czmq.Req)
	endpoint := fmt.Sprintf("tcp://%s:5555", host)
	if err := sock.Connect(endpoint); err != nil {
		sock.Destroy()
		return nil, fmt.Errorf("control: connect %s: %w", endpoint, err)
	}
	sock.SetRcvtimeo(int(timeout / time.Millisecond))
	sock.SetSndtimeo(int(timeout / time.Millisecond))
	return &Client{sock: sock}, nil
}

// Close tears down the underlying ZMQ socket.
func (c *Client) Close() {
	c.cmdLock.Lock()
	defer c.cmdLock.Unlock()
	c.sock.Destroy()
}

// Read fetches the current value of register addr.
func (c *Client) Read(addr uint32) (uint32, error) {
	c.cmdLock.Lock()
	defer c.cmdLock.Unlock()

	if err := c.send(opRead, addr, 0); err != nil {
		return 0, err
	}
	reply, err := c.recv()
	if err != nil {
		return 0, err
	}
	if reply[0] != opRead || reply[1] != addr {
		return 0, fmt.Errorf("%w: read addr=0x%x, echo was %#v", ErrProtocol, addr, reply)
	}
	return reply[2], nil
}

// Write sets register addr to value. The detector bounces the whole
// command frame back as an acknowledgement; Write returns an error if
// the echoed frame does not match what was sent.
func (c *Client) Write(addr, value uint32) error {
	c.cmdLock.Lock()
	defer c.cmdLock.Unlock()

	if err := c.send(opWrite, addr, value); err != nil {
		return err
	}
	reply, err := c.recv()
	if err != nil {
		return err
	}
	if reply[0] != opWrite || reply[1] != addr || reply[2] != value {
		return fmt.Errorf("%w: wrote addr=0x%x val=0x%x, echo was %#v", ErrProtocol, addr, value, reply)
	}
	return nil
}

// WriteSeq executes a sequence of register writes in order, stopping
// at the first error. It does not pause between steps; the acquisition
// controller does not use it and instead calls Write once per arming
// step so it can sleep between the steps that need it.
func (c *Client) WriteSeq(steps []RegisterWrite) error {
	for _, s := range steps {
		if err := c.Write(s.Addr, s.Value); err != nil {
			return fmt.Errorf("control: arming step addr=0x%x: %w", s.Addr, err)
		}
	}
	return nil
}

// StartDMA issues the opcode-2 command (spec.md §6: "opcode ∈ {0 read,
// 1 write, 2 start_dma}"). No component currently drives the UDP path
// through this opcode rather than through the collector handshake's
// detector START register write, but the wire protocol defines it, so
// the client exposes it for completeness and for callers that target
// firmware revisions without a handshake socket.
func (c *Client) StartDMA(addr uint32) error {
	c.cmdLock.Lock()
	defer c.cmdLock.Unlock()

	if err := c.send(opStartDMA, addr, 0); err != nil {
		return err
	}
	_, err := c.recv()
	return err
}

// RegisterWrite is one (address, value) pair of an arming program.
type RegisterWrite struct {
	Addr  uint32
	Value uint32
}

func (c *Client) send(op, addr, value uint32) error {
	words := []uint32{op, addr, value}
	payload := codec.BytesFromWords(words, binary.LittleEndian)
	if err := c.sock.SendFrame(payload, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return nil
}

func (c *Client) recv() ([3]uint32, error) {
	var out [3]uint32
	frame, _, err := c.sock.RecvFrame()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	words, err := codec.WordsFromBytes(frame, binary.LittleEndian)
	if err != nil || len(words) != 3 {
		return out, fmt.Errorf("%w: got %d words", ErrProtocol, len(words))
	}
	copy(out[:], words)
	return out, nil
}
