// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package control

import (
	"encoding/binary"
	"fmt"
	"time"

	czmq "github.com/zeromq/goczmq"
)

// HandshakeClient drives the UDP collector's four-step frame
// handshake (spec.md §4.4/§6) over its own REQ socket on port 5557,
// grounded on original_source/pygerm/client/__init__.py's UClient
// (ctrl_sock separate from ZClient.ctrl_sock). The acquisition
// controller owns the ordering of the four steps and interleaves
// steps 2 and 4 with its own register START/STOP writes through
// Client; this type only knows how to speak each individual step.
type HandshakeClient struct {
	sock *czmq.Sock
}

// ErrHandshakeViolation is returned when the collector's reply does
// not match what a given handshake step requires.
var ErrHandshakeViolation = fmt.Errorf("control: udp collector handshake violation")

const ackReceivedFilename = "Received Filename"

// DialHandshake connects to host's UDP collector setup port.
func DialHandshake(host string, timeout time.Duration) (*HandshakeClient, error) {
	sock := czmq.NewSock(czmq.Req)
	endpoint := fmt.Sprintf("tcp://%s:5557", host)
	if err := sock.Connect(endpoint); err != nil {
		sock.Destroy()
		return nil, fmt.Errorf("control: connect %s: %w", endpoint, err)
	}
	sock.SetRcvtimeo(int(timeout / time.Millisecond))
	sock.SetSndtimeo(int(timeout / time.Millisecond))
	return &HandshakeClient{sock: sock}, nil
}

// Close tears down the underlying socket.
func (h *HandshakeClient) Close() {
	h.sock.Destroy()
}

func (h *HandshakeClient) roundTrip(req []byte) ([]byte, error) {
	if err := h.sock.SendFrame(req, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	reply, _, err := h.sock.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return reply, nil
}

// SetFilename is step 1: tell the collector the destination path for
// the next raw frame, before the detector is started. The collector
// acknowledges with the literal string "Received Filename".
func (h *HandshakeClient) SetFilename(path string) error {
	reply, err := h.roundTrip([]byte(path))
	if err != nil {
		return err
	}
	if string(reply) != ackReceivedFilename {
		return fmt.Errorf("%w: expected %q, got %q", ErrHandshakeViolation, ackReceivedFilename, reply)
	}
	return nil
}

// AwaitFrameClose is step 2: after the controller has asserted
// detector START via Client, it sends "ack" here and blocks until the
// collector has seen the closing sentinel, which replies with the
// little-endian u64 triple [frame_num, event_count, overflow].
func (h *HandshakeClient) AwaitFrameClose() (frameNum, eventCount, overflow uint64, err error) {
	reply, err := h.roundTrip([]byte("ack"))
	if err != nil {
		return 0, 0, 0, err
	}
	if len(reply) != 24 {
		return 0, 0, 0, fmt.Errorf("%w: frame-close reply was %d bytes, want 24", ErrHandshakeViolation, len(reply))
	}
	frameNum = binary.LittleEndian.Uint64(reply[0:8])
	eventCount = binary.LittleEndian.Uint64(reply[8:16])
	overflow = binary.LittleEndian.Uint64(reply[16:24])
	return frameNum, eventCount, overflow, nil
}

// FetchFinalPath is step 3: the controller sends "ack" again and the
// collector replies with the final written path, after which the
// controller is free to assert detector STOP.
func (h *HandshakeClient) FetchFinalPath() (string, error) {
	reply, err := h.roundTrip([]byte("ack"))
	if err != nil {
		return "", err
	}
	if len(reply) == 0 {
		return "", fmt.Errorf("%w: empty final-path reply", ErrHandshakeViolation)
	}
	return string(reply), nil
}
