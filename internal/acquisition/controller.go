// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package acquisition implements the acquisition controller (C6): the
// single state-transition authority driving
// Idle→Arming→Collecting→Committing→Idle/Failed (spec.md §4.6). It is
// the Go translation of original_source/pygerm/__init__.py's
// TRIGGER_SETUP_SEQ/START_DAQ/STOP_DAQ register program plus
// original_source/pygerm/client/curio_zmq.py's trigger_frame/
// read_frame hand-off, reshaped around a dedicated goroutine the way
// the teacher's internal/taskManager reshapes background work around
// gocron jobs — except here the schedule is event-driven (one arm
// command in, one commit out), not interval-driven.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nsls2/germ-acquire/internal/ingest/udpcollect"
	"github.com/nsls2/germ-acquire/internal/ingest/zmqsub"
	"github.com/nsls2/germ-acquire/internal/registry"
	"github.com/nsls2/germ-acquire/internal/sink"
	"github.com/nsls2/germ-acquire/pkg/codec"
	"github.com/nsls2/germ-acquire/pkg/germlog"
)

// State is one node of the acquisition state machine (spec.md §4.6).
type State int

const (
	Idle State = iota
	Arming
	Collecting
	Committing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Arming:
		return "Arming"
	case Collecting:
		return "Collecting"
	case Committing:
		return "Committing"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// registerClient is the subset of *control.Client the controller
// drives directly. Extracted so controller_test.go's scenario harness
// can fake register I/O without a live ZMQ REQ socket; *control.Client
// satisfies this with no changes.
type registerClient interface {
	Write(addr, value uint32) error
}

// dataIngester is the subset of *zmqsub.Ingester the controller
// drives directly (ModeZMQ).
type dataIngester interface {
	TriggerFrame()
	Await(ctx context.Context) (zmqsub.FrameResult, error)
}

// handshakeClient is the subset of *control.HandshakeClient the
// controller drives directly (ModeUDP).
type handshakeClient interface {
	SetFilename(path string) error
	AwaitFrameClose() (frameNum, eventCount, overflow uint64, err error)
	FetchFinalPath() (string, error)
}

// udpCollector is the subset of *udpcollect.Collector the controller
// drives directly (ModeUDP).
type udpCollector interface {
	CollectFrame() (udpcollect.Result, error)
	Abort()
}

// assetRegistry is the subset of *registry.Registry the controller
// drives directly.
type assetRegistry interface {
	RegisterFrame(kind registry.ResourceKind, root, relativePath string) (map[string]string, error)
}

// Mode selects which ingest path a Controller drives.
type Mode int

const (
	// ModeZMQ collects events over the streaming ZMQ data socket (C3).
	ModeZMQ Mode = iota
	// ModeUDP collects events over the high-speed UDP path (C4), with
	// its own ZMQ REQ/REP file handshake (spec.md §4.4/§6).
	ModeUDP
)

// Register addresses and values from spec.md §6's arming program
// (verbatim original_source/pygerm/__init__.py's TRIGGER_SETUP_SEQ).
const (
	regAcquire   uint32 = 0x00
	valStart     uint32 = 0x01
	valStop      uint32 = 0x00
	regFrametime uint32 = 0xD4
)

type armStep struct {
	addr, value uint32
	sleepAfter  time.Duration
}

// armingProgram is TRIGGER_SETUP_SEQ: a fixed, strictly-ordered table
// of register writes and two 10ms pauses. Any write failure aborts
// arming straight to Failed (spec.md §4.6).
var armingProgram = []armStep{
	{0x00, 0x40, 0},
	{0x00, 0x00, 0},
	{0x10, 0x01, 0},
	{0x18, 0x02, 0},
	{0x68, 0x04, 10 * time.Millisecond},
	{0x68, 0x00, 10 * time.Millisecond},
	{0x68, 0x01, 0},
	{0xD0, 0x01, 0},
}

// ErrBusy is returned by Arm when the controller is not Idle.
var ErrBusy = errors.New("acquisition: controller is not idle")

// ErrNotCollecting is returned by Cancel when no frame is in progress.
var ErrNotCollecting = errors.New("acquisition: no frame in progress")

// ErrAbandoned is returned by Arm when Cancel stopped an in-flight
// frame. It is not a failure: the controller returns to Idle exactly
// as it would after a clean commit, just with no file produced
// (spec.md §5).
var ErrAbandoned = errors.New("acquisition: frame abandoned by cancel")

// ArmRequest carries the per-acquisition parameters a client supplied
// through the control plane before writing 1 to "acquire".
type ArmRequest struct {
	// FrametimeSeconds is already bounds-checked and converted by C7;
	// the controller only ever writes an already-validated µs count.
	FrametimeSeconds float64
	WriteRoot        string
	// RelativePath is, under ModeZMQ, the destination directory
	// (joined with WriteRoot) the file sink generates a {uuid}.{ext}
	// name under; under ModeUDP it is the literal destination file
	// path handed to the collector's handshake, which names the file
	// itself.
	RelativePath string
}

// Result is what a completed (or abandoned) acquisition hands back to
// the control plane: the counters and datum identifiers it publishes.
type Result struct {
	// FrameNum is unset (FrameNumKnown false) when the frame
	// desynchronized before a "meta" message arrived; C7 publishes
	// "last_frame" as null in that case (spec.md §4.6, §8 S5).
	FrameNum      uint32
	FrameNumKnown bool
	EventCount    uint64
	Overflow      uint32
	Degraded      bool
	Path          string
	DatumIDs      map[string]string
}

// Controller drives the state machine. All exported methods are safe
// for concurrent use; Arm and Cancel coordinate through stateMu so
// only one frame is ever in flight (spec.md: "only the controller
// transitions state").
type Controller struct {
	mode Mode

	reg       registerClient
	handshake handshakeClient // ModeUDP only
	zmq       dataIngester    // ModeZMQ only
	udp       udpCollector    // ModeUDP only

	backend sink.Backend
	assets  assetRegistry

	collectTimeoutSlack time.Duration

	stateMu sync.Mutex
	state   State
	cancel  context.CancelFunc // non-nil only while Collecting (ModeZMQ)

	wrap codec.WrapState
}

// NewZMQController builds a Controller that collects over the
// streaming ZMQ data path (C3).
func NewZMQController(reg registerClient, ingest dataIngester, backend sink.Backend, assets assetRegistry) *Controller {
	return &Controller{
		mode:                ModeZMQ,
		reg:                 reg,
		zmq:                 ingest,
		backend:             backend,
		assets:              assets,
		collectTimeoutSlack: 2 * time.Second,
	}
}

// NewUDPController builds a Controller that collects over the
// high-speed UDP path (C4), coordinating the raw reassembly socket
// with the ZMQ REQ/REP file handshake (spec.md §4.4).
func NewUDPController(reg registerClient, handshake handshakeClient, collector udpCollector, assets assetRegistry) *Controller {
	return &Controller{
		mode:                ModeUDP,
		reg:                 reg,
		handshake:           handshake,
		udp:                 collector,
		assets:              assets,
		collectTimeoutSlack: 2 * time.Second,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	germlog.Infof("acquisition: state -> %s", s)
}

// Arm runs one full Idle→Arming→Collecting→Committing→Idle cycle
// (or aborts to Failed). It blocks until the frame is committed,
// abandoned via Cancel, or ctx is cancelled; callers (C7's "acquire"
// channel handler) run it as a goroutine rather than inline, per
// spec.md §5's "channel handlers... must never block the event loop".
func (c *Controller) Arm(ctx context.Context, req ArmRequest) (Result, error) {
	c.stateMu.Lock()
	if c.state != Idle {
		c.stateMu.Unlock()
		return Result{}, ErrBusy
	}
	c.state = Arming
	c.stateMu.Unlock()
	germlog.Infof("acquisition: state -> %s", Arming)

	if err := c.arm(req.FrametimeSeconds); err != nil {
		c.fail(err)
		return Result{}, err
	}

	c.setState(Collecting)
	var (
		result Result
		err    error
	)
	switch c.mode {
	case ModeZMQ:
		result, err = c.collectZMQ(ctx, req)
	case ModeUDP:
		result, err = c.collectUDP(ctx, req)
	default:
		err = fmt.Errorf("acquisition: unknown mode %v", c.mode)
	}
	if err != nil {
		if errors.Is(err, ErrAbandoned) {
			c.setState(Idle)
			return Result{}, err
		}
		c.fail(err)
		return Result{}, err
	}

	c.setState(Idle)
	return result, nil
}

func (c *Controller) fail(err error) {
	germlog.Alarmf("acquisition: %v", err)
	c.setState(Failed)
}

// arm replays the fixed register program, then the caller-supplied
// frametime. C7 has already bounds-checked FrametimeSeconds before
// this is reached (spec.md §4.6).
func (c *Controller) arm(frametimeSeconds float64) error {
	for _, step := range armingProgram {
		if err := c.reg.Write(step.addr, step.value); err != nil {
			return fmt.Errorf("acquisition: arming step addr=0x%x: %w", step.addr, err)
		}
		if step.sleepAfter > 0 {
			time.Sleep(step.sleepAfter)
		}
	}

	micros := uint32(frametimeSeconds * 1e6)
	if err := c.reg.Write(regFrametime, micros); err != nil {
		return fmt.Errorf("acquisition: write frametime: %w", err)
	}
	return nil
}

// collectZMQ drives the ZMQ path: trigger, START, await completion,
// reconstruct time, reorder, commit.
func (c *Controller) collectZMQ(ctx context.Context, req ArmRequest) (Result, error) {
	collectCtx, cancel := context.WithCancel(ctx)
	c.stateMu.Lock()
	c.cancel = cancel
	c.stateMu.Unlock()
	defer func() {
		c.stateMu.Lock()
		c.cancel = nil
		c.stateMu.Unlock()
	}()

	c.zmq.TriggerFrame()
	if err := c.reg.Write(regAcquire, valStart); err != nil {
		return Result{}, fmt.Errorf("acquisition: assert START: %w", err)
	}

	timeout := time.Duration(req.FrametimeSeconds*float64(time.Second)) + c.collectTimeoutSlack
	deadline, deadlineCancel := context.WithTimeout(collectCtx, timeout)
	defer deadlineCancel()

	fr, err := c.zmq.Await(deadline)
	if err != nil && errors.Is(err, context.Canceled) {
		// Cancel() cancelled collectCtx: drive STOP here; no file is
		// produced (spec.md §5).
		c.reg.Write(regAcquire, valStop)
		return Result{}, fmt.Errorf("%w: %v", ErrAbandoned, err)
	}
	degraded := false
	if err != nil {
		// Timeout: demote to degraded and commit whatever was buffered,
		// per spec.md §4.6 ("timeout... demotes the frame to degraded
		// and transitions to Committing nonetheless").
		germlog.Warnf("acquisition: collect timeout, committing degraded frame: %v", err)
		degraded = true
	}
	if fr.Desynced {
		degraded = true
	}

	if err := c.reg.Write(regAcquire, valStop); err != nil {
		germlog.Warnf("acquisition: STOP after collect: %v", err)
	}

	c.setState(Committing)

	_, order, next, rtErr := codec.ReconstructTime(fr.Events.Ts, c.wrap)
	if rtErr != nil {
		degraded = true
		germlog.Warnf("acquisition: time reconstruction: %v", rtErr)
	} else {
		c.wrap = next
		fr.Events = codec.Reorder(fr.Events, order)
	}

	frameNum := uint32(0)
	frameNumKnown := fr.FrameNum != nil
	if frameNumKnown {
		frameNum = *fr.FrameNum
	}

	destDir := filepath.Join(req.WriteRoot, req.RelativePath)
	path, err := c.backend.Write(destDir, sink.Frame{FrameNum: frameNum, Overflow: fr.Overflow, Events: fr.Events})
	if err != nil {
		return Result{}, fmt.Errorf("acquisition: commit file: %w", err)
	}

	datumIDs, err := c.assets.RegisterFrame(kindFor(c.backend), req.WriteRoot, relPath(req.WriteRoot, path))
	if err != nil {
		return Result{}, fmt.Errorf("acquisition: register asset: %w", err)
	}

	return Result{
		FrameNum:      frameNum,
		FrameNumKnown: frameNumKnown,
		EventCount:    uint64(fr.Events.Len()),
		Overflow:      fr.Overflow,
		Degraded:      degraded,
		Path:          path,
		DatumIDs:      datumIDs,
	}, nil
}

// collectUDP drives the UDP path: the 4-step ZMQ handshake
// interleaved with the detector START/STOP register writes, while the
// local udpcollect.Collector reassembles the raw datagram stream
// straight to disk (spec.md §4.4/§6).
func (c *Controller) collectUDP(ctx context.Context, req ArmRequest) (Result, error) {
	destPath := filepath.Join(req.WriteRoot, req.RelativePath)

	if err := c.handshake.SetFilename(destPath); err != nil {
		return Result{}, fmt.Errorf("acquisition: handshake step 1: %w", err)
	}

	if err := c.reg.Write(regAcquire, valStart); err != nil {
		return Result{}, fmt.Errorf("acquisition: assert START: %w", err)
	}

	type collectOutcome struct {
		res udpcollect.Result
		err error
	}
	outcome := make(chan collectOutcome, 1)
	go func() {
		res, err := c.udp.CollectFrame()
		outcome <- collectOutcome{res, err}
	}()

	select {
	case <-ctx.Done():
		c.udp.Abort()
		<-outcome
		if err := c.reg.Write(regAcquire, valStop); err != nil {
			germlog.Warnf("acquisition: STOP after abandon: %v", err)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrAbandoned, ctx.Err())
	case o := <-outcome:
		if o.err != nil {
			if errors.Is(o.err, udpcollect.ErrAborted) {
				if err := c.reg.Write(regAcquire, valStop); err != nil {
					germlog.Warnf("acquisition: STOP after abandon: %v", err)
				}
				return Result{}, fmt.Errorf("%w: %v", ErrAbandoned, o.err)
			}
			return Result{}, fmt.Errorf("acquisition: collect: %w", o.err)
		}

		frameNum, eventCount, overflow, err := c.handshake.AwaitFrameClose()
		if err != nil {
			return Result{}, fmt.Errorf("acquisition: handshake step 2: %w", err)
		}
		finalPath, err := c.handshake.FetchFinalPath()
		if err != nil {
			return Result{}, fmt.Errorf("acquisition: handshake step 3: %w", err)
		}
		if err := c.reg.Write(regAcquire, valStop); err != nil {
			return Result{}, fmt.Errorf("acquisition: assert STOP: %w", err)
		}

		c.setState(Committing)

		datumIDs, err := c.assets.RegisterFrame(registry.KindBinaryGeRM, req.WriteRoot, relPath(req.WriteRoot, finalPath))
		if err != nil {
			return Result{}, fmt.Errorf("acquisition: register asset: %w", err)
		}

		return Result{
			FrameNum:      uint32(frameNum),
			FrameNumKnown: true,
			EventCount:    eventCount,
			Overflow:      uint32(overflow),
			Degraded:      o.res.Degraded,
			Path:          finalPath,
			DatumIDs:      datumIDs,
		}, nil
	}
}

// Cancel aborts an in-flight acquisition: STOP is driven through C2
// and the in-flight frame is abandoned with no file produced,
// matching spec.md §5's "a client writing 0 to acquire during
// Collecting".
func (c *Controller) Cancel() error {
	c.stateMu.Lock()
	if c.state != Collecting {
		c.stateMu.Unlock()
		return ErrNotCollecting
	}
	cancel := c.cancel
	c.stateMu.Unlock()

	if c.mode == ModeUDP {
		c.udp.Abort()
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func kindFor(backend sink.Backend) registry.ResourceKind {
	if backend.Ext() == "h5" {
		return registry.KindGeRM
	}
	return registry.KindBinaryGeRM
}

// relPath returns path relative to root for storage in the resource
// row; if path does not fall under root (a misconfigured write_root),
// the absolute path is kept so no information is silently lost.
func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
