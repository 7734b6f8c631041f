// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nsls2/germ-acquire/internal/acquisition"
	"github.com/nsls2/germ-acquire/pkg/germlog"
	"github.com/nsls2/germ-acquire/pkg/nats"
)

// maxFrametimeSeconds is the largest value the 32-bit, 1µs-resolution
// frametime register can hold: (2^32 - 1) * 1µs (spec.md §4.6/§6).
const maxFrametimeSeconds = float64(1<<32-1) / 1e6

// AlarmSubject is where the server republishes every germlog.Alarm/
// Alarmf call, so control-plane clients learn about Protocol/Timeout/
// HandshakeViolation/FileExists/IOError failures without polling a
// channel (spec.md §7: "All errors surface on the control plane via
// channel alarms before acquire returns to 0").
const AlarmSubject = "germ.alarm"

// registry, CHIP/CHAN/TD/PD/TS column names published as "UUID:<name>".
var columnNames = [5]string{"CHIP", "CHAN", "TD", "PD", "TS"}

// Server is C7: the fixed channel set of spec.md §4.7, wired to a
// Controller (C6). One Server owns exactly one Table and one NATS
// connection — no package-global singleton, unlike the teacher's
// original pkg/nats.
type Server struct {
	table      *Table
	controller *acquisition.Controller
}

// NewServer registers the full channel set from spec.md §4.7 and
// returns a Server ready for Serve.
func NewServer(nc *nats.Client, controller *acquisition.Controller) *Server {
	s := &Server{
		table:      NewTable(nc),
		controller: controller,
	}

	s.table.Register("acquire", true, "0", validateAcquire, s.onAcquireWrite)
	s.table.Register("frametime", true, "0", validateFrametime, nil)
	s.table.Register("filepath", true, "", validatePath, nil)
	s.table.Register("write_root", true, "", validatePath, nil)
	s.table.Register("read_root", true, "", validatePath, nil)
	s.table.Register("src_mount", true, "", validatePath, nil)
	s.table.Register("dest_mount", true, "", validatePath, nil)

	s.table.Register("last_file", false, "", nil, nil)
	s.table.Register("COUNT", false, "0", nil, nil)
	s.table.Register("overfill", false, "0", nil, nil)
	s.table.Register("last_frame", false, "", nil, nil)
	for _, col := range columnNames {
		s.table.Register("UUID:"+col, false, "", nil, nil)
	}

	germlog.AlarmHook = s.publishAlarm

	return s
}

// Serve subscribes every channel's read/write subjects. Blocks on
// nothing: NATS dispatches callbacks on its own goroutines, so this
// simply wires the subscriptions up and returns.
func (s *Server) Serve() error {
	return s.table.Serve()
}

func (s *Server) publishAlarm(msg string) {
	if s.table.nc == nil {
		return
	}
	if err := s.table.nc.Publish(AlarmSubject, []byte(msg)); err != nil {
		germlog.Warnf("controlplane: publish alarm: %v", err)
	}
}

// onAcquireWrite is "acquire"'s SideEffect: writing 1 triggers C6 in
// its own goroutine (Arm blocks until the frame commits or aborts, so
// it must never run on the table's dispatch path); writing 0 during a
// collection requests Cancel, which is quick and non-blocking.
func (s *Server) onAcquireWrite(value string) {
	switch value {
	case "1":
		go s.runAcquisition()
	case "0":
		if err := s.controller.Cancel(); err != nil && !errors.Is(err, acquisition.ErrNotCollecting) {
			germlog.Warnf("controlplane: cancel: %v", err)
		}
	}
}

// runAcquisition drives one full Arm cycle using the table's current
// frametime/write_root/filepath values, then publishes the commit
// results (spec.md §4.7: "updated at commit") and reverts "acquire"
// to 0.
func (s *Server) runAcquisition() {
	frametimeStr, _ := s.table.Get("frametime")
	frametime, _ := strconv.ParseFloat(frametimeStr, 64)
	writeRoot, _ := s.table.Get("write_root")
	relPath, _ := s.table.Get("filepath")

	result, err := s.controller.Arm(context.Background(), acquisition.ArmRequest{
		FrametimeSeconds: frametime,
		WriteRoot:        writeRoot,
		RelativePath:     relPath,
	})
	if err != nil {
		if !errors.Is(err, acquisition.ErrAbandoned) {
			germlog.Alarmf("controlplane: acquisition failed: %v", err)
		}
		if serr := s.table.Set("acquire", "0"); serr != nil {
			germlog.Warnf("controlplane: reset acquire: %v", serr)
		}
		return
	}

	s.publishResult(result)
}

func (s *Server) publishResult(result acquisition.Result) {
	set := func(name, value string) {
		if err := s.table.Set(name, value); err != nil {
			germlog.Warnf("controlplane: publish %q: %v", name, err)
		}
	}

	set("last_file", result.Path)
	set("COUNT", strconv.FormatUint(result.EventCount, 10))
	set("overfill", strconv.FormatUint(uint64(result.Overflow), 10))
	if result.FrameNumKnown {
		set("last_frame", strconv.FormatUint(uint64(result.FrameNum), 10))
	} else {
		// Desynchronized frame: spec.md §8 S5 wants last_frame = null.
		set("last_frame", "")
	}
	for col, id := range result.DatumIDs {
		set("UUID:"+col, id)
	}
	set("acquire", "0")
}

func validateAcquire(value string) (string, error) {
	switch value {
	case "0", "1":
		return value, nil
	default:
		return "", fmt.Errorf("%w: acquire must be 0 or 1, got %q", ErrBounds, value)
	}
}

func validateFrametime(value string) (string, error) {
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return "", fmt.Errorf("%w: frametime: %v", ErrBounds, err)
	}
	if seconds < 0 || seconds > maxFrametimeSeconds {
		return "", fmt.Errorf("%w: frametime %g outside [0, %g]", ErrBounds, seconds, maxFrametimeSeconds)
	}
	return strconv.FormatFloat(seconds, 'g', -1, 64), nil
}

// validatePath rejects values containing a ".." component: write_root/
// read_root are joined with relative paths elsewhere (internal/registry,
// internal/acquisition) to build file locations, so a stray ".." here
// would let a write escape the configured root.
func validatePath(value string) (string, error) {
	for _, part := range strings.Split(value, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path %q contains a parent-directory reference", ErrBounds, value)
		}
	}
	return value, nil
}
