// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package controlplane implements the control-plane server (C7,
// spec.md §4.7): a typed channel table exposed over NATS request/reply
// and publish/subscribe, reusing the teacher's pkg/nats wrapper almost
// directly for the transport while replacing its job-monitoring
// subjects with the channel read/write/update subjects this
// specification names.
package controlplane

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nsls2/germ-acquire/pkg/germlog"
	"github.com/nsls2/germ-acquire/pkg/nats"
)

// ErrBounds is returned when a client writes an out-of-range value to
// a channel; the channel is left unchanged (spec.md §7 "Bounds", §8 S6).
var ErrBounds = errors.New("controlplane: value out of bounds")

// ErrReadOnly is returned when a client writes to a read-only channel.
var ErrReadOnly = errors.New("controlplane: channel is read-only")

// ErrUnknownChannel is returned for a request naming no registered channel.
var ErrUnknownChannel = errors.New("controlplane: unknown channel")

// Validator checks (and may normalize) a proposed write before it is
// applied. An error rejects the write with the channel left unchanged
// ("Writes go through a validator", spec.md §4.7).
type Validator func(value string) (string, error)

// SideEffect runs after a write is accepted and applied — e.g. the
// "acquire" channel's handler that kicks off C6. It must not block:
// callers needing to run C6 hand it off to its own goroutine so the
// channel table's dispatch never blocks on synchronous I/O (spec.md
// §5: "channel handlers... must never block the event loop").
type SideEffect func(value string)

type channel struct {
	mu       sync.RWMutex
	value    string
	writable bool
	validate Validator
	onWrite  SideEffect
}

// Table is the control-plane's typed channel table: a fixed set of
// named string-wire values, each readable, optionally writable, and
// publish-subscribable. Values are carried as their canonical string
// form on the wire; channel-specific Validators parse/format the
// richer types (int, double) spec.md §4.7 assigns them.
type Table struct {
	nc       *nats.Client
	mu       sync.RWMutex
	channels map[string]*channel
}

// NewTable builds an empty channel table bound to nc. Register every
// channel before calling Serve.
func NewTable(nc *nats.Client) *Table {
	return &Table{nc: nc, channels: make(map[string]*channel)}
}

// Register adds a named channel with its initial value. validate and
// onWrite may be nil.
func (t *Table) Register(name string, writable bool, initial string, validate Validator, onWrite SideEffect) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[name] = &channel{value: initial, writable: writable, validate: validate, onWrite: onWrite}
}

func (t *Table) lookup(name string) (*channel, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Get returns a channel's current value.
func (t *Table) Get(name string) (string, error) {
	ch, err := t.lookup(name)
	if err != nil {
		return "", err
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.value, nil
}

// Set applies a value directly: no validator, no SideEffect, just the
// update publish. The controller's commit path uses this to post
// "last_file"/"COUNT"/"overfill"/"last_frame"/"UUID:*" after a frame
// closes (spec.md: "updated at commit") — those are server-originated
// updates, not client writes, so the write validator does not apply.
func (t *Table) Set(name, value string) error {
	ch, err := t.lookup(name)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.value = value
	ch.mu.Unlock()
	t.publishUpdate(name, value)
	return nil
}

// Write performs a client-initiated write: validated, applied, its
// SideEffect (if any) dispatched, then published.
func (t *Table) Write(name, value string) error {
	ch, err := t.lookup(name)
	if err != nil {
		return err
	}
	if !ch.writable {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	if ch.validate != nil {
		normalized, verr := ch.validate(value)
		if verr != nil {
			return verr
		}
		value = normalized
	}

	ch.mu.Lock()
	ch.value = value
	onWrite := ch.onWrite
	ch.mu.Unlock()

	t.publishUpdate(name, value)
	if onWrite != nil {
		onWrite(value)
	}
	return nil
}

func (t *Table) publishUpdate(name, value string) {
	if t.nc == nil {
		return
	}
	if err := t.nc.Publish(updateSubject(name), []byte(value)); err != nil {
		germlog.Warnf("controlplane: publish update for %q: %v", name, err)
	}
}

// Serve subscribes the read/write request-reply subjects for every
// channel registered so far. Each NATS callback only touches its own
// channel's mutex (or, for "acquire", hands the long-running Arm call
// off to its own goroutine) — the dispatch itself never performs
// synchronous device I/O, matching the single-threaded-cooperative
// discipline spec.md §5 requires of the control-plane task.
func (t *Table) Serve() error {
	t.mu.RLock()
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	t.mu.RUnlock()

	for _, name := range names {
		name := name
		if err := t.nc.SubscribeReply(readSubject(name), func(_ []byte) []byte {
			v, err := t.Get(name)
			if err != nil {
				return []byte("ERR: " + err.Error())
			}
			return []byte(v)
		}); err != nil {
			return err
		}
		if err := t.nc.SubscribeReply(writeSubject(name), func(data []byte) []byte {
			if err := t.Write(name, string(data)); err != nil {
				return []byte("ERR: " + err.Error())
			}
			return []byte("OK")
		}); err != nil {
			return err
		}
	}
	return nil
}

func readSubject(name string) string   { return "germ.chan.read." + name }
func writeSubject(name string) string  { return "germ.chan.write." + name }
func updateSubject(name string) string { return "germ.chan.update." + name }
