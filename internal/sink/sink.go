// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sink persists a committed frame to disk, either as a
// structured HDF5 container or as the byte-exact raw UDP reassembly
// stream (spec.md §4.5). Both backends write to a freshly-generated
// {dir}/{uuid}.{ext} path, create-exclusive. RawBackend and
// StreamWriter fsync before returning; HDF5Backend flushes the HDF5
// file (H5Fflush) but does not fsync it.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nsls2/germ-acquire/pkg/codec"
)

// ErrFileExists is returned when the generated uuid path collides
// with an existing file — vanishingly unlikely, but the collector
// opens create-exclusive rather than silently overwrite a sibling
// frame.
var ErrFileExists = fmt.Errorf("sink: frame path already exists")

// Kind selects a Backend's on-disk representation.
type Kind string

const (
	KindHDF5 Kind = "hdf5"
	KindRaw  Kind = "raw"
)

// Frame is the committed in-memory form of one acquisition cycle,
// ready to persist. FrameNum and Overflow come from the ZMQ "meta"
// message or the UDP closing sentinel; Events holds the
// already-time-reconstructed, sorted columns.
type Frame struct {
	FrameNum uint32
	Overflow uint32
	Events   codec.Columns
}

// Backend writes a Frame to durable storage and returns the path it
// wrote to.
type Backend interface {
	// Ext is the file extension this backend's files are given.
	Ext() string
	// Write persists frame under dir, using a freshly generated UUID
	// as the base filename, and returns the full path written.
	Write(dir string, frame Frame) (path string, err error)
}

// New constructs the Backend named by kind.
func New(kind Kind) (Backend, error) {
	switch kind {
	case KindHDF5:
		return &HDF5Backend{}, nil
	case KindRaw:
		return &RawBackend{}, nil
	default:
		return nil, fmt.Errorf("sink: unknown backend kind %q", kind)
	}
}

// createExclusive opens a fresh {dir}/{uuid}.{ext} file, failing with
// ErrFileExists on the (practically impossible) uuid collision.
func createExclusive(dir, ext string) (*os.File, string, error) {
	path := filepath.Join(dir, uuid.NewString()+"."+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, "", ErrFileExists
		}
		return nil, "", fmt.Errorf("sink: create %s: %w", path, err)
	}
	return f, path, nil
}
