// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/nsls2/germ-acquire/pkg/codec"
	"gonum.org/v1/hdf5"
)

const (
	sentinelOpen  uint32 = 0xFEEDFACE
	sentinelClose uint32 = 0xDECAFBAD
)

// hdf5Dataset maps a registered column name to the dataset name
// internal/sink's HDF5Backend wrote it under.
var hdf5Dataset = map[string]string{
	"CHIP": "chip",
	"CHAN": "chan",
	"TD":   "timestamp_fine",
	"PD":   "energy",
	"TS":   "timestamp_coarse",
}

// Column is a reader-facing, single-column result: a column name plus
// its values widened to uint32 (spec.md §4.8, "a NumPy-shaped column").
type Column struct {
	Name   string
	Values []uint32
}

// ReadColumn resolves datumID and returns the requested column's
// values, opening either the HDF5 resource or the raw sentinel-framed
// stream depending on the resource's registered kind.
func (r *Registry) ReadColumn(datumID string) (Column, error) {
	d, err := r.ResolveDatum(datumID)
	if err != nil {
		return Column{}, err
	}

	switch d.Kind {
	case KindGeRM:
		values, err := readHDF5Column(d.Path, d.ColumnName)
		if err != nil {
			return Column{}, err
		}
		return Column{Name: d.ColumnName, Values: values}, nil
	case KindBinaryGeRM:
		values, err := readBinaryColumn(d.Path, d.ColumnName)
		if err != nil {
			return Column{}, err
		}
		return Column{Name: d.ColumnName, Values: values}, nil
	default:
		return Column{}, fmt.Errorf("registry: unknown resource kind %q", d.Kind)
	}
}

func readHDF5Column(path, columnName string) ([]uint32, error) {
	dsName, ok := hdf5Dataset[columnName]
	if !ok {
		return nil, fmt.Errorf("registry: no dataset mapping for column %q", columnName)
	}

	file, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer file.Close()

	group, err := file.OpenGroup("GeRM")
	if err != nil {
		return nil, fmt.Errorf("registry: open group GeRM in %s: %w", path, err)
	}
	defer group.Close()

	dset, err := group.OpenDataset(dsName)
	if err != nil {
		return nil, fmt.Errorf("registry: open dataset %s in %s: %w", dsName, path, err)
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, fmt.Errorf("registry: dataspace dims for %s: %w", dsName, err)
	}
	n := 0
	if len(dims) > 0 {
		n = int(dims[0])
	}
	if n == 0 {
		return []uint32{}, nil
	}

	// All five GeRM datasets store narrower unsigned types (uint8 for
	// chip/chan, uint16 for the fine timestamp/energy, uint32 for the
	// coarse timestamp); reading as uint32 widens in place via HDF5's
	// own type conversion instead of five separate Go code paths.
	raw := make([]uint32, n)
	if err := dset.Read(&raw[0]); err != nil {
		return nil, fmt.Errorf("registry: read dataset %s: %w", dsName, err)
	}
	return raw, nil
}

func readBinaryColumn(path, columnName string) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	readWord := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(b[:]), nil
	}

	open, err := readWord()
	if err != nil {
		return nil, fmt.Errorf("registry: read open sentinel %s: %w", path, err)
	}
	if open != sentinelOpen {
		return nil, fmt.Errorf("registry: %s: bad open sentinel %#x", path, open)
	}
	if _, err := readWord(); err != nil { // frame_num, unused here
		return nil, fmt.Errorf("registry: read frame number %s: %w", path, err)
	}

	var payload []uint32
	var prevWord uint32
	havePrev := false
	for {
		w, err := readWord()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("registry: %s: truncated before close sentinel", path)
			}
			return nil, fmt.Errorf("registry: read %s: %w", path, err)
		}
		if havePrev {
			payload = append(payload, prevWord)
		}
		prevWord = w
		havePrev = true

		// The trailer is exactly two words (overflow_count, sentinelClose);
		// once the word just read is the close sentinel, the word held
		// back in prevWord one loop ago was the overflow count, and
		// everything accumulated in payload before that is event data.
		if w == sentinelClose {
			break
		}
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("registry: %s: no overflow word before close sentinel", path)
	}
	eventWords := payload[:len(payload)-1]

	cols, err := codec.Decode(eventWords)
	if err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", path, err)
	}

	return widenColumn(cols, columnName)
}

func widenColumn(c codec.Columns, columnName string) ([]uint32, error) {
	n := c.Len()
	out := make([]uint32, n)
	switch columnName {
	case "CHIP":
		for i, v := range c.Chip {
			out[i] = uint32(v)
		}
	case "CHAN":
		for i, v := range c.Chan {
			out[i] = uint32(v)
		}
	case "TD":
		for i, v := range c.Td {
			out[i] = uint32(v)
		}
	case "PD":
		for i, v := range c.Pd {
			out[i] = uint32(v)
		}
	case "TS":
		copy(out, c.Ts)
	default:
		return nil, fmt.Errorf("registry: unknown column %q", columnName)
	}
	return out, nil
}
