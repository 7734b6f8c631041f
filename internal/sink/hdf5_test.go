// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/hdf5"

	"github.com/nsls2/germ-acquire/pkg/codec"
)

func datasetLen(t *testing.T, group *hdf5.Group, name string) int {
	t.Helper()
	dset, err := group.OpenDataset(name)
	require.NoError(t, err)
	defer dset.Close()

	dims, _ := dset.Space().SimpleExtentDims()
	require.Len(t, dims, 1)
	return int(dims[0])
}

func readDataset(t *testing.T, group *hdf5.Group, name string, out interface{}) {
	t.Helper()
	dset, err := group.OpenDataset(name)
	require.NoError(t, err)
	defer dset.Close()
	require.NoError(t, dset.Read(out))
}

func TestHDF5BackendExt(t *testing.T) {
	assert.Equal(t, "h5", (&HDF5Backend{}).Ext())
}

// TestHDF5BackendEmptyFrameWritesZeroLengthDatasets covers spec.md §8
// S1: an empty frame must still commit a file with all five datasets
// present, each zero-length.
func TestHDF5BackendEmptyFrameWritesZeroLengthDatasets(t *testing.T) {
	dir := t.TempDir()
	b := &HDF5Backend{}

	path, err := b.Write(dir, Frame{FrameNum: 7, Overflow: 0, Events: codec.Columns{}})
	require.NoError(t, err)

	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	require.NoError(t, err)
	defer f.Close()

	group, err := f.OpenGroup("GeRM")
	require.NoError(t, err)
	defer group.Close()

	for _, name := range []string{"chip", "chan", "timestamp_fine", "energy", "timestamp_coarse"} {
		assert.Equalf(t, 0, datasetLen(t, group, name), "dataset %s", name)
	}
}

// TestHDF5BackendSingleEventPersistsScalars covers spec.md §8 S2: the
// five fields of one event must round-trip through the HDF5 container
// unchanged.
func TestHDF5BackendSingleEventPersistsScalars(t *testing.T) {
	dir := t.TempDir()
	b := &HDF5Backend{}

	frame := Frame{
		FrameNum: 8,
		Overflow: 0,
		Events: codec.Columns{
			Chip: []uint8{3},
			Chan: []uint8{17},
			Td:   []uint16{500},
			Pd:   []uint16{2048},
			Ts:   []uint32{1_000_000},
		},
	}
	path, err := b.Write(dir, frame)
	require.NoError(t, err)

	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	require.NoError(t, err)
	defer f.Close()

	group, err := f.OpenGroup("GeRM")
	require.NoError(t, err)
	defer group.Close()

	var chip, chn [1]uint8
	readDataset(t, group, "chip", &chip)
	readDataset(t, group, "chan", &chn)
	assert.Equal(t, uint8(3), chip[0])
	assert.Equal(t, uint8(17), chn[0])

	var td, pd [1]uint16
	readDataset(t, group, "timestamp_fine", &td)
	readDataset(t, group, "energy", &pd)
	assert.Equal(t, uint16(500), td[0])
	assert.Equal(t, uint16(2048), pd[0])

	var ts [1]uint32
	readDataset(t, group, "timestamp_coarse", &ts)
	assert.Equal(t, uint32(1_000_000), ts[0])
}
