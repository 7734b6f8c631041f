// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sink

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"gonum.org/v1/hdf5"
)

// HDF5Backend persists a frame as a self-describing container with a
// top-level group "GeRM" holding five equal-length datasets (spec.md
// §4.5/§6).
type HDF5Backend struct{}

func (*HDF5Backend) Ext() string { return "h5" }

func (*HDF5Backend) Write(dir string, frame Frame) (string, error) {
	path := filepath.Join(dir, uuid.NewString()+".h5")

	// hdf5.F_ACC_EXCL gives the same create-exclusive semantics
	// os.O_EXCL gives RawBackend; a pre-existing path at this point
	// would mean a uuid collision.
	file, err := hdf5.CreateFile(path, hdf5.F_ACC_EXCL)
	if err != nil {
		return "", fmt.Errorf("sink: create %s: %w", path, err)
	}
	defer file.Close()

	group, err := file.CreateGroup("GeRM")
	if err != nil {
		return "", fmt.Errorf("sink: create group GeRM in %s: %w", path, err)
	}
	defer group.Close()

	n := frame.Events.Len()
	if err := writeDataset(group, "chip", frame.Events.Chip, n); err != nil {
		return "", err
	}
	if err := writeDataset(group, "chan", frame.Events.Chan, n); err != nil {
		return "", err
	}
	if err := writeDataset(group, "timestamp_fine", frame.Events.Td, n); err != nil {
		return "", err
	}
	if err := writeDataset(group, "energy", frame.Events.Pd, n); err != nil {
		return "", err
	}
	if err := writeDataset(group, "timestamp_coarse", frame.Events.Ts, n); err != nil {
		return "", err
	}

	if err := file.Flush(hdf5.F_SCOPE_GLOBAL); err != nil {
		return "", fmt.Errorf("sink: flush %s: %w", path, err)
	}

	return path, nil
}

func writeDataset[T uint8 | uint16 | uint32](group *hdf5.Group, name string, data []T, n int) error {
	dims := []uint{uint(n)}
	space, err := hdf5.CreateSimpleDataspace(dims, dims)
	if err != nil {
		return fmt.Errorf("sink: dataspace for %s: %w", name, err)
	}
	defer space.Close()

	dtype, err := hdf5Type(data)
	if err != nil {
		return fmt.Errorf("sink: dtype for %s: %w", name, err)
	}

	dset, err := group.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("sink: create dataset %s: %w", name, err)
	}
	defer dset.Close()

	if n == 0 {
		return nil
	}
	if err := dset.Write(&data[0]); err != nil {
		return fmt.Errorf("sink: write dataset %s: %w", name, err)
	}
	return nil
}

func hdf5Type[T uint8 | uint16 | uint32](_ []T) (*hdf5.Datatype, error) {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return hdf5.T_NATIVE_UINT8, nil
	case uint16:
		return hdf5.T_NATIVE_UINT16, nil
	case uint32:
		return hdf5.T_NATIVE_UINT32, nil
	default:
		return nil, fmt.Errorf("sink: unsupported dataset element type")
	}
}
