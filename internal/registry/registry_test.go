// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"bufio"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nsls2/germ-acquire/pkg/codec"
)

func setup(tb testing.TB) *Registry {
	tb.Helper()

	dbPath := filepath.Join(tb.TempDir(), "registry.db")
	r, err := Open(dbPath)
	noErr(tb, err)
	tb.Cleanup(func() { r.Close() })
	return r
}

func noErr(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatal("Error is not nil:", err)
	}
}

func TestRegisterFrameReturnsFiveDatums(t *testing.T) {
	r := setup(t)

	ids, err := r.RegisterFrame(KindBinaryGeRM, "/data/germ", "2026/07/30/abc.bin")
	noErr(t, err)

	if len(ids) != len(ColumnNames) {
		t.Fatalf("expected %d datum ids, got %d", len(ColumnNames), len(ids))
	}
	for _, col := range ColumnNames {
		if _, ok := ids[col]; !ok {
			t.Errorf("missing datum id for column %s", col)
		}
	}
}

func TestResolveDatumRoundTrip(t *testing.T) {
	r := setup(t)

	ids, err := r.RegisterFrame(KindGeRM, "/data/germ", "frame.h5")
	noErr(t, err)

	resolved, err := r.ResolveDatum(ids["CHIP"])
	noErr(t, err)

	if resolved.ColumnName != "CHIP" {
		t.Errorf("ColumnName = %q, want CHIP", resolved.ColumnName)
	}
	if resolved.Kind != KindGeRM {
		t.Errorf("Kind = %q, want %q", resolved.Kind, KindGeRM)
	}
	if resolved.Path != "/data/germ/frame.h5" {
		t.Errorf("Path = %q, want /data/germ/frame.h5", resolved.Path)
	}
}

func TestResolveDatumUnknownID(t *testing.T) {
	r := setup(t)

	_, err := r.ResolveDatum("does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadColumnBinary(t *testing.T) {
	r := setup(t)

	dir := t.TempDir()
	binPath := filepath.Join(dir, "frame.bin")
	cols := codec.Columns{
		Chip: []uint8{1, 2},
		Chan: []uint8{3, 4},
		Td:   []uint16{5, 6},
		Pd:   []uint16{7, 8},
		Ts:   []uint32{9, 10},
	}
	writeRawFrame(t, binPath, 42, cols, 0)

	ids, err := r.RegisterFrame(KindBinaryGeRM, dir, "frame.bin")
	noErr(t, err)

	col, err := r.ReadColumn(ids["CHAN"])
	noErr(t, err)

	if col.Name != "CHAN" {
		t.Errorf("Name = %q, want CHAN", col.Name)
	}
	want := []uint32{3, 4}
	if len(col.Values) != len(want) {
		t.Fatalf("len(Values) = %d, want %d", len(col.Values), len(want))
	}
	for i, v := range want {
		if col.Values[i] != v {
			t.Errorf("Values[%d] = %d, want %d", i, col.Values[i], v)
		}
	}
}

func TestReadColumnBinaryBadSentinel(t *testing.T) {
	r := setup(t)

	dir := t.TempDir()
	binPath := filepath.Join(dir, "bad.bin")
	f, err := os.Create(binPath)
	noErr(t, err)
	writeWordBE(t, f, 0x00000000) // wrong open sentinel
	writeWordBE(t, f, 0)
	noErr(t, f.Close())

	ids, err := r.RegisterFrame(KindBinaryGeRM, dir, "bad.bin")
	noErr(t, err)

	if _, err := r.ReadColumn(ids["TS"]); err == nil {
		t.Fatal("expected error for bad open sentinel, got nil")
	}
}

func writeRawFrame(tb testing.TB, path string, frameNum uint32, cols codec.Columns, overflow uint32) {
	tb.Helper()
	f, err := os.Create(path)
	noErr(tb, err)

	writeWordBE(tb, f, sentinelOpen)
	writeWordBE(tb, f, frameNum)
	for _, w := range codec.Encode(cols) {
		writeWordBE(tb, f, w)
	}
	writeWordBE(tb, f, overflow)
	writeWordBE(tb, f, sentinelClose)

	noErr(tb, f.Close())
}

func writeWordBE(tb testing.TB, f *os.File, w uint32) {
	tb.Helper()
	bw := bufio.NewWriter(f)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], w)
	if _, err := bw.Write(b[:]); err != nil {
		tb.Fatal(err)
	}
	noErr(tb, bw.Flush())
}
