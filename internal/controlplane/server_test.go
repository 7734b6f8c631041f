// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package controlplane

import (
	"errors"
	"strconv"
	"testing"

	"github.com/nsls2/germ-acquire/internal/acquisition"
)

func TestValidateAcquire(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0", false},
		{"1", false},
		{"2", true},
		{"on", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := validateAcquire(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateAcquire(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrBounds) {
			t.Errorf("validateAcquire(%q) error = %v, want ErrBounds", tt.in, err)
		}
	}
}

func TestValidateFrametime(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0", false},
		{"1.5", false},
		{"-1", true},
		{"not-a-number", true},
	}
	for _, tt := range tests {
		_, err := validateFrametime(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateFrametime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrBounds) {
			t.Errorf("validateFrametime(%q) error = %v, want ErrBounds", tt.in, err)
		}
	}
}

func TestValidateFrametimeRejectsOutOfRange(t *testing.T) {
	// spec.md §8 S6: writing frametime = -1 must be rejected as Bounds.
	if _, err := validateFrametime("-1"); !errors.Is(err, ErrBounds) {
		t.Fatalf("validateFrametime(-1) error = %v, want ErrBounds", err)
	}
	tooLarge := maxFrametimeSeconds * 2
	in := strconv.FormatFloat(tooLarge, 'g', -1, 64)
	if _, err := validateFrametime(in); !errors.Is(err, ErrBounds) {
		t.Fatalf("validateFrametime(%g) error = %v, want ErrBounds", tooLarge, err)
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"/data/germ", false},
		{"2026/07/31", false},
		{"../escape", true},
		{"a/../b", true},
	}
	for _, tt := range tests {
		_, err := validatePath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("validatePath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestPublishResultSetsReadOnlyChannels(t *testing.T) {
	s := NewServer(nil, nil)

	s.publishResult(acquisition.Result{
		FrameNum:      7,
		FrameNumKnown: true,
		EventCount:    42,
		Overflow:      3,
		Path:          "/data/germ/abc.h5",
		DatumIDs:      map[string]string{"CHIP": "datum-1", "CHAN": "datum-2"},
	})

	checks := map[string]string{
		"last_file":  "/data/germ/abc.h5",
		"COUNT":      "42",
		"overfill":   "3",
		"last_frame": "7",
		"UUID:CHIP":  "datum-1",
		"UUID:CHAN":  "datum-2",
		"acquire":    "0",
	}
	for name, want := range checks {
		got, err := s.table.Get(name)
		noErr(t, err)
		if got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestPublishResultDesyncedFrameHasNullLastFrame(t *testing.T) {
	s := NewServer(nil, nil)

	s.publishResult(acquisition.Result{
		FrameNumKnown: false,
		EventCount:    150,
	})

	got, err := s.table.Get("last_frame")
	noErr(t, err)
	if got != "" {
		t.Errorf("last_frame = %q, want empty (null)", got)
	}
}
