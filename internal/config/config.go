// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the daemon's JSON configuration
// file, adapted from the teacher's internal/config (same
// read-file/validate-against-schema/decode-with-DisallowUnknownFields
// shape, santhosh-tekuri/jsonschema/v5 for validation) but replacing
// the job-monitoring ProgramConfig with the fields this daemon's
// components actually need.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/nsls2/germ-acquire/pkg/nats"
)

// SinkConfig selects and configures the File Sink backend (C5, spec.md §4.5).
type SinkConfig struct {
	// Kind is "hdf5" (structured, group GeRM) or "raw" (byte-exact
	// sentinel-framed stream).
	Kind string `json:"kind"`
}

// RegistryConfig points at the Asset Registry's (C8) sqlite3 database.
type RegistryConfig struct {
	DBPath string `json:"db_path"`
}

// Keys is the daemon's full configuration, decoded from a JSON file.
type Keys struct {
	// DetectorHost and CollectorHost are normally given as CLI
	// positional arguments; the config file may set defaults for
	// either, overridden by any value passed on the command line.
	DetectorHost  string `json:"detector_host,omitempty"`
	CollectorHost string `json:"collector_host,omitempty"`

	ControlPlane nats.Config    `json:"control_plane"`
	Sink         SinkConfig     `json:"sink"`
	Registry     RegistryConfig `json:"registry"`

	// WriteRoot is the UDP collector's local output directory
	// (cmd/germ-acquire passes it to udpcollect.Dial). ReadRoot is
	// decoded but not read by any component. Neither seeds the control
	// plane's "write_root"/"read_root" channels, which start empty.
	WriteRoot string `json:"write_root"`
	ReadRoot  string `json:"read_root"`

	// MaxEvents bounds the ZMQ ingester's buffer before a frame is
	// marked desynchronized (spec.md §5 "Back-pressure").
	MaxEvents uint64 `json:"max_events"`

	// ControlTimeout bounds each 3-word control-socket transaction
	// (time.ParseDuration syntax, e.g. "2s").
	ControlTimeout string `json:"control_timeout"`

	// CollectTimeoutSlack is parsed by CollectTimeoutSlackDuration only;
	// cmd/germ-acquire does not pass it on, and
	// internal/acquisition.Controller adds a fixed 2s slack to the
	// requested frametime to form the ZMQ collection deadline.
	CollectTimeoutSlack string `json:"collect_timeout_slack"`

	// RunAsUser/RunAsGroup, if set, name the user and group the process
	// drops privileges to after binding its sockets
	// (internal/runtimeEnv.DropPrivileges).
	RunAsUser  string `json:"run_as_user"`
	RunAsGroup string `json:"run_as_group"`
}

// Default holds the configuration used when no config file is given or
// a field is left unset in one that is.
var Default = Keys{
	Sink:                SinkConfig{Kind: "hdf5"},
	Registry:            RegistryConfig{DBPath: "./var/germ-registry.db"},
	WriteRoot:           "./var/germ-data",
	ReadRoot:            "./var/germ-data",
	MaxEvents:           1_000_000,
	ControlTimeout:      "2s",
	CollectTimeoutSlack: "2s",
}

// Load reads path (if it exists), validates it against Schema, and
// decodes it over a copy of Default. A missing file is not an error —
// Default is returned unchanged — matching the teacher's
// "./config.json is optional" convention.
func Load(path string) (Keys, error) {
	keys := Default

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, nil
		}
		return Keys{}, err
	}

	if err := Validate(Schema, raw); err != nil {
		return Keys{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&keys); err != nil {
		return Keys{}, err
	}

	return keys, nil
}

// ControlTimeoutDuration parses ControlTimeout, falling back to 2s on
// a malformed value (Validate's schema only checks that it is a
// string, not that it parses as a duration).
func (k Keys) ControlTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(k.ControlTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// CollectTimeoutSlackDuration is CollectTimeoutSlack's parsed form; see
// ControlTimeoutDuration.
func (k Keys) CollectTimeoutSlackDuration() time.Duration {
	d, err := time.ParseDuration(k.CollectTimeoutSlack)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
