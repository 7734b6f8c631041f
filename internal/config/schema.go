// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// Schema constrains the daemon's JSON configuration file, in the same
// santhosh-tekuri/jsonschema/v5 style as the teacher's configSchema in
// internal/config/schema.go.
const Schema = `
{
  "type": "object",
  "properties": {
    "detector_host": {
      "description": "Default detector control-plane host, overridden by the CLI's <detector-host> argument.",
      "type": "string"
    },
    "collector_host": {
      "description": "Default UDP collector host, overridden by the CLI's optional <collector-host> argument.",
      "type": "string"
    },
    "control_plane": {
      "description": "NATS connection used by the typed channel table (C7).",
      "type": "object",
      "properties": {
        "address": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "creds_file_path": { "type": "string" }
      },
      "required": ["address"]
    },
    "sink": {
      "description": "File Sink backend selection (C5).",
      "type": "object",
      "properties": {
        "kind": { "type": "string", "enum": ["hdf5", "raw"] }
      },
      "required": ["kind"]
    },
    "registry": {
      "description": "Asset Registry Adapter's sqlite3 database (C8).",
      "type": "object",
      "properties": {
        "db_path": { "type": "string" }
      },
      "required": ["db_path"]
    },
    "write_root": {
      "description": "Local output directory of the UDP collector; not seeded into the write_root channel.",
      "type": "string"
    },
    "read_root": {
      "description": "Decoded but not read by any component; not seeded into the read_root channel.",
      "type": "string"
    },
    "max_events": {
      "description": "Ingester buffer bound before a frame is marked desynchronized.",
      "type": "integer",
      "minimum": 1
    },
    "control_timeout": {
      "description": "time.ParseDuration string bounding each control-socket transaction.",
      "type": "string"
    },
    "collect_timeout_slack": {
      "description": "time.ParseDuration string; not passed to the acquisition controller, which adds a fixed 2s to frametime.",
      "type": "string"
    },
    "run_as_user": {
      "type": "string"
    },
    "run_as_group": {
      "type": "string"
    }
  },
  "required": ["control_plane", "sink", "registry"]
}`
