// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package nats

// Config holds the configuration for connecting to a NATS server.
// internal/config embeds this directly under the control-plane
// section instead of the teacher's package-global Keys/Init pattern,
// since this daemon has exactly one NATS connection, owned by
// internal/controlplane, not a process-wide singleton.
type Config struct {
	Address       string `json:"address"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	CredsFilePath string `json:"creds_file_path,omitempty"`
}

// ConfigSchema documents Config's JSON shape. internal/config does not
// use it; its Schema carries its own copy of the control-plane section.
const ConfigSchema = `{
    "type": "object",
    "description": "Configuration for the control-plane NATS connection.",
    "properties": {
        "address": {
            "description": "Address of the NATS server (e.g., 'nats://localhost:4222').",
            "type": "string"
        },
        "username": {
            "description": "Username for NATS authentication (optional).",
            "type": "string"
        },
        "password": {
            "description": "Password for NATS authentication (optional).",
            "type": "string"
        },
        "creds_file_path": {
            "description": "Path to NATS credentials file for authentication (optional).",
            "type": "string"
        }
    },
    "required": ["address"]
}`
