// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry is the asset registry adapter (C8): it records
// each committed frame as a resource row plus five datum rows (one
// per event column) and resolves a datum identifier back to the
// column data a reader asked for (spec.md §4.8). Adapted from the
// teacher's internal/repository package (sqlx + sqlite3 + sqlhooks +
// golang-migrate), generalized from job/resource bookkeeping to
// GeRM frame bookkeeping.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ResourceKind tags how a resource's bytes are laid out on disk.
type ResourceKind string

const (
	KindGeRM       ResourceKind = "GeRM"       // HDF5 structured container
	KindBinaryGeRM ResourceKind = "BinaryGeRM" // raw sentinel-framed stream
)

// ColumnNames is the fixed, ordered set of per-event columns every
// frame registers a datum for (spec.md §4.7's "UUID:{CHIP,CHAN,TD,PD,TS}").
var ColumnNames = [5]string{"CHIP", "CHAN", "TD", "PD", "TS"}

// ErrNotFound is returned when a datum identifier does not resolve to
// a registered row.
var ErrNotFound = errors.New("registry: datum not found")

// Registry is a handle to the asset database.
type Registry struct {
	db *sqlx.DB
}

// Open connects to (and migrates) the sqlite3 database at path.
func Open(path string) (*Registry, error) {
	db, err := connect(path)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// resourceRow mirrors the resource table.
type resourceRow struct {
	ID           string    `db:"id"`
	Kind         string    `db:"kind"`
	Root         string    `db:"root"`
	RelativePath string    `db:"relative_path"`
	Kwargs       string    `db:"kwargs"`
	CreatedAt    time.Time `db:"created_at"`
}

type datumRow struct {
	ID         string    `db:"id"`
	ResourceID string    `db:"resource_id"`
	ColumnName string    `db:"column_name"`
	CreatedAt  time.Time `db:"created_at"`
}

// RegisterFrame inserts one resource row for a committed frame file
// plus five datum rows, one per column name, and returns the five
// datum identifiers keyed by column name, ready for C7 to publish as
// the UUID:{CHIP,CHAN,TD,PD,TS} channels.
func (r *Registry) RegisterFrame(kind ResourceKind, root, relativePath string) (map[string]string, error) {
	tx, err := r.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback()

	resourceID := uuid.NewString()
	if _, err := tx.Exec(
		`INSERT INTO resource (id, kind, root, relative_path, kwargs) VALUES (?, ?, ?, ?, ?)`,
		resourceID, string(kind), root, relativePath, "{}",
	); err != nil {
		return nil, fmt.Errorf("registry: insert resource: %w", err)
	}

	datumIDs := make(map[string]string, len(ColumnNames))
	for _, col := range ColumnNames {
		id := uuid.NewString()
		if _, err := tx.Exec(
			`INSERT INTO datum (id, resource_id, column_name) VALUES (?, ?, ?)`,
			id, resourceID, col,
		); err != nil {
			return nil, fmt.Errorf("registry: insert datum %s: %w", col, err)
		}
		datumIDs[col] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("registry: commit: %w", err)
	}
	return datumIDs, nil
}

// ResolvedDatum is everything a reader needs to open the backing
// resource and extract the requested column.
type ResolvedDatum struct {
	ColumnName string
	Kind       ResourceKind
	Path       string // root joined with relative_path
}

// ResolveDatum looks up a datum identifier and returns enough
// information to open its resource and extract the named column.
func (r *Registry) ResolveDatum(datumID string) (ResolvedDatum, error) {
	var d datumRow
	if err := r.db.Get(&d, `SELECT id, resource_id, column_name, created_at FROM datum WHERE id = ?`, datumID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResolvedDatum{}, ErrNotFound
		}
		return ResolvedDatum{}, fmt.Errorf("registry: lookup datum %s: %w", datumID, err)
	}

	var res resourceRow
	if err := r.db.Get(&res, `SELECT id, kind, root, relative_path, kwargs, created_at FROM resource WHERE id = ?`, d.ResourceID); err != nil {
		return ResolvedDatum{}, fmt.Errorf("registry: lookup resource %s: %w", d.ResourceID, err)
	}

	return ResolvedDatum{
		ColumnName: d.ColumnName,
		Kind:       ResourceKind(res.Kind),
		Path:       joinRootPath(res.Root, res.RelativePath),
	}, nil
}

func joinRootPath(root, relative string) string {
	if root == "" {
		return relative
	}
	return root + "/" + relative
}
