// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	gosqlite3 "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/nsls2/germ-acquire/pkg/germlog"
)

const schemaVersion uint = 1

//go:embed migrations/sqlite3/*
var migrationFiles embed.FS

var registerDriverOnce sync.Once

// connect opens (and migrates) the sqlite3 asset database at path.
// Adapted from the teacher's internal/repository/dbConnection.go: only
// the sqlite3 branch survives — spec.md's single-detector,
// single-host scope never needs a networked database backend (see
// DESIGN.md's asset registry adapter notes for MySQL).
func connect(path string) (*sqlx.DB, error) {
	// sql.Register panics on a second registration of the same name,
	// so the hooked driver is registered once per process.
	registerDriverOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&gosqlite3.SQLiteDriver{}, &Hooks{}))
	})
	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	// sqlite3 does not multiplex writers; one connection avoids lock
	// contention instead of hiding it behind a pool.
	db.SetMaxOpenConns(1)

	if err := migrateUp(path); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func migrateUp(path string) error {
	d, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("registry: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", path))
	if err != nil {
		return fmt.Errorf("registry: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("registry: migrate up: %w", err)
	}

	v, _, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("registry: migrate version: %w", err)
	}
	germlog.Infof("registry: schema version %d (want %d)", v, schemaVersion)

	return nil
}
