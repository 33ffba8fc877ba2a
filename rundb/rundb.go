// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rundb records readout runs in the run bookkeeping database.
package rundb // import "github.com/go-lpc/roc/rundb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// Run is one bookkeeping entry: what was asked of a readout run and
// what came out of it.
type Run struct {
	ID       uint32
	Start    time.Time
	Stop     time.Time
	MaxPages int64
	Pattern  string
	Pages    int64
	Bytes    int64
	Errors   int64
	Clean    bool
}

// DB exposes convenience methods to record and retrieve readout runs
// from the bookkeeping database.
type DB struct {
	db   *sql.DB
	name string // name of the bookkeeping database
}

// Open opens a connection to the bookkeeping database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("rundb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("rundb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("rundb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// LastRunID returns the identifier of the most recent recorded run.
func (db *DB) LastRunID(ctx context.Context) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var id uint32
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT id FROM runs ORDER BY id DESC LIMIT 1",
	)
	if err != nil {
		return id, fmt.Errorf("rundb: could not query last run-id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&id)
		if err != nil {
			return id, fmt.Errorf("rundb: could not get run-id value: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return id, fmt.Errorf("rundb: could not scan db for run-id: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return id, fmt.Errorf("rundb: context error while retrieving run-id: %w", err)
	}

	return id, nil
}

// NextRunID allocates the identifier for a new run.
func (db *DB) NextRunID(ctx context.Context) (uint32, error) {
	last, err := db.LastRunID(ctx)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// InsertRun records a completed run.
func (db *DB) InsertRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		`INSERT INTO runs (id, start, stop, max_pages, pattern, pages, bytes, errors, clean)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Start, run.Stop,
		run.MaxPages, run.Pattern,
		run.Pages, run.Bytes, run.Errors,
		run.Clean,
	)
	if err != nil {
		return fmt.Errorf("rundb: could not insert run %d: %w", run.ID, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rundb: context error while inserting run %d: %w", run.ID, err)
	}

	return nil
}
