// Cloudillo
// Copyright (C) 2025 The Cloudillo Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package lite implements the relational storage facades on SQLite.
// Each facade owns one database file; connections are serialized so
// transactions observe the per-tenant ordering the contracts promise.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// busyTimeout bounds how long a connection waits on a locked database
// before reporting SQLITE_BUSY.
const busyTimeout = 10 * time.Second

// Config holds the parameters shared by the SQLite facades.
type Config struct {
	// Path is the database file.
	Path string
	// BusyTimeout overrides the lock wait, mostly in tests.
	BusyTimeout time.Duration
	// Clock is used for generated keys and timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing database path")
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = busyTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

func openDB(cfg Config, schema []string) (*sql.DB, error) {
	uri := fmt.Sprintf("file:%v?_busy_timeout=%v&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, trace.Wrap(err, "opening database %v", cfg.Path)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn between pool members.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, trace.NewAggregate(trace.Wrap(err, "applying schema"), db.Close())
		}
	}
	return db, nil
}

// inTransaction runs fn inside a transaction, committing on success
// and rolling back on error.
func inTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = trace.NewAggregate(err, rbErr)
			}
			return
		}
		err = trace.Wrap(tx.Commit())
	}()
	return fn(tx)
}

// isConstraintError reports whether err is a uniqueness or integrity
// violation raised by the driver.
func isConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// convertError maps driver errors onto the shared error vocabulary.
func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return trace.NotFound("not found")
	case isConstraintError(err):
		return trace.AlreadyExists("already exists")
	}
	return trace.Wrap(err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
