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

package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo/lib/utils"
)

var databaseSchema = []string{
	`CREATE TABLE IF NOT EXISTS docs (
		tn_id INTEGER NOT NULL,
		doc_id TEXT NOT NULL,
		path TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (tn_id, doc_id, path)
	)`,
}

// DatabaseBackend implements backend.DatabaseStore on SQLite.
type DatabaseBackend struct {
	Config
	db *sql.DB
}

// NewDatabaseStore opens or creates the structured document database.
func NewDatabaseStore(cfg Config) (*DatabaseBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := openDB(cfg, databaseSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &DatabaseBackend{Config: cfg, db: db}, nil
}

// Close releases the database handle.
func (d *DatabaseBackend) Close() error {
	return d.db.Close()
}

func normPath(path string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", nil
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return "", trace.BadParameter("invalid path %q", path)
		}
	}
	return path, nil
}

// Read returns the value stored at path.
func (d *DatabaseBackend) Read(ctx context.Context, tnID int64, docID, path string) (json.RawMessage, error) {
	path, err := normPath(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var value string
	err = d.db.QueryRowContext(ctx,
		`SELECT value FROM docs WHERE tn_id = ? AND doc_id = ? AND path = ?`, tnID, docID, path).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("path %q not found", path)
		}
		return nil, convertError(err)
	}
	return json.RawMessage(value), nil
}

// List returns the immediate child entries under path in key order.
func (d *DatabaseBackend) List(ctx context.Context, tnID int64, docID, path string) (map[string]json.RawMessage, error) {
	path, err := normPath(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var rows *sql.Rows
	if path == "" {
		rows, err = d.db.QueryContext(ctx,
			`SELECT path, value FROM docs WHERE tn_id = ? AND doc_id = ? AND path != '' AND path NOT LIKE '%/%' ORDER BY path`,
			tnID, docID)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT path, value FROM docs WHERE tn_id = ? AND doc_id = ? AND path LIKE ? || '/%' AND path NOT LIKE ? || '/%/%' ORDER BY path`,
			tnID, docID, path, path)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	entries := make(map[string]json.RawMessage)
	for rows.Next() {
		var entryPath, value string
		if err := rows.Scan(&entryPath, &value); err != nil {
			return nil, trace.Wrap(err)
		}
		key := entryPath
		if path != "" {
			key = entryPath[len(path)+1:]
		}
		entries[key] = json.RawMessage(value)
	}
	return entries, trace.Wrap(rows.Err())
}

// Push appends a value under path with a generated time-ordered key
// and returns the key.
func (d *DatabaseBackend) Push(ctx context.Context, tnID int64, docID, path string, value json.RawMessage) (string, error) {
	path, err := normPath(path)
	if err != nil {
		return "", trace.Wrap(err)
	}
	// Millisecond base36 prefix keeps generated keys sorted by
	// insertion time.
	key := strconv.FormatInt(d.Clock.Now().UnixMilli(), 36) + utils.RandomID(4)
	entryPath := key
	if path != "" {
		entryPath = path + "/" + key
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO docs (tn_id, doc_id, path, value) VALUES (?, ?, ?, ?)`,
		tnID, docID, entryPath, string(value)); err != nil {
		return "", convertError(err)
	}
	return key, nil
}

// Put stores a value at path, replacing any previous value.
func (d *DatabaseBackend) Put(ctx context.Context, tnID int64, docID, path string, value json.RawMessage) error {
	path, err := normPath(path)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO docs (tn_id, doc_id, path, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tn_id, doc_id, path) DO UPDATE SET value = excluded.value`,
		tnID, docID, path, string(value))
	return trace.Wrap(err)
}

// Delete removes the value at path and everything under it.
func (d *DatabaseBackend) Delete(ctx context.Context, tnID int64, docID, path string) error {
	path, err := normPath(path)
	if err != nil {
		return trace.Wrap(err)
	}
	if path == "" {
		_, err = d.db.ExecContext(ctx, `DELETE FROM docs WHERE tn_id = ? AND doc_id = ?`, tnID, docID)
	} else {
		_, err = d.db.ExecContext(ctx,
			`DELETE FROM docs WHERE tn_id = ? AND doc_id = ? AND (path = ? OR path LIKE ? || '/%')`,
			tnID, docID, path, path)
	}
	return trace.Wrap(err)
}
