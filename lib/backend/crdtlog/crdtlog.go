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

// Package crdtlog persists collaborative document state as a snapshot
// plus an append-only update log. Updates are length-prefixed frames;
// replaying the log over the snapshot reconstructs the document.
// Callers serialize operations per document.
package crdtlog

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

const (
	snapshotFile = "snapshot"
	updatesFile  = "updates.log"

	// maxFrameSize rejects absurd frame lengths when scanning a log,
	// which otherwise indicate corruption.
	maxFrameSize = 16 << 20
)

// Config holds the update log parameters.
type Config struct {
	// Root is the directory holding per-document state.
	Root string
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Root == "" {
		return trace.BadParameter("missing document log root directory")
	}
	return nil
}

// Store implements backend.CRDTStore on the local filesystem.
type Store struct {
	Config
}

// New opens or creates the document log tree.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Store{Config: cfg}, nil
}

func checkDocID(docID string) error {
	if docID == "" || strings.ContainsAny(docID, "/\\") || strings.HasPrefix(docID, ".") {
		return trace.BadParameter("invalid document id %q", docID)
	}
	return nil
}

func (s *Store) docDir(tnID int64, docID string) string {
	return filepath.Join(s.Root, strconv.FormatInt(tnID, 10), docID)
}

// AppendUpdate appends one update frame to the document log.
func (s *Store) AppendUpdate(ctx context.Context, tnID int64, docID string, update []byte) error {
	if err := checkDocID(docID); err != nil {
		return trace.Wrap(err)
	}
	if len(update) == 0 {
		return trace.BadParameter("empty update")
	}
	if len(update) > maxFrameSize {
		return trace.LimitExceeded("update of %v bytes exceeds the frame limit", len(update))
	}
	dir := s.docDir(tnID, docID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(filepath.Join(dir, updatesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	// One write call per frame so a crash can only truncate the tail.
	frame := make([]byte, 4+len(update))
	binary.BigEndian.PutUint32(frame, uint32(len(update)))
	copy(frame[4:], update)
	if _, err := f.Write(frame); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// LoadDoc returns the last snapshot and the update frames appended
// after it, in append order. A document never written yields an empty
// snapshot and no updates. A truncated trailing frame is dropped.
func (s *Store) LoadDoc(ctx context.Context, tnID int64, docID string) ([]byte, [][]byte, error) {
	if err := checkDocID(docID); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	dir := s.docDir(tnID, docID)

	snapshot, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, trace.ConvertSystemError(err)
	}

	f, err := os.Open(filepath.Join(dir, updatesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot, nil, nil
		}
		return nil, nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	var updates [][]byte
	var header [4]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, nil, trace.ConvertSystemError(err)
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > maxFrameSize {
			return nil, nil, trace.BadParameter("corrupt update log for document %q", docID)
		}
		update := make([]byte, size)
		if _, err := io.ReadFull(f, update); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, nil, trace.ConvertSystemError(err)
		}
		updates = append(updates, update)
	}
	return snapshot, updates, nil
}

// WriteSnapshot replaces the snapshot and drops the frames it absorbs.
// The snapshot lands before the log is truncated, so a crash in
// between at worst replays updates the snapshot already contains.
func (s *Store) WriteSnapshot(ctx context.Context, tnID int64, docID string, snapshot []byte) error {
	if err := checkDocID(docID); err != nil {
		return trace.Wrap(err)
	}
	dir := s.docDir(tnID, docID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	path := filepath.Join(dir, snapshotFile)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Remove(filepath.Join(dir, updatesFile)); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// DeleteDoc removes all persisted state of a document.
func (s *Store) DeleteDoc(ctx context.Context, tnID int64, docID string) error {
	if err := checkDocID(docID); err != nil {
		return trace.Wrap(err)
	}
	if err := os.RemoveAll(s.docDir(tnID, docID)); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
