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

// Package blobfs stores content-addressed blobs on the local
// filesystem. Blobs live in a private tree readable only by the
// server; public blobs are additionally mirrored into a tree meant to
// be served directly by a front proxy.
package blobfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo/lib/backend"
)

// Config holds the blob store parameters.
type Config struct {
	// Root is the private blob tree.
	Root string
	// PublicRoot is the public mirror tree. Empty disables
	// mirroring.
	PublicRoot string
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Root == "" {
		return trace.BadParameter("missing blob root directory")
	}
	return nil
}

// Store implements backend.BlobStore on the local filesystem.
type Store struct {
	Config
}

// New opens or creates the blob trees.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if cfg.PublicRoot != "" {
		if err := os.MkdirAll(cfg.PublicRoot, 0o755); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	return &Store{Config: cfg}, nil
}

// shard spreads blobs over subdirectories keyed by the first two
// characters of the content address.
func shard(fileID string) string {
	if len(fileID) < 2 {
		return "00"
	}
	return fileID[:2]
}

func (s *Store) privatePath(tnID int64, fileID string) string {
	return filepath.Join(s.Root, strconv.FormatInt(tnID, 10), shard(fileID), fileID)
}

func (s *Store) publicPath(tnID int64, fileID string) string {
	return filepath.Join(s.PublicRoot, strconv.FormatInt(tnID, 10), shard(fileID), fileID)
}

// WriteBlob stores data under its content address. Writing an
// existing blob is a no-op; bytes that do not hash to fileID are
// rejected unless opts.Force is set.
func (s *Store) WriteBlob(ctx context.Context, tnID int64, fileID string, data []byte, opts backend.BlobWriteOptions) error {
	if fileID == "" {
		return trace.BadParameter("missing file id")
	}
	if !opts.Force {
		if hash := backend.ContentHash(data); hash != fileID {
			return trace.BadParameter("content hash mismatch: got %v, want %v", hash, fileID)
		}
	}
	path := s.privatePath(tnID, fileID)
	if _, err := os.Stat(path); err == nil {
		if opts.Public && s.PublicRoot != "" {
			return trace.Wrap(s.mirror(tnID, fileID))
		}
		return nil
	} else if !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	if err := writeAtomic(path, data, 0o700, 0o600); err != nil {
		return trace.Wrap(err)
	}
	if opts.Public && s.PublicRoot != "" {
		return trace.Wrap(s.mirror(tnID, fileID))
	}
	return nil
}

// writeAtomic lands data at path through a temp file and rename so a
// crash never leaves a partial blob under its final name.
func writeAtomic(path string, data []byte, dirMode, fileMode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
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
	return nil
}

// mirror exposes a stored blob in the public tree, hardlinking when
// the trees share a filesystem and copying otherwise.
func (s *Store) mirror(tnID int64, fileID string) error {
	src := s.privatePath(tnID, fileID)
	dst := s.publicPath(tnID, fileID)
	if _, err := os.Stat(dst); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(writeAtomic(dst, data, 0o755, 0o644))
}

// ReadBlob returns the content of a blob.
func (s *Store) ReadBlob(ctx context.Context, tnID int64, fileID string) ([]byte, error) {
	data, err := os.ReadFile(s.privatePath(tnID, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("blob %q not found", fileID)
		}
		return nil, trace.ConvertSystemError(err)
	}
	return data, nil
}

// OpenBlob opens a blob for streaming and reports its size.
func (s *Store) OpenBlob(ctx context.Context, tnID int64, fileID string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.privatePath(tnID, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, trace.NotFound("blob %q not found", fileID)
		}
		return nil, 0, trace.ConvertSystemError(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, trace.ConvertSystemError(err)
	}
	return f, fi.Size(), nil
}

// CheckBlob reports whether a blob exists.
func (s *Store) CheckBlob(ctx context.Context, tnID int64, fileID string) (bool, error) {
	_, err := os.Stat(s.privatePath(tnID, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, trace.ConvertSystemError(err)
	}
	return true, nil
}

// DeleteBlob removes a blob and its public mirror.
func (s *Store) DeleteBlob(ctx context.Context, tnID int64, fileID string) error {
	if err := os.Remove(s.privatePath(tnID, fileID)); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	if s.PublicRoot != "" {
		if err := os.Remove(s.publicPath(tnID, fileID)); err != nil && !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}
