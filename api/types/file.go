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

package types

import "time"

// Variant labels of rendered file versions.
const (
	VariantOrig = "orig"
	VariantTn   = "tn"
	VariantSD   = "sd"
	VariantMD   = "md"
	VariantHD   = "hd"
	VariantIcon = "ic"
	VariantProf = "pf"
)

// FileStatus is the lifecycle state of a file row.
type FileStatus string

const (
	// FileActive is a live file.
	FileActive FileStatus = "A"

	// FilePending was announced by an action but its content has not
	// been fetched yet.
	FilePending FileStatus = "P"

	// FileDeleted is a tombstone.
	FileDeleted FileStatus = "D"
)

// FileVariant is one rendered version of a file. Every variant is
// content-addressed on its own bytes.
type FileVariant struct {
	Variant   string `json:"variant"`
	VariantID string `json:"variantId"`
	Format    string `json:"format,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// FileMeta is the metadata row of a stored file. FileID is the content
// hash of the canonical variant; the blob bytes live in the BlobStore.
type FileMeta struct {
	FileID      string        `json:"fileId"`
	TnID        int64         `json:"-"`
	OwnerTag    string        `json:"ownerTag,omitempty"`
	ParentID    string        `json:"parentId,omitempty"`
	Preset      string        `json:"preset,omitempty"`
	ContentType string        `json:"contentType,omitempty"`
	FileName    string        `json:"fileName,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Tags        []string      `json:"tags,omitempty"`
	Variants    []FileVariant `json:"variants,omitempty"`
	Status      FileStatus    `json:"status"`
}

// ListFilesOptions filters file listings.
type ListFilesOptions struct {
	Preset      string
	ContentType string
	ParentID    string
	Tag         string
	Statuses    []FileStatus
	Query       string
	Cursor      string
	Limit       int
}
