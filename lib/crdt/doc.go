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

package crdt

import (
	"encoding/binary"

	"github.com/gravitational/trace"
)

// EmptyUpdate is an update carrying no operations. It is a valid
// SyncStep2 payload for a document nobody has written to yet.
var EmptyUpdate = []byte{0, 0}

// docVersion is the snapshot container format version.
const docVersion = 1

// Doc is a server-side document: an ordered log of opaque update
// segments. Because update application is commutative and idempotent
// on the client, replaying all segments reconstructs the document
// without the relay ever merging them.
//
// Doc is not safe for concurrent use. Rooms confine each document to
// a single goroutine.
type Doc struct {
	segments [][]byte
}

// NewDoc builds a document from a stored snapshot container and the
// update log tail. An empty snapshot means a fresh document.
func NewDoc(snapshot []byte, updates [][]byte) (*Doc, error) {
	doc := &Doc{}
	if len(snapshot) != 0 {
		var err error
		if doc, err = ImportDoc(snapshot); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	for _, update := range updates {
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return doc, nil
}

// ImportDoc parses a snapshot container produced by Export.
func ImportDoc(blob []byte) (*Doc, error) {
	version, rest, err := readUint(blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if version != docVersion {
		return nil, trace.BadParameter("unsupported snapshot version %v", version)
	}
	count, rest, err := readUint(rest)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	doc := &Doc{segments: make([][]byte, 0, count)}
	for i := uint64(0); i < count; i++ {
		var segment []byte
		if segment, rest, err = readBytes(rest); err != nil {
			return nil, trace.Wrap(err)
		}
		doc.segments = append(doc.segments, append([]byte(nil), segment...))
	}
	return doc, nil
}

// ApplyUpdate appends an update segment. The bytes are copied, the
// caller may reuse the buffer.
func (d *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return trace.BadParameter("empty update")
	}
	d.segments = append(d.segments, append([]byte(nil), update...))
	return nil
}

// Export serializes the document into a single snapshot container.
// ImportDoc(d.Export()) reconstructs the same segments, so exporting,
// persisting the container and truncating the update log loses
// nothing.
func (d *Doc) Export() []byte {
	buf := binary.AppendUvarint(nil, docVersion)
	buf = binary.AppendUvarint(buf, uint64(len(d.segments)))
	for _, segment := range d.segments {
		buf = appendBytes(buf, segment)
	}
	return buf
}

// SyncMessages returns the frames answering a SyncStep1 request: a
// SyncStep2 frame with the base segment followed by one update frame
// per remaining segment. The reply is a superset of any requested
// diff, which idempotent update application makes harmless.
func (d *Doc) SyncMessages() [][]byte {
	if len(d.segments) == 0 {
		return [][]byte{EncodeSyncStep2(EmptyUpdate)}
	}
	frames := make([][]byte, 0, len(d.segments))
	frames = append(frames, EncodeSyncStep2(d.segments[0]))
	for _, segment := range d.segments[1:] {
		frames = append(frames, EncodeUpdate(segment))
	}
	return frames
}

// Segments returns the number of stored update segments.
func (d *Doc) Segments() int {
	return len(d.segments)
}

// Size returns the total payload bytes across all segments.
func (d *Doc) Size() int {
	var n int
	for _, segment := range d.segments {
		n += len(segment)
	}
	return n
}
