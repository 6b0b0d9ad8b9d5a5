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

// Package crdt implements the wire framing spoken on collaborative
// document sockets. Every frame starts with a varuint message type;
// sync frames carry a second varuint selecting the handshake step and
// a length-prefixed payload. Document updates are treated as opaque
// bytes: the relay stores and forwards them, it never merges them.
//
// Varuints use the unsigned LEB128 encoding (low seven bits first,
// high bit marks continuation), matching encoding/binary's Uvarint.
package crdt

import (
	"encoding/binary"

	"github.com/gravitational/trace"
)

// Message type identifiers, the first varuint of every frame.
const (
	// MessageSync frames carry document state: a handshake step
	// selector followed by a state vector or an update.
	MessageSync = 0
	// MessageAwareness frames carry presence payloads. They are
	// rebroadcast to room peers and never persisted.
	MessageAwareness = 1
)

// Sync step selectors, the second varuint of sync frames.
const (
	// SyncStep1 requests missing state. Its payload is the sender's
	// state vector.
	SyncStep1 = 0
	// SyncStep2 answers a step 1 request. Its payload is an update.
	SyncStep2 = 1
	// SyncUpdate carries an incremental update outside a handshake.
	SyncUpdate = 2
)

// Message is a single decoded frame.
type Message struct {
	// Type is the message type identifier.
	Type uint64
	// Step is the sync step selector. Only set for MessageSync.
	Step uint64
	// Body is the payload: a state vector for SyncStep1, an update
	// for SyncStep2 and SyncUpdate, an opaque blob for awareness.
	// For unknown message types it holds the undecoded remainder.
	Body []byte
}

// IsWrite reports whether the message mutates document state. Write
// frames require write access to the document; everything else is
// answered or rebroadcast for readers too.
func (m *Message) IsWrite() bool {
	return m.Type == MessageSync && (m.Step == SyncStep2 || m.Step == SyncUpdate)
}

// EncodeSyncStep1 builds a sync frame requesting state missing from
// the given state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 builds a sync frame answering a step 1 request with
// an update.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeUpdate builds a sync frame carrying an incremental update.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

// EncodeAwareness builds an awareness frame around an opaque presence
// payload.
func EncodeAwareness(payload []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageAwareness)
	return appendBytes(buf, payload)
}

func encodeSync(step uint64, payload []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageSync)
	buf = binary.AppendUvarint(buf, step)
	return appendBytes(buf, payload)
}

// DecodeMessage parses a single frame. Unknown message types decode
// without error so callers can skip them; truncated frames do not.
func DecodeMessage(frame []byte) (*Message, error) {
	typ, rest, err := readUint(frame)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch typ {
	case MessageSync:
		step, rest, err := readUint(rest)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if step != SyncStep1 && step != SyncStep2 && step != SyncUpdate {
			return nil, trace.BadParameter("unknown sync step %v", step)
		}
		body, _, err := readBytes(rest)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &Message{Type: typ, Step: step, Body: body}, nil
	case MessageAwareness:
		body, _, err := readBytes(rest)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &Message{Type: typ, Body: body}, nil
	default:
		return &Message{Type: typ, Body: rest}, nil
	}
}

// appendBytes appends a length-prefixed byte block.
func appendBytes(buf, p []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(p)))
	return append(buf, p...)
}

// readUint consumes a varuint and returns the remainder.
func readUint(p []byte) (uint64, []byte, error) {
	n, size := binary.Uvarint(p)
	if size <= 0 {
		return 0, nil, trace.BadParameter("truncated frame: bad varuint")
	}
	return n, p[size:], nil
}

// readBytes consumes a length-prefixed byte block and returns the
// remainder.
func readBytes(p []byte) ([]byte, []byte, error) {
	n, rest, err := readUint(p)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if n > uint64(len(rest)) {
		return nil, nil, trace.BadParameter("truncated frame: %v byte block in %v byte remainder", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}
