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
	"sort"

	"github.com/gravitational/trace"
)

// StateVector maps client identifiers to the highest clock the sender
// has observed from each. It is the payload of a SyncStep1 frame.
type StateVector map[uint64]uint64

// Encode serializes the vector as a varuint entry count followed by
// (client, clock) varuint pairs. Entries are written in ascending
// client order so equal vectors encode to equal bytes.
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := binary.AppendUvarint(nil, uint64(len(sv)))
	for _, client := range clients {
		buf = binary.AppendUvarint(buf, client)
		buf = binary.AppendUvarint(buf, sv[client])
	}
	return buf
}

// DecodeStateVector parses a state vector payload.
func DecodeStateVector(p []byte) (StateVector, error) {
	count, rest, err := readUint(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		var client, clock uint64
		if client, rest, err = readUint(rest); err != nil {
			return nil, trace.Wrap(err)
		}
		if clock, rest, err = readUint(rest); err != nil {
			return nil, trace.Wrap(err)
		}
		sv[client] = clock
	}
	return sv, nil
}
