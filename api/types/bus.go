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

import "encoding/json"

// Bus commands published on the per-tenant event bus.
const (
	// BusCmdAction announces a freshly stored action. With no online
	// subscriber it falls through to the notification sink.
	BusCmdAction = "ACTION"

	// BusCmdFile announces a file metadata change.
	BusCmdFile = "FILE"

	// BusCmdNotify carries a pre-rendered notification.
	BusCmdNotify = "NOTIFY"
)

// BusMessage is the frame format of the tenant event bus WebSocket.
type BusMessage struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}
