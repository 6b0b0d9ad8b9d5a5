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

import (
	"encoding/json"
	"time"
)

// Subscription is a push-notification endpoint registered by one of
// the tenant's devices. Endpoints answering 410 Gone are pruned.
type Subscription struct {
	SubsID    string          `json:"subsId"`
	TnID      int64           `json:"-"`
	Endpoint  string          `json:"endpoint"`
	Keys      json.RawMessage `json:"keys,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Setting is one tenant-scoped configuration entry. Names are
// namespace-prefixed (ui., notify., file., idp., privacy.); some
// entries drive worker behavior.
type Setting struct {
	TnID  int64  `json:"-"`
	Name  string `json:"name"`
	Value string `json:"value"`
}
