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

// Package types defines the entities shared by the Cloudillo server
// components and their storage facades.
package types

import "time"

// TenantType distinguishes personal tenants from communities.
// Communities auto-accept connection requests.
type TenantType string

const (
	// TenantPerson is an individual identity.
	TenantPerson TenantType = "person"

	// TenantCommunity is a shared identity that accepts connections
	// without user interaction.
	TenantCommunity TenantType = "community"
)

// Tenant is a unit of ownership hosted on this instance. The numeric
// tnId is dense and local; the idTag is a globally unique DNS hostname.
// The (tnId, idTag) pair is a bijection and neither side ever changes.
type Tenant struct {
	TnID      int64      `json:"tnId"`
	IDTag     string     `json:"idTag"`
	Name      string     `json:"name,omitempty"`
	Type      TenantType `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
}
