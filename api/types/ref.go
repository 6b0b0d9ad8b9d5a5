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

// AccessLevel is the permission a token or ref grants on a resource.
type AccessLevel string

const (
	// AccessRead allows reading the resource.
	AccessRead AccessLevel = "R"

	// AccessWrite allows reading and mutating the resource.
	AccessWrite AccessLevel = "W"

	// AccessAdmin allows administrative operations on the tenant.
	AccessAdmin AccessLevel = "A"
)

// Covers reports whether level a satisfies a requirement of level b.
func (a AccessLevel) Covers(b AccessLevel) bool {
	rank := func(l AccessLevel) int {
		switch l {
		case AccessRead:
			return 1
		case AccessWrite:
			return 2
		case AccessAdmin:
			return 3
		}
		return 0
	}
	return rank(a) >= rank(b)
}

// Ref is a short opaque capability: anyone holding the ref id may
// exchange it for an access token scoped to the referenced resource.
// Refs power guest links. A quota bounds the number of exchanges.
type Ref struct {
	RefID       string      `json:"refId"`
	TnID        int64       `json:"-"`
	ResourceID  string      `json:"resourceId"`
	Access      AccessLevel `json:"access"`
	Description string      `json:"description,omitempty"`
	Quota       *int64      `json:"quota,omitempty"`
	Count       int64       `json:"count"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Usable reports whether the ref may still be exchanged at time now.
func (r *Ref) Usable(now time.Time) bool {
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	if r.Quota != nil && r.Count >= *r.Quota {
		return false
	}
	return true
}
