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

// ProfileStatus describes the relation of the owning tenant to a
// profile.
type ProfileStatus string

const (
	// ProfileTrusted marks the tenant's own local profile.
	ProfileTrusted ProfileStatus = "T"

	// ProfileActive is a cached remote profile with no explicit
	// relation yet.
	ProfileActive ProfileStatus = "A"

	// ProfileFollower marks a peer the tenant follows or that
	// follows the tenant.
	ProfileFollower ProfileStatus = "F"

	// ProfileConnected marks a mutually connected peer.
	ProfileConnected ProfileStatus = "C"

	// ProfileMuted silences bus notifications from the peer while
	// still accepting its actions.
	ProfileMuted ProfileStatus = "M"

	// ProfileBlocked rejects everything from the peer.
	ProfileBlocked ProfileStatus = "B"
)

// TrustsIssuer reports whether an inbound action from a profile with
// this status is accepted when its type does not allow unknown
// issuers.
func (s ProfileStatus) TrustsIssuer() bool {
	switch s {
	case ProfileConnected, ProfileFollower, ProfileTrusted, ProfileActive, ProfileMuted:
		return true
	}
	return false
}

// Profile is one tenant's view of an identity, local or remote.
// Remote profiles are cached shadows refreshed through federation;
// Status, Connected and Following are properties of the relationship,
// not of the peer.
type Profile struct {
	TnID       int64         `json:"tnId"`
	IDTag      string        `json:"idTag"`
	Name       string        `json:"name,omitempty"`
	Type       TenantType    `json:"type"`
	ProfilePic string        `json:"profilePic,omitempty"`
	CoverPic   string        `json:"coverPic,omitempty"`
	Status     ProfileStatus `json:"status"`
	Connected  bool          `json:"connected,omitempty"`
	Following  bool          `json:"following,omitempty"`
	ETag       string        `json:"-"`
	SyncedAt   time.Time     `json:"-"`
}

// ProfileKey is one public signing key of an identity, as published in
// its profile document. Action tokens reference keys by keyId.
type ProfileKey struct {
	KeyID     string     `json:"keyId"`
	Alg       string     `json:"alg"`
	PublicKey string     `json:"publicKey"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// KeyAlgED25519 is the only signing algorithm currently issued.
const KeyAlgED25519 = "ed25519"

// ProfileDoc is the federation profile document served at /api/me and
// fetched from peers during profile sync.
type ProfileDoc struct {
	IDTag      string       `json:"idTag"`
	Name       string       `json:"name,omitempty"`
	Type       TenantType   `json:"type"`
	ProfilePic string       `json:"profilePic,omitempty"`
	CoverPic   string       `json:"coverPic,omitempty"`
	Keys       []ProfileKey `json:"keys"`
}

// ListProfilesOptions filters profile listings.
type ListProfilesOptions struct {
	Type      TenantType
	Statuses  []ProfileStatus
	Connected *bool
	Following *bool
	Query     string
	Cursor    string
	Limit     int
}
