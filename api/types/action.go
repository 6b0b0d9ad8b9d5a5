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
	"strings"

	"github.com/gravitational/trace"
)

// Action type identifiers understood by the core engine.
const (
	ActionPost    = "POST"
	ActionMsg     = "MSG"
	ActionConn    = "CONN"
	ActionFollow  = "FLLW"
	ActionFShare  = "FSHR"
	ActionRepost  = "REPOST"
	ActionAck     = "ACK"
	ActionReact   = "REACT"
	ActionComment = "CMNT"
)

// SubTypeDelete rescinds a previous stateful action of the same key.
const SubTypeDelete = "DEL"

// ActionStatus is the local lifecycle state of an action row. The
// signed token and its payload never change; only the status does.
type ActionStatus string

const (
	// ActionNew is the initial state of a stored action.
	ActionNew ActionStatus = "N"

	// ActionCandidate awaits a user decision (accept or reject).
	ActionCandidate ActionStatus = "C"

	// ActionAccepted was confirmed by the user or by a hook.
	ActionAccepted ActionStatus = "A"

	// ActionRejected was declined; the row is retained.
	ActionRejected ActionStatus = "R"

	// ActionDeleted is a tombstone; its idempotency key may be
	// reused by a later action.
	ActionDeleted ActionStatus = "D"
)

// ActionToken is the payload of a signed inter-instance action in its
// compact single-letter wire form. The layout is on-wire and is kept
// verbatim so federation between heterogeneous implementations stays
// byte-compatible. The key id travels in the JOSE header, the
// signature in the JWS envelope.
type ActionToken struct {
	IssuerTag   string          `json:"iss"`
	Key         string          `json:"k,omitempty"`
	Type        string          `json:"t"`
	SubType     string          `json:"st,omitempty"`
	Content     json.RawMessage `json:"c,omitempty"`
	ParentID    string          `json:"p,omitempty"`
	Attachments []string        `json:"a,omitempty"`
	AudienceTag string          `json:"aud,omitempty"`
	Subject     string          `json:"sub,omitempty"`
	IssuedAt    Timestamp       `json:"iat"`
	Expires     *Timestamp      `json:"exp,omitempty"`
}

// Check validates the fields every action token must carry.
func (a *ActionToken) Check() error {
	if a.IssuerTag == "" {
		return trace.BadParameter("action token missing issuer")
	}
	if a.Type == "" {
		return trace.BadParameter("action token missing type")
	}
	if a.IssuedAt == 0 {
		return trace.BadParameter("action token missing iat")
	}
	return nil
}

// Action is the stored form of an action, local or inbound. ActionID
// is the content address: the hash of the signed token string.
type Action struct {
	ActionID    string          `json:"actionId"`
	TnID        int64           `json:"-"`
	Key         string          `json:"key,omitempty"`
	Type        string          `json:"type"`
	SubType     string          `json:"subType,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	RootID      string          `json:"rootId,omitempty"`
	IssuerTag   string          `json:"issuer"`
	AudienceTag string          `json:"audience,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	CreatedAt   Timestamp       `json:"createdAt"`
	Expires     *Timestamp      `json:"expiresAt,omitempty"`
	Status      ActionStatus    `json:"status"`
}

// ActionStat aggregates the interaction counters of one action.
type ActionStat struct {
	Reactions int64 `json:"reactions"`
	Comments  int64 `json:"comments"`
	Reposts   int64 `json:"reposts"`
}

// Attachment is the parsed form of one attachment string. The wire
// grammar is "flags:fileId[,fileId...]": the first file id is the
// canonical content address, the rest are pre-rendered variants.
type Attachment struct {
	Flags   string
	FileIDs []string
}

// ParseAttachment parses the wire form of an attachment reference.
func ParseAttachment(s string) (Attachment, error) {
	flags, rest, found := strings.Cut(s, ":")
	if !found || rest == "" {
		return Attachment{}, trace.BadParameter("invalid attachment %q", s)
	}
	ids := strings.Split(rest, ",")
	for _, id := range ids {
		if id == "" {
			return Attachment{}, trace.BadParameter("invalid attachment %q", s)
		}
	}
	return Attachment{Flags: flags, FileIDs: ids}, nil
}

// String re-encodes the attachment into its wire form.
func (a Attachment) String() string {
	return a.Flags + ":" + strings.Join(a.FileIDs, ",")
}

// FileID returns the canonical content address of the attachment.
func (a Attachment) FileID() string {
	if len(a.FileIDs) == 0 {
		return ""
	}
	return a.FileIDs[0]
}

// Public reports whether the attachment is mirrored into the public
// blob tree.
func (a Attachment) Public() bool { return strings.Contains(a.Flags, "p") }

// Inline reports whether the attachment travels inline with the
// action instead of being fetched from the issuer.
func (a Attachment) Inline() bool { return strings.Contains(a.Flags, "i") }

// ListActionsOptions filters action listings.
type ListActionsOptions struct {
	Types       []string
	IssuerTag   string
	AudienceTag string
	Involved    string
	ParentID    string
	RootID      string
	Subject     string
	Statuses    []ActionStatus
	After       Timestamp
	Before      Timestamp
	Cursor      string
	Limit       int
}
