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

package actions

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo/api/types"
)

// actionType is one compile-time registration of an action type. The
// engine consults it for payload validation, idempotency key format,
// trust requirements and lifecycle hooks.
type actionType struct {
	// check validates a token payload, outbound and inbound alike.
	check func(tok *types.ActionToken) error

	// keyGen derives the type's fixed idempotency key. A nil keyGen
	// or an empty result leaves the slot to the caller or a random
	// default.
	keyGen func(tok *types.ActionToken) string

	// allowUnknown accepts the type from issuers without an
	// established relation and lets creates address identities
	// never seen before.
	allowUnknown bool

	// broadcast fans the action out to followers on create.
	broadcast bool

	createHook  func(e *Engine, ctx context.Context, tnID int64, idTag string, a *types.Action) error
	inboundHook func(e *Engine, ctx context.Context, tnID int64, idTag string, a *types.Action) (types.ActionStatus, error)
	acceptHook  func(e *Engine, ctx context.Context, tnID int64, idTag string, a *types.Action) error
}

// registry holds every action type the core understands. New types are
// added here, not at runtime. It is populated in init to break the
// compile-time initialization cycle through the Engine hook methods.
var registry map[string]actionType

func init() {
	registry = map[string]actionType{
		types.ActionPost: {
			check:     checkPost,
			keyGen:    postKey,
			broadcast: true,
		},
		types.ActionMsg: {
			check:       checkMsg,
			inboundHook: (*Engine).msgInbound,
		},
		types.ActionConn: {
			check:        checkConn,
			keyGen:       connKey,
			allowUnknown: true,
			createHook:   (*Engine).connCreate,
			inboundHook:  (*Engine).connInbound,
			acceptHook:   (*Engine).connAccept,
		},
		types.ActionFollow: {
			check:        checkFollow,
			keyGen:       followKey,
			allowUnknown: true,
			createHook:   (*Engine).followCreate,
			inboundHook:  (*Engine).followInbound,
		},
		types.ActionFShare: {
			check:       checkFileShare,
			inboundHook: (*Engine).fileShareInbound,
		},
		types.ActionRepost: {
			check: checkRepost,
		},
		types.ActionAck: {
			check:       checkAck,
			inboundHook: (*Engine).ackInbound,
		},
		types.ActionReact: {
			check: checkReact,
		},
		types.ActionComment: {
			check: checkComment,
		},
	}
}

func connKeyFor(iss, aud string) string   { return types.ActionConn + ":" + iss + ":" + aud }
func followKeyFor(iss, aud string) string { return types.ActionFollow + ":" + iss + ":" + aud }

func connKey(tok *types.ActionToken) string {
	key := connKeyFor(tok.IssuerTag, tok.AudienceTag)
	if tok.SubType == types.SubTypeDelete {
		key += ":" + types.SubTypeDelete
	}
	return key
}

func followKey(tok *types.ActionToken) string {
	key := followKeyFor(tok.IssuerTag, tok.AudienceTag)
	if tok.SubType == types.SubTypeDelete {
		key += ":" + types.SubTypeDelete
	}
	return key
}

// postKey slots a page post under its parent so re-creating it
// replaces rather than duplicates. Standalone posts use a free slot.
func postKey(tok *types.ActionToken) string {
	if tok.ParentID != "" {
		return "p:" + tok.ParentID
	}
	return ""
}

// textContent requires content to be a non-empty JSON string.
func textContent(content json.RawMessage, what string) error {
	var s string
	if len(content) == 0 || json.Unmarshal(content, &s) != nil || s == "" {
		return trace.BadParameter("%s content must be a non-empty string", what)
	}
	return nil
}

// relationSubType admits the empty subtype and DEL, nothing else.
func relationSubType(tok *types.ActionToken) error {
	switch tok.SubType {
	case "", types.SubTypeDelete:
		return nil
	}
	return trace.BadParameter("unsupported %v subtype %q", tok.Type, tok.SubType)
}

func checkPost(tok *types.ActionToken) error {
	if len(tok.Content) == 0 && len(tok.Attachments) == 0 {
		return trace.BadParameter("a post needs content or attachments")
	}
	return nil
}

func checkMsg(tok *types.ActionToken) error {
	if tok.AudienceTag == "" {
		return trace.BadParameter("a message needs an audience")
	}
	return trace.Wrap(textContent(tok.Content, "message"))
}

func checkConn(tok *types.ActionToken) error {
	if tok.AudienceTag == "" {
		return trace.BadParameter("a connection request needs an audience")
	}
	if tok.AudienceTag == tok.IssuerTag {
		return trace.BadParameter("cannot connect to self")
	}
	if err := relationSubType(tok); err != nil {
		return trace.Wrap(err)
	}
	if len(tok.Content) != 0 {
		return trace.Wrap(textContent(tok.Content, "connection request"))
	}
	return nil
}

func checkFollow(tok *types.ActionToken) error {
	if tok.AudienceTag == "" {
		return trace.BadParameter("a follow needs an audience")
	}
	if tok.AudienceTag == tok.IssuerTag {
		return trace.BadParameter("cannot follow self")
	}
	if err := relationSubType(tok); err != nil {
		return trace.Wrap(err)
	}
	if len(tok.Content) != 0 {
		return trace.BadParameter("a follow carries no content")
	}
	return nil
}

// fileShareContent is the payload of a file share offer.
type fileShareContent struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

func checkFileShare(tok *types.ActionToken) error {
	if tok.AudienceTag == "" {
		return trace.BadParameter("a file share needs an audience")
	}
	if len(tok.Attachments) == 0 {
		return trace.BadParameter("a file share needs at least one attachment")
	}
	var c fileShareContent
	if len(tok.Content) == 0 || json.Unmarshal(tok.Content, &c) != nil || c.FileName == "" || c.ContentType == "" {
		return trace.BadParameter("file share content must carry fileName and contentType")
	}
	return nil
}

func checkRepost(tok *types.ActionToken) error {
	if tok.Subject == "" {
		return trace.BadParameter("a repost needs a subject action")
	}
	return nil
}

func checkAck(tok *types.ActionToken) error {
	if tok.AudienceTag == "" {
		return trace.BadParameter("an acknowledgment needs an audience")
	}
	if tok.Subject == "" {
		return trace.BadParameter("an acknowledgment needs a subject action")
	}
	return nil
}

func checkReact(tok *types.ActionToken) error {
	if tok.ParentID == "" {
		return trace.BadParameter("a reaction needs a parent action")
	}
	return trace.Wrap(textContent(tok.Content, "reaction"))
}

func checkComment(tok *types.ActionToken) error {
	if tok.ParentID == "" {
		return trace.BadParameter("a comment needs a parent action")
	}
	return trace.Wrap(textContent(tok.Content, "comment"))
}
