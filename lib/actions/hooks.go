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

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo/api/types"
)

// ensureProfile guarantees a cached profile row exists for idTag so
// relationship bookkeeping has something to update.
func (e *Engine) ensureProfile(ctx context.Context, tnID int64, idTag string) error {
	_, err := e.cfg.Meta.GetProfile(ctx, tnID, idTag)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.cfg.Meta.UpsertProfile(ctx, &types.Profile{TnID: tnID, IDTag: idTag}))
}

// connCreate maintains connection state when the local tenant issues a
// CONN. Issuing toward a peer with a live inbound request completes
// the connection; a DEL subtype rescinds whatever state exists.
func (e *Engine) connCreate(ctx context.Context, tnID int64, idTag string, a *types.Action) error {
	peer := a.AudienceTag
	if err := e.ensureProfile(ctx, tnID, peer); err != nil {
		return trace.Wrap(err)
	}
	if a.SubType == types.SubTypeDelete {
		if err := e.connTeardown(ctx, tnID, idTag, peer); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(e.cfg.Meta.UpdateActionStatus(ctx, tnID, a.ActionID, types.ActionAccepted))
	}
	// A fresh request supersedes a previous rescind.
	if err := e.tombstone(ctx, tnID, connKeyFor(idTag, peer)+":"+types.SubTypeDelete); err != nil {
		return trace.Wrap(err)
	}
	inbound, err := e.cfg.Meta.GetActionByKey(ctx, tnID, connKeyFor(peer, idTag))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(e.connEstablish(ctx, tnID, peer, a.ActionID, inbound.ActionID))
}

// connInbound applies a connection request from a peer. A request
// answering our own live request completes the connection; otherwise
// it is stored as a candidate for the user, or answered on the spot
// when the local tenant is a community.
func (e *Engine) connInbound(ctx context.Context, tnID int64, idTag string, a *types.Action) (types.ActionStatus, error) {
	peer := a.IssuerTag
	if err := e.ensureProfile(ctx, tnID, peer); err != nil {
		return types.ActionNew, trace.Wrap(err)
	}
	if a.SubType == types.SubTypeDelete {
		if err := e.connTeardown(ctx, tnID, idTag, peer); err != nil {
			return types.ActionNew, trace.Wrap(err)
		}
		return types.ActionAccepted, nil
	}
	if err := e.tombstone(ctx, tnID, connKeyFor(peer, idTag)+":"+types.SubTypeDelete); err != nil {
		return types.ActionNew, trace.Wrap(err)
	}
	outbound, err := e.cfg.Meta.GetActionByKey(ctx, tnID, connKeyFor(idTag, peer))
	if err == nil {
		if err := e.connEstablish(ctx, tnID, peer, a.ActionID, outbound.ActionID); err != nil {
			return types.ActionNew, trace.Wrap(err)
		}
		return types.ActionAccepted, nil
	}
	if !trace.IsNotFound(err) {
		return types.ActionNew, trace.Wrap(err)
	}
	// Communities answer every request with a reciprocal one, which
	// completes the connection through its own create hook.
	self, err := e.cfg.Meta.GetProfile(ctx, tnID, idTag)
	if err == nil && self.Type == types.TenantCommunity {
		if _, err := e.CreateAction(ctx, tnID, CreateParams{Type: types.ActionConn, AudienceTag: peer}); err != nil {
			return types.ActionCandidate, trace.Wrap(err)
		}
		return types.ActionAccepted, nil
	}
	return types.ActionCandidate, nil
}

// connAccept answers an accepted connection request with the
// reciprocal action.
func (e *Engine) connAccept(ctx context.Context, tnID int64, idTag string, a *types.Action) error {
	if a.SubType == types.SubTypeDelete {
		return nil
	}
	_, err := e.CreateAction(ctx, tnID, CreateParams{Type: types.ActionConn, AudienceTag: a.IssuerTag})
	return trace.Wrap(err)
}

// connEstablish upgrades both sides' rows and the peer profile to a
// mutual connection.
func (e *Engine) connEstablish(ctx context.Context, tnID int64, peer string, actionIDs ...string) error {
	for _, id := range actionIDs {
		if err := e.cfg.Meta.UpdateActionStatus(ctx, tnID, id, types.ActionAccepted); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := e.cfg.Meta.SetProfileConnected(ctx, tnID, peer, true); err != nil {
		return trace.Wrap(err)
	}
	prof, err := e.cfg.Meta.GetProfile(ctx, tnID, peer)
	if err != nil {
		return trace.Wrap(err)
	}
	switch prof.Status {
	case types.ProfileActive, types.ProfileFollower:
		return trace.Wrap(e.cfg.Meta.SetProfileStatus(ctx, tnID, peer, types.ProfileConnected))
	}
	return nil
}

// connTeardown clears connection state toward peer: both live CONN
// rows are tombstoned and the relationship downgraded. Muted and
// blocked profiles keep their user-set status.
func (e *Engine) connTeardown(ctx context.Context, tnID int64, idTag, peer string) error {
	if err := e.tombstone(ctx, tnID, connKeyFor(idTag, peer)); err != nil {
		return trace.Wrap(err)
	}
	if err := e.tombstone(ctx, tnID, connKeyFor(peer, idTag)); err != nil {
		return trace.Wrap(err)
	}
	prof, err := e.cfg.Meta.GetProfile(ctx, tnID, peer)
	if err != nil {
		return trace.Wrap(err)
	}
	if prof.Connected {
		if err := e.cfg.Meta.SetProfileConnected(ctx, tnID, peer, false); err != nil {
			return trace.Wrap(err)
		}
	}
	if prof.Status == types.ProfileConnected {
		next := types.ProfileActive
		if prof.Following {
			next = types.ProfileFollower
		}
		return trace.Wrap(e.cfg.Meta.SetProfileStatus(ctx, tnID, peer, next))
	}
	return nil
}

// followCreate records the follow edge locally. The row itself needs
// no decision on either side.
func (e *Engine) followCreate(ctx context.Context, tnID int64, idTag string, a *types.Action) error {
	peer := a.AudienceTag
	if err := e.ensureProfile(ctx, tnID, peer); err != nil {
		return trace.Wrap(err)
	}
	following := a.SubType != types.SubTypeDelete
	if following {
		if err := e.tombstone(ctx, tnID, followKeyFor(idTag, peer)+":"+types.SubTypeDelete); err != nil {
			return trace.Wrap(err)
		}
	} else {
		if err := e.tombstone(ctx, tnID, followKeyFor(idTag, peer)); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := e.cfg.Meta.SetProfileFollowing(ctx, tnID, peer, following); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.cfg.Meta.UpdateActionStatus(ctx, tnID, a.ActionID, types.ActionAccepted))
}

// followInbound registers or removes the peer as a follower.
func (e *Engine) followInbound(ctx context.Context, tnID int64, idTag string, a *types.Action) (types.ActionStatus, error) {
	peer := a.IssuerTag
	if err := e.ensureProfile(ctx, tnID, peer); err != nil {
		return types.ActionNew, trace.Wrap(err)
	}
	prof, err := e.cfg.Meta.GetProfile(ctx, tnID, peer)
	if err != nil {
		return types.ActionNew, trace.Wrap(err)
	}
	if a.SubType == types.SubTypeDelete {
		if err := e.tombstone(ctx, tnID, followKeyFor(peer, idTag)); err != nil {
			return types.ActionNew, trace.Wrap(err)
		}
		if prof.Status == types.ProfileFollower && !prof.Connected && !prof.Following {
			if err := e.cfg.Meta.SetProfileStatus(ctx, tnID, peer, types.ProfileActive); err != nil {
				return types.ActionNew, trace.Wrap(err)
			}
		}
		return types.ActionAccepted, nil
	}
	if err := e.tombstone(ctx, tnID, followKeyFor(peer, idTag)+":"+types.SubTypeDelete); err != nil {
		return types.ActionNew, trace.Wrap(err)
	}
	if prof.Status == types.ProfileActive {
		if err := e.cfg.Meta.SetProfileStatus(ctx, tnID, peer, types.ProfileFollower); err != nil {
			return types.ActionNew, trace.Wrap(err)
		}
	}
	return types.ActionAccepted, nil
}

// msgInbound acknowledges a received message so the sender's copy can
// settle.
func (e *Engine) msgInbound(ctx context.Context, tnID int64, idTag string, a *types.Action) (types.ActionStatus, error) {
	_, err := e.CreateAction(ctx, tnID, CreateParams{
		Type:        types.ActionAck,
		AudienceTag: a.IssuerTag,
		Subject:     a.ActionID,
	})
	if err != nil {
		return types.ActionNew, trace.Wrap(err)
	}
	return types.ActionAccepted, nil
}

// ackInbound settles the acknowledged action. Only the audience of the
// original action may acknowledge it.
func (e *Engine) ackInbound(ctx context.Context, tnID int64, idTag string, a *types.Action) (types.ActionStatus, error) {
	subject, err := e.cfg.Meta.GetAction(ctx, tnID, a.Subject)
	if err != nil {
		if trace.IsNotFound(err) {
			e.log.DebugContext(ctx, "Acknowledgment for an unknown action.",
				"tn_id", tnID, "subject", a.Subject)
			return types.ActionAccepted, nil
		}
		return types.ActionNew, trace.Wrap(err)
	}
	if subject.AudienceTag != a.IssuerTag {
		return types.ActionNew, trace.AccessDenied("action %q was not addressed to %q", a.Subject, a.IssuerTag)
	}
	if subject.Status == types.ActionNew {
		if err := e.cfg.Meta.UpdateActionStatus(ctx, tnID, subject.ActionID, types.ActionAccepted); err != nil {
			return types.ActionNew, trace.Wrap(err)
		}
	}
	return types.ActionAccepted, nil
}

// fileShareInbound parks the share for a user decision.
func (e *Engine) fileShareInbound(ctx context.Context, tnID int64, idTag string, a *types.Action) (types.ActionStatus, error) {
	return types.ActionCandidate, nil
}
