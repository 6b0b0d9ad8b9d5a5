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
	"github.com/cloudillo/cloudillo/lib/tokens"
)

// HandleInbound validates an action token delivered by a peer and
// applies it to the tenant's store. Re-delivery of an already stored
// action returns the existing row unchanged.
func (e *Engine) HandleInbound(ctx context.Context, tnID int64, raw string) (*types.Action, error) {
	tok, err := tokens.PeekAction(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	typ, ok := registry[tok.Type]
	if !ok {
		return nil, trace.BadParameter("unsupported action type %q", tok.Type)
	}
	if err := typ.check(tok); err != nil {
		return nil, trace.Wrap(err)
	}
	idTag, err := e.cfg.Auth.GetIdentityTag(ctx, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if tok.AudienceTag != "" && tok.AudienceTag != idTag {
		return nil, trace.AccessDenied("action is addressed to %q", tok.AudienceTag)
	}
	if err := e.verifyToken(ctx, tnID, tok.IssuerTag, raw); err != nil {
		return nil, trace.Wrap(err)
	}

	actionID := tokens.ActionID(raw)
	if existing, err := e.cfg.Meta.GetAction(ctx, tnID, actionID); err == nil {
		return existing, nil
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	if err := e.checkIssuer(ctx, tnID, tok.IssuerTag, typ); err != nil {
		return nil, trace.Wrap(err)
	}

	attachments := tok.Attachments
	if len(attachments) > 0 && tok.AudienceTag == idTag {
		attachments = e.syncAttachments(ctx, tnID, tok)
	}

	action := &types.Action{
		ActionID:    actionID,
		TnID:        tnID,
		Key:         actionKey(typ, tok, tok.Key),
		Type:        tok.Type,
		SubType:     tok.SubType,
		ParentID:    tok.ParentID,
		RootID:      e.resolveRoot(ctx, tnID, tok.ParentID),
		IssuerTag:   tok.IssuerTag,
		AudienceTag: tok.AudienceTag,
		Subject:     tok.Subject,
		Content:     tok.Content,
		Attachments: attachments,
		CreatedAt:   tok.IssuedAt,
		Expires:     tok.Expires,
		Status:      types.ActionNew,
	}
	stored, err := e.cfg.Meta.CreateAction(ctx, action, raw)
	if err != nil {
		if trace.IsAlreadyExists(err) && stored != nil {
			e.log.DebugContext(ctx, "Inbound action hit an existing key.",
				"tn_id", tnID, "key", action.Key, "action_id", stored.ActionID)
			return stored, nil
		}
		return nil, trace.Wrap(err)
	}
	action = stored

	if typ.inboundHook != nil {
		status, err := typ.inboundHook(e, ctx, tnID, idTag, action)
		if err != nil {
			e.log.WarnContext(ctx, "Action inbound hook failed.",
				"tn_id", tnID, "type", action.Type, "action_id", actionID, "error", err)
		} else if status != types.ActionNew {
			if err := e.cfg.Meta.UpdateActionStatus(ctx, tnID, actionID, status); err != nil {
				return nil, trace.Wrap(err)
			}
			action.Status = status
		}
	}
	e.publishInbound(ctx, idTag, action)
	return action, nil
}

// verifyToken checks the token signature against the issuer's
// published keys, syncing the profile once when the signing key is not
// cached yet.
func (e *Engine) verifyToken(ctx context.Context, tnID int64, issuer, raw string) error {
	keyID, err := tokens.ActionKeyID(raw)
	if err != nil {
		return trace.Wrap(err)
	}
	keys, err := e.cfg.Meta.ListProfileKeys(ctx, tnID, issuer)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if !hasKey(keys, keyID) {
		if err := e.cfg.Federation.SyncProfile(ctx, tnID, issuer); err != nil {
			e.log.DebugContext(ctx, "Issuer profile sync failed.",
				"tn_id", tnID, "issuer", issuer, "error", err)
		}
		if keys, err = e.cfg.Meta.ListProfileKeys(ctx, tnID, issuer); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	_, err = tokens.VerifyAction(e.cfg.Clock, raw, keys)
	return trace.Wrap(err)
}

func hasKey(keys []types.ProfileKey, keyID string) bool {
	for _, key := range keys {
		if key.KeyID == keyID {
			return true
		}
	}
	return false
}

// checkIssuer enforces the trust gate: blocked issuers are always
// rejected, and types that do not allow unknown issuers require an
// established profile.
func (e *Engine) checkIssuer(ctx context.Context, tnID int64, issuer string, typ actionType) error {
	prof, err := e.cfg.Meta.GetProfile(ctx, tnID, issuer)
	if err != nil {
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if typ.allowUnknown {
			return nil
		}
		return trace.AccessDenied("issuer %q is not a known profile", issuer)
	}
	if prof.Status == types.ProfileBlocked {
		return trace.AccessDenied("issuer %q is blocked", issuer)
	}
	if !typ.allowUnknown && !prof.Status.TrustsIssuer() {
		return trace.AccessDenied("issuer %q is not trusted", issuer)
	}
	return nil
}

// syncAttachments fetches the attachment blobs of a directly addressed
// action and returns the attachment list to persist. Bytes that do not
// hash to their announced id drop the attachment; transient fetch
// failures keep it, leaving the file row pending for the worker.
func (e *Engine) syncAttachments(ctx context.Context, tnID int64, tok *types.ActionToken) []string {
	var share fileShareContent
	if tok.Type == types.ActionFShare {
		json.Unmarshal(tok.Content, &share)
	}
	kept := make([]string, 0, len(tok.Attachments))
	for _, entry := range tok.Attachments {
		att, err := types.ParseAttachment(entry)
		if err != nil {
			e.log.WarnContext(ctx, "Dropping malformed attachment.",
				"tn_id", tnID, "attachment", entry, "error", err)
			continue
		}
		fileID := att.FileID()
		if err := e.cfg.Meta.CreateFile(ctx, &types.FileMeta{
			FileID:      fileID,
			TnID:        tnID,
			OwnerTag:    tok.IssuerTag,
			FileName:    share.FileName,
			ContentType: share.ContentType,
			CreatedAt:   e.cfg.Clock.Now(),
			Status:      types.FilePending,
		}); err != nil {
			e.log.WarnContext(ctx, "Attachment file record failed.",
				"tn_id", tnID, "file_id", fileID, "error", err)
		}
		err = e.cfg.Federation.FetchAttachment(ctx, tnID, tok.IssuerTag, fileID, att.Public())
		switch {
		case err == nil:
			if err := e.cfg.Meta.SetFileStatus(ctx, tnID, fileID, types.FileActive); err != nil {
				e.log.WarnContext(ctx, "Attachment status update failed.",
					"tn_id", tnID, "file_id", fileID, "error", err)
			}
			kept = append(kept, entry)
		case trace.IsCompareFailed(err):
			e.log.WarnContext(ctx, "Attachment content hash mismatch.",
				"tn_id", tnID, "issuer", tok.IssuerTag, "file_id", fileID)
			if err := e.cfg.Meta.SetFileStatus(ctx, tnID, fileID, types.FileDeleted); err != nil {
				e.log.WarnContext(ctx, "Attachment status update failed.",
					"tn_id", tnID, "file_id", fileID, "error", err)
			}
		default:
			e.log.DebugContext(ctx, "Attachment fetch deferred.",
				"tn_id", tnID, "file_id", fileID, "error", err)
			kept = append(kept, entry)
		}
	}
	return kept
}

// publishInbound announces a stored action on the tenant bus. With no
// online subscriber the bus adapter falls through to the notification
// sink.
func (e *Engine) publishInbound(ctx context.Context, idTag string, action *types.Action) {
	data, err := json.Marshal(action)
	if err != nil {
		return
	}
	if err := e.cfg.Bus.Send(ctx, idTag, &types.BusMessage{Cmd: types.BusCmdAction, Data: data}); err != nil {
		e.log.DebugContext(ctx, "Bus publish failed.", "id_tag", idTag, "error", err)
	}
}
