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
	"time"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/federation"
)

// Batch sizes of the periodic maintenance sweeps.
const (
	deliveryBatch = 100
	fileBatch     = 50
	profileBatch  = 50
)

// dispatch sends a freshly created action to its recipients: the
// direct audience synchronously, followers through the delivery queue.
func (e *Engine) dispatch(ctx context.Context, tnID int64, idTag string, typ actionType, action *types.Action, raw string) {
	if action.AudienceTag != "" && action.AudienceTag != idTag {
		e.deliverDirect(ctx, tnID, action, raw)
	}
	if typ.broadcast {
		if err := e.enqueueFanout(ctx, tnID, idTag, action); err != nil {
			e.log.WarnContext(ctx, "Broadcast fan-out failed.",
				"tn_id", tnID, "action_id", action.ActionID, "error", err)
		}
	}
}

// deliverDirect pushes the token to the audience inbox once, queueing
// a retry on transient failure. Permanent rejection settles the action
// as rejected.
func (e *Engine) deliverDirect(ctx context.Context, tnID int64, action *types.Action, raw string) {
	err := e.cfg.Federation.DeliverAction(ctx, tnID, action.AudienceTag, raw)
	if err == nil {
		return
	}
	if federation.IsPermanent(err) {
		e.log.WarnContext(ctx, "Peer rejected the action.",
			"tn_id", tnID, "recipient", action.AudienceTag, "action_id", action.ActionID, "error", err)
		e.settleRejected(ctx, tnID, action.ActionID)
		return
	}
	e.log.DebugContext(ctx, "Delivery deferred.",
		"tn_id", tnID, "recipient", action.AudienceTag, "action_id", action.ActionID, "error", err)
	if err := e.cfg.Meta.CreateDelivery(ctx, &backend.Delivery{
		TnID:      tnID,
		ActionID:  action.ActionID,
		Recipient: action.AudienceTag,
		Attempts:  1,
		NextAt:    e.cfg.Clock.Now().Add(defaults.DeliveryRetryPeriod),
	}); err != nil {
		e.log.WarnContext(ctx, "Delivery enqueue failed.",
			"tn_id", tnID, "action_id", action.ActionID, "error", err)
	}
}

// enqueueFanout queues one delivery per follower, capped by the
// fan-out budget.
func (e *Engine) enqueueFanout(ctx context.Context, tnID int64, idTag string, action *types.Action) error {
	followers, err := e.cfg.Meta.ListFollowers(ctx, tnID, e.cfg.MaxFanout+1)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(followers) > e.cfg.MaxFanout {
		e.log.WarnContext(ctx, "Broadcast fan-out truncated.",
			"tn_id", tnID, "action_id", action.ActionID, "max_fanout", e.cfg.MaxFanout)
		followers = followers[:e.cfg.MaxFanout]
	}
	now := e.cfg.Clock.Now()
	for _, follower := range followers {
		if follower == idTag || follower == action.AudienceTag {
			continue
		}
		if err := e.cfg.Meta.CreateDelivery(ctx, &backend.Delivery{
			TnID:      tnID,
			ActionID:  action.ActionID,
			Recipient: follower,
			NextAt:    now,
		}); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// RetryDeliveries drains the due slice of the delivery queue. It is
// registered as a periodic worker task; a full batch asks for a
// prompt re-run to work off backlog.
func (e *Engine) RetryDeliveries(ctx context.Context) (time.Duration, error) {
	now := e.cfg.Clock.Now()
	due, err := e.cfg.Meta.ListDueDeliveries(ctx, now, deliveryBatch)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	for _, d := range due {
		if ctx.Err() != nil {
			return 0, trace.Wrap(ctx.Err())
		}
		token, err := e.cfg.Meta.GetActionToken(ctx, d.TnID, d.ActionID)
		if err != nil {
			if !trace.IsNotFound(err) {
				return 0, trace.Wrap(err)
			}
			if err := e.cfg.Meta.DeleteDelivery(ctx, d.ID); err != nil {
				return 0, trace.Wrap(err)
			}
			continue
		}
		switch err := e.cfg.Federation.DeliverAction(ctx, d.TnID, d.Recipient, token); {
		case err == nil:
			if err := e.cfg.Meta.DeleteDelivery(ctx, d.ID); err != nil {
				return 0, trace.Wrap(err)
			}
		case federation.IsPermanent(err):
			e.log.WarnContext(ctx, "Peer rejected the action.",
				"tn_id", d.TnID, "recipient", d.Recipient, "action_id", d.ActionID, "error", err)
			if err := e.cfg.Meta.DeleteDelivery(ctx, d.ID); err != nil {
				return 0, trace.Wrap(err)
			}
			e.settleDirectRejection(ctx, d)
		default:
			attempts := d.Attempts + 1
			if attempts >= defaults.DeliveryMaxAttempts {
				e.log.WarnContext(ctx, "Delivery abandoned.",
					"tn_id", d.TnID, "recipient", d.Recipient, "action_id", d.ActionID, "attempts", attempts)
				if err := e.cfg.Meta.DeleteDelivery(ctx, d.ID); err != nil {
					return 0, trace.Wrap(err)
				}
				e.settleDirectRejection(ctx, d)
				continue
			}
			nextAt := now.Add(time.Duration(attempts) * defaults.DeliveryRetryPeriod)
			if err := e.cfg.Meta.RescheduleDelivery(ctx, d.ID, attempts, nextAt); err != nil {
				return 0, trace.Wrap(err)
			}
		}
	}
	if len(due) == deliveryBatch {
		return defaults.NotifyPeriod, nil
	}
	return 0, nil
}

// settleDirectRejection marks the action rejected when the failed
// recipient was its direct audience. A failed follower copy does not
// change the action.
func (e *Engine) settleDirectRejection(ctx context.Context, d backend.Delivery) {
	action, err := e.cfg.Meta.GetAction(ctx, d.TnID, d.ActionID)
	if err != nil || action.AudienceTag != d.Recipient {
		return
	}
	e.settleRejected(ctx, d.TnID, d.ActionID)
}

func (e *Engine) settleRejected(ctx context.Context, tnID int64, actionID string) {
	if err := e.cfg.Meta.UpdateActionStatus(ctx, tnID, actionID, types.ActionRejected); err != nil {
		e.log.WarnContext(ctx, "Action status update failed.",
			"tn_id", tnID, "action_id", actionID, "error", err)
	}
}

// SyncPendingFiles retries the attachment fetches that could not
// complete inline. Registered as a periodic worker task.
func (e *Engine) SyncPendingFiles(ctx context.Context) (time.Duration, error) {
	files, err := e.cfg.Meta.ListPendingFiles(ctx, fileBatch)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	for _, f := range files {
		if ctx.Err() != nil {
			return 0, trace.Wrap(ctx.Err())
		}
		if f.OwnerTag == "" {
			continue
		}
		switch err := e.cfg.Federation.FetchAttachment(ctx, f.TnID, f.OwnerTag, f.FileID, false); {
		case err == nil:
			if err := e.cfg.Meta.SetFileStatus(ctx, f.TnID, f.FileID, types.FileActive); err != nil {
				return 0, trace.Wrap(err)
			}
		case trace.IsCompareFailed(err) || federation.IsPermanent(err):
			e.log.WarnContext(ctx, "Giving up on attachment.",
				"tn_id", f.TnID, "owner", f.OwnerTag, "file_id", f.FileID, "error", err)
			if err := e.cfg.Meta.SetFileStatus(ctx, f.TnID, f.FileID, types.FileDeleted); err != nil {
				return 0, trace.Wrap(err)
			}
		default:
			e.log.DebugContext(ctx, "Attachment fetch deferred.",
				"tn_id", f.TnID, "file_id", f.FileID, "error", err)
		}
	}
	return 0, nil
}

// SyncStaleProfiles refreshes remote profiles whose cached copy has
// aged out. Registered as a periodic worker task.
func (e *Engine) SyncStaleProfiles(ctx context.Context) (time.Duration, error) {
	deadline := e.cfg.Clock.Now().Add(-defaults.ProfileStaleAfter)
	profiles, err := e.cfg.Meta.ListStaleProfiles(ctx, deadline, profileBatch)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	for _, prof := range profiles {
		if ctx.Err() != nil {
			return 0, trace.Wrap(ctx.Err())
		}
		if err := e.cfg.Federation.SyncProfile(ctx, prof.TnID, prof.IDTag); err != nil {
			e.log.DebugContext(ctx, "Profile refresh failed.",
				"tn_id", prof.TnID, "id_tag", prof.IDTag, "error", err)
		}
	}
	return 0, nil
}
