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

// Package actions implements the action exchange engine: it issues
// signed action tokens on behalf of local tenants, validates and
// applies tokens delivered by peer instances, and runs the
// type-specific side effects that maintain relationship state.
//
// Every action type known to the engine is registered in a
// compile-time table describing its payload schema, idempotency key
// format, trust requirements and lifecycle hooks. The engine itself is
// type-agnostic: it signs, persists, delivers and publishes, and
// defers everything else to the registration.
package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/tokens"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// Federation is the slice of the federation client the engine needs:
// pushing tokens to peer inboxes and pulling profiles and attachment
// blobs from them.
type Federation interface {
	DeliverAction(ctx context.Context, tnID int64, peer, token string) error
	SyncProfile(ctx context.Context, tnID int64, idTag string) error
	FetchAttachment(ctx context.Context, tnID int64, peer, fileID string, public bool) error
}

// Config holds the dependencies of the action engine.
type Config struct {
	// Auth resolves tenant identity tags and signing keys.
	Auth backend.AuthStore

	// Meta stores profiles, actions, files and the delivery queue.
	Meta backend.MetaStore

	// Blobs stores attachment bytes.
	Blobs backend.BlobStore

	// Bus publishes stored actions to live subscribers.
	Bus backend.MessageBusStore

	// Federation reaches peer instances.
	Federation Federation

	// MaxFanout caps the number of follower deliveries a single
	// broadcast action may enqueue.
	MaxFanout int

	// Clock overrides time in tests.
	Clock clockwork.Clock

	// Log emits engine diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Meta == nil {
		return trace.BadParameter("missing parameter Meta")
	}
	if c.Blobs == nil {
		return trace.BadParameter("missing parameter Blobs")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Federation == nil {
		return trace.BadParameter("missing parameter Federation")
	}
	if c.MaxFanout <= 0 {
		c.MaxFanout = defaults.MaxFanout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentActions)
	}
	return nil
}

// Engine creates, receives and dispatches signed actions.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New returns an action engine with the supplied dependencies.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg, log: cfg.Log}, nil
}

// CreateParams describes an action issued on behalf of a local tenant.
type CreateParams struct {
	Type        string
	SubType     string
	Content     json.RawMessage
	ParentID    string
	AudienceTag string
	Subject     string
	Attachments []string
	Expires     *types.Timestamp

	// Key overrides the generated idempotency slot. Types with a
	// fixed key format ignore it.
	Key string
}

// CreateAction signs, persists and delivers a new action. A create
// whose idempotency key collides with a live action is a no-op and
// returns the existing row.
func (e *Engine) CreateAction(ctx context.Context, tnID int64, p CreateParams) (*types.Action, error) {
	typ, ok := registry[p.Type]
	if !ok {
		return nil, trace.BadParameter("unsupported action type %q", p.Type)
	}
	idTag, err := e.cfg.Auth.GetIdentityTag(ctx, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	payload := &types.ActionToken{
		IssuerTag:   idTag,
		Type:        p.Type,
		SubType:     p.SubType,
		Content:     p.Content,
		ParentID:    p.ParentID,
		Attachments: p.Attachments,
		AudienceTag: p.AudienceTag,
		Subject:     p.Subject,
		IssuedAt:    types.TimestampFromTime(e.cfg.Clock.Now()),
		Expires:     p.Expires,
	}
	if err := typ.check(payload); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.resolveAudience(ctx, tnID, typ, p.AudienceTag); err != nil {
		return nil, trace.Wrap(err)
	}

	rootID := e.resolveRoot(ctx, tnID, p.ParentID)
	payload.Key = actionKey(typ, payload, p.Key)
	raw, err := e.signToken(ctx, tnID, payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	action := &types.Action{
		ActionID:    tokens.ActionID(raw),
		TnID:        tnID,
		Key:         payload.Key,
		Type:        p.Type,
		SubType:     p.SubType,
		ParentID:    p.ParentID,
		RootID:      rootID,
		IssuerTag:   idTag,
		AudienceTag: p.AudienceTag,
		Subject:     p.Subject,
		Content:     p.Content,
		Attachments: p.Attachments,
		CreatedAt:   payload.IssuedAt,
		Expires:     p.Expires,
		Status:      types.ActionNew,
	}
	stored, err := e.cfg.Meta.CreateAction(ctx, action, raw)
	if err != nil {
		if trace.IsAlreadyExists(err) && stored != nil {
			e.log.DebugContext(ctx, "Action create hit an existing key.",
				"tn_id", tnID, "key", payload.Key, "action_id", stored.ActionID)
			return stored, nil
		}
		return nil, trace.Wrap(err)
	}
	action = stored

	if typ.createHook != nil {
		if err := typ.createHook(e, ctx, tnID, idTag, action); err != nil {
			e.log.WarnContext(ctx, "Action create hook failed.",
				"tn_id", tnID, "type", p.Type, "action_id", action.ActionID, "error", err)
		}
	}
	e.publishOwn(ctx, idTag, action)
	e.dispatch(ctx, tnID, idTag, typ, action, raw)

	// Hooks and delivery may have advanced the stored status.
	if current, err := e.cfg.Meta.GetAction(ctx, tnID, action.ActionID); err == nil {
		action = current
	}
	return action, nil
}

// AcceptAction resolves a pending action in favor of the local user
// and runs the type's accept hook.
func (e *Engine) AcceptAction(ctx context.Context, tnID int64, actionID string) (*types.Action, error) {
	action, err := e.cfg.Meta.GetAction(ctx, tnID, actionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch action.Status {
	case types.ActionAccepted:
		return action, nil
	case types.ActionNew, types.ActionCandidate:
	default:
		return nil, trace.BadParameter("action %q is not awaiting a decision", actionID)
	}
	if err := e.cfg.Meta.UpdateActionStatus(ctx, tnID, actionID, types.ActionAccepted); err != nil {
		return nil, trace.Wrap(err)
	}
	action.Status = types.ActionAccepted
	if typ, ok := registry[action.Type]; ok && typ.acceptHook != nil {
		idTag, err := e.cfg.Auth.GetIdentityTag(ctx, tnID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := typ.acceptHook(e, ctx, tnID, idTag, action); err != nil {
			e.log.WarnContext(ctx, "Action accept hook failed.",
				"tn_id", tnID, "type", action.Type, "action_id", actionID, "error", err)
		}
	}
	return action, nil
}

// RejectAction resolves a pending action against the local user.
func (e *Engine) RejectAction(ctx context.Context, tnID int64, actionID string) (*types.Action, error) {
	action, err := e.cfg.Meta.GetAction(ctx, tnID, actionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch action.Status {
	case types.ActionRejected:
		return action, nil
	case types.ActionNew, types.ActionCandidate:
	default:
		return nil, trace.BadParameter("action %q is not awaiting a decision", actionID)
	}
	if err := e.cfg.Meta.UpdateActionStatus(ctx, tnID, actionID, types.ActionRejected); err != nil {
		return nil, trace.Wrap(err)
	}
	action.Status = types.ActionRejected
	return action, nil
}

// resolveAudience checks that a direct audience is a known profile.
// Types marked allowUnknown may address identities never seen before;
// for those a best-effort sync primes the profile cache so later
// bookkeeping has a row to work with.
func (e *Engine) resolveAudience(ctx context.Context, tnID int64, typ actionType, audience string) error {
	if audience == "" {
		return nil
	}
	_, err := e.cfg.Meta.GetProfile(ctx, tnID, audience)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if !typ.allowUnknown {
		return trace.NotFound("audience %q is not a known profile", audience)
	}
	if err := e.cfg.Federation.SyncProfile(ctx, tnID, audience); err != nil {
		e.log.DebugContext(ctx, "Audience profile sync failed.",
			"tn_id", tnID, "audience", audience, "error", err)
	}
	return nil
}

// resolveRoot maps a parent reference to the root of its thread with a
// single chain walk. An unknown parent becomes its own root so partial
// threads stay traversable.
func (e *Engine) resolveRoot(ctx context.Context, tnID int64, parentID string) string {
	if parentID == "" {
		return ""
	}
	parent, err := e.cfg.Meta.GetAction(ctx, tnID, parentID)
	if err != nil {
		return parentID
	}
	if parent.RootID != "" {
		return parent.RootID
	}
	return parentID
}

// actionKey derives the idempotency slot of a new action: the type's
// fixed format when it defines one, then the caller's explicit slot,
// then a random one.
func actionKey(typ actionType, tok *types.ActionToken, explicit string) string {
	if typ.keyGen != nil {
		if key := typ.keyGen(tok); key != "" {
			return key
		}
	}
	if explicit != "" {
		return explicit
	}
	return uuid.NewString()
}

// signToken signs an action payload with the tenant's current key.
func (e *Engine) signToken(ctx context.Context, tnID int64, payload *types.ActionToken) (string, error) {
	keyID, privateKey, err := e.cfg.Auth.GetSigningKey(ctx, tnID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	private, err := tokens.DecodePrivateKey(privateKey)
	if err != nil {
		return "", trace.Wrap(err)
	}
	raw, err := tokens.SignAction(&tokens.SigningKey{KeyID: keyID, Private: private}, payload)
	return raw, trace.Wrap(err)
}

// publishOwn mirrors a freshly created action to the tenant's own bus
// so other open sessions update live. Unlike inbound publishes it
// never falls through to the notification sink: nobody needs a push
// notification about their own action.
func (e *Engine) publishOwn(ctx context.Context, idTag string, action *types.Action) {
	if !e.cfg.Bus.Online(idTag) {
		return
	}
	data, err := json.Marshal(action)
	if err != nil {
		return
	}
	if err := e.cfg.Bus.Send(ctx, idTag, &types.BusMessage{Cmd: types.BusCmdAction, Data: data}); err != nil {
		e.log.DebugContext(ctx, "Bus publish failed.", "id_tag", idTag, "error", err)
	}
}

// tombstone marks the live action stored under key as deleted. Missing
// keys are fine; other failures surface to the caller.
func (e *Engine) tombstone(ctx context.Context, tnID int64, key string) error {
	action, err := e.cfg.Meta.GetActionByKey(ctx, tnID, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(e.cfg.Meta.UpdateActionStatus(ctx, tnID, action.ActionID, types.ActionDeleted))
}
