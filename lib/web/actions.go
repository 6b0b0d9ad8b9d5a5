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

package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/actions"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/federation"
	"github.com/cloudillo/cloudillo/lib/httplib"
)

// parseListActions translates list query parameters into store
// options. Unknown parameters are ignored.
func parseListActions(r *http.Request) (types.ListActionsOptions, error) {
	q := r.URL.Query()
	opts := types.ListActionsOptions{
		IssuerTag:   q.Get("issuer"),
		AudienceTag: q.Get("audience"),
		Involved:    q.Get("involved"),
		ParentID:    q.Get("parentId"),
		RootID:      q.Get("rootId"),
		Subject:     q.Get("subject"),
		Cursor:      q.Get("cursor"),
	}
	if v := q.Get("types"); v != "" {
		opts.Types = strings.Split(v, ",")
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			opts.Statuses = append(opts.Statuses, types.ActionStatus(s))
		}
	}
	if v := q.Get("after"); v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return opts, trace.Wrap(err)
		}
		opts.After = ts
	}
	if v := q.Get("before"); v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return opts, trace.Wrap(err)
		}
		opts.Before = ts
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return opts, trace.BadParameter("invalid limit %q", v)
		}
		opts.Limit = limit
	}
	return opts, nil
}

// parseTimestamp parses the wire form of a timestamp (seconds with
// optional fractional digits).
func parseTimestamp(v string) (types.Timestamp, error) {
	var ts types.Timestamp
	if err := ts.UnmarshalJSON([]byte(v)); err != nil {
		return 0, trace.Wrap(err)
	}
	return ts, nil
}

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	opts, err := parseListActions(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, cursor, err := h.cfg.Meta.ListActions(r.Context(), tc.TnID, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listEnvelope{Items: items, Cursor: cursor}, nil
}

func (h *Handler) createAction(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		Type        string           `json:"type"`
		SubType     string           `json:"subType"`
		Content     json.RawMessage  `json:"content"`
		ParentID    string           `json:"parentId"`
		Audience    string           `json:"audience"`
		Subject     string           `json:"subject"`
		Attachments []string         `json:"attachments"`
		Expires     *types.Timestamp `json:"expiresAt"`
		Key         string           `json:"key"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	action, err := h.cfg.Actions.CreateAction(r.Context(), tc.TnID, actions.CreateParams{
		Type:        req.Type,
		SubType:     req.SubType,
		Content:     req.Content,
		ParentID:    req.ParentID,
		AudienceTag: req.Audience,
		Subject:     req.Subject,
		Attachments: req.Attachments,
		Expires:     req.Expires,
		Key:         req.Key,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return action, nil
}

// getAction returns one action. The path slot also serves the token
// listing: "tokens" is not a valid content address.
func (h *Handler) getAction(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	actionID := p.ByName("actionId")
	if actionID == "tokens" {
		return h.listActionTokens(r, tc)
	}
	action, err := h.cfg.Meta.GetAction(r.Context(), tc.TnID, actionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return action, nil
}

// listActionTokens serves the raw signed tokens, the form peers and
// migration tools consume.
func (h *Handler) listActionTokens(r *http.Request, tc *TenantContext) (any, error) {
	opts, err := parseListActions(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, cursor, err := h.cfg.Meta.ListActionTokens(r.Context(), tc.TnID, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listEnvelope{Items: items, Cursor: cursor}, nil
}

func (h *Handler) actionStat(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	stat, err := h.cfg.Meta.GetActionStat(r.Context(), tc.TnID, p.ByName("actionId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stat, nil
}

func (h *Handler) acceptAction(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	action, err := h.cfg.Actions.AcceptAction(r.Context(), tc.TnID, p.ByName("actionId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return action, nil
}

func (h *Handler) rejectAction(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	action, err := h.cfg.Actions.RejectAction(r.Context(), tc.TnID, p.ByName("actionId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return action, nil
}

// inbox receives action tokens from peer instances. It is bound as a
// plain route: inbound tokens authenticate themselves, and every
// verification failure maps to 401 so a peer can tell rejection from
// a server fault.
func (h *Handler) inbox(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tnID, _, err := h.cfg.Identity.ResolveTenant(r.Context(), r)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	var req federation.InboxRequest
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		httplib.ReplyAuthError(w, err)
		return
	}
	action, err := h.cfg.Actions.HandleInbound(r.Context(), tnID, req.Token)
	if err != nil {
		if trace.IsAccessDenied(err) || trace.IsBadParameter(err) {
			httplib.ReplyAuthError(w, err)
			return
		}
		httplib.ReplyError(w, err)
		return
	}
	roundtrip.ReplyJSON(w, http.StatusOK, action)
}
