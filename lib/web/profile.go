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
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/httplib"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// profileDoc serves the tenant's federation profile document. Peers
// poll it with If-None-Match; the ETag is the content hash of the
// document, so any profile or key change invalidates it.
func (h *Handler) profileDoc(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) error {
	profile, err := h.cfg.Meta.GetProfile(r.Context(), tc.TnID, tc.IDTag)
	if err != nil {
		return trace.Wrap(err)
	}
	keys, err := h.cfg.Auth.ListPublicKeys(r.Context(), tc.TnID)
	if err != nil {
		return trace.Wrap(err)
	}
	doc := types.ProfileDoc{
		IDTag:      tc.IDTag,
		Name:       profile.Name,
		Type:       profile.Type,
		ProfilePic: profile.ProfilePic,
		CoverPic:   profile.CoverPic,
		Keys:       keys,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return trace.Wrap(err)
	}
	etag := `"` + backend.ContentHash(body) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
	return nil
}

func parseListProfiles(r *http.Request) (types.ListProfilesOptions, error) {
	q := r.URL.Query()
	opts := types.ListProfilesOptions{
		Type:   types.TenantType(q.Get("type")),
		Query:  q.Get("q"),
		Cursor: q.Get("cursor"),
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			opts.Statuses = append(opts.Statuses, types.ProfileStatus(s))
		}
	}
	if v := q.Get("connected"); v != "" {
		connected, err := strconv.ParseBool(v)
		if err != nil {
			return opts, trace.BadParameter("invalid connected %q", v)
		}
		opts.Connected = &connected
	}
	if v := q.Get("following"); v != "" {
		following, err := strconv.ParseBool(v)
		if err != nil {
			return opts, trace.BadParameter("invalid following %q", v)
		}
		opts.Following = &following
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

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	opts, err := parseListProfiles(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, cursor, err := h.cfg.Meta.ListProfiles(r.Context(), tc.TnID, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listEnvelope{Items: items, Cursor: cursor}, nil
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	profile, err := h.cfg.Meta.GetProfile(r.Context(), tc.TnID, p.ByName("idTag"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return profile, nil
}

// patchProfile updates the relationship status of a remote profile.
// Connection and follow state are driven by actions, not by this
// endpoint; the tenant's own trusted profile cannot be demoted here.
func (h *Handler) patchProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	idTag := p.ByName("idTag")
	var req struct {
		Status types.ProfileStatus `json:"status"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	switch req.Status {
	case types.ProfileActive, types.ProfileFollower, types.ProfileConnected, types.ProfileMuted, types.ProfileBlocked:
	default:
		return nil, trace.BadParameter("invalid status %q", req.Status)
	}
	if idTag == tc.IDTag {
		return nil, trace.BadParameter("cannot change the status of the own profile")
	}
	if err := h.cfg.Meta.SetProfileStatus(r.Context(), tc.TnID, idTag, req.Status); err != nil {
		return nil, trace.Wrap(err)
	}
	profile, err := h.cfg.Meta.GetProfile(r.Context(), tc.TnID, idTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return profile, nil
}

func (h *Handler) listSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	items, err := h.cfg.Meta.ListSettings(r.Context(), tc.TnID, r.URL.Query().Get("prefix"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listEnvelope{Items: items}, nil
}

func (h *Handler) getSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	name := p.ByName("name")
	value, err := h.cfg.Meta.GetSetting(r.Context(), tc.TnID, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return types.Setting{Name: name, Value: value}, nil
}

func (h *Handler) putSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		Value string `json:"value"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(h.cfg.Meta.PutSetting(r.Context(), tc.TnID, p.ByName("name"), req.Value))
}

func (h *Handler) deleteSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	return nil, trace.Wrap(h.cfg.Meta.DeleteSetting(r.Context(), tc.TnID, p.ByName("name")))
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	items, err := h.cfg.Meta.ListSubscriptions(r.Context(), tc.TnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listEnvelope{Items: items}, nil
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		Endpoint string          `json:"endpoint"`
		Keys     json.RawMessage `json:"keys"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Endpoint == "" {
		return nil, trace.BadParameter("missing endpoint")
	}
	sub := &types.Subscription{
		SubsID:    utils.RandomID(12),
		TnID:      tc.TnID,
		Endpoint:  req.Endpoint,
		Keys:      req.Keys,
		CreatedAt: h.cfg.Clock.Now(),
	}
	if err := h.cfg.Meta.CreateSubscription(r.Context(), sub); err != nil {
		return nil, trace.Wrap(err)
	}
	return sub, nil
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	return nil, trace.Wrap(h.cfg.Meta.DeleteSubscription(r.Context(), tc.TnID, p.ByName("subsId")))
}

func (h *Handler) listRefs(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	items, err := h.cfg.Meta.ListRefs(r.Context(), tc.TnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listEnvelope{Items: items}, nil
}

// refReply pairs a created ref row with its shareable token. The
// token is only returned once: it cannot be reconstructed from the
// row.
type refReply struct {
	Ref   *types.Ref `json:"ref"`
	Token string     `json:"token"`
}

func (h *Handler) createRef(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		Resource    string            `json:"resource"`
		Access      types.AccessLevel `json:"access"`
		Description string            `json:"description"`
		Quota       *int64            `json:"quota"`
		ExpiresAt   *time.Time        `json:"expiresAt"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Resource == "" {
		return nil, trace.BadParameter("missing resource")
	}
	if req.Access == "" {
		req.Access = types.AccessRead
	}
	switch req.Access {
	case types.AccessRead, types.AccessWrite, types.AccessAdmin:
	default:
		return nil, trace.BadParameter("invalid access %q", req.Access)
	}
	ref := &types.Ref{
		RefID:       utils.RandomID(18),
		TnID:        tc.TnID,
		ResourceID:  req.Resource,
		Access:      req.Access,
		Description: req.Description,
		Quota:       req.Quota,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   h.cfg.Clock.Now(),
	}
	if err := h.cfg.Meta.CreateRef(r.Context(), ref); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := h.cfg.Identity.Issuer().IssueRef(ref.RefID, ref.ResourceID, ref.Access, ref.ExpiresAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return refReply{Ref: ref, Token: token}, nil
}

func (h *Handler) getRef(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	ref, err := h.cfg.Meta.GetRef(r.Context(), tc.TnID, p.ByName("refId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ref, nil
}

func (h *Handler) deleteRef(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	return nil, trace.Wrap(h.cfg.Meta.DeleteRef(r.Context(), tc.TnID, p.ByName("refId")))
}
