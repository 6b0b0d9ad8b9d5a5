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
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/auth"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/httplib"
)

// sessionReply is the response of the login flows.
type sessionReply struct {
	Token  string        `json:"token"`
	Tenant *types.Tenant `json:"tenant"`
}

// tokenReply carries a single minted token.
type tokenReply struct {
	Token string `json:"token"`
}

// setSessionCookie mirrors the session token into a cookie so browser
// clients authenticate without managing the header themselves.
// SameSite=None: apps run on their own origins and call the tenant's
// API host cross-site.
func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     defaults.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(defaults.AccessTokenTTL / time.Second),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     defaults.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		IDTag    string `json:"idTag"`
		Password string `json:"password"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.IDTag != "" && req.IDTag != tc.IDTag {
		return nil, trace.BadParameter("identity tag does not match this host")
	}
	token, tenant, err := h.cfg.Identity.Login(r.Context(), tc.IDTag, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	setSessionCookie(w, token)
	return sessionReply{Token: token, Tenant: tenant}, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	clearSessionCookie(w)
	return nil, nil
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		IDTag    string           `json:"idTag"`
		Name     string           `json:"name"`
		Type     types.TenantType `json:"type"`
		Password string           `json:"password"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	_, err := h.cfg.Identity.Register(r.Context(), auth.RegisterParams{
		IDTag:    req.IDTag,
		Name:     req.Name,
		Type:     req.Type,
		Password: req.Password,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, tenant, err := h.cfg.Identity.Login(r.Context(), req.IDTag, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	setSessionCookie(w, token)
	return sessionReply{Token: token, Tenant: tenant}, nil
}

// registerVerify checks an identity tag before the registration form
// is submitted.
func (h *Handler) registerVerify(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		IDTag string `json:"idTag"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Identity.CheckRegistration(r.Context(), req.IDTag); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// loginToken mints a one-shot capability an already authenticated
// session hands to another device, which exchanges it at
// /api/auth/access-token.
func (h *Handler) loginToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	token, err := h.cfg.Identity.IssueLoginToken(r.Context(), tc.TnID, tc.IDTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokenReply{Token: token}, nil
}

// accessToken exchanges a ref capability for a session token. Login
// refs yield a full owner session, share refs a session confined to
// the ref's resource.
func (h *Handler) accessToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Token == "" {
		return nil, trace.BadParameter("missing token")
	}
	token, err := h.cfg.Identity.AccessTokenByRef(r.Context(), tc.TnID, tc.IDTag, req.Token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	setSessionCookie(w, token)
	return tokenReply{Token: token}, nil
}

// proxyToken mints an outbound federation token for the session's
// tenant toward a peer instance.
func (h *Handler) proxyToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		Target string `json:"target"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Target == "" {
		return nil, trace.BadParameter("missing target")
	}
	token, err := h.cfg.Identity.ProxyTokenFor(r.Context(), tc.TnID, req.Target)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokenReply{Token: token}, nil
}

// password serves both password flows: with a reset capability in the
// body it resets without a session, otherwise an admin-level session
// changes its own password.
func (h *Handler) password(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		RefToken    string `json:"refToken"`
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.RefToken != "" {
		return nil, trace.Wrap(h.cfg.Identity.ResetPassword(r.Context(), tc.TnID, req.RefToken, req.NewPassword))
	}
	if tc.Auth == nil || !tc.Auth.Access.Covers(types.AccessAdmin) || tc.Auth.Resource != "" {
		return nil, trace.AccessDenied("changing the password requires an admin session")
	}
	return nil, trace.Wrap(h.cfg.Identity.ChangePassword(r.Context(), tc.TnID, req.OldPassword, req.NewPassword))
}

// passwordResetToken mints a one-shot password reset capability. The
// instance does not deliver it; the caller hands it to the user.
func (h *Handler) passwordResetToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	token, err := h.cfg.Identity.RequestPasswordReset(r.Context(), tc.TnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokenReply{Token: token}, nil
}

// vapidKey returns the public half of the instance push key pair,
// which subscription requests need up front.
func (h *Handler) vapidKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	key, err := h.cfg.Identity.VapidPublicKey(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Key string `json:"key"`
	}{Key: key}, nil
}

func (h *Handler) webauthnRegisterBegin(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	creation, err := h.cfg.Identity.BeginWebauthnRegistration(r.Context(), tc.TnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return creation, nil
}

// credentialReply is the API shape of a registered passkey.
type credentialReply struct {
	KeyID     string    `json:"keyId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) webauthnRegisterFinish(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	name := r.URL.Query().Get("name")
	cred, err := h.cfg.Identity.FinishWebauthnRegistration(r.Context(), tc.TnID, name, r.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return credentialReply{KeyID: cred.CredentialID, Name: cred.Name, CreatedAt: cred.CreatedAt}, nil
}

func (h *Handler) webauthnCredentials(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	creds, err := h.cfg.Identity.ListWebauthnCredentials(r.Context(), tc.TnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items := make([]credentialReply, 0, len(creds))
	for _, cred := range creds {
		items = append(items, credentialReply{KeyID: cred.CredentialID, Name: cred.Name, CreatedAt: cred.CreatedAt})
	}
	return listEnvelope{Items: items}, nil
}

func (h *Handler) webauthnDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	return nil, trace.Wrap(h.cfg.Identity.DeleteWebauthnCredential(r.Context(), tc.TnID, p.ByName("keyId")))
}

func (h *Handler) webauthnLoginBegin(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	assertion, err := h.cfg.Identity.BeginWebauthnLogin(r.Context(), tc.TnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return assertion, nil
}

func (h *Handler) webauthnLoginFinish(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	token, tenant, err := h.cfg.Identity.FinishWebauthnLogin(r.Context(), tc.TnID, r.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	setSessionCookie(w, token)
	return sessionReply{Token: token, Tenant: tenant}, nil
}
