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

// Package web implements the HTTP API gateway. Every route is
// tenant-scoped: the addressed tenant is resolved from the request
// host before any handler runs, and protected routes additionally
// verify a session token and check its permission level against the
// resource named by the path.
package web

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/actions"
	"github.com/cloudillo/cloudillo/lib/auth"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/httplib"
	"github.com/cloudillo/cloudillo/lib/relay"
	"github.com/cloudillo/cloudillo/lib/tokens"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// Config configures the gateway.
type Config struct {
	// Identity resolves tenants and runs the authentication flows.
	Identity *auth.Service
	// Actions is the action exchange engine.
	Actions *actions.Engine
	// Relay serves the WebSocket planes.
	Relay *relay.Server
	// Certs answers ACME HTTP-01 challenges. Optional; without it the
	// challenge route replies not found.
	Certs *auth.CertManager
	// Auth is the instance-level credential store.
	Auth backend.AuthStore
	// Meta is the tenant metadata store.
	Meta backend.MetaStore
	// Blobs is the content-addressed file store.
	Blobs backend.BlobStore
	// Database is the structured per-document store.
	Database backend.DatabaseStore
	// AppDomain is the host the first-party web app is served from.
	// When set, API responses carry CORS headers for that origin.
	// Empty leaves cross-origin policy to the fronting proxy.
	AppDomain string
	// Clock is used for time-dependent replies, defaults to the wall
	// clock.
	Clock clockwork.Clock
	// Log is the gateway logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("web: missing Identity")
	}
	if c.Actions == nil {
		return trace.BadParameter("web: missing Actions")
	}
	if c.Relay == nil {
		return trace.BadParameter("web: missing Relay")
	}
	if c.Auth == nil {
		return trace.BadParameter("web: missing Auth")
	}
	if c.Meta == nil {
		return trace.BadParameter("web: missing Meta")
	}
	if c.Blobs == nil {
		return trace.BadParameter("web: missing Blobs")
	}
	if c.Database == nil {
		return trace.BadParameter("web: missing Database")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentWeb)
	}
	return nil
}

// TenantContext carries the tenant addressed by a request and, on
// protected routes, the verified session claims.
type TenantContext struct {
	// TnID is the local id of the addressed tenant.
	TnID int64
	// IDTag is the identity tag of the addressed tenant.
	IDTag string
	// Auth holds the verified token claims. Nil on public routes when
	// the request carried no token.
	Auth *tokens.AccessClaims
}

// handlerFunc is a gateway handler with the tenant context resolved.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error)

// rawFunc is a gateway handler that writes its own response body.
// Used where the reply is not the JSON envelope: profile documents
// with ETag negotiation, blob contents, ACME challenges.
type rawFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) error

// Handler is the HTTP API gateway of one instance.
type Handler struct {
	httprouter.Router

	cfg       Config
	log       *slog.Logger
	appOrigin string
}

// New returns a Handler serving the full API surface.
func New(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg, log: cfg.Log}
	if cfg.AppDomain != "" {
		h.appOrigin = "https://" + strings.ToLower(strings.TrimSpace(cfg.AppDomain))
	}
	h.bindRoutes()
	return h, nil
}

// ServeHTTP wraps the route table with the cross-origin policy of the
// app origin. The app authenticates with bearer tokens, not cookies,
// so credentialed CORS is never granted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.appOrigin != "" {
		w.Header().Add("Vary", "Origin")
		if strings.EqualFold(r.Header.Get("Origin"), h.appOrigin) {
			w.Header().Set("Access-Control-Allow-Origin", h.appOrigin)
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		}
	}
	h.Router.ServeHTTP(w, r)
}

func (h *Handler) bindRoutes() {
	// Authentication and session management.
	h.POST("/api/auth/login", h.public(h.login))
	h.POST("/api/auth/logout", h.public(h.logout))
	h.POST("/api/auth/register", h.public(h.register))
	h.POST("/api/auth/register-verify", h.public(h.registerVerify))
	h.POST("/api/auth/login-token", h.withAuth(types.AccessAdmin, h.loginToken))
	h.POST("/api/auth/access-token", h.public(h.accessToken))
	h.POST("/api/auth/proxy-token", h.withAuth(types.AccessWrite, h.proxyToken))
	h.POST("/api/auth/password", h.public(h.password))
	h.POST("/api/auth/password-req", h.withAuth(types.AccessAdmin, h.passwordResetToken))
	h.GET("/api/auth/vapid", h.public(h.vapidKey))

	// Webauthn credentials.
	h.POST("/api/auth/wa/register-req", h.withAuth(types.AccessAdmin, h.webauthnRegisterBegin))
	h.POST("/api/auth/wa/register", h.withAuth(types.AccessAdmin, h.webauthnRegisterFinish))
	h.GET("/api/auth/wa/reg", h.withAuth(types.AccessAdmin, h.webauthnCredentials))
	h.DELETE("/api/auth/wa/reg/:keyId", h.withAuth(types.AccessAdmin, h.webauthnDelete))
	h.POST("/api/auth/wa/login-req", h.public(h.webauthnLoginBegin))
	h.POST("/api/auth/wa/login", h.public(h.webauthnLoginFinish))

	// Actions. The federation inbox is public: inbound tokens carry
	// their own signature.
	h.GET("/api/action", h.withAuth(types.AccessRead, h.listActions))
	h.POST("/api/action", h.withAuth(types.AccessWrite, h.createAction))
	h.GET("/api/action/:actionId", h.withAuth(types.AccessRead, h.getAction))
	h.GET("/api/action/:actionId/stat", h.withAuth(types.AccessRead, h.actionStat))
	h.POST("/api/action/:actionId/accept", h.withAuth(types.AccessWrite, h.acceptAction))
	h.POST("/api/action/:actionId/reject", h.withAuth(types.AccessWrite, h.rejectAction))
	h.POST("/api/inbox", h.inbox)

	// File store. Fetch routes authorize inside the handler: they
	// also serve ref-scoped guests and federation peers.
	h.GET("/api/store", h.withAuth(types.AccessRead, h.listFiles))
	h.POST("/api/store", h.withAuth(types.AccessWrite, h.createFile))
	h.POST("/api/store/:preset/:fileName", h.withAuth(types.AccessWrite, h.uploadFile))
	h.GET("/api/store/:fileId", h.raw(h.fetchFile))
	h.GET("/api/store/:fileId/:variant", h.raw(h.fetchFileVariant))
	h.PATCH("/api/store/:fileId", h.withAuth(types.AccessWrite, h.patchFile))
	h.DELETE("/api/store/:fileId", h.withAuth(types.AccessWrite, h.deleteFile))
	h.PUT("/api/store/:fileId/tag/:tag", h.withAuth(types.AccessWrite, h.tagFile))
	h.DELETE("/api/store/:fileId/tag/:tag", h.withAuth(types.AccessWrite, h.untagFile))
	h.GET("/api/tag", h.withAuth(types.AccessRead, h.listTags))

	// Refs.
	h.GET("/api/ref", h.withAuth(types.AccessAdmin, h.listRefs))
	h.POST("/api/ref", h.withAuth(types.AccessAdmin, h.createRef))
	h.GET("/api/ref/:refId", h.withAuth(types.AccessAdmin, h.getRef))
	h.DELETE("/api/ref/:refId", h.withAuth(types.AccessAdmin, h.deleteRef))

	// Profiles. /api/me is the federation profile document.
	h.GET("/api/me", h.raw(h.profileDoc))
	h.GET("/api/profile", h.withAuth(types.AccessRead, h.listProfiles))
	h.GET("/api/profile/:idTag", h.withAuth(types.AccessRead, h.getProfile))
	h.PATCH("/api/profile/:idTag", h.withAuth(types.AccessWrite, h.patchProfile))

	// Settings.
	h.GET("/api/settings", h.withAuth(types.AccessRead, h.listSettings))
	h.GET("/api/settings/:name", h.withAuth(types.AccessRead, h.getSetting))
	h.PUT("/api/settings/:name", h.withAuth(types.AccessAdmin, h.putSetting))
	h.DELETE("/api/settings/:name", h.withAuth(types.AccessAdmin, h.deleteSetting))

	// Push subscriptions.
	h.GET("/api/subscription", h.withAuth(types.AccessRead, h.listSubscriptions))
	h.POST("/api/subscription", h.withAuth(types.AccessWrite, h.createSubscription))
	h.DELETE("/api/subscription/:subsId", h.withAuth(types.AccessWrite, h.deleteSubscription))

	// Structured database.
	h.GET("/api/db/:docId/*path", h.withAuth(types.AccessRead, h.dbRead))
	h.POST("/api/db/:docId/*path", h.withAuth(types.AccessWrite, h.dbPush))
	h.PUT("/api/db/:docId/*path", h.withAuth(types.AccessWrite, h.dbPut))
	h.DELETE("/api/db/:docId/*path", h.withAuth(types.AccessWrite, h.dbDelete))

	// WebSocket planes.
	h.GET("/ws/bus", h.serveBus)
	h.GET("/ws/crdt/:docId", h.serveDoc)

	// ACME HTTP-01 challenges, served on the plain HTTP listener.
	h.GET("/.well-known/acme-challenge/:token", h.acmeChallenge)
}

// sessionToken extracts the session token from the request: the
// Authorization header wins, then the session cookie, then the token
// query parameter (the form WebSocket clients use).
func sessionToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
		return ""
	}
	if cookie, err := r.Cookie(defaults.SessionCookieName); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the addressed tenant and verifies the session
// token when the request carries one. A missing token is not an
// error here; withAuth rejects it on protected routes.
func (h *Handler) authenticate(r *http.Request) (*TenantContext, error) {
	tnID, idTag, err := h.cfg.Identity.ResolveTenant(r.Context(), r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tc := &TenantContext{TnID: tnID, IDTag: idTag}
	raw := sessionToken(r)
	if raw == "" {
		return tc, nil
	}
	claims, err := h.cfg.Identity.Issuer().VerifyAccess(raw, idTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tc.Auth = claims
	return tc, nil
}

// replyResolveError writes the reply for a failed authenticate call.
// Token verification failures are 401; an unknown tenant host stays a
// 404 through the regular mapping.
func replyResolveError(w http.ResponseWriter, err error) {
	if trace.IsAccessDenied(err) {
		httplib.ReplyAuthError(w, err)
		return
	}
	httplib.ReplyError(w, err)
}

// scopedResource returns the resource id a confined token must match
// on this route. Routes without a resource path parameter return "",
// which never matches, so confined tokens cannot reach them.
func scopedResource(p httprouter.Params) string {
	if id := p.ByName("docId"); id != "" {
		return id
	}
	return p.ByName("fileId")
}

// public binds a handler that serves anonymous requests. A session
// token is picked up when it verifies, but an invalid one counts as
// absent: a stale cookie must not lock anyone out of the login
// routes.
func (h *Handler) public(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		tnID, idTag, err := h.cfg.Identity.ResolveTenant(r.Context(), r)
		if err != nil {
			httplib.ReplyError(w, err)
			return
		}
		tc := &TenantContext{TnID: tnID, IDTag: idTag}
		if raw := sessionToken(r); raw != "" {
			if claims, err := h.cfg.Identity.Issuer().VerifyAccess(raw, idTag); err == nil {
				tc.Auth = claims
			}
		}
		httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
			return fn(w, r, p, tc)
		})(w, r, p)
	}
}

// withAuth binds a handler that requires a verified session covering
// the given permission level. Tokens confined to a resource only pass
// on routes addressing that same resource.
func (h *Handler) withAuth(level types.AccessLevel, fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		tc, err := h.authenticate(r)
		if err != nil {
			replyResolveError(w, err)
			return
		}
		if tc.Auth == nil {
			httplib.ReplyAuthError(w, trace.AccessDenied("authentication required"))
			return
		}
		if !tc.Auth.Access.Covers(level) {
			httplib.ReplyError(w, trace.AccessDenied("insufficient access"))
			return
		}
		if tc.Auth.Resource != "" && tc.Auth.Resource != scopedResource(p) {
			httplib.ReplyError(w, trace.AccessDenied("token is confined to another resource"))
			return
		}
		httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
			return fn(w, r, p, tc)
		})(w, r, p)
	}
}

// raw binds a handler that writes its own response and runs its own
// authorization. Only the tenant is resolved up front: fetch routes
// accept credentials the session verify would reject, such as proxy
// tokens minted by a peer instance.
func (h *Handler) raw(fn rawFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		tnID, idTag, err := h.cfg.Identity.ResolveTenant(r.Context(), r)
		if err != nil {
			httplib.ReplyError(w, err)
			return
		}
		if err := fn(w, r, p, &TenantContext{TnID: tnID, IDTag: idTag}); err != nil {
			httplib.ReplyError(w, err)
		}
	}
}

// serveBus hands the connection to the relay's event bus plane. The
// relay authorizes after the upgrade so failures reach browser
// clients as close codes.
func (h *Handler) serveBus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, idTag, err := h.cfg.Identity.ResolveTenant(r.Context(), r)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	h.cfg.Relay.ServeBus(w, r, idTag)
}

// serveDoc hands the connection to the relay's CRDT plane.
func (h *Handler) serveDoc(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	tnID, idTag, err := h.cfg.Identity.ResolveTenant(r.Context(), r)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	h.cfg.Relay.ServeDoc(w, r, tnID, idTag, p.ByName("docId"))
}

// acmeChallenge serves HTTP-01 challenge responses. It is host-based
// like everything else, but intentionally does not resolve a tenant:
// the CA probes the bare domain before the tenant is reachable.
func (h *Handler) acmeChallenge(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if h.cfg.Certs == nil {
		http.NotFound(w, r)
		return
	}
	response, err := h.cfg.Certs.ChallengeResponse(r.Context(), p.ByName("token"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(response))
}

// listEnvelope is the common reply shape of list endpoints.
type listEnvelope struct {
	Items  any    `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}
