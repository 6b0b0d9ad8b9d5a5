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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/actions"
	"github.com/cloudillo/cloudillo/lib/auth"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/backend/blobfs"
	"github.com/cloudillo/cloudillo/lib/backend/crdtlog"
	"github.com/cloudillo/cloudillo/lib/backend/lite"
	"github.com/cloudillo/cloudillo/lib/backend/membus"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/relay"
	"github.com/cloudillo/cloudillo/lib/tokens"
)

const (
	testTenant   = "alice.test"
	testPassword = "sup3rsecret"
)

// fedStub stands in for the federation client: no peers are reachable
// in these tests.
type fedStub struct{}

func (fedStub) DeliverAction(ctx context.Context, tnID int64, peer, token string) error {
	return nil
}

func (fedStub) SyncProfile(ctx context.Context, tnID int64, idTag string) error {
	return trace.NotFound("peer %q unreachable", idTag)
}

func (fedStub) FetchAttachment(ctx context.Context, tnID int64, peer, fileID string, public bool) error {
	return trace.ConnectionProblem(nil, "peer %q unreachable", peer)
}

type testEnv struct {
	clock    *clockwork.FakeClock
	issuer   *tokens.Issuer
	auth     *lite.AuthBackend
	meta     *lite.MetaBackend
	blobs    *blobfs.Store
	database *lite.DatabaseBackend
	identity *auth.Service
	engine   *actions.Engine
	relay    *relay.Server
	tnID     int64
	web      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()

	authBk, err := lite.NewAuthStore(lite.Config{
		Path:  filepath.Join(dir, "auth.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, authBk.Close()) })

	metaBk, err := lite.NewMetaStore(lite.Config{
		Path:  filepath.Join(dir, "meta.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, metaBk.Close()) })

	databaseBk, err := lite.NewDatabaseStore(lite.Config{
		Path:  filepath.Join(dir, "database.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, databaseBk.Close()) })

	blobs, err := blobfs.New(blobfs.Config{Root: filepath.Join(dir, "blobs")})
	require.NoError(t, err)
	crdt, err := crdtlog.New(crdtlog.Config{Root: filepath.Join(dir, "crdt")})
	require.NoError(t, err)
	bus := membus.New()

	issuer, err := tokens.NewIssuer(tokens.Config{
		Secret: []byte("web-test-secret-0123456789abcdef"),
		Clock:  clock,
	})
	require.NoError(t, err)

	identity, err := auth.New(auth.Config{
		AuthStore: authBk,
		MetaStore: metaBk,
		Issuer:    issuer,
		Clock:     clock,
	})
	require.NoError(t, err)

	engine, err := actions.New(actions.Config{
		Auth:       authBk,
		Meta:       metaBk,
		Blobs:      blobs,
		Bus:        bus,
		Federation: fedStub{},
		MaxFanout:  3,
		Clock:      clock,
	})
	require.NoError(t, err)

	relaySrv, err := relay.New(relay.Config{
		Issuer:      issuer,
		CRDT:        crdt,
		Bus:         bus,
		QueueSize:   8,
		GracePeriod: time.Minute,
		Clock:       clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, relaySrv.Close()) })

	handler, err := New(Config{
		Identity: identity,
		Actions:  engine,
		Relay:    relaySrv,
		Auth:     authBk,
		Meta:     metaBk,
		Blobs:    blobs,
		Database: databaseBk,
		Clock:    clock,
	})
	require.NoError(t, err)

	web := httptest.NewServer(handler)
	t.Cleanup(web.Close)

	env := &testEnv{
		clock:    clock,
		issuer:   issuer,
		auth:     authBk,
		meta:     metaBk,
		blobs:    blobs,
		database: databaseBk,
		identity: identity,
		engine:   engine,
		relay:    relaySrv,
		web:      web,
	}
	env.tnID = env.addTenant(t, testTenant)
	require.NoError(t, identity.EnsureInstanceKeys(ctx))
	return env
}

func (env *testEnv) addTenant(t *testing.T, idTag string) int64 {
	t.Helper()
	ctx := context.Background()
	tnID, err := env.auth.CreateTenant(ctx, &types.Tenant{
		IDTag:     idTag,
		Name:      idTag,
		Type:      types.TenantPerson,
		CreatedAt: env.clock.Now(),
	}, testPassword)
	require.NoError(t, err)
	key, err := tokens.GenerateSigningKey()
	require.NoError(t, err)
	require.NoError(t, env.auth.CreateSigningKey(ctx, tnID, key.PublicProfileKey(), tokens.EncodePrivateKey(key.Private)))
	require.NoError(t, env.meta.UpsertProfile(ctx, &types.Profile{
		TnID:   tnID,
		IDTag:  idTag,
		Name:   idTag,
		Type:   types.TenantPerson,
		Status: types.ProfileTrusted,
	}))
	return tnID
}

// token mints a tenant-wide session at the given level.
func (env *testEnv) token(t *testing.T, access types.AccessLevel) string {
	t.Helper()
	token, err := env.issuer.IssueAccess(tokens.AccessParams{
		Tenant: testTenant,
		User:   testTenant,
		Access: access,
	})
	require.NoError(t, err)
	return token
}

func (env *testEnv) newRequest(t *testing.T, method, path, host, token string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, env.web.URL+path, body)
	require.NoError(t, err)
	req.Host = host
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (env *testEnv) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := env.web.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// request sends a JSON API request against the tenant's API host.
func (env *testEnv) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := env.newRequest(t, method, path, cloudillo.APIHostPrefix+testTenant, token, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return env.do(t, req)
}

func decodeBody[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", string(data))
	return out
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	require.True(t, trace.IsBadParameter((&cfg).CheckAndSetDefaults()))

	env := newTestEnv(t)
	_, err := New(Config{Identity: env.identity})
	require.True(t, trace.IsBadParameter(err))
}

func TestUnknownTenantHost(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := env.newRequest(t, http.MethodGet, "/api/action", "ghost.test", env.token(t, types.AccessRead), nil)
	resp, _ := env.do(t, req)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	req = env.newRequest(t, http.MethodPost, "/api/auth/login", "ghost.test", "", bytes.NewReader([]byte(`{}`)))
	resp, _ = env.do(t, req)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	session := decodeBody[sessionReply](t, body)
	require.NotEmpty(t, session.Token)
	require.Equal(t, testTenant, session.Tenant.IDTag)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == defaults.SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	require.Equal(t, session.Token, cookie.Value)
	require.True(t, cookie.HttpOnly)

	// The minted session is admin level.
	resp, body = env.request(t, http.MethodGet, "/api/ref", session.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// The cookie authenticates on its own.
	req := env.newRequest(t, http.MethodGet, "/api/ref", cloudillo.APIHostPrefix+testTenant, "", nil)
	req.AddCookie(cookie)
	resp, body = env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "wrong"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"idTag":    "other.test",
		"password": testPassword,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Logout clears the cookie.
	resp, _ = env.request(t, http.MethodPost, "/api/auth/logout", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == defaults.SessionCookieName {
			cleared = c
		}
	}
	require.NotNil(t, cleared)
	require.Empty(t, cleared.Value)
	require.Less(t, cleared.MaxAge, 0)
}

func TestLoginWithStaleCookie(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	stale := env.token(t, types.AccessAdmin)
	env.clock.Advance(defaults.AccessTokenTTL + 2*time.Minute)

	req := env.newRequest(t, http.MethodPost, "/api/auth/login", cloudillo.APIHostPrefix+testTenant, "",
		bytes.NewReader([]byte(`{"password":"`+testPassword+`"}`)))
	req.AddCookie(&http.Cookie{Name: defaults.SessionCookieName, Value: stale})
	resp, body := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// Missing token.
	resp, _ := env.request(t, http.MethodGet, "/api/action", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	resp, _ = env.request(t, http.MethodGet, "/api/action", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Read access is not enough to create.
	read := env.token(t, types.AccessRead)
	resp, _ = env.request(t, http.MethodPost, "/api/action", read, map[string]string{"type": "POST"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Write access is not enough for admin routes.
	write := env.token(t, types.AccessWrite)
	resp, _ = env.request(t, http.MethodGet, "/api/ref", write, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A token confined to a document cannot reach tenant routes.
	scoped, err := env.issuer.IssueAccess(tokens.AccessParams{
		Tenant:   testTenant,
		Resource: "doc-1",
		Access:   types.AccessWrite,
	})
	require.NoError(t, err)
	resp, _ = env.request(t, http.MethodGet, "/api/action", scoped, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.request(t, http.MethodGet, "/api/action", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// Expired tokens are rejected, leeway included.
	env.clock.Advance(defaults.AccessTokenTTL + 2*time.Minute)
	resp, _ = env.request(t, http.MethodGet, "/api/action", read, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestActionRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	write := env.token(t, types.AccessWrite)
	read := env.token(t, types.AccessRead)

	resp, body := env.request(t, http.MethodPost, "/api/action", write, map[string]any{
		"type":    "POST",
		"content": map[string]string{"text": "hello world"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	created := decodeBody[types.Action](t, body)
	require.NotEmpty(t, created.ActionID)
	require.Equal(t, types.ActionPost, created.Type)
	require.Equal(t, testTenant, created.IssuerTag)
	require.Equal(t, types.ActionNew, created.Status)

	resp, _ = env.request(t, http.MethodPost, "/api/action", write, map[string]string{"type": "BOGUS"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = env.request(t, http.MethodGet, "/api/action?types=POST", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var list struct {
		Items []types.Action `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, created.ActionID, list.Items[0].ActionID)

	resp, body = env.request(t, http.MethodGet, "/api/action/"+created.ActionID, read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	fetched := decodeBody[types.Action](t, body)
	require.Equal(t, created.ActionID, fetched.ActionID)

	resp, body = env.request(t, http.MethodGet, "/api/action/"+created.ActionID+"/stat", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	stat := decodeBody[types.ActionStat](t, body)
	require.Zero(t, stat.Reactions)

	// The token listing returns the verbatim signed tokens.
	resp, body = env.request(t, http.MethodGet, "/api/action/tokens", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rawList struct {
		Items []string `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &rawList))
	require.Len(t, rawList.Items, 1)
	require.Equal(t, created.ActionID, tokens.ActionID(rawList.Items[0]))

	resp, _ = env.request(t, http.MethodGet, "/api/action/no-such-action", read, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAcceptRejectRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	write := env.token(t, types.AccessWrite)

	// An inbound connection request lands as a candidate.
	peerKey, err := tokens.GenerateSigningKey()
	require.NoError(t, err)
	require.NoError(t, env.meta.UpsertProfile(ctx, &types.Profile{
		TnID:   env.tnID,
		IDTag:  "bob.example",
		Name:   "Bob",
		Type:   types.TenantPerson,
		Status: types.ProfileActive,
	}))
	require.NoError(t, env.meta.UpsertProfileKeys(ctx, env.tnID, "bob.example", []types.ProfileKey{peerKey.PublicProfileKey()}))

	raw, err := tokens.SignAction(peerKey, &types.ActionToken{
		IssuerTag:   "bob.example",
		Type:        types.ActionConn,
		AudienceTag: testTenant,
		IssuedAt:    types.TimestampFromTime(env.clock.Now()),
	})
	require.NoError(t, err)
	action, err := env.engine.HandleInbound(ctx, env.tnID, raw)
	require.NoError(t, err)
	require.Equal(t, types.ActionCandidate, action.Status)

	resp, body := env.request(t, http.MethodPost, "/api/action/"+action.ActionID+"/accept", write, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	accepted := decodeBody[types.Action](t, body)
	require.Equal(t, types.ActionAccepted, accepted.Status)

	resp, _ = env.request(t, http.MethodPost, "/api/action/no-such-action/reject", write, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInboxRoute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	read := env.token(t, types.AccessRead)

	peerKey, err := tokens.GenerateSigningKey()
	require.NoError(t, err)
	require.NoError(t, env.meta.UpsertProfile(ctx, &types.Profile{
		TnID:   env.tnID,
		IDTag:  "bob.example",
		Name:   "Bob",
		Type:   types.TenantPerson,
		Status: types.ProfileActive,
	}))
	require.NoError(t, env.meta.UpsertProfileKeys(ctx, env.tnID, "bob.example", []types.ProfileKey{peerKey.PublicProfileKey()}))

	raw, err := tokens.SignAction(peerKey, &types.ActionToken{
		IssuerTag: "bob.example",
		Type:      types.ActionPost,
		Content:   json.RawMessage(`{"text":"hi from bob"}`),
		IssuedAt:  types.TimestampFromTime(env.clock.Now()),
	})
	require.NoError(t, err)

	// The inbox is public: no session token needed.
	resp, body := env.request(t, http.MethodPost, "/api/inbox", "", map[string]string{"token": raw})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	stored := decodeBody[types.Action](t, body)
	require.Equal(t, tokens.ActionID(raw), stored.ActionID)
	require.Equal(t, "bob.example", stored.IssuerTag)

	resp, body = env.request(t, http.MethodGet, "/api/action/"+stored.ActionID, read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// Redelivery is idempotent.
	resp, body = env.request(t, http.MethodPost, "/api/inbox", "", map[string]string{"token": raw})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, stored.ActionID, decodeBody[types.Action](t, body).ActionID)

	// A tampered signature is an auth failure, not a server fault.
	resp, _ = env.request(t, http.MethodPost, "/api/inbox", "", map[string]string{"token": raw[:len(raw)-4] + "AAAA"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/inbox", "", map[string]string{"token": "not-a-token"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown issuers without a resolvable profile are rejected.
	strangerKey, err := tokens.GenerateSigningKey()
	require.NoError(t, err)
	strangerToken, err := tokens.SignAction(strangerKey, &types.ActionToken{
		IssuerTag: "mallory.example",
		Type:      types.ActionPost,
		Content:   json.RawMessage(`{"text":"hi"}`),
		IssuedAt:  types.TimestampFromTime(env.clock.Now()),
	})
	require.NoError(t, err)
	resp, _ = env.request(t, http.MethodPost, "/api/inbox", "", map[string]string{"token": strangerToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFileUploadAndFetch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	write := env.token(t, types.AccessWrite)
	read := env.token(t, types.AccessRead)
	content := []byte("fake image bytes")

	req := env.newRequest(t, http.MethodPost, "/api/store/attachment/photo.jpg", cloudillo.APIHostPrefix+testTenant, write, bytes.NewReader(content))
	req.Header.Set("Content-Type", "image/jpeg")
	resp, body := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	meta := decodeBody[types.FileMeta](t, body)
	require.Equal(t, backend.ContentHash(content), meta.FileID)
	require.Equal(t, "photo.jpg", meta.FileName)
	require.Equal(t, "image/jpeg", meta.ContentType)
	require.Equal(t, types.FileActive, meta.Status)
	require.Len(t, meta.Variants, 1)
	require.Equal(t, types.VariantOrig, meta.Variants[0].Variant)
	require.Equal(t, meta.FileID, meta.Variants[0].VariantID)
	require.Equal(t, "jpeg", meta.Variants[0].Format)

	// Unknown preset.
	req = env.newRequest(t, http.MethodPost, "/api/store/bogus/x.bin", cloudillo.APIHostPrefix+testTenant, write, bytes.NewReader(content))
	resp, _ = env.do(t, req)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Fetch with a read session.
	resp, body = env.request(t, http.MethodGet, "/api/store/"+meta.FileID, read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, body)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Cache-Control"), "immutable")

	// Anonymous fetch is rejected.
	resp, _ = env.request(t, http.MethodGet, "/api/store/"+meta.FileID, "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A peer proxy token passes on identification: it is signed with
	// the peer's secret, which this instance cannot verify.
	peerIssuer, err := tokens.NewIssuer(tokens.Config{
		Secret: []byte("peer-secret-fedcba9876543210ffff"),
		Clock:  env.clock,
	})
	require.NoError(t, err)
	proxy, err := peerIssuer.IssueProxy("bob.example", "bob.example", testTenant, time.Hour)
	require.NoError(t, err)
	resp, body = env.request(t, http.MethodGet, "/api/store/"+meta.FileID, proxy, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, body)

	// A proxy token for another instance does not.
	misdirected, err := peerIssuer.IssueProxy("bob.example", "bob.example", "other.test", time.Hour)
	require.NoError(t, err)
	resp, _ = env.request(t, http.MethodGet, "/api/store/"+meta.FileID, misdirected, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Metadata and variant fetches.
	resp, body = env.request(t, http.MethodGet, "/api/store/"+meta.FileID+"/meta", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, meta.FileID, decodeBody[types.FileMeta](t, body).FileID)

	resp, body = env.request(t, http.MethodGet, "/api/store/"+meta.FileID+"/orig", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, body)

	resp, _ = env.request(t, http.MethodGet, "/api/store/"+meta.FileID+"/tn", read, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A session confined to this file can fetch it, nothing else.
	scoped, err := env.issuer.IssueAccess(tokens.AccessParams{
		Tenant:   testTenant,
		Resource: meta.FileID,
		Access:   types.AccessRead,
	})
	require.NoError(t, err)
	resp, _ = env.request(t, http.MethodGet, "/api/store/"+meta.FileID, scoped, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.request(t, http.MethodGet, "/api/store/other-file", scoped, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFileRegistrationAndPatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	write := env.token(t, types.AccessWrite)
	read := env.token(t, types.AccessRead)

	// Register a collaborative document: no content, generated id.
	resp, body := env.request(t, http.MethodPost, "/api/store", write, map[string]string{
		"fileName":    "Meeting notes",
		"contentType": "application/crdt",
		"preset":      "doc",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	doc := decodeBody[types.FileMeta](t, body)
	require.NotEmpty(t, doc.FileID)
	require.Equal(t, types.FileActive, doc.Status)
	require.Empty(t, doc.Variants)

	resp, _ = env.request(t, http.MethodPost, "/api/store", write, map[string]string{"preset": "bogus"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Register an externally rendered variant.
	variant := []byte("thumbnail bytes")
	variantID := backend.ContentHash(variant)
	require.NoError(t, env.blobs.WriteBlob(context.Background(), env.tnID, variantID, variant, backend.BlobWriteOptions{}))
	resp, body = env.request(t, http.MethodPatch, "/api/store/"+doc.FileID, write, map[string]any{
		"variant": map[string]any{"variant": "tn", "variantId": variantID, "format": "avif", "size": len(variant)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	patched := decodeBody[types.FileMeta](t, body)
	require.Len(t, patched.Variants, 1)

	resp, body = env.request(t, http.MethodGet, "/api/store/"+doc.FileID+"/tn", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, variant, body)

	resp, _ = env.request(t, http.MethodPatch, "/api/store/"+doc.FileID, write, map[string]string{"status": "X"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Delete tombstones the row and hides the content.
	resp, _ = env.request(t, http.MethodDelete, "/api/store/"+doc.FileID, write, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.request(t, http.MethodGet, "/api/store/"+doc.FileID+"/meta", read, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileTagsAndListing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	write := env.token(t, types.AccessWrite)
	read := env.token(t, types.AccessRead)

	upload := func(name, data string) types.FileMeta {
		req := env.newRequest(t, http.MethodPost, "/api/store/gallery/"+name, cloudillo.APIHostPrefix+testTenant, write, bytes.NewReader([]byte(data)))
		req.Header.Set("Content-Type", "image/png")
		resp, body := env.do(t, req)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		return decodeBody[types.FileMeta](t, body)
	}
	first := upload("one.png", "first image")
	second := upload("two.png", "second image")

	for _, tag := range []string{"travel", "family"} {
		resp, _ := env.request(t, http.MethodPut, "/api/store/"+first.FileID+"/tag/"+tag, write, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := env.request(t, http.MethodPut, "/api/store/"+second.FileID+"/tag/travel", write, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.request(t, http.MethodGet, "/api/tag", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var tags struct {
		Tags map[string]int64 `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(body, &tags))
	require.EqualValues(t, 2, tags.Tags["travel"])
	require.EqualValues(t, 1, tags.Tags["family"])

	resp, body = env.request(t, http.MethodGet, "/api/store?tag=family", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var files struct {
		Items []types.FileMeta `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &files))
	require.Len(t, files.Items, 1)
	require.Equal(t, first.FileID, files.Items[0].FileID)

	resp, _ = env.request(t, http.MethodDelete, "/api/store/"+first.FileID+"/tag/family", write, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.request(t, http.MethodGet, "/api/tag?prefix=fam", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &tags))
	require.Empty(t, tags.Tags)
}

func TestRefLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	admin := env.token(t, types.AccessAdmin)
	write := env.token(t, types.AccessWrite)

	// Upload the file the ref will share.
	content := []byte("shared document")
	req := env.newRequest(t, http.MethodPost, "/api/store/attachment/doc.txt", cloudillo.APIHostPrefix+testTenant, write, bytes.NewReader(content))
	resp, body := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	fileID := decodeBody[types.FileMeta](t, body).FileID

	quota := int64(1)
	resp, body = env.request(t, http.MethodPost, "/api/ref", admin, map[string]any{
		"resource":    fileID,
		"access":      "R",
		"description": "review copy",
		"quota":       quota,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	created := decodeBody[refReply](t, body)
	require.NotEmpty(t, created.Token)
	require.Equal(t, fileID, created.Ref.ResourceID)

	resp, body = env.request(t, http.MethodGet, "/api/ref/"+created.Ref.RefID, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// Exchange the ref for a confined session.
	resp, body = env.request(t, http.MethodPost, "/api/auth/access-token", "", map[string]string{"token": created.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	guest := decodeBody[tokenReply](t, body).Token

	resp, body = env.request(t, http.MethodGet, "/api/store/"+fileID, guest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, body)

	// The guest session stops at the shared resource.
	resp, _ = env.request(t, http.MethodGet, "/api/action", guest, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The quota is spent.
	resp, _ = env.request(t, http.MethodPost, "/api/auth/access-token", "", map[string]string{"token": created.Token})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.request(t, http.MethodDelete, "/api/ref/"+created.Ref.RefID, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.request(t, http.MethodGet, "/api/ref", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refs struct {
		Items []types.Ref `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &refs))
	require.Empty(t, refs.Items)
}

func TestLoginTokenExchange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	admin := env.token(t, types.AccessAdmin)

	resp, body := env.request(t, http.MethodPost, "/api/auth/login-token", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	loginToken := decodeBody[tokenReply](t, body).Token

	resp, body = env.request(t, http.MethodPost, "/api/auth/access-token", "", map[string]string{"token": loginToken})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	session := decodeBody[tokenReply](t, body).Token

	// The exchanged session is a full owner session.
	resp, _ = env.request(t, http.MethodGet, "/api/ref", session, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Write access cannot mint login tokens.
	resp, _ = env.request(t, http.MethodPost, "/api/auth/login-token", env.token(t, types.AccessWrite), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPasswordRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	admin := env.token(t, types.AccessAdmin)

	// Session-based change requires the old password.
	resp, _ := env.request(t, http.MethodPost, "/api/auth/password", admin, map[string]string{
		"oldPassword": "wrong",
		"newPassword": "n3wpassword",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/password", admin, map[string]string{
		"oldPassword": testPassword,
		"newPassword": "n3wpassword",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "n3wpassword"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Anonymous change is rejected.
	resp, _ = env.request(t, http.MethodPost, "/api/auth/password", "", map[string]string{
		"oldPassword": "n3wpassword",
		"newPassword": "another",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Reset flow: mint a reset capability, then use it without a
	// session.
	resp, body := env.request(t, http.MethodPost, "/api/auth/password-req", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	reset := decodeBody[tokenReply](t, body).Token

	resp, _ = env.request(t, http.MethodPost, "/api/auth/password", "", map[string]string{
		"refToken":    reset,
		"newPassword": "res3tpassword",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "res3tpassword"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The reset capability is one-shot.
	resp, _ = env.request(t, http.MethodPost, "/api/auth/password", "", map[string]string{
		"refToken":    reset,
		"newPassword": "again",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRegisterFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/api/auth/register-verify", "", map[string]string{"idTag": "carol.test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/register-verify", "", map[string]string{"idTag": testTenant})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := env.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"idTag":    "carol.test",
		"name":     "Carol",
		"type":     "person",
		"password": "car0lpassword",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	session := decodeBody[sessionReply](t, body)
	require.Equal(t, "carol.test", session.Tenant.IDTag)
	require.NotEmpty(t, session.Token)

	// The new tenant resolves on its own host.
	req := env.newRequest(t, http.MethodGet, "/api/me", "carol.test", "", nil)
	resp, body = env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	doc := decodeBody[types.ProfileDoc](t, body)
	require.Equal(t, "carol.test", doc.IDTag)
	require.NotEmpty(t, doc.Keys)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"idTag":    "carol.test",
		"name":     "Carol again",
		"type":     "person",
		"password": "whatever1",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestProfileDocETag(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/me", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	doc := decodeBody[types.ProfileDoc](t, body)
	require.Equal(t, testTenant, doc.IDTag)
	require.NotEmpty(t, doc.Keys)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req := env.newRequest(t, http.MethodGet, "/api/me", cloudillo.APIHostPrefix+testTenant, "", nil)
	req.Header.Set("If-None-Match", etag)
	resp, _ = env.do(t, req)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)

	// A profile change invalidates the tag.
	require.NoError(t, env.meta.UpsertProfile(context.Background(), &types.Profile{
		TnID:   env.tnID,
		IDTag:  testTenant,
		Name:   "Alice Renamed",
		Type:   types.TenantPerson,
		Status: types.ProfileTrusted,
	}))
	req = env.newRequest(t, http.MethodGet, "/api/me", cloudillo.APIHostPrefix+testTenant, "", nil)
	req.Header.Set("If-None-Match", etag)
	resp, body = env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Alice Renamed", decodeBody[types.ProfileDoc](t, body).Name)
	require.NotEqual(t, etag, resp.Header.Get("ETag"))
}

func TestProfileRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	read := env.token(t, types.AccessRead)
	write := env.token(t, types.AccessWrite)

	require.NoError(t, env.meta.UpsertProfile(ctx, &types.Profile{
		TnID:   env.tnID,
		IDTag:  "bob.example",
		Name:   "Bob",
		Type:   types.TenantPerson,
		Status: types.ProfileActive,
	}))

	resp, body := env.request(t, http.MethodGet, "/api/profile/bob.example", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, "Bob", decodeBody[types.Profile](t, body).Name)

	resp, body = env.request(t, http.MethodGet, "/api/profile?status=A", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var profiles struct {
		Items []types.Profile `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &profiles))
	require.Len(t, profiles.Items, 1)
	require.Equal(t, "bob.example", profiles.Items[0].IDTag)

	resp, body = env.request(t, http.MethodPatch, "/api/profile/bob.example", write, map[string]string{"status": "M"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, types.ProfileMuted, decodeBody[types.Profile](t, body).Status)

	resp, _ = env.request(t, http.MethodPatch, "/api/profile/bob.example", write, map[string]string{"status": "T"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPatch, "/api/profile/"+testTenant, write, map[string]string{"status": "B"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSettingsRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	admin := env.token(t, types.AccessAdmin)
	read := env.token(t, types.AccessRead)
	write := env.token(t, types.AccessWrite)

	// Settings writes are admin-only.
	resp, _ := env.request(t, http.MethodPut, "/api/settings/ui.theme", write, map[string]string{"value": "dark"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPut, "/api/settings/ui.theme", admin, map[string]string{"value": "dark"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.request(t, http.MethodPut, "/api/settings/notify.quiet", admin, map[string]string{"value": "22:00"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.request(t, http.MethodGet, "/api/settings/ui.theme", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	setting := decodeBody[types.Setting](t, body)
	require.Equal(t, "dark", setting.Value)

	resp, body = env.request(t, http.MethodGet, "/api/settings?prefix=ui.", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var settings struct {
		Items []types.Setting `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &settings))
	require.Len(t, settings.Items, 1)
	require.Equal(t, "ui.theme", settings.Items[0].Name)

	resp, _ = env.request(t, http.MethodDelete, "/api/settings/ui.theme", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.request(t, http.MethodGet, "/api/settings/ui.theme", read, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscriptionRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	write := env.token(t, types.AccessWrite)
	read := env.token(t, types.AccessRead)

	resp, _ := env.request(t, http.MethodPost, "/api/subscription", write, map[string]any{"keys": map[string]string{"p256dh": "k"}})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := env.request(t, http.MethodPost, "/api/subscription", write, map[string]any{
		"endpoint": "https://push.example/sub/1",
		"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	sub := decodeBody[types.Subscription](t, body)
	require.NotEmpty(t, sub.SubsID)

	resp, body = env.request(t, http.MethodGet, "/api/subscription", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var subs struct {
		Items []types.Subscription `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Len(t, subs.Items, 1)

	resp, _ = env.request(t, http.MethodDelete, "/api/subscription/"+sub.SubsID, write, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.request(t, http.MethodGet, "/api/subscription", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Empty(t, subs.Items)
}

func TestDatabaseRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	write := env.token(t, types.AccessWrite)
	read := env.token(t, types.AccessRead)

	resp, _ := env.request(t, http.MethodPut, "/api/db/notes/items/first", write, map[string]string{"title": "First"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.request(t, http.MethodGet, "/api/db/notes/items/first", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.JSONEq(t, `{"title":"First"}`, string(body))

	resp, body = env.request(t, http.MethodPost, "/api/db/notes/items", write, map[string]string{"title": "Second"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	pushed := decodeBody[struct {
		Key string `json:"key"`
	}](t, body)
	require.NotEmpty(t, pushed.Key)

	resp, body = env.request(t, http.MethodGet, "/api/db/notes/items?list", read, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var listing struct {
		Items map[string]json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Items, 2)
	require.Contains(t, listing.Items, "first")
	require.Contains(t, listing.Items, pushed.Key)

	// Invalid JSON body.
	req := env.newRequest(t, http.MethodPut, "/api/db/notes/items/bad", cloudillo.APIHostPrefix+testTenant, write, bytes.NewReader([]byte("{broken")))
	resp, _ = env.do(t, req)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.request(t, http.MethodDelete, "/api/db/notes/items", write, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.request(t, http.MethodGet, "/api/db/notes/items/first", read, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyTokenRoute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	write := env.token(t, types.AccessWrite)

	resp, body := env.request(t, http.MethodPost, "/api/auth/proxy-token", write, map[string]string{"target": "bob.example"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	minted := decodeBody[tokenReply](t, body).Token

	claims, err := env.issuer.VerifyProxy(minted, "bob.example")
	require.NoError(t, err)
	require.Equal(t, testTenant, claims.Tenant)
	require.Equal(t, "bob.example", claims.Target)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/proxy-token", write, map[string]string{})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestVapidKeyRoute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/auth/vapid", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	reply := decodeBody[struct {
		Key string `json:"key"`
	}](t, body)
	require.NotEmpty(t, reply.Key)
}

func TestAcmeChallengeRoute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// No cert manager wired: the route stays dark.
	req := env.newRequest(t, http.MethodGet, "/.well-known/acme-challenge/some-token", testTenant, "", nil)
	resp, _ := env.do(t, req)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppOriginCORS(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	handler, err := New(Config{
		Identity:  env.identity,
		Actions:   env.engine,
		Relay:     env.relay,
		Auth:      env.auth,
		Meta:      env.meta,
		Blobs:     env.blobs,
		Database:  env.database,
		AppDomain: "App.Cloudillo.Net",
		Clock:     env.clock,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	send := func(method, origin, preflight, token string) *http.Response {
		req, err := http.NewRequest(method, srv.URL+"/api/action", nil)
		require.NoError(t, err)
		req.Host = cloudillo.APIHostPrefix + testTenant
		req.Header.Set("Origin", origin)
		if preflight != "" {
			req.Header.Set("Access-Control-Request-Method", preflight)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	// Preflight from the app origin.
	resp := send(http.MethodOptions, "https://app.cloudillo.net", http.MethodPost, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.cloudillo.net", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")

	// A plain request from the app origin carries the grant too.
	token := env.token(t, types.AccessRead)
	resp = send(http.MethodGet, "https://app.cloudillo.net", "", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://app.cloudillo.net", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Values("Vary"), "Origin")

	// Foreign origins get nothing.
	resp = send(http.MethodGet, "https://evil.example.com", "", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
