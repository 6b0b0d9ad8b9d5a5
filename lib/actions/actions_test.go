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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/backend/blobfs"
	"github.com/cloudillo/cloudillo/lib/backend/lite"
	"github.com/cloudillo/cloudillo/lib/backend/membus"
	"github.com/cloudillo/cloudillo/lib/federation"
	"github.com/cloudillo/cloudillo/lib/tokens"
)

// node is one in-process instance wired to the loopback federation.
type node struct {
	tnID   int64
	idTag  string
	auth   *lite.AuthBackend
	meta   *lite.MetaBackend
	blobs  *blobfs.Store
	bus    *membus.Bus
	engine *Engine
}

// loopback connects engines directly, standing in for the federation
// client. Peers can be taken offline or made to reject deliveries.
type loopback struct {
	clock clockwork.Clock

	mu        sync.Mutex
	nodes     map[string]*node
	offline   map[string]bool
	rejecting map[string]bool
	served    map[string][]byte // peer-served blobs by "idTag/fileID"
}

func newLoopback(clock clockwork.Clock) *loopback {
	return &loopback{
		clock:     clock,
		nodes:     map[string]*node{},
		offline:   map[string]bool{},
		rejecting: map[string]bool{},
		served:    map[string][]byte{},
	}
}

func (l *loopback) add(n *node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[n.idTag] = n
}

// nodeFed is the federation handle of one node. Tenant ids collide
// across the in-process nodes (each has its own store), so the local
// side cannot be routed by tnID and is bound here instead.
type nodeFed struct {
	*loopback
	self *node
}

func (f *nodeFed) SyncProfile(ctx context.Context, tnID int64, idTag string) error {
	return f.loopback.syncProfile(ctx, f.self, idTag)
}

func (f *nodeFed) FetchAttachment(ctx context.Context, tnID int64, peer, fileID string, public bool) error {
	return f.loopback.fetchAttachment(ctx, f.self, peer, fileID, public)
}

func (l *loopback) peer(idTag string) *node {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offline[idTag] {
		return nil
	}
	return l.nodes[idTag]
}

func (l *loopback) local(tnID int64) *node {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byTnID[tnID]
}

func (l *loopback) setOffline(idTag string, offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline[idTag] = offline
}

func (l *loopback) setRejecting(idTag string, rejecting bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejecting[idTag] = rejecting
}

func (l *loopback) serve(idTag string, data []byte, as string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.served[idTag+"/"+as] = data
}

func (l *loopback) DeliverAction(ctx context.Context, tnID int64, peer, token string) error {
	l.mu.Lock()
	rejecting := l.rejecting[peer]
	l.mu.Unlock()
	if rejecting {
		return &federation.PermanentError{Err: trace.AccessDenied("peer %q refused the action", peer)}
	}
	target := l.peer(peer)
	if target == nil {
		return trace.ConnectionProblem(nil, "peer %q unreachable", peer)
	}
	if _, err := target.engine.HandleInbound(ctx, target.tnID, token); err != nil {
		return &federation.PermanentError{Err: err}
	}
	return nil
}

func (l *loopback) SyncProfile(ctx context.Context, tnID int64, idTag string) error {
	source := l.peer(idTag)
	if source == nil {
		return trace.ConnectionProblem(nil, "peer %q unreachable", idTag)
	}
	target := l.local(tnID)
	keys, err := source.auth.ListPublicKeys(ctx, source.tnID)
	if err != nil {
		return trace.Wrap(err)
	}
	prof, err := source.meta.GetProfile(ctx, source.tnID, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := target.meta.UpsertProfile(ctx, &types.Profile{
		TnID:  target.tnID,
		IDTag: idTag,
		Name:  prof.Name,
		Type:  prof.Type,
	}); err != nil {
		return trace.Wrap(err)
	}
	if err := target.meta.UpsertProfileKeys(ctx, target.tnID, idTag, keys); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(target.meta.SetProfileSynced(ctx, target.tnID, idTag, "", l.clock.Now()))
}

func (l *loopback) FetchAttachment(ctx context.Context, tnID int64, peer, fileID string, public bool) error {
	target := l.local(tnID)
	if ok, err := target.blobs.CheckBlob(ctx, tnID, fileID); err != nil {
		return trace.Wrap(err)
	} else if ok {
		return nil
	}
	l.mu.Lock()
	data, ok := l.served[peer+"/"+fileID]
	l.mu.Unlock()
	if !ok {
		return trace.ConnectionProblem(nil, "peer %q unreachable", peer)
	}
	if backend.ContentHash(data) != fileID {
		return trace.CompareFailed("attachment %q content hash mismatch", fileID)
	}
	return trace.Wrap(target.blobs.WriteBlob(ctx, tnID, fileID, data, backend.BlobWriteOptions{Public: public}))
}

type testEnv struct {
	clock *clockwork.FakeClock
	net   *loopback
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC))
	return &testEnv{clock: clock, net: newLoopback(clock)}
}

func (env *testEnv) addNode(t *testing.T, idTag string, tenantType types.TenantType) *node {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	auth, err := lite.NewAuthStore(lite.Config{
		Path:  filepath.Join(dir, "auth.db"),
		Clock: env.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, auth.Close()) })

	meta, err := lite.NewMetaStore(lite.Config{
		Path:  filepath.Join(dir, "meta.db"),
		Clock: env.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, meta.Close()) })

	blobs, err := blobfs.New(blobfs.Config{Root: filepath.Join(dir, "blobs")})
	require.NoError(t, err)
	bus := membus.New()

	tnID, err := auth.CreateTenant(ctx, &types.Tenant{
		IDTag:     idTag,
		Name:      idTag,
		Type:      tenantType,
		CreatedAt: env.clock.Now(),
	}, "sup3rsecret")
	require.NoError(t, err)

	key, err := tokens.GenerateSigningKey()
	require.NoError(t, err)
	require.NoError(t, auth.CreateSigningKey(ctx, tnID, key.PublicProfileKey(), tokens.EncodePrivateKey(key.Private)))
	require.NoError(t, meta.UpsertProfile(ctx, &types.Profile{
		TnID:   tnID,
		IDTag:  idTag,
		Name:   idTag,
		Type:   tenantType,
		Status: types.ProfileTrusted,
	}))

	engine, err := New(Config{
		Auth:       auth,
		Meta:       meta,
		Blobs:      blobs,
		Bus:        bus,
		Federation: env.net,
		MaxFanout:  3,
		Clock:      env.clock,
	})
	require.NoError(t, err)

	n := &node{tnID: tnID, idTag: idTag, auth: auth, meta: meta, blobs: blobs, bus: bus, engine: engine}
	env.net.add(n)
	return n
}

func (n *node) profile(t *testing.T, idTag string) *types.Profile {
	t.Helper()
	prof, err := n.meta.GetProfile(context.Background(), n.tnID, idTag)
	require.NoError(t, err)
	return prof
}

func (n *node) actionByKey(t *testing.T, key string) *types.Action {
	t.Helper()
	action, err := n.meta.GetActionByKey(context.Background(), n.tnID, key)
	require.NoError(t, err)
	return action
}

func text(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func TestConnHandshake(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)

	request, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionNew, request.Status)
	require.Equal(t, "CONN:alice.test:bob.test", request.Key)

	// Bob holds the request as a candidate; nothing is connected yet.
	candidate := bob.actionByKey(t, "CONN:alice.test:bob.test")
	require.Equal(t, types.ActionCandidate, candidate.Status)
	require.False(t, bob.profile(t, "alice.test").Connected)
	require.False(t, alice.profile(t, "bob.test").Connected)

	// Bob answers with his own request, which completes the handshake
	// on both sides.
	answer, err := bob.engine.CreateAction(ctx, bob.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "alice.test",
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionAccepted, answer.Status)

	require.Equal(t, types.ActionAccepted, bob.actionByKey(t, "CONN:alice.test:bob.test").Status)
	require.Equal(t, types.ActionAccepted, alice.actionByKey(t, "CONN:alice.test:bob.test").Status)
	require.Equal(t, types.ActionAccepted, alice.actionByKey(t, "CONN:bob.test:alice.test").Status)

	for n, peer := range map[*node]string{alice: "bob.test", bob: "alice.test"} {
		prof := n.profile(t, peer)
		require.True(t, prof.Connected)
		require.Equal(t, types.ProfileConnected, prof.Status)
	}
}

func TestConnAccept(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)

	_, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)

	candidate := bob.actionByKey(t, "CONN:alice.test:bob.test")
	accepted, err := bob.engine.AcceptAction(ctx, bob.tnID, candidate.ActionID)
	require.NoError(t, err)
	require.Equal(t, types.ActionAccepted, accepted.Status)

	require.True(t, bob.profile(t, "alice.test").Connected)
	require.True(t, alice.profile(t, "bob.test").Connected)
	require.Equal(t, types.ActionAccepted, alice.actionByKey(t, "CONN:alice.test:bob.test").Status)
}

func TestConnIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	env.addNode(t, "bob.test", types.TenantPerson)

	first, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)

	// Re-issuing the request later lands on the same key slot and
	// returns the original action.
	env.clock.Advance(time.Minute)
	second, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)
	require.Equal(t, first.ActionID, second.ActionID)

	actions, _, err := alice.meta.ListActions(ctx, alice.tnID, types.ListActionsOptions{
		Types: []string{types.ActionConn},
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)
}

func TestConnRescind(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)

	_, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{Type: types.ActionConn, AudienceTag: "bob.test"})
	require.NoError(t, err)
	_, err = bob.engine.CreateAction(ctx, bob.tnID, CreateParams{Type: types.ActionConn, AudienceTag: "alice.test"})
	require.NoError(t, err)
	require.True(t, alice.profile(t, "bob.test").Connected)

	rescind, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionConn,
		SubType:     types.SubTypeDelete,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionAccepted, rescind.Status)

	for n, peer := range map[*node]string{alice: "bob.test", bob: "alice.test"} {
		prof := n.profile(t, peer)
		require.False(t, prof.Connected)
		require.Equal(t, types.ProfileActive, prof.Status)
		_, err = n.meta.GetActionByKey(ctx, n.tnID, "CONN:alice.test:bob.test")
		require.True(t, trace.IsNotFound(err))
		_, err = n.meta.GetActionByKey(ctx, n.tnID, "CONN:bob.test:alice.test")
		require.True(t, trace.IsNotFound(err))
	}

	// The slot is free again: a fresh request starts a new handshake.
	env.clock.Advance(time.Minute)
	again, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)
	require.NotEqual(t, rescind.ActionID, again.ActionID)
	require.Equal(t, types.ActionCandidate, bob.actionByKey(t, "CONN:alice.test:bob.test").Status)
}

func TestConnCommunityAutoAccept(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	club := env.addNode(t, "club.test", types.TenantCommunity)

	request, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "club.test",
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionAccepted, request.Status)

	require.True(t, alice.profile(t, "club.test").Connected)
	require.True(t, club.profile(t, "alice.test").Connected)
	require.Equal(t, types.ActionAccepted, club.actionByKey(t, "CONN:alice.test:club.test").Status)
	require.Equal(t, types.ActionAccepted, club.actionByKey(t, "CONN:club.test:alice.test").Status)
}

func TestMsgAck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, alice.tnID, "bob.test"))

	msg, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionMsg,
		AudienceTag: "bob.test",
		Content:     text("hello bob"),
	})
	require.NoError(t, err)

	// The acknowledgment loops back synchronously and settles the
	// sender's copy.
	require.Equal(t, types.ActionAccepted, msg.Status)

	received, err := bob.meta.GetAction(ctx, bob.tnID, msg.ActionID)
	require.NoError(t, err)
	require.Equal(t, types.ActionAccepted, received.Status)

	acks, _, err := alice.meta.ListActions(ctx, alice.tnID, types.ListActionsOptions{
		Types: []string{types.ActionAck},
	})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.Equal(t, "bob.test", acks[0].IssuerTag)
	require.Equal(t, msg.ActionID, acks[0].Subject)
}

func TestMsgUnknownAudience(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	alice := env.addNode(t, "alice.test", types.TenantPerson)

	_, err := alice.engine.CreateAction(context.Background(), alice.tnID, CreateParams{
		Type:        types.ActionMsg,
		AudienceTag: "stranger.test",
		Content:     text("anyone there?"),
	})
	require.True(t, trace.IsNotFound(err))
}

func TestInboundUnknownIssuer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.addNode(t, "bob.test", types.TenantPerson)

	// mallory.test is not reachable through the loopback, so her keys
	// can never be fetched.
	key, err := tokens.GenerateSigningKey()
	require.NoError(t, err)
	raw, err := tokens.SignAction(key, &types.ActionToken{
		IssuerTag:   "mallory.test",
		Type:        types.ActionMsg,
		AudienceTag: "bob.test",
		Content:     text("trust me"),
		IssuedAt:    types.TimestampFromTime(env.clock.Now()),
	})
	require.NoError(t, err)

	_, err = bob.engine.HandleInbound(ctx, bob.tnID, raw)
	require.True(t, trace.IsAccessDenied(err))
	_, err = bob.meta.GetAction(ctx, bob.tnID, tokens.ActionID(raw))
	require.True(t, trace.IsNotFound(err))
}

func TestInboundBlockedIssuer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.addNode(t, "bob.test", types.TenantPerson)
	carol := env.addNode(t, "carol.test", types.TenantPerson)

	require.NoError(t, env.net.SyncProfile(ctx, bob.tnID, "carol.test"))
	require.NoError(t, bob.meta.SetProfileStatus(ctx, bob.tnID, "carol.test", types.ProfileBlocked))

	// Even a connection request is rejected from a blocked peer.
	conn, err := carol.engine.CreateAction(ctx, carol.tnID, CreateParams{
		Type:        types.ActionConn,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)

	_, err = bob.meta.GetAction(ctx, bob.tnID, conn.ActionID)
	require.True(t, trace.IsNotFound(err))
}

func TestAttachmentHashMismatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	carol := env.addNode(t, "carol.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, carol.tnID, "bob.test"))

	fileID := backend.ContentHash([]byte("the real bytes"))
	env.net.serve("carol.test", []byte("tampered bytes"), fileID)

	share, err := carol.engine.CreateAction(ctx, carol.tnID, CreateParams{
		Type:        types.ActionFShare,
		AudienceTag: "bob.test",
		Content:     json.RawMessage(`{"fileName":"notes.txt","contentType":"text/plain"}`),
		Attachments: []string{"f:" + fileID},
	})
	require.NoError(t, err)

	// The action survives without its attachment.
	received, err := bob.meta.GetAction(ctx, bob.tnID, share.ActionID)
	require.NoError(t, err)
	require.Equal(t, types.ActionCandidate, received.Status)
	require.Empty(t, received.Attachments)

	file, err := bob.meta.GetFile(ctx, bob.tnID, fileID)
	require.NoError(t, err)
	require.Equal(t, types.FileDeleted, file.Status)
	ok, err := bob.blobs.CheckBlob(ctx, bob.tnID, fileID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAttachmentDeferredFetch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	carol := env.addNode(t, "carol.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, carol.tnID, "bob.test"))

	data := []byte("slow to arrive")
	fileID := backend.ContentHash(data)

	// The blob is not served yet: the fetch fails transiently and the
	// attachment reference is kept for the worker.
	share, err := carol.engine.CreateAction(ctx, carol.tnID, CreateParams{
		Type:        types.ActionFShare,
		AudienceTag: "bob.test",
		Content:     json.RawMessage(`{"fileName":"big.bin","contentType":"application/octet-stream"}`),
		Attachments: []string{"f:" + fileID},
	})
	require.NoError(t, err)

	received, err := bob.meta.GetAction(ctx, bob.tnID, share.ActionID)
	require.NoError(t, err)
	require.Equal(t, []string{"f:" + fileID}, received.Attachments)
	file, err := bob.meta.GetFile(ctx, bob.tnID, fileID)
	require.NoError(t, err)
	require.Equal(t, types.FilePending, file.Status)
	require.Equal(t, "big.bin", file.FileName)

	env.net.serve("carol.test", data, fileID)
	_, err = bob.engine.SyncPendingFiles(ctx)
	require.NoError(t, err)

	file, err = bob.meta.GetFile(ctx, bob.tnID, fileID)
	require.NoError(t, err)
	require.Equal(t, types.FileActive, file.Status)
	ok, err := bob.blobs.CheckBlob(ctx, bob.tnID, fileID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBroadcastFanout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)

	// Four followers against a fan-out budget of three.
	for _, tag := range []string{"f1.test", "f2.test", "f3.test", "f4.test"} {
		require.NoError(t, alice.meta.UpsertProfile(ctx, &types.Profile{TnID: alice.tnID, IDTag: tag}))
		require.NoError(t, alice.meta.SetProfileStatus(ctx, alice.tnID, tag, types.ProfileFollower))
	}

	post, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:    types.ActionPost,
		Content: text("hello followers"),
	})
	require.NoError(t, err)

	due, err := alice.meta.ListDueDeliveries(ctx, env.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	for _, d := range due {
		require.Equal(t, post.ActionID, d.ActionID)
	}
}

func TestOfflineDeliveryRetried(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, alice.tnID, "bob.test"))
	env.net.setOffline("bob.test", true)

	msg, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionMsg,
		AudienceTag: "bob.test",
		Content:     text("are you there?"),
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionNew, msg.Status)

	due, err := alice.meta.ListDueDeliveries(ctx, env.clock.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].Attempts)

	// Once the peer is back the queued delivery goes through and the
	// acknowledgment settles the message.
	env.net.setOffline("bob.test", false)
	env.clock.Advance(2 * time.Minute)
	_, err = alice.engine.RetryDeliveries(ctx)
	require.NoError(t, err)

	settled, err := alice.meta.GetAction(ctx, alice.tnID, msg.ActionID)
	require.NoError(t, err)
	require.Equal(t, types.ActionAccepted, settled.Status)
	_, err = bob.meta.GetAction(ctx, bob.tnID, msg.ActionID)
	require.NoError(t, err)

	due, err = alice.meta.ListDueDeliveries(ctx, env.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDeliveryPermanentRejection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, alice.tnID, "bob.test"))
	env.net.setRejecting("bob.test", true)

	msg, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionMsg,
		AudienceTag: "bob.test",
		Content:     text("let me in"),
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionRejected, msg.Status)

	due, err := alice.meta.ListDueDeliveries(ctx, env.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDeliveryAbandoned(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, alice.tnID, "bob.test"))
	env.net.setOffline("bob.test", true)

	msg, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionMsg,
		AudienceTag: "bob.test",
		Content:     text("lost forever"),
	})
	require.NoError(t, err)

	for range 10 {
		env.clock.Advance(10 * time.Minute)
		_, err := alice.engine.RetryDeliveries(ctx)
		require.NoError(t, err)
	}

	due, err := alice.meta.ListDueDeliveries(ctx, env.clock.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
	abandoned, err := alice.meta.GetAction(ctx, alice.tnID, msg.ActionID)
	require.NoError(t, err)
	require.Equal(t, types.ActionRejected, abandoned.Status)
}

func TestFollow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)

	follow, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionFollow,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionAccepted, follow.Status)
	require.True(t, alice.profile(t, "bob.test").Following)

	require.Equal(t, types.ProfileFollower, bob.profile(t, "alice.test").Status)
	followers, err := bob.meta.ListFollowers(ctx, bob.tnID, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"alice.test"}, followers)

	_, err = alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionFollow,
		SubType:     types.SubTypeDelete,
		AudienceTag: "bob.test",
	})
	require.NoError(t, err)
	require.False(t, alice.profile(t, "bob.test").Following)

	followers, err = bob.meta.ListFollowers(ctx, bob.tnID, 10)
	require.NoError(t, err)
	require.Empty(t, followers)
	require.Equal(t, types.ProfileActive, bob.profile(t, "alice.test").Status)
}

func TestAckFromWrongPeer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	carol := env.addNode(t, "carol.test", types.TenantPerson)
	env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, alice.tnID, "bob.test"))
	require.NoError(t, env.net.SyncProfile(ctx, carol.tnID, "alice.test"))
	env.net.setOffline("bob.test", true)

	msg, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionMsg,
		AudienceTag: "bob.test",
		Content:     text("for bob only"),
	})
	require.NoError(t, err)

	// Carol acknowledges a message that was never addressed to her:
	// the acknowledgment is stored but settles nothing.
	_, err = carol.engine.CreateAction(ctx, carol.tnID, CreateParams{
		Type:        types.ActionAck,
		AudienceTag: "alice.test",
		Subject:     msg.ActionID,
	})
	require.NoError(t, err)

	unsettled, err := alice.meta.GetAction(ctx, alice.tnID, msg.ActionID)
	require.NoError(t, err)
	require.Equal(t, types.ActionNew, unsettled.Status)
}

func TestInteractionStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, bob.tnID, "alice.test"))

	post, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:    types.ActionPost,
		Content: text("rate my post"),
	})
	require.NoError(t, err)

	_, err = bob.engine.CreateAction(ctx, bob.tnID, CreateParams{
		Type:        types.ActionReact,
		AudienceTag: "alice.test",
		ParentID:    post.ActionID,
		Content:     text("like"),
	})
	require.NoError(t, err)
	_, err = bob.engine.CreateAction(ctx, bob.tnID, CreateParams{
		Type:        types.ActionComment,
		AudienceTag: "alice.test",
		ParentID:    post.ActionID,
		Content:     text("nice one"),
	})
	require.NoError(t, err)
	_, err = bob.engine.CreateAction(ctx, bob.tnID, CreateParams{
		Type:        types.ActionRepost,
		AudienceTag: "alice.test",
		ParentID:    post.ActionID,
		Subject:     post.ActionID,
	})
	require.NoError(t, err)

	stat, err := alice.meta.GetActionStat(ctx, alice.tnID, post.ActionID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stat.Reactions)
	require.Equal(t, int64(1), stat.Comments)
	require.Equal(t, int64(1), stat.Reposts)

	// The interactions share the post's thread.
	comments, _, err := alice.meta.ListActions(ctx, alice.tnID, types.ListActionsOptions{
		Types:  []string{types.ActionComment},
		RootID: post.ActionID,
	})
	require.NoError(t, err)
	require.Len(t, comments, 1)
}

func TestPostPageSlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)

	page, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:    types.ActionPost,
		Content: text("the page"),
	})
	require.NoError(t, err)

	first, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:     types.ActionPost,
		ParentID: page.ActionID,
		Content:  text("pinned description"),
	})
	require.NoError(t, err)
	require.Equal(t, "p:"+page.ActionID, first.Key)
	require.Equal(t, page.ActionID, first.RootID)

	second, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:     types.ActionPost,
		ParentID: page.ActionID,
		Content:  text("replacement attempt"),
	})
	require.NoError(t, err)
	require.Equal(t, first.ActionID, second.ActionID)
}

func TestBusPublish(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	bob := env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, alice.tnID, "bob.test"))

	var mu sync.Mutex
	var got []*types.BusMessage
	unsubscribe := bob.bus.Subscribe("bob.test", "conn-1", func(msg *types.BusMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	})
	defer unsubscribe()

	msg, err := alice.engine.CreateAction(ctx, alice.tnID, CreateParams{
		Type:        types.ActionMsg,
		AudienceTag: "bob.test",
		Content:     text("ping"),
	})
	require.NoError(t, err)

	// Bob sees two pushes: his own acknowledgment, then the inbound
	// message in its settled state.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	var ack, published types.Action
	require.Equal(t, types.BusCmdAction, got[0].Cmd)
	require.NoError(t, json.Unmarshal(got[0].Data, &ack))
	require.Equal(t, types.ActionAck, ack.Type)
	require.Equal(t, "bob.test", ack.IssuerTag)
	require.Equal(t, types.BusCmdAction, got[1].Cmd)
	require.NoError(t, json.Unmarshal(got[1].Data, &published))
	require.Equal(t, msg.ActionID, published.ActionID)
	require.Equal(t, "alice.test", published.IssuerTag)
	require.Equal(t, types.ActionAccepted, published.Status)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addNode(t, "alice.test", types.TenantPerson)
	env.addNode(t, "bob.test", types.TenantPerson)
	require.NoError(t, env.net.SyncProfile(ctx, alice.tnID, "bob.test"))

	tests := []struct {
		name   string
		params CreateParams
	}{
		{
			name:   "unknown type",
			params: CreateParams{Type: "NOPE", AudienceTag: "bob.test"},
		},
		{
			name:   "message without audience",
			params: CreateParams{Type: types.ActionMsg, Content: text("hi")},
		},
		{
			name:   "message without content",
			params: CreateParams{Type: types.ActionMsg, AudienceTag: "bob.test"},
		},
		{
			name:   "connect to self",
			params: CreateParams{Type: types.ActionConn, AudienceTag: "alice.test"},
		},
		{
			name:   "reaction without parent",
			params: CreateParams{Type: types.ActionReact, AudienceTag: "bob.test", Content: text("like")},
		},
		{
			name: "file share without attachments",
			params: CreateParams{
				Type:        types.ActionFShare,
				AudienceTag: "bob.test",
				Content:     json.RawMessage(`{"fileName":"a.txt","contentType":"text/plain"}`),
			},
		},
		{
			name:   "acknowledgment without subject",
			params: CreateParams{Type: types.ActionAck, AudienceTag: "bob.test"},
		},
		{
			name:   "follow with content",
			params: CreateParams{Type: types.ActionFollow, AudienceTag: "bob.test", Content: text("please")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := alice.engine.CreateAction(ctx, alice.tnID, tt.params)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}
