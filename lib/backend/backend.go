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

// Package backend defines the storage contracts consumed by the
// server core. Every facade is a narrow interface; the reference
// implementations live in the lite, blobfs, crdtlog and membus
// subpackages, and any backend satisfying the stated operations and
// ordering guarantees may be plugged in instead.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/cloudillo/cloudillo/api/types"
)

// ContentHash computes the content address of a byte sequence. File
// ids and action ids use this form.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// TenantCert is a tenant TLS certificate with its chain and key, PEM
// encoded.
type TenantCert struct {
	TnID      int64
	Domain    string
	Cert      []byte
	Key       []byte
	ExpiresAt time.Time
}

// Credential is a stored WebAuthn credential of a tenant user.
type Credential struct {
	CredentialID string
	TnID         int64
	Name         string
	Data         []byte
	CreatedAt    time.Time
}

// Delivery is one queued outbound action delivery awaiting retry.
type Delivery struct {
	ID        int64
	TnID      int64
	ActionID  string
	Recipient string
	Attempts  int
	NextAt    time.Time
}

// Notification is one queued offline bus message awaiting push
// fan-out.
type Notification struct {
	ID        int64
	IDTag     string
	Message   types.BusMessage
	CreatedAt time.Time
}

// AuthStore persists identity material: tenants, passwords, signing
// keys, WebAuthn credentials, certificates and ACME challenges.
// Mutations are per-tenant serializable.
type AuthStore interface {
	// CreateTenant registers a tenant and returns its dense local id.
	// The idTag must be unique; a duplicate reports AlreadyExists.
	CreateTenant(ctx context.Context, tenant *types.Tenant, password string) (int64, error)
	// GetTenant returns a tenant by local id.
	GetTenant(ctx context.Context, tnID int64) (*types.Tenant, error)
	// GetTnID resolves an identity tag to the local tenant id.
	GetTnID(ctx context.Context, idTag string) (int64, error)
	// GetIdentityTag resolves a local tenant id to its identity tag.
	GetIdentityTag(ctx context.Context, tnID int64) (string, error)

	// VerifyPassword checks a tenant password.
	VerifyPassword(ctx context.Context, tnID int64, password string) error
	// SetPassword replaces a tenant password.
	SetPassword(ctx context.Context, tnID int64, password string) error

	// CreateSigningKey stores a tenant signing key together with its
	// published public half. The most recently created key is the
	// active one.
	CreateSigningKey(ctx context.Context, tnID int64, key types.ProfileKey, privateKey string) error
	// GetSigningKey returns the active signing key of a tenant.
	GetSigningKey(ctx context.Context, tnID int64) (keyID, privateKey string, err error)
	// ListPublicKeys returns the published key set of a tenant.
	ListPublicKeys(ctx context.Context, tnID int64) ([]types.ProfileKey, error)

	// CreateCredential stores a WebAuthn credential.
	CreateCredential(ctx context.Context, cred *Credential) error
	// ListCredentials returns the WebAuthn credentials of a tenant.
	ListCredentials(ctx context.Context, tnID int64) ([]Credential, error)
	// DeleteCredential removes one WebAuthn credential.
	DeleteCredential(ctx context.Context, tnID int64, credentialID string) error

	// UpsertWebauthnSession stores in-flight ceremony state under
	// (tnID, scope, id).
	UpsertWebauthnSession(ctx context.Context, tnID int64, scope, id string, data []byte) error
	// TakeWebauthnSession returns and deletes ceremony state.
	TakeWebauthnSession(ctx context.Context, tnID int64, scope, id string) ([]byte, error)

	// UpsertCert stores a tenant certificate.
	UpsertCert(ctx context.Context, cert *TenantCert) error
	// GetCert returns the certificate of a tenant.
	GetCert(ctx context.Context, tnID int64) (*TenantCert, error)
	// GetCertByDomain returns the certificate covering a domain.
	GetCertByDomain(ctx context.Context, domain string) (*TenantCert, error)
	// ListExpiringCerts returns tenants whose certificate is missing
	// or expires before the deadline.
	ListExpiringCerts(ctx context.Context, deadline time.Time) ([]int64, error)

	// UpsertChallenge stores an ACME HTTP-01 challenge response.
	UpsertChallenge(ctx context.Context, token, response string) error
	// GetChallenge returns a stored challenge response.
	GetChallenge(ctx context.Context, token string) (string, error)
	// DeleteChallenge removes a challenge response.
	DeleteChallenge(ctx context.Context, token string) error

	// GetInstanceValue reads an instance-global value (VAPID keys,
	// ACME account key).
	GetInstanceValue(ctx context.Context, name string) (string, error)
	// SetInstanceValue stores an instance-global value.
	SetInstanceValue(ctx context.Context, name, value string) error

	io.Closer
}

// MetaStore persists tenant metadata: profiles, actions, files, refs,
// settings, subscriptions and the worker queues. Mutations are
// per-tenant serializable; action inserts are linearizable with
// respect to their idempotency key.
type MetaStore interface {
	// UpsertProfile creates or refreshes a cached profile row.
	UpsertProfile(ctx context.Context, profile *types.Profile) error
	// GetProfile returns one tenant's view of an identity.
	GetProfile(ctx context.Context, tnID int64, idTag string) (*types.Profile, error)
	// ListProfiles lists profiles with filters and cursor pagination.
	ListProfiles(ctx context.Context, tnID int64, opts types.ListProfilesOptions) ([]types.Profile, string, error)
	// SetProfileStatus updates the relationship status.
	SetProfileStatus(ctx context.Context, tnID int64, idTag string, status types.ProfileStatus) error
	// SetProfileConnected flips the connection flag.
	SetProfileConnected(ctx context.Context, tnID int64, idTag string, connected bool) error
	// SetProfileFollowing flips the following flag.
	SetProfileFollowing(ctx context.Context, tnID int64, idTag string, following bool) error
	// SetProfileSynced records a completed profile sync.
	SetProfileSynced(ctx context.Context, tnID int64, idTag, etag string, at time.Time) error
	// ListStaleProfiles returns remote profiles not synced since the
	// deadline.
	ListStaleProfiles(ctx context.Context, deadline time.Time, limit int) ([]types.Profile, error)
	// ListFollowers returns the idTags of peers subscribed to the
	// tenant's broadcasts.
	ListFollowers(ctx context.Context, tnID int64, limit int) ([]string, error)

	// UpsertProfileKeys replaces the cached public key set of a
	// profile.
	UpsertProfileKeys(ctx context.Context, tnID int64, idTag string, keys []types.ProfileKey) error
	// ListProfileKeys returns the cached public keys of a profile.
	ListProfileKeys(ctx context.Context, tnID int64, idTag string) ([]types.ProfileKey, error)

	// CreateAction atomically persists an action with its signed
	// token. If the idempotency key is already taken by a live
	// action, the stored row is returned together with an
	// AlreadyExists error.
	CreateAction(ctx context.Context, action *types.Action, token string) (*types.Action, error)
	// GetAction returns an action by content address.
	GetAction(ctx context.Context, tnID int64, actionID string) (*types.Action, error)
	// GetActionByKey returns the live action stored under key.
	GetActionByKey(ctx context.Context, tnID int64, key string) (*types.Action, error)
	// GetActionToken returns the verbatim signed token of an action.
	GetActionToken(ctx context.Context, tnID int64, actionID string) (string, error)
	// UpdateActionStatus transitions the action status. Token and
	// payload are immutable.
	UpdateActionStatus(ctx context.Context, tnID int64, actionID string, status types.ActionStatus) error
	// ListActions lists actions with filters and cursor pagination.
	ListActions(ctx context.Context, tnID int64, opts types.ListActionsOptions) ([]types.Action, string, error)
	// ListActionTokens returns signed tokens of actions, newest
	// first.
	ListActionTokens(ctx context.Context, tnID int64, opts types.ListActionsOptions) ([]string, string, error)
	// GetActionStat aggregates interaction counters of an action.
	GetActionStat(ctx context.Context, tnID int64, actionID string) (*types.ActionStat, error)

	// CreateFile stores file metadata. Re-announcing a known fileId
	// is a no-op.
	CreateFile(ctx context.Context, file *types.FileMeta) error
	// GetFile returns file metadata.
	GetFile(ctx context.Context, tnID int64, fileID string) (*types.FileMeta, error)
	// SetFileStatus transitions a file row status.
	SetFileStatus(ctx context.Context, tnID int64, fileID string, status types.FileStatus) error
	// AddFileVariant registers a rendered variant of a file.
	AddFileVariant(ctx context.Context, tnID int64, fileID string, variant types.FileVariant) error
	// ListFiles lists file metadata with filters and cursor
	// pagination.
	ListFiles(ctx context.Context, tnID int64, opts types.ListFilesOptions) ([]types.FileMeta, string, error)
	// ListPendingFiles returns files across all tenants whose
	// content has not been fetched yet, oldest first.
	ListPendingFiles(ctx context.Context, limit int) ([]types.FileMeta, error)
	// SetFileTag adds or removes one tag on a file.
	SetFileTag(ctx context.Context, tnID int64, fileID, tag string, set bool) error
	// ListTags returns the distinct tags of a tenant with usage
	// counts.
	ListTags(ctx context.Context, tnID int64, prefix string) (map[string]int64, error)

	// CreateRef stores a guest capability.
	CreateRef(ctx context.Context, ref *types.Ref) error
	// GetRef returns a ref row.
	GetRef(ctx context.Context, tnID int64, refID string) (*types.Ref, error)
	// ConsumeRef atomically checks quota and expiry and increments
	// the use counter.
	ConsumeRef(ctx context.Context, tnID int64, refID string, now time.Time) (*types.Ref, error)
	// ListRefs lists the refs of a tenant.
	ListRefs(ctx context.Context, tnID int64) ([]types.Ref, error)
	// DeleteRef removes a ref.
	DeleteRef(ctx context.Context, tnID int64, refID string) error

	// GetSetting returns one setting value.
	GetSetting(ctx context.Context, tnID int64, name string) (string, error)
	// ListSettings returns settings under a namespace prefix.
	ListSettings(ctx context.Context, tnID int64, prefix string) ([]types.Setting, error)
	// PutSetting upserts a setting.
	PutSetting(ctx context.Context, tnID int64, name, value string) error
	// DeleteSetting removes a setting.
	DeleteSetting(ctx context.Context, tnID int64, name string) error

	// CreateSubscription registers a push endpoint.
	CreateSubscription(ctx context.Context, sub *types.Subscription) error
	// ListSubscriptions returns the push endpoints of a tenant.
	ListSubscriptions(ctx context.Context, tnID int64) ([]types.Subscription, error)
	// DeleteSubscription removes a push endpoint.
	DeleteSubscription(ctx context.Context, tnID int64, subsID string) error

	// CreateDelivery queues an outbound delivery for retry.
	CreateDelivery(ctx context.Context, d *Delivery) error
	// ListDueDeliveries returns deliveries scheduled before now.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	// RescheduleDelivery bumps the attempt counter and next run.
	RescheduleDelivery(ctx context.Context, id int64, attempts int, nextAt time.Time) error
	// DeleteDelivery removes a completed or abandoned delivery.
	DeleteDelivery(ctx context.Context, id int64) error

	// EnqueueNotification queues an offline bus message for the push
	// fan-out task.
	EnqueueNotification(ctx context.Context, n *Notification) error
	// DequeueNotifications returns and removes up to limit queued
	// notifications in insertion order.
	DequeueNotifications(ctx context.Context, limit int) ([]Notification, error)

	io.Closer
}

// BlobWriteOptions control blob placement.
type BlobWriteOptions struct {
	// Public mirrors the blob into the public tree.
	Public bool
	// Force skips the content-address check. Reserved for recovery
	// tooling; regular writes never set it.
	Force bool
}

// BlobStore stores content-addressed bytes. Writing an existing blob
// is a no-op; writing bytes whose hash disagrees with the announced
// id is rejected.
type BlobStore interface {
	// WriteBlob stores data under its content address.
	WriteBlob(ctx context.Context, tnID int64, fileID string, data []byte, opts BlobWriteOptions) error
	// ReadBlob returns the content of a blob.
	ReadBlob(ctx context.Context, tnID int64, fileID string) ([]byte, error)
	// OpenBlob opens a blob for streaming and reports its size.
	OpenBlob(ctx context.Context, tnID int64, fileID string) (io.ReadCloser, int64, error)
	// CheckBlob reports whether a blob exists.
	CheckBlob(ctx context.Context, tnID int64, fileID string) (bool, error)
	// DeleteBlob removes a blob and its public mirror.
	DeleteBlob(ctx context.Context, tnID int64, fileID string) error
}

// CRDTStore persists the per-document update log of the relay plane.
// Append order is replay order.
type CRDTStore interface {
	// AppendUpdate appends one update frame to the document log.
	AppendUpdate(ctx context.Context, tnID int64, docID string, update []byte) error
	// LoadDoc returns the last snapshot and the update frames
	// appended after it, in append order.
	LoadDoc(ctx context.Context, tnID int64, docID string) (snapshot []byte, updates [][]byte, err error)
	// WriteSnapshot replaces the snapshot and drops the frames it
	// absorbs.
	WriteSnapshot(ctx context.Context, tnID int64, docID string, snapshot []byte) error
	// DeleteDoc removes all persisted state of a document.
	DeleteDoc(ctx context.Context, tnID int64, docID string) error
}

// BusSink receives bus messages for one online connection.
type BusSink func(msg *types.BusMessage)

// OfflineHandler receives messages published to a tenant with no
// online subscriber. It is invoked at most once per publish.
type OfflineHandler func(idTag string, msg *types.BusMessage)

// MessageBusStore fans out tenant bus messages with online-preferred,
// offline-fallback semantics. Publish order is preserved per
// (publisher, subscriber) pair.
type MessageBusStore interface {
	// Subscribe registers an online sink under a connection id and
	// returns its unsubscribe function.
	Subscribe(idTag, connID string, sink BusSink) (unsubscribe func())
	// SetOfflineHandler installs the fall-through handler.
	SetOfflineHandler(h OfflineHandler)
	// Send delivers the message to every online subscriber of idTag,
	// or hands it to the offline handler when there is none.
	Send(ctx context.Context, idTag string, msg *types.BusMessage) error
	// Online reports whether idTag has at least one online
	// subscriber.
	Online(idTag string) bool
}

// DatabaseStore is a per-document hierarchical structured store
// addressed by slash-separated paths.
type DatabaseStore interface {
	// Read returns the value stored at path.
	Read(ctx context.Context, tnID int64, docID, path string) (json.RawMessage, error)
	// List returns the child entries under path in key order.
	List(ctx context.Context, tnID int64, docID, path string) (map[string]json.RawMessage, error)
	// Push appends a value under path with a generated key and
	// returns the key.
	Push(ctx context.Context, tnID int64, docID, path string, value json.RawMessage) (string, error)
	// Put stores a value at path, replacing any previous value.
	Put(ctx context.Context, tnID int64, docID, path string, value json.RawMessage) error
	// Delete removes the value at path and everything under it.
	Delete(ctx context.Context, tnID int64, docID, path string) error

	io.Closer
}

// Stores bundles the facades one service instance runs on.
type Stores struct {
	Auth     AuthStore
	Meta     MetaStore
	Blob     BlobStore
	CRDT     CRDTStore
	Bus      MessageBusStore
	Database DatabaseStore
}
