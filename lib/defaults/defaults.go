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

// Package defaults contains default constants used across the Cloudillo
// server.
package defaults

import "time"

// Network defaults.
const (
	// ListenAddr is the default HTTPS listen address in standalone mode.
	ListenAddr = ":443"

	// ListenAddrHTTP is the default plain HTTP listen address used for
	// ACME challenges and proxy mode.
	ListenAddrHTTP = ":80"

	// ListenAddrProxy is the default listen address behind a
	// TLS-terminating reverse proxy.
	ListenAddrProxy = ":8080"

	// ReadHeaderTimeout bounds how long a client may take to send
	// request headers.
	ReadHeaderTimeout = 10 * time.Second

	// ShutdownTimeout bounds graceful HTTP server drain on exit.
	ShutdownTimeout = 30 * time.Second
)

// Token lifetimes.
const (
	// AccessTokenTTL is the lifetime of a browser session token.
	AccessTokenTTL = 30 * time.Minute

	// LoginTokenTTL is the lifetime of a one-shot login token.
	LoginTokenTTL = 1 * time.Minute

	// PasswordResetTTL is the lifetime of a one-shot password reset
	// capability.
	PasswordResetTTL = 15 * time.Minute

	// ProxyTokenTTL is the lifetime of an outbound federation token.
	// It must cover a full retry cycle of a federation call.
	ProxyTokenTTL = 2 * time.Minute

	// TokenClockSkew is the verification leeway applied to token
	// time claims.
	TokenClockSkew = 1 * time.Minute
)

// SessionCookieName carries the access token of a browser session.
// WebSocket clients that cannot set headers send the same token in
// the "token" query parameter instead.
const SessionCookieName = "cl-token"

// Federation defaults.
const (
	// FederationTimeout is the per-attempt HTTP timeout for calls to
	// peer instances.
	FederationTimeout = 10 * time.Second

	// FederationRetries is the number of attempts for one federation
	// call before the error is surfaced to the caller.
	FederationRetries = 3

	// FederationRetryStep is the base delay added between federation
	// attempts. The second attempt waits one step, the third two.
	FederationRetryStep = 2 * time.Second

	// DeliveryMaxAttempts bounds worker-driven redelivery of a queued
	// outbound action before it is marked rejected.
	DeliveryMaxAttempts = 8

	// MaxFanout caps the number of follower deliveries a single
	// broadcast action may schedule.
	MaxFanout = 1000
)

// Relay plane defaults.
const (
	// PingInterval is the WebSocket keepalive cadence. A connection
	// missing two consecutive pongs is disconnected.
	PingInterval = 30 * time.Second

	// WriteTimeout bounds a single WebSocket frame write.
	WriteTimeout = 10 * time.Second

	// BusQueueSize is the per-connection outbound message queue. A
	// subscriber that falls this far behind is disconnected.
	BusQueueSize = 256

	// RoomGracePeriod keeps an empty CRDT room resident before its
	// state is flushed and the room evicted.
	RoomGracePeriod = 30 * time.Second

	// RoomInboxSize is the per-room message inbox capacity.
	RoomInboxSize = 64

	// MaxFrameSize bounds a single inbound WebSocket frame.
	MaxFrameSize = 1 << 20
)

// Certificate lifecycle defaults.
const (
	// CertRenewalWindow is how long before expiry a certificate
	// becomes eligible for renewal.
	CertRenewalWindow = 30 * 24 * time.Hour

	// ACMEStepTimeout bounds each individual ACME protocol step.
	ACMEStepTimeout = 60 * time.Second

	// ACMEDirectoryURL is the production Let's Encrypt directory.
	ACMEDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
)

// Worker defaults.
const (
	// WorkerConcurrency is the number of task slots the scheduler
	// runs in parallel.
	WorkerConcurrency = 4

	// WorkerFirstDelay bounds the delay before the first run of a
	// periodic task after startup.
	WorkerFirstDelay = 10 * time.Second

	// CertCheckPeriod is the cadence of the certificate renewal scan.
	CertCheckPeriod = 6 * time.Hour

	// ProfileSyncPeriod is the cadence of the stale remote profile
	// re-sync task.
	ProfileSyncPeriod = 1 * time.Hour

	// ProfileStaleAfter marks a cached remote profile stale.
	ProfileStaleAfter = 24 * time.Hour

	// DeliveryRetryPeriod is the cadence of the failed delivery
	// retry task.
	DeliveryRetryPeriod = 1 * time.Minute

	// NotifyPeriod is the cadence of the offline notification
	// fan-out task.
	NotifyPeriod = 15 * time.Second

	// FileSyncPeriod is the cadence of the pending attachment
	// re-fetch task.
	FileSyncPeriod = 5 * time.Minute
)

// Storage defaults.
const (
	// DataDir is the default state directory of the instance.
	DataDir = "/var/lib/cloudillo"

	// AuthDBFile is the auth store database file under the private
	// data directory.
	AuthDBFile = "auth.db"

	// MetaDBFile is the metadata store database file.
	MetaDBFile = "meta.db"

	// DatabaseDBFile is the structured document database file.
	DatabaseDBFile = "database.db"

	// BlobDir is the private blob tree under the data directory.
	BlobDir = "blobs"

	// CRDTDir is the collaborative document log tree.
	CRDTDir = "crdt"

	// MaxInlineFileSize is the largest upload accepted into an
	// inline (database-resident) attachment.
	MaxInlineFileSize = 1 << 20

	// MaxUploadSize bounds a single file upload.
	MaxUploadSize = 64 << 20

	// ListLimit is the default page size of list endpoints.
	ListLimit = 50

	// MaxListLimit is the largest page size a caller may request.
	MaxListLimit = 500
)

// WebAuthn defaults.
const (
	// WebauthnChallengeTimeout is the browser-side ceremony timeout.
	WebauthnChallengeTimeout = 5 * time.Minute

	// WebauthnDisplayName is the relying party display name.
	WebauthnDisplayName = "Cloudillo"
)
