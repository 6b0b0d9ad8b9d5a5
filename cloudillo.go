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

// Package cloudillo defines constants shared across the Cloudillo server
// components.
package cloudillo

// Version is the semantic version of the server.
const Version = "0.6.1"

// ComponentKey is the name of the structured logging attribute that
// carries the component name.
const ComponentKey = "component"

// Component names used as logging attributes and in diagnostics.
const (
	// ComponentService is the process-level supervisor.
	ComponentService = "cloudillod"

	// ComponentWeb is the HTTP API gateway.
	ComponentWeb = "web"

	// ComponentIdentity is the tenant resolution and token service.
	ComponentIdentity = "identity"

	// ComponentACME is the certificate lifecycle manager.
	ComponentACME = "acme"

	// ComponentActions is the action exchange engine.
	ComponentActions = "actions"

	// ComponentFederation is the outbound federation client.
	ComponentFederation = "federation"

	// ComponentRelay is the WebSocket relay plane.
	ComponentRelay = "relay"

	// ComponentBus is the per-tenant event bus sub-plane.
	ComponentBus = "relay:bus"

	// ComponentCRDT is the collaborative document sub-plane.
	ComponentCRDT = "relay:crdt"

	// ComponentWorker is the periodic task scheduler.
	ComponentWorker = "worker"

	// ComponentStore is the storage layer.
	ComponentStore = "store"
)

// RunMode selects how the instance terminates client connections.
type RunMode string

const (
	// ModeStandalone terminates TLS itself and manages tenant
	// certificates through ACME.
	ModeStandalone RunMode = "standalone"

	// ModeProxy serves plain HTTP behind a TLS-terminating reverse
	// proxy; the effective host arrives in X-Forwarded-Host.
	ModeProxy RunMode = "proxy"

	// ModeStreamProxy serves TLS behind a TCP stream proxy that routes
	// by SNI; the effective host arrives in X-Forwarded-Host.
	ModeStreamProxy RunMode = "stream_proxy"
)

// APIHostPrefix is prepended to a tenant's identity tag to form the
// hostname its API instance is reachable at. Inbound requests strip it
// during tenant resolution.
const APIHostPrefix = "cl-o."

// APIPrefix is the path segment all REST endpoints live under.
const APIPrefix = "api"

// ChallengeBasePath serves ACME HTTP-01 challenge responses.
const ChallengeBasePath = "/.well-known/acme-challenge/"
