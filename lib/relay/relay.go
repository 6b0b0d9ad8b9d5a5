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

// Package relay implements the WebSocket plane of a Cloudillo node:
// the per-tenant event bus and the collaborative document rooms. The
// gateway resolves the tenant and hands the request over; the relay
// upgrades first and reports auth and resource failures through close
// codes, because an HTTP status never reaches a browser WebSocket
// client.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/tokens"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// Close codes in [4400, 4500) are permanent: clients must not
// reconnect. Everything else is transient.
const (
	// CloseAuth signals a missing, invalid or expired token.
	CloseAuth = 4401

	// CloseDenied signals a token whose scope does not cover the
	// requested target or operation.
	CloseDenied = 4403

	// CloseMissing signals a document that cannot be loaded.
	CloseMissing = 4404
)

// Config configures a relay Server.
type Config struct {
	// Issuer verifies access tokens presented on upgrade.
	Issuer *tokens.Issuer

	// CRDT persists document state.
	CRDT backend.CRDTStore

	// Bus is the online fan-out table bus connections register in.
	Bus backend.MessageBusStore

	// PingInterval is the keepalive cadence. A peer missing two
	// consecutive pongs is disconnected.
	PingInterval time.Duration

	// QueueSize is the per-connection outbound queue. A consumer
	// that falls this far behind is disconnected.
	QueueSize int

	// GracePeriod keeps an empty document room resident before its
	// state is flushed and the room evicted.
	GracePeriod time.Duration

	// Clock drives token expiry checks and room eviction.
	Clock clockwork.Clock

	// Log is the logger, defaults to the relay component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Issuer == nil {
		return trace.BadParameter("missing Issuer")
	}
	if c.CRDT == nil {
		return trace.BadParameter("missing CRDT store")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing Bus store")
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.BusQueueSize
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaults.RoomGracePeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentRelay)
	}
	return nil
}

// Server serves bus and document WebSocket connections.
type Server struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[roomKey]*room
	closed bool
}

// New returns a relay Server ready to accept connections.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    cfg.Log,
		ctx:    ctx,
		cancel: cancel,
		rooms:  map[roomKey]*room{},
	}, nil
}

// Close disconnects every connection, flushes and evicts every room
// and waits for them to finish. Subsequent upgrades are turned away.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeBus upgrades an event bus connection for the resolved tenant.
func (s *Server) ServeBus(w http.ResponseWriter, r *http.Request, idTag string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.DebugContext(r.Context(), "WebSocket upgrade failed.", "id_tag", idTag, "error", err)
		return
	}
	defer ws.Close()
	if !s.track() {
		s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack()

	claims, err := s.authenticate(r, idTag)
	if err != nil {
		s.log.DebugContext(r.Context(), "Bus socket rejected.", "id_tag", idTag, "error", err)
		s.closeWith(ws, CloseAuth, "access denied")
		return
	}
	// Resource-confined guest tokens grant one document, never the
	// tenant's event stream.
	if claims.Resource != "" {
		s.closeWith(ws, CloseDenied, "token does not cover the event bus")
		return
	}
	s.serveBus(ws, idTag, claims)
}

// ServeDoc upgrades a collaborative document connection for the
// resolved tenant.
func (s *Server) ServeDoc(w http.ResponseWriter, r *http.Request, tnID int64, idTag, docID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.DebugContext(r.Context(), "WebSocket upgrade failed.", "id_tag", idTag, "error", err)
		return
	}
	defer ws.Close()
	if !s.track() {
		s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack()

	claims, err := s.authenticate(r, idTag)
	if err != nil {
		s.log.DebugContext(r.Context(), "Document socket rejected.", "doc_id", docID, "error", err)
		s.closeWith(ws, CloseAuth, "access denied")
		return
	}
	if claims.Resource != "" && claims.Resource != docID {
		s.closeWith(ws, CloseDenied, "token does not cover this document")
		return
	}
	write := claims.Access.Covers(types.AccessWrite)
	if requested := r.URL.Query().Get("access"); requested != "" {
		if requested == string(types.AccessWrite) && !write {
			s.closeWith(ws, CloseDenied, "write access not granted")
			return
		}
		write = write && requested == string(types.AccessWrite)
	}

	rm, err := s.room(tnID, docID)
	if err != nil {
		s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	conn := &docConn{
		server: s,
		ws:     ws,
		user:   claims.User,
		write:  write,
		claims: claims,
		sendq:  make(chan []byte, s.cfg.QueueSize),
		done:   make(chan struct{}),
	}
	rm.inbox <- roomMsg{kind: msgJoin, conn: conn}
	s.serveDoc(rm, conn)
}

// authenticate extracts the access token from the request and verifies
// it against the tenant. WebSocket clients cannot set headers, so the
// token travels in the query string or the session cookie.
func (s *Server) authenticate(r *http.Request, tenant string) (*tokens.AccessClaims, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if c, err := r.Cookie(defaults.SessionCookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return nil, trace.AccessDenied("missing access token")
	}
	claims, err := s.cfg.Issuer.VerifyAccess(raw, tenant)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return claims, nil
}

// expired reports whether a verified token has outlived its expiry.
// Long-lived connections re-check instead of trusting the verification
// made at upgrade time.
func (s *Server) expired(claims *tokens.AccessClaims) bool {
	return claims.Expiry != nil && claims.Expiry.Time().Before(s.cfg.Clock.Now())
}

// closeWith sends a close frame and tears the connection down.
func (s *Server) closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(defaults.WriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.log.Debug("Failed to send close frame.", "error", err)
	}
	ws.Close()
}

// pingLoop keeps a connection alive and enforces token expiry while it
// runs. Control frames may be written concurrently with data frames,
// so the loop needs no coordination with the connection's writer.
func (s *Server) pingLoop(ws *websocket.Conn, claims *tokens.AccessClaims, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.expired(claims) {
				s.closeWith(ws, CloseAuth, "session expired")
				return
			}
			// A short deadline detects a broken connection quickly.
			deadline := time.Now().Add(time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// track registers a connection handler with the server lifetime.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack() {
	s.wg.Done()
}

// deadlineForInterval returns a read deadline tolerating one missed
// pong.
func deadlineForInterval(interval time.Duration) time.Time {
	return time.Now().Add(interval * 2)
}
