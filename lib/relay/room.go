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

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo/lib/crdt"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/tokens"
)

type roomKey struct {
	tnID  int64
	docID string
}

type msgKind int

const (
	msgJoin msgKind = iota
	msgFrame
	msgLeave
)

// roomMsg is one unit of work on a room inbox. Everything that touches
// a room goes through the inbox; the room goroutine is the only writer
// of document state.
type roomMsg struct {
	kind  msgKind
	conn  *docConn
	frame []byte
}

// room owns the authoritative state of one document. joined counts
// accepted joins and is guarded by the server mutex; departed counts
// processed leaves and belongs to the room goroutine. The room may
// leave the registry only when they match: after that no enqueue can
// exist, because new joins go through the registry.
type room struct {
	server *Server
	key    roomKey
	inbox  chan roomMsg

	joined   int
	departed int

	doc     *crdt.Doc
	members map[*docConn]struct{}
}

// room returns the live room of a document, starting one when none is
// registered. The caller must enqueue exactly one join afterwards.
func (s *Server) room(tnID int64, docID string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, trace.ConnectionProblem(nil, "relay is shutting down")
	}
	key := roomKey{tnID: tnID, docID: docID}
	rm := s.rooms[key]
	if rm == nil {
		rm = &room{
			server:  s,
			key:     key,
			inbox:   make(chan roomMsg, defaults.RoomInboxSize),
			members: map[*docConn]struct{}{},
		}
		s.rooms[key] = rm
		s.wg.Add(1)
		go rm.run()
	}
	rm.joined++
	return rm, nil
}

// tryEvict removes the room from the registry if every accepted join
// has departed. Called only by the room's own goroutine.
func (s *Server) tryEvict(r *room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.joined != r.departed {
		return false
	}
	delete(s.rooms, r.key)
	return true
}

func (r *room) run() {
	s := r.server
	defer s.wg.Done()
	ctx := s.ctx
	log := s.log.With("tn_id", r.key.tnID, "doc_id", r.key.docID)

	snapshot, updates, err := s.cfg.CRDT.LoadDoc(ctx, r.key.tnID, r.key.docID)
	if err == nil {
		r.doc, err = crdt.NewDoc(snapshot, updates)
	}
	if err != nil {
		log.WarnContext(ctx, "Document load failed.", "error", err)
		r.drain(CloseMissing, "document unavailable")
		return
	}
	log.DebugContext(ctx, "Room open.", "segments", r.doc.Segments())

	var grace clockwork.Timer
	graceC := (<-chan time.Time)(nil)
	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	defer stopGrace()

	for {
		select {
		case msg := <-r.inbox:
			switch msg.kind {
			case msgJoin:
				stopGrace()
				r.members[msg.conn] = struct{}{}
				log.DebugContext(ctx, "Member joined.", "user", msg.conn.user, "members", len(r.members))
			case msgLeave:
				r.departed++
				delete(r.members, msg.conn)
				log.DebugContext(ctx, "Member left.", "user", msg.conn.user, "members", len(r.members))
				if len(r.members) == 0 {
					grace = s.cfg.Clock.NewTimer(s.cfg.GracePeriod)
					graceC = grace.Chan()
				}
			case msgFrame:
				r.handleFrame(ctx, log, msg.conn, msg.frame)
			}
		case <-graceC:
			stopGrace()
			r.flush(ctx, log)
			if s.tryEvict(r) {
				log.DebugContext(ctx, "Room evicted.")
				return
			}
		case <-ctx.Done():
			// The server context is gone; flush on a fresh one.
			r.flush(context.Background(), log)
			for c := range r.members {
				c.close(websocket.CloseGoingAway, "server shutting down")
			}
			r.drain(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// drain serves the inbox until every accepted join has departed, then
// leaves the registry. Joining connections are turned away with the
// given close code.
func (r *room) drain(code int, reason string) {
	for {
		if r.server.tryEvict(r) {
			return
		}
		msg := <-r.inbox
		switch msg.kind {
		case msgJoin:
			msg.conn.close(code, reason)
		case msgLeave:
			r.departed++
			delete(r.members, msg.conn)
		case msgFrame:
		}
	}
}

// handleFrame applies one client frame to the room: sync handshake
// requests are answered from the authoritative document, updates are
// persisted then rebroadcast, awareness is rebroadcast unpersisted.
func (r *room) handleFrame(ctx context.Context, log *slog.Logger, conn *docConn, frame []byte) {
	msg, err := crdt.DecodeMessage(frame)
	if err != nil {
		log.DebugContext(ctx, "Closing member on malformed frame.", "user", conn.user, "error", err)
		conn.close(websocket.CloseProtocolError, "malformed frame")
		return
	}
	if msg.IsWrite() {
		if !conn.write {
			conn.close(CloseDenied, "write access required")
			return
		}
		if len(msg.Body) == 0 {
			conn.close(websocket.CloseProtocolError, "empty update")
			return
		}
		// Persist before applying: a stored update the room forgot is
		// recovered on reload, an applied update that never landed is
		// silent data loss.
		if err := r.server.cfg.CRDT.AppendUpdate(ctx, r.key.tnID, r.key.docID, msg.Body); err != nil {
			log.ErrorContext(ctx, "Update persist failed.", "error", err)
			conn.close(websocket.CloseInternalServerErr, "update not persisted")
			return
		}
		if err := r.doc.ApplyUpdate(msg.Body); err != nil {
			conn.close(websocket.CloseProtocolError, "empty update")
			return
		}
		r.broadcast(conn, crdt.EncodeUpdate(msg.Body))
		return
	}
	switch {
	case msg.Type == crdt.MessageSync && msg.Step == crdt.SyncStep1:
		for _, reply := range r.doc.SyncMessages() {
			conn.send(reply)
		}
	case msg.Type == crdt.MessageAwareness:
		r.broadcast(conn, crdt.EncodeAwareness(msg.Body))
	default:
		// Unknown message types are skipped so the protocol can grow.
	}
}

// broadcast fans a frame to every member but the origin.
func (r *room) broadcast(from *docConn, frame []byte) {
	for c := range r.members {
		if c == from {
			continue
		}
		c.send(frame)
	}
}

// flush compacts the persisted log into a snapshot. Failures are only
// logged: every update is already in the append log, so a missed
// compaction loses nothing.
func (r *room) flush(ctx context.Context, log *slog.Logger) {
	if r.doc == nil || r.doc.Segments() == 0 {
		return
	}
	if err := r.server.cfg.CRDT.WriteSnapshot(ctx, r.key.tnID, r.key.docID, r.doc.Export()); err != nil {
		log.WarnContext(ctx, "Snapshot flush failed.", "error", err)
	}
}

// docConn is one member connection of a room.
type docConn struct {
	server *Server
	ws     *websocket.Conn
	user   string
	write  bool
	claims *tokens.AccessClaims

	sendq chan []byte
	done  chan struct{}
	once  sync.Once
}

// close tears the connection down exactly once. A zero code closes the
// socket without a close frame, for peers that are already gone.
func (c *docConn) close(code int, reason string) {
	c.once.Do(func() {
		if code != 0 {
			c.server.closeWith(c.ws, code, reason)
		} else {
			c.ws.Close()
		}
		close(c.done)
	})
}

// send queues a frame for the member. A member that cannot keep up is
// closed with a transient code so the client reconnects and re-syncs.
func (c *docConn) send(frame []byte) {
	select {
	case <-c.done:
	case c.sendq <- frame:
	default:
		c.close(websocket.CloseTryAgainLater, "client too slow")
	}
}

func (c *docConn) writeLoop() {
	for {
		select {
		case frame := <-c.sendq:
			c.ws.SetWriteDeadline(time.Now().Add(defaults.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.close(0, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// serveDoc pumps client frames into the room until the connection
// dies. The sender's token is re-checked on every frame so a session
// outliving its token is cut at the next write, not at the next
// reconnect.
func (s *Server) serveDoc(rm *room, conn *docConn) {
	defer func() {
		conn.close(0, "")
		rm.inbox <- roomMsg{kind: msgLeave, conn: conn}
	}()

	conn.ws.SetReadLimit(defaults.MaxFrameSize)
	conn.ws.SetReadDeadline(deadlineForInterval(s.cfg.PingInterval))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(deadlineForInterval(s.cfg.PingInterval))
	})
	go conn.writeLoop()
	go s.pingLoop(conn.ws, conn.claims, conn.done)

	for {
		t, frame, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if s.expired(conn.claims) {
			conn.close(CloseAuth, "session expired")
			return
		}
		if t != websocket.BinaryMessage {
			continue
		}
		rm.inbox <- roomMsg{kind: msgFrame, conn: conn, frame: frame}
	}
}
