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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/tokens"
)

// serveBus registers the connection in the bus online table and pumps
// published messages to the peer as {cmd, data} JSON frames until one
// side goes away. While at least one bus connection is registered the
// tenant counts as online and messages are not diverted to the offline
// notification path.
func (s *Server) serveBus(ws *websocket.Conn, idTag string, claims *tokens.AccessClaims) {
	connID := uuid.NewString()
	log := s.log.With("id_tag", idTag, "conn_id", connID)

	queue := make(chan *types.BusMessage, s.cfg.QueueSize)
	overflow := make(chan struct{}, 1)
	unsubscribe := s.cfg.Bus.Subscribe(idTag, connID, func(msg *types.BusMessage) {
		select {
		case queue <- msg:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	ws.SetReadLimit(defaults.MaxFrameSize)
	ws.SetReadDeadline(deadlineForInterval(s.cfg.PingInterval))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(deadlineForInterval(s.cfg.PingInterval))
	})

	// The bus is push only. Inbound frames are drained to run the
	// control frame machinery and to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go s.pingLoop(ws, claims, done)

	log.DebugContext(s.ctx, "Bus connection open.")
	defer log.DebugContext(s.ctx, "Bus connection closed.")
	for {
		select {
		case msg := <-queue:
			data, err := json.Marshal(msg)
			if err != nil {
				log.WarnContext(s.ctx, "Dropping unencodable bus message.", "cmd", msg.Cmd, "error", err)
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(defaults.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-overflow:
			log.WarnContext(s.ctx, "Bus subscriber too slow, disconnecting.")
			s.closeWith(ws, websocket.CloseTryAgainLater, "subscriber too slow")
			return
		case <-done:
			return
		case <-s.ctx.Done():
			s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}
