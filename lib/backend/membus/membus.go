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

// Package membus is the in-process tenant message bus. Messages go to
// every online subscriber of an identity; with none, they fall through
// to the offline handler exactly once per publish.
package membus

import (
	"context"
	"sync"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
)

// Bus implements backend.MessageBusStore in memory.
type Bus struct {
	mu      sync.RWMutex
	online  map[string]map[string]backend.BusSink
	offline backend.OfflineHandler
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{online: make(map[string]map[string]backend.BusSink)}
}

// Subscribe registers an online sink under a connection id and returns
// its unsubscribe function. Subscribing the same connection id again
// replaces the sink.
func (b *Bus) Subscribe(idTag, connID string, sink backend.BusSink) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.online[idTag]
	if conns == nil {
		conns = make(map[string]backend.BusSink)
		b.online[idTag] = conns
	}
	conns[connID] = sink

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if conns, ok := b.online[idTag]; ok {
				delete(conns, connID)
				if len(conns) == 0 {
					delete(b.online, idTag)
				}
			}
		})
	}
}

// SetOfflineHandler installs the fall-through handler.
func (b *Bus) SetOfflineHandler(h backend.OfflineHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = h
}

// Send delivers the message to every online subscriber of idTag, or
// hands it to the offline handler when there is none. Sinks run on the
// caller's goroutine, so one publisher observes per-subscriber FIFO
// order.
func (b *Bus) Send(ctx context.Context, idTag string, msg *types.BusMessage) error {
	b.mu.RLock()
	var sinks []backend.BusSink
	for _, sink := range b.online[idTag] {
		sinks = append(sinks, sink)
	}
	offline := b.offline
	b.mu.RUnlock()

	if len(sinks) == 0 {
		if offline != nil {
			offline(idTag, msg)
		}
		return nil
	}
	for _, sink := range sinks {
		sink(msg)
	}
	return nil
}

// Online reports whether idTag has at least one online subscriber.
func (b *Bus) Online(idTag string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.online[idTag]) > 0
}
