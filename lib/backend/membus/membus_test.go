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

package membus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/api/types"
)

func msg(n int) *types.BusMessage {
	return &types.BusMessage{Cmd: types.BusCmdAction, Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))}
}

func TestSendToSubscribers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()

	var got1, got2 []*types.BusMessage
	unsub1 := b.Subscribe("alice.example.com", "conn-1", func(m *types.BusMessage) { got1 = append(got1, m) })
	defer unsub1()
	unsub2 := b.Subscribe("alice.example.com", "conn-2", func(m *types.BusMessage) { got2 = append(got2, m) })
	defer unsub2()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(ctx, "alice.example.com", msg(i)))
	}

	require.Len(t, got1, 3)
	require.Len(t, got2, 3)
	// FIFO per subscriber.
	for i, m := range got1 {
		require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(m.Data))
	}
}

func TestOfflineFallthrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()

	var offline []*types.BusMessage
	b.SetOfflineHandler(func(idTag string, m *types.BusMessage) {
		require.Equal(t, "bob.example.com", idTag)
		offline = append(offline, m)
	})

	require.NoError(t, b.Send(ctx, "bob.example.com", msg(0)))
	require.Len(t, offline, 1)

	// With an online subscriber the handler stays quiet.
	var got []*types.BusMessage
	unsub := b.Subscribe("bob.example.com", "conn-1", func(m *types.BusMessage) { got = append(got, m) })
	require.NoError(t, b.Send(ctx, "bob.example.com", msg(1)))
	require.Len(t, got, 1)
	require.Len(t, offline, 1)

	// Unsubscribing restores the fall-through.
	unsub()
	unsub()
	require.NoError(t, b.Send(ctx, "bob.example.com", msg(2)))
	require.Len(t, offline, 2)
}

func TestOnline(t *testing.T) {
	t.Parallel()
	b := New()

	require.False(t, b.Online("carol.example.com"))
	unsub := b.Subscribe("carol.example.com", "conn-1", func(*types.BusMessage) {})
	require.True(t, b.Online("carol.example.com"))
	unsub()
	require.False(t, b.Online("carol.example.com"))
}

func TestSubscribeReplacesSink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()

	var first, second int
	b.Subscribe("dora.example.com", "conn-1", func(*types.BusMessage) { first++ })
	unsub := b.Subscribe("dora.example.com", "conn-1", func(*types.BusMessage) { second++ })
	defer unsub()

	require.NoError(t, b.Send(ctx, "dora.example.com", msg(0)))
	require.Zero(t, first)
	require.Equal(t, 1, second)
}
