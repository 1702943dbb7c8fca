// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wombatmq/wombat/packets"
)

func TestInflightSetGet(t *testing.T) {
	i := NewInflights()

	require.True(t, i.Set(packets.Packet{PacketID: 1, Created: 10}))
	require.False(t, i.Set(packets.Packet{PacketID: 1, Created: 20}), "replacing an id is not new")
	require.Equal(t, 1, i.Len())

	pk, ok := i.Get(1)
	require.True(t, ok)
	require.Equal(t, int64(20), pk.Created)

	_, ok = i.Get(2)
	require.False(t, ok)
}

func TestInflightDelete(t *testing.T) {
	i := NewInflights()
	i.Set(packets.Packet{PacketID: 7})

	require.True(t, i.Delete(7))
	require.False(t, i.Delete(7))
	require.Equal(t, 0, i.Len())
}

func TestInflightClone(t *testing.T) {
	i := NewInflights()
	i.Set(packets.Packet{PacketID: 1, Created: 1})
	i.Set(packets.Packet{PacketID: 2, Created: 2})

	c := i.Clone()
	require.Equal(t, 2, c.Len())

	c.Delete(1)
	require.Equal(t, 2, i.Len(), "clone must not share the original map")
}

func TestInflightGetAllOrdered(t *testing.T) {
	i := NewInflights()
	i.Set(packets.Packet{PacketID: 3, Created: 30})
	i.Set(packets.Packet{PacketID: 1, Created: 10})
	i.Set(packets.Packet{PacketID: 2, Created: 20})
	i.Set(packets.Packet{PacketID: 5, Created: 20})

	all := i.GetAll()
	require.Len(t, all, 4)
	require.Equal(t, uint16(1), all[0].PacketID)
	require.Equal(t, uint16(2), all[1].PacketID, "equal created times order by packet id")
	require.Equal(t, uint16(5), all[2].PacketID)
	require.Equal(t, uint16(3), all[3].PacketID)
}

func TestInflightNextUnsent(t *testing.T) {
	i := NewInflights()
	_, ok := i.NextUnsent()
	require.False(t, ok)

	i.Set(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Publish}, PacketID: 1, Created: 10, Sent: 99})
	i.Set(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel}, PacketID: 2, Created: 20})
	i.Set(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Publish}, PacketID: 3, Created: 30})

	pk, ok := i.NextUnsent()
	require.True(t, ok)
	require.Equal(t, uint16(3), pk.PacketID, "pubrels and already-sent publishes are not unsent")
}
