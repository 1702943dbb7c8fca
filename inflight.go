// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"sort"
	"sync"

	"github.com/wombatmq/wombat/packets"
)

// Inflight is a map of undelivered or unacknowledged qos > 0 packets, keyed
// on packet id. Outbound publishes are stored as Publish (and half-completed
// qos 2 flows as Pubrel) packets; inbound qos 2 flows are stored as Pubrec
// packets so duplicate deliveries can be detected.
type Inflight struct {
	sync.RWMutex
	internal map[uint16]packets.Packet
}

// NewInflights returns a new instance of an Inflight packets map.
func NewInflights() *Inflight {
	return &Inflight{
		internal: map[uint16]packets.Packet{},
	}
}

// Set adds or updates an inflight packet by packet id. Returns true if the
// packet id was not already present.
func (i *Inflight) Set(m packets.Packet) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[m.PacketID]
	i.internal[m.PacketID] = m
	return !ok
}

// Get returns an inflight packet by packet id.
func (i *Inflight) Get(id uint16) (packets.Packet, bool) {
	i.RLock()
	defer i.RUnlock()

	if m, ok := i.internal[id]; ok {
		return m, true
	}

	return packets.Packet{}, false
}

// Len returns the size of the inflight messages map.
func (i *Inflight) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

// Clone returns a new instance of Inflight with the same messages, used when
// a session is inherited by a new connection.
func (i *Inflight) Clone() *Inflight {
	c := NewInflights()
	i.RLock()
	defer i.RUnlock()
	for k, v := range i.internal {
		c.internal[k] = v
	}
	return c
}

// GetAll returns all inflight messages in creation order.
func (i *Inflight) GetAll() []packets.Packet {
	i.RLock()
	defer i.RUnlock()

	m := make([]packets.Packet, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(a, b int) bool {
		if m[a].Created == m[b].Created {
			return m[a].PacketID < m[b].PacketID
		}
		return m[a].Created < m[b].Created
	})

	return m
}

// NextUnsent returns the oldest outbound publish which has not yet been
// transmitted, such as when the outbound queue was previously full.
func (i *Inflight) NextUnsent() (packets.Packet, bool) {
	for _, m := range i.GetAll() {
		if m.FixedHeader.Type == packets.Publish && m.Sent == 0 {
			return m, true
		}
	}

	return packets.Packet{}, false
}

// Delete removes an in-flight message from the map. Returns true if the
// message existed.
func (i *Inflight) Delete(id uint16) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[id]
	delete(i.internal, id)

	return ok
}
