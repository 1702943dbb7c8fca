// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package bolt

import (
	"io"
	"path/filepath"
	"testing"

	"log/slog"

	"github.com/stretchr/testify/require"

	mqtt "github.com/wombatmq/wombat"
	"github.com/wombatmq/wombat/packets"
	"github.com/wombatmq/wombat/system"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestHook(t *testing.T) *Hook {
	t.Helper()
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{
		Path: filepath.Join(t.TempDir(), "test.bolt"),
	}))
	t.Cleanup(func() {
		if h.db != nil {
			_ = h.Stop()
		}
	})
	return h
}

func testClient() *mqtt.Client {
	cl := &mqtt.Client{ID: "c1"}
	cl.Properties.Username = []byte("wombat")
	cl.Properties.Clean = false
	cl.State.Keepalive = 30
	cl.Net.Listener = "t1"
	return cl
}

func TestHookIDProvides(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "bolt-db", h.ID())
	require.True(t, h.Provides(mqtt.StoredClients))
	require.True(t, h.Provides(mqtt.OnRetainMessage))
	require.False(t, h.Provides(mqtt.OnPacketRead))
}

func TestHookInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.Error(t, h.Init(map[string]any{}))
}

func TestClientRoundTrip(t *testing.T) {
	h := newTestHook(t)
	cl := testClient()

	h.OnSessionEstablished(cl, packets.Packet{})

	clients, err := h.StoredClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "c1", clients[0].ID)
	require.Equal(t, []byte("wombat"), clients[0].Username)
	require.False(t, clients[0].Clean)
	require.Equal(t, uint16(30), clients[0].Keepalive)

	// a disconnect with expiry removes the client.
	h.OnDisconnect(cl, nil, true)
	clients, err = h.StoredClients()
	require.NoError(t, err)
	require.Empty(t, clients)
}

func TestSubscriptionsRoundTrip(t *testing.T) {
	h := newTestHook(t)
	cl := testClient()

	pk := packets.Packet{
		Filters: packets.Subscriptions{
			{Filter: "a/b", Qos: 1},
			{Filter: "c/d", Qos: 2},
			{Filter: "denied", Qos: 0},
		},
	}
	h.OnSubscribed(cl, pk, []byte{1, 2, packets.SubackFailure})

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 2, "failed subscriptions are not stored")

	h.OnUnsubscribed(cl, packets.Packet{Filters: packets.Subscriptions{{Filter: "a/b"}}})
	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "c/d", subs[0].Filter)
}

func TestRetainedRoundTrip(t *testing.T) {
	h := newTestHook(t)
	cl := testClient()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true, Qos: 1},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
		Created:     99,
	}
	h.OnRetainMessage(cl, pk, 1)

	msgs, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "a/b", msgs[0].TopicName)
	require.Equal(t, []byte("hello"), msgs[0].Payload)
	require.True(t, msgs[0].FixedHeader.Retain)

	out := msgs[0].ToPacket()
	require.Equal(t, "a/b", out.TopicName)
	require.Equal(t, int64(99), out.Created)

	// clearing the retained message removes it from the store.
	h.OnRetainMessage(cl, packets.Packet{TopicName: "a/b"}, -1)
	msgs, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestInflightRoundTrip(t *testing.T) {
	h := newTestHook(t)
	cl := testClient()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b",
		Payload:     []byte("p"),
		PacketID:    11,
		Created:     5,
	}
	h.OnQosPublish(cl, pk, 6, 0)

	msgs, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, uint16(11), msgs[0].PacketID)
	require.Equal(t, "c1", msgs[0].Client)
	require.Equal(t, int64(6), msgs[0].Sent)

	h.OnQosComplete(cl, pk)
	msgs, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSysInfoRoundTrip(t *testing.T) {
	h := newTestHook(t)

	h.OnSysInfoTick(&system.Info{Version: "1.0.0", ClientsConnected: 2})

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Version)
	require.Equal(t, int64(2), v.ClientsConnected)
}

func TestStoppedHookErrors(t *testing.T) {
	h := newTestHook(t)
	require.NoError(t, h.Stop())

	_, err := h.StoredClients()
	require.Error(t, err)
}
