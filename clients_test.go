// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wombatmq/wombat/packets"
	"github.com/wombatmq/wombat/system"
)

// newTestOps returns a set of server ops suitable for standalone client tests.
func newTestOps() *ops {
	opts := new(Options)
	opts.ensureDefaults()
	return &ops{
		options: opts,
		info:    new(system.Info),
		hooks:   &Hooks{Log: opts.Logger},
		log:     opts.Logger,
	}
}

// newTestClient returns a client attached to one end of a pipe, and the
// peer end of the pipe.
func newTestClient() (cl *Client, peer net.Conn) {
	c1, c2 := net.Pipe()
	cl = newClient(c1, newTestOps())
	cl.ID = "test-client"
	return cl, c2
}

// readPacketFrom decodes a single packet from a test connection.
func readPacketFrom(t *testing.T, r *bufio.Reader) packets.Packet {
	t.Helper()

	b, err := r.ReadByte()
	require.NoError(t, err)

	var pk packets.Packet
	require.NoError(t, pk.FixedHeader.Decode(b))

	n, _, err := packets.DecodeLength(r)
	require.NoError(t, err)
	pk.FixedHeader.Remaining = n

	if n > 0 {
		px := make([]byte, n)
		_, err = io.ReadFull(r, px)
		require.NoError(t, err)
		require.NoError(t, pk.Decode(px))
	}

	return pk
}

func TestNewClients(t *testing.T) {
	clients := NewClients()
	require.NotNil(t, clients)

	cl := &Client{ID: "c1"}
	clients.Add(cl)
	require.Equal(t, 1, clients.Len())

	got, ok := clients.Get("c1")
	require.True(t, ok)
	require.Equal(t, cl, got)

	clients.Delete("c1")
	_, ok = clients.Get("c1")
	require.False(t, ok)
}

func TestClientsGetByListener(t *testing.T) {
	clients := NewClients()
	cl1, _ := newTestClient()
	cl1.ID = "c1"
	cl1.Net.Listener = "t1"
	cl2, _ := newTestClient()
	cl2.ID = "c2"
	cl2.Net.Listener = "t2"
	clients.Add(cl1)
	clients.Add(cl2)

	found := clients.GetByListener("t1")
	require.Len(t, found, 1)
	require.Equal(t, "c1", found[0].ID)
}

func TestNewClient(t *testing.T) {
	cl, _ := newTestClient()
	require.NotNil(t, cl.State.Inflight)
	require.NotNil(t, cl.State.Subscriptions)
	require.Equal(t, defaultKeepalive, cl.State.Keepalive)
	require.NotEmpty(t, cl.Net.Remote)
	require.False(t, cl.Closed())
}

func TestClientParseConnect(t *testing.T) {
	cl, _ := newTestClient()
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ProtocolVersion:  4,
			Clean:            true,
			Keepalive:        30,
			ClientIdentifier: "zen",
			Username:         []byte("wombat"),
			WillFlag:         true,
			WillTopic:        "lwt",
			WillPayload:      []byte("gone"),
			WillQos:          1,
			WillRetain:       true,
		},
	}

	cl.ParseConnect("t1", pk)
	require.Equal(t, "zen", cl.ID)
	require.Equal(t, "t1", cl.Net.Listener)
	require.Equal(t, uint16(30), cl.State.Keepalive)
	require.True(t, cl.Properties.Clean)
	require.Equal(t, []byte("wombat"), cl.Properties.Username)
	require.Equal(t, uint32(1), cl.Properties.Will.Flag)
	require.Equal(t, "lwt", cl.Properties.Will.TopicName)
	require.Equal(t, []byte("gone"), cl.Properties.Will.Payload)
	require.Equal(t, byte(1), cl.Properties.Will.Qos)
	require.True(t, cl.Properties.Will.Retain)
}

func TestClientParseConnectGeneratedID(t *testing.T) {
	cl, _ := newTestClient()
	cl.ParseConnect("t1", packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect:     packets.ConnectParams{Clean: true},
	})
	require.NotEmpty(t, cl.ID, "an empty client id must be assigned a generated id")
	require.Equal(t, defaultKeepalive, cl.State.Keepalive)
}

func TestClientNextPacketID(t *testing.T) {
	cl, _ := newTestClient()

	i, err := cl.NextPacketID()
	require.NoError(t, err)
	require.Equal(t, uint32(1), i)

	i, err = cl.NextPacketID()
	require.NoError(t, err)
	require.Equal(t, uint32(2), i)
}

func TestClientNextPacketIDSkipsInflight(t *testing.T) {
	cl, _ := newTestClient()
	cl.State.Inflight.Set(packets.Packet{PacketID: 1})
	cl.State.Inflight.Set(packets.Packet{PacketID: 2})

	i, err := cl.NextPacketID()
	require.NoError(t, err)
	require.Equal(t, uint32(3), i)
}

func TestClientNextPacketIDWraps(t *testing.T) {
	cl, _ := newTestClient()
	cl.State.packetID = 65534

	i, err := cl.NextPacketID()
	require.NoError(t, err)
	require.Equal(t, uint32(65535), i)

	i, err = cl.NextPacketID()
	require.NoError(t, err)
	require.Equal(t, uint32(1), i, "packet ids wrap to 1, skipping 0")
}

func TestClientNextPacketIDExhausted(t *testing.T) {
	cl, _ := newTestClient()
	for i := uint32(1); i <= 65535; i++ {
		cl.State.Inflight.Set(packets.Packet{PacketID: uint16(i)})
	}

	_, err := cl.NextPacketID()
	require.ErrorIs(t, err, packets.ErrPacketIdentifierExhausted)
}

func TestClientStop(t *testing.T) {
	cl, _ := newTestClient()
	cl.Stop(packets.ErrSessionTakenOver)

	require.True(t, cl.Closed())
	require.ErrorIs(t, cl.StopCause(), packets.ErrSessionTakenOver)
	require.NotZero(t, cl.StopTime())

	// stopping twice does not replace the cause
	cl.Stop(packets.ErrConnectionLost)
	require.ErrorIs(t, cl.StopCause(), packets.ErrSessionTakenOver)
}

func TestClientWritePacket(t *testing.T) {
	cl, peer := newTestClient()
	r := bufio.NewReader(peer)

	go func() {
		err := cl.WritePacket(packets.Packet{
			FixedHeader:    packets.FixedHeader{Type: packets.Connack},
			SessionPresent: true,
			ReturnCode:     packets.CodeAccepted.Code,
		})
		require.NoError(t, err)
	}()

	pk := readPacketFrom(t, r)
	require.Equal(t, packets.Connack, pk.FixedHeader.Type)
	require.True(t, pk.SessionPresent)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cl.ops.info.PacketsSent) == 1
	}, time.Second, time.Millisecond)
}

func TestClientWritePacketClosed(t *testing.T) {
	cl, _ := newTestClient()
	cl.Stop(nil)
	err := cl.WritePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientReadSplitPackets(t *testing.T) {
	cl, peer := newTestClient()

	var mu sync.Mutex
	var received []packets.Packet
	done := make(chan error, 1)
	go func() {
		done <- cl.Read(func(c *Client, pk packets.Packet) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, pk)
			return nil
		})
	}()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b",
		PacketID:    11,
		Payload:     []byte("hello"),
	}

	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))

	// deliver the packet one byte at a time; the reader must block for the
	// remainder and decode the whole packet once it has arrived.
	for _, b := range buf.Bytes() {
		_, err := peer.Write([]byte{b})
		require.NoError(t, err)
	}

	// a second packet in one write
	buf2 := new(bytes.Buffer)
	pk2 := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}}
	require.NoError(t, pk2.Encode(buf2))
	_, err := peer.Write(buf2.Bytes())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)

	_ = peer.Close()
	err = <-done
	require.ErrorIs(t, err, packets.ErrConnectionLost)

	require.Equal(t, "a/b", received[0].TopicName)
	require.Equal(t, []byte("hello"), received[0].Payload)
	require.Equal(t, packets.Pingreq, received[1].FixedHeader.Type)
}

func TestClientReadCleanDisconnect(t *testing.T) {
	cl, peer := newTestClient()

	done := make(chan error, 1)
	go func() {
		done <- cl.Read(func(c *Client, pk packets.Packet) error {
			if pk.FixedHeader.Type == packets.Disconnect {
				c.Stop(packets.CodeDisconnect)
			}
			return nil
		})
	}()

	buf := new(bytes.Buffer)
	pk := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}}
	require.NoError(t, pk.Encode(buf))
	_, err := peer.Write(buf.Bytes())
	require.NoError(t, err)

	require.NoError(t, <-done, "a clean disconnect is not a read error")
}

func TestClientResendInflightMessages(t *testing.T) {
	cl, peer := newTestClient()
	r := bufio.NewReader(peer)

	cl.State.Inflight.Set(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b",
		PacketID:    1,
		Payload:     []byte("sent-before"),
		Created:     1,
		Sent:        99,
	})
	cl.State.Inflight.Set(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    2,
		Created:     2,
	})
	cl.State.Inflight.Set(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b",
		PacketID:    3,
		Payload:     []byte("never-sent"),
		Created:     3,
	})

	done := make(chan error, 1)
	go func() {
		done <- cl.ResendInflightMessages(true)
	}()

	first := readPacketFrom(t, r)
	require.Equal(t, packets.Pubrel, first.FixedHeader.Type, "pending pubrels are drained first")
	require.Equal(t, uint16(2), first.PacketID)

	second := readPacketFrom(t, r)
	require.Equal(t, packets.Publish, second.FixedHeader.Type)
	require.Equal(t, uint16(1), second.PacketID)
	require.True(t, second.FixedHeader.Dup, "a previously transmitted publish is re-sent as a duplicate")

	third := readPacketFrom(t, r)
	require.Equal(t, uint16(3), third.PacketID)
	require.False(t, third.FixedHeader.Dup, "a queued publish which was never sent goes out unmarked")

	require.NoError(t, <-done)
}
