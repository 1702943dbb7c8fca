// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package listeners

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewListeners(t *testing.T) {
	l := New()
	require.NotNil(t, l)
	require.Equal(t, 0, l.Len())
}

func TestListenersAddGetDelete(t *testing.T) {
	l := New()
	l.Add(NewMockListener("t1", ":1883"))

	got, ok := l.Get("t1")
	require.True(t, ok)
	require.Equal(t, "t1", got.ID())
	require.Equal(t, 1, l.Len())

	l.Delete("t1")
	_, ok = l.Get("t1")
	require.False(t, ok)
}

func TestListenersServeAndCloseAll(t *testing.T) {
	l := New()
	mock := NewMockListener("t1", ":1883")
	l.Add(mock)
	l.ServeAll(MockEstablisher)

	require.Eventually(t, mock.IsServing, time.Second, time.Millisecond)

	closed := make(chan string, 1)
	l.CloseAll(func(id string) {
		closed <- id
	})
	require.Equal(t, "t1", <-closed)
	require.False(t, mock.IsServing())
}

func TestConnTrackerLimits(t *testing.T) {
	tr := connTracker{max: 2}
	require.True(t, tr.take())
	require.True(t, tr.take())
	require.False(t, tr.take())

	tr.release()
	require.True(t, tr.take())
}

func TestConnTrackerUnlimited(t *testing.T) {
	tr := connTracker{}
	for i := 0; i < 100; i++ {
		require.True(t, tr.take())
	}
}

func TestTCPListener(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: "127.0.0.1:0"})
	require.Equal(t, "t1", l.ID())
	require.Equal(t, "tcp", l.Protocol())
	require.NoError(t, l.Init(logger))

	established := make(chan struct{})
	go l.Serve(func(id string, c net.Conn) error {
		require.Equal(t, "t1", id)
		close(established)
		return nil
	})

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-established:
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	l.Close(MockCloser)
}

func TestTCPListenerMaxConnections(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: "127.0.0.1:0", MaxConnections: 1})
	require.NoError(t, l.Init(logger))

	var established int32
	block := make(chan struct{})
	go l.Serve(func(id string, c net.Conn) error {
		atomic.AddInt32(&established, 1)
		<-block
		return nil
	})

	first, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&established) == 1
	}, time.Second, time.Millisecond)

	// the second connection exceeds max_connections and is closed immediately.
	second, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&established))

	close(block)
	l.Close(MockCloser)
}

func TestNetListener(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := NewNet("n1", inner)
	require.Equal(t, "n1", l.ID())
	require.Equal(t, "tcp", l.Protocol())
	require.NoError(t, l.Init(logger))

	established := make(chan struct{})
	go l.Serve(func(id string, c net.Conn) error {
		close(established)
		return nil
	})

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-established:
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	l.Close(MockCloser)
}

func TestWebsocketListenerProtocol(t *testing.T) {
	l := NewWebsocket(Config{ID: "ws1", Address: ":0"})
	require.Equal(t, "ws1", l.ID())
	require.Equal(t, "ws", l.Protocol())
	require.NoError(t, l.Init(logger))
	l.Close(MockCloser)
}
