// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package listeners

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newWebsocketTestServer wires a websocket listener's handler into an http
// test server and returns the ws:// url.
func newWebsocketTestServer(t *testing.T, establish EstablishFn) string {
	t.Helper()

	l := NewWebsocket(Config{ID: "ws1", Address: ":0"})
	require.NoError(t, l.Init(logger))
	l.establish = establish

	ts := httptest.NewServer(http.HandlerFunc(l.handler))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebsocketConnReassemblesFrames(t *testing.T) {
	got := make(chan []byte, 1)
	u := newWebsocketTestServer(t, func(id string, c net.Conn) error {
		buf := make([]byte, 6)
		n := 0
		for n < len(buf) {
			r, err := c.Read(buf[n:])
			if err != nil {
				return err
			}
			n += r
		}
		got <- buf
		return nil
	})

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	c, _, err := dialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "mqtt", c.Subprotocol())

	// one logical packet split across two binary frames.
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0xC0, 0x00, 0xE0}))
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0xD0, 0x00}))

	select {
	case b := <-got:
		require.Equal(t, []byte{0xC0, 0x00, 0xE0, 0x00, 0xD0, 0x00}, b)
	case <-time.After(time.Second):
		t.Fatal("bytes were not reassembled across frames")
	}
}

func TestWebsocketConnRejectsTextMessages(t *testing.T) {
	errs := make(chan error, 1)
	u := newWebsocketTestServer(t, func(id string, c net.Conn) error {
		_, err := c.Read(make([]byte, 1))
		errs <- err
		return nil
	})

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	c, _, err := dialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("nope")))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrInvalidMessage)
	case <-time.After(time.Second):
		t.Fatal("read did not fail")
	}
}

func TestWebsocketRejectsMissingSubprotocol(t *testing.T) {
	established := make(chan struct{}, 1)
	u := newWebsocketTestServer(t, func(id string, c net.Conn) error {
		established <- struct{}{}
		return nil
	})

	// a dialer which does not request the mqtt subprotocol is not established.
	dialer := websocket.Dialer{}
	c, _, err := dialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-established:
		t.Fatal("connection without mqtt subprotocol should not be established")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebsocketConnWrite(t *testing.T) {
	u := newWebsocketTestServer(t, func(id string, c net.Conn) error {
		_, err := c.Write([]byte{0xD0, 0x00})
		return err
	})

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	c, _, err := dialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()

	op, p, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, op)
	require.Equal(t, []byte{0xD0, 0x00}, p)
}
