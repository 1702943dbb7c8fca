// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/gorilla/websocket"
)

// ErrUnsupportedScheme indicates the connection uri scheme is not known.
var ErrUnsupportedScheme = errors.New("unsupported uri scheme")

// dial opens a transport connection to a broker uri. Supported schemes are
// tcp, tls (also ssl/mqtts), ws and wss.
func dial(ctx context.Context, uri string, tlsc *tls.Config) (net.Conn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", u.Host)
	case "tls", "ssl", "mqtts":
		d := &tls.Dialer{Config: tlsc}
		return d.DialContext(ctx, "tcp", u.Host)
	case "ws", "wss":
		return dialWebsocket(ctx, u, tlsc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// dialWebsocket opens a websocket connection negotiating the mqtt
// subprotocol, returning it wrapped as a net.Conn.
func dialWebsocket(ctx context.Context, u *url.URL, tlsc *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:    []string{"mqtt"},
		TLSClientConfig: tlsc,
	}

	c, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	if c.Subprotocol() != "mqtt" {
		_ = c.Close()
		return nil, errors.New("mqtt subprotocol not negotiated")
	}

	return &wsConn{Conn: c.UnderlyingConn(), c: c}, nil
}

// wsConn is a websocket connection which satisfies the net.Conn interface.
// MQTT packets may span websocket frames and share frames.
type wsConn struct {
	net.Conn
	c      *websocket.Conn
	reader io.Reader
}

// Read reads the next span of bytes from the websocket connection.
func (ws *wsConn) Read(p []byte) (int, error) {
	if ws.reader == nil {
		op, r, err := ws.c.NextReader()
		if err != nil {
			return 0, err
		}

		if op != websocket.BinaryMessage {
			return 0, errors.New("message type not binary")
		}

		ws.reader = r
	}

	n, err := ws.reader.Read(p)
	if errors.Is(err, io.EOF) {
		ws.reader = nil
		if n == 0 {
			return ws.Read(p)
		}
		err = nil
	}

	return n, err
}

// Write writes bytes to the websocket connection as a binary message.
func (ws *wsConn) Write(p []byte) (int, error) {
	err := ws.c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close signals the underlying websocket conn to close.
func (ws *wsConn) Close() error {
	return ws.Conn.Close()
}
