// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package client

import (
	"crypto/tls"
	"time"

	"log/slog"
)

const (
	defaultKeepalive      = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultAckTimeout     = 10 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultMessageBuffer  = 1024
)

// Will contains the last will and testament declared on connect.
type Will struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
}

// Options contains configurable options for a client.
type Options struct {
	// ClientID is the client identifier sent on connect. If empty, the
	// broker assigns one and CleanSession must be true.
	ClientID string

	// CleanSession requests a clean session; if false, the broker retains
	// subscriptions and undelivered messages between connections.
	CleanSession bool

	Username string
	Password string

	// Will declares a message the broker publishes on the client's behalf
	// if the connection terminates abnormally.
	Will *Will

	// Keepalive is the maximum interval between control packets; the client
	// pings the broker when idle. Zero selects the default of 60 seconds; the
	// keepalive mechanism cannot be disabled.
	Keepalive time.Duration

	// ConnectTimeout bounds the transport dial and connect handshake.
	ConnectTimeout time.Duration

	// AckTimeout bounds each wait for a broker acknowledgement.
	AckTimeout time.Duration

	// AutoReconnect re-establishes a dropped connection with exponential
	// backoff, replaying subscriptions and in-flight state for persistent
	// sessions.
	AutoReconnect bool

	// MaxReconnectInterval caps the reconnect backoff.
	MaxReconnectInterval time.Duration

	// TLSConfig is used for tls:// and wss:// connections.
	TLSConfig *tls.Config

	// MessageBuffer is the capacity of the inbound message channel.
	MessageBuffer int

	// Logger specifies a custom slog logger.
	Logger *slog.Logger
}

// ensureDefaults ensures the options hold workable values.
func (o *Options) ensureDefaults() {
	if o.Keepalive == 0 {
		o.Keepalive = defaultKeepalive
	}

	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.AckTimeout == 0 {
		o.AckTimeout = defaultAckTimeout
	}

	if o.MaxReconnectInterval == 0 {
		o.MaxReconnectInterval = defaultMaxBackoff
	}

	if o.MessageBuffer == 0 {
		o.MessageBuffer = defaultMessageBuffer
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
