// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

// Package client implements an MQTT 3.1.1 client for connecting to a broker
// over tcp, tls, or websocket transports.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/wombatmq/wombat/packets"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrClosed            = errors.New("client closed")
	ErrAckTimeout        = errors.New("timed out waiting for acknowledgement")
	ErrConnectionRefused = errors.New("connection refused")
	ErrClientIDRequired  = errors.New("client id required when clean session is false")
)

// Message is an application message delivered to a subscribing client.
type Message struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
	Dup     bool
}

// Client is an MQTT 3.1.1 client. It should be created with New() in order
// to ensure all the internal fields are correctly populated.
type Client struct {
	opts Options
	uri  string
	log  *slog.Logger

	mu        sync.Mutex        // guards the connection and writes to it
	conn      net.Conn          // the transport connection
	bconn     *bufio.ReadWriter // buffered transport
	connected uint32            // atomic, 1 while the connection is established
	closed    uint32            // atomic, 1 after Disconnect is called

	pidMu    sync.Mutex
	lastPid  uint32
	outbound map[uint16]packets.Packet     // unacknowledged outbound qos > 0 packets
	inbound  map[uint16]struct{}           // inbound qos 2 packet ids awaiting release
	pending  map[uint16]chan packets.Packet // waiters for broker acknowledgements

	subMu sync.Mutex
	subs  map[string]byte // active subscriptions, for replay on reconnect

	messages chan Message
	quit     chan struct{}
	quitOnce sync.Once
}

// New returns a new instance of Client configured to connect to the broker
// at the given uri (e.g. tcp://localhost:1883, ws://localhost:1882).
func New(uri string, opts Options) *Client {
	opts.ensureDefaults()

	return &Client{
		opts:     opts,
		uri:      uri,
		log:      opts.Logger,
		outbound: map[uint16]packets.Packet{},
		inbound:  map[uint16]struct{}{},
		pending:  map[uint16]chan packets.Packet{},
		subs:     map[string]byte{},
		messages: make(chan Message, opts.MessageBuffer),
		quit:     make(chan struct{}),
	}
}

// Connect establishes the transport connection and performs the connect
// handshake, starting the read and keepalive loops on success.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.ClientID == "" && !c.opts.CleanSession {
		return ErrClientIDRequired // [MQTT-3.1.3-7]
	}

	if atomic.LoadUint32(&c.closed) == 1 {
		return ErrClosed
	}

	_, err := c.establish(ctx)
	return err
}

// establish dials the broker, sends a connect packet and awaits the connack.
func (c *Client) establish(ctx context.Context) (sessionPresent bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := dial(dialCtx, c.uri, c.opts.TLSConfig)
	if err != nil {
		return false, err
	}

	br := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	c.mu.Lock()
	c.conn = conn
	c.bconn = br
	c.mu.Unlock()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ProtocolVersion:  4,
			Clean:            c.opts.CleanSession,
			Keepalive:        uint16(c.opts.Keepalive / time.Second),
			ClientIdentifier: c.opts.ClientID,
		},
	}

	if c.opts.Username != "" {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = []byte(c.opts.Username)
	}

	if c.opts.Password != "" {
		pk.Connect.PasswordFlag = true
		pk.Connect.Password = []byte(c.opts.Password)
	}

	if c.opts.Will != nil {
		pk.Connect.WillFlag = true
		pk.Connect.WillTopic = c.opts.Will.Topic
		pk.Connect.WillPayload = c.opts.Will.Payload
		pk.Connect.WillQos = c.opts.Will.Qos
		pk.Connect.WillRetain = c.opts.Will.Retain
	}

	err = c.writePacket(pk)
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ConnectTimeout))
	ack, err := c.readPacket(br)
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	if ack.FixedHeader.Type != packets.Connack {
		_ = conn.Close()
		return false, packets.ErrProtocolViolationRequireFirstConnect
	}

	if ack.ReturnCode != packets.CodeAccepted.Code {
		_ = conn.Close()
		return false, fmt.Errorf("%w: %s", ErrConnectionRefused, connackReason(ack.ReturnCode))
	}

	_ = conn.SetReadDeadline(time.Time{}) // the read loop applies the keepalive deadline
	atomic.StoreUint32(&c.connected, 1)
	c.log.Debug("connected", "uri", c.uri, "client", c.opts.ClientID, "session_present", ack.SessionPresent)

	go c.readLoop(conn, br)
	if c.opts.Keepalive > 0 {
		go c.pingLoop(conn)
	}

	if !ack.SessionPresent {
		err = c.resubscribe()
		if err != nil {
			return ack.SessionPresent, err
		}
	}

	err = c.resendInflight()
	return ack.SessionPresent, err
}

// connackReason maps a connack return code to its meaning.
func connackReason(code byte) string {
	switch code {
	case packets.ErrUnacceptableProtocolVersion.Code:
		return packets.ErrUnacceptableProtocolVersion.Reason
	case packets.ErrIdentifierRejected.Code:
		return packets.ErrIdentifierRejected.Reason
	case packets.ErrServerUnavailable.Code:
		return packets.ErrServerUnavailable.Reason
	case packets.ErrBadUsernameOrPassword.Code:
		return packets.ErrBadUsernameOrPassword.Reason
	case packets.ErrNotAuthorized.Code:
		return packets.ErrNotAuthorized.Reason
	default:
		return fmt.Sprintf("return code %d", code)
	}
}

// IsConnected returns true if the client currently holds an established
// connection to the broker.
func (c *Client) IsConnected() bool {
	return atomic.LoadUint32(&c.connected) == 1
}

// Publish sends an application message to the broker. For qos > 0 the call
// blocks until the broker completes the acknowledgement flow or the ack
// timeout lapses; a timed-out message remains in-flight and is retransmitted
// on reconnect.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	}

	if qos == 0 {
		return c.writePacket(pk)
	}

	pid, err := c.nextPacketID()
	if err != nil {
		return err
	}
	pk.PacketID = pid

	wait := c.await(pid)
	c.pidMu.Lock()
	pk.Sent = time.Now().Unix()
	c.outbound[pid] = pk
	c.pidMu.Unlock()

	err = c.writePacket(pk)
	if err != nil {
		return err
	}

	_, err = c.waitAck(wait, pid)
	return err
}

// Subscribe subscribes the client to one or more topic filters, returning
// the granted qos byte for each filter in request order.
func (c *Client) Subscribe(filters ...packets.Subscription) ([]byte, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	pid, err := c.nextPacketID()
	if err != nil {
		return nil, err
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    pid,
		Filters:     filters,
	}

	wait := c.await(pid)
	err = c.writePacket(pk)
	if err != nil {
		return nil, err
	}

	ack, err := c.waitAck(wait, pid)
	if err != nil {
		return nil, err
	}

	c.subMu.Lock()
	for i, sub := range filters {
		if i < len(ack.ReasonCodes) && ack.ReasonCodes[i] != packets.SubackFailure {
			c.subs[sub.Filter] = sub.Qos
		}
	}
	c.subMu.Unlock()

	return ack.ReasonCodes, nil
}

// Unsubscribe removes one or more topic filter subscriptions.
func (c *Client) Unsubscribe(filters ...string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	pid, err := c.nextPacketID()
	if err != nil {
		return err
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		PacketID:    pid,
	}
	for _, f := range filters {
		pk.Filters = append(pk.Filters, packets.Subscription{Filter: f})
	}

	wait := c.await(pid)
	err = c.writePacket(pk)
	if err != nil {
		return err
	}

	_, err = c.waitAck(wait, pid)
	if err != nil {
		return err
	}

	c.subMu.Lock()
	for _, f := range filters {
		delete(c.subs, f)
	}
	c.subMu.Unlock()

	return nil
}

// Messages returns the channel on which inbound application messages are
// delivered.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// DeliverMessage blocks until the next application message is available, the
// context ends, or the client is closed.
func (c *Client) DeliverMessage(ctx context.Context) (Message, error) {
	select {
	case m := <-c.messages:
		return m, nil
	case <-c.quit:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Disconnect sends a clean disconnect packet to the broker and closes the
// connection. A cleanly disconnected client does not trigger its will.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}

	var err error
	if c.IsConnected() {
		err = c.writePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Disconnect}, // [MQTT-3.14.4-1]
		})
	}

	atomic.StoreUint32(&c.connected, 0)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	c.quitOnce.Do(func() {
		close(c.quit)
	})

	return err
}

// writePacket encodes and writes a single packet to the connection. Writes
// are strictly sequential on the stream.
func (c *Client) writePacket(pk packets.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bconn == nil {
		return ErrNotConnected
	}

	buf := new(bytes.Buffer)
	err := pk.Encode(buf)
	if err != nil {
		return err
	}

	_, err = c.bconn.Write(buf.Bytes())
	if err != nil {
		return err
	}

	return c.bconn.Flush()
}

// readPacket reads a single packet from a buffered connection.
func (c *Client) readPacket(br *bufio.ReadWriter) (pk packets.Packet, err error) {
	b, err := br.ReadByte()
	if err != nil {
		return pk, err
	}

	err = pk.FixedHeader.Decode(b)
	if err != nil {
		return pk, err
	}

	pk.FixedHeader.Remaining, _, err = packets.DecodeLength(br)
	if err != nil {
		return pk, err
	}

	if pk.FixedHeader.Remaining == 0 {
		return pk, nil
	}

	px := make([]byte, pk.FixedHeader.Remaining)
	_, err = io.ReadFull(br, px)
	if err != nil {
		return pk, err
	}

	err = pk.Decode(px)
	return pk, err
}

// readLoop reads and dispatches inbound packets until the connection fails.
func (c *Client) readLoop(conn net.Conn, br *bufio.ReadWriter) {
	for {
		if c.opts.Keepalive > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.Keepalive + c.opts.Keepalive/2))
		}

		pk, err := c.readPacket(br)
		if err != nil {
			c.handleConnectionLost(conn, err)
			return
		}

		c.handlePacket(pk)
	}
}

// pingLoop issues periodic pingreq packets while the connection is idle.
func (c *Client) pingLoop(conn net.Conn) {
	interval := c.opts.Keepalive - c.opts.Keepalive/4
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if !c.IsConnected() {
				return
			}
			err := c.writePacket(packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pingreq},
			})
			if err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

// handlePacket dispatches an inbound packet by type.
func (c *Client) handlePacket(pk packets.Packet) {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		c.handlePublish(pk)
	case packets.Puback:
		c.pidMu.Lock()
		delete(c.outbound, pk.PacketID)
		c.pidMu.Unlock()
		c.resolve(pk)
	case packets.Pubrec:
		ack := packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
			PacketID:    pk.PacketID,
			Created:     time.Now().Unix(),
			Sent:        time.Now().Unix(),
		}
		c.pidMu.Lock()
		c.outbound[pk.PacketID] = ack // the qos 2 flow is half complete; the pubrel is retransmittable
		c.pidMu.Unlock()
		_ = c.writePacket(ack)
	case packets.Pubcomp:
		c.pidMu.Lock()
		delete(c.outbound, pk.PacketID)
		c.pidMu.Unlock()
		c.resolve(pk)
	case packets.Pubrel:
		c.pidMu.Lock()
		delete(c.inbound, pk.PacketID)
		c.pidMu.Unlock()
		_ = c.writePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
			PacketID:    pk.PacketID,
		})
	case packets.Suback, packets.Unsuback:
		c.resolve(pk)
	case packets.Pingresp:
		// receipt refreshes the read deadline; nothing further to do
	}
}

// handlePublish processes an inbound application message, acknowledging it
// according to its qos.
func (c *Client) handlePublish(pk packets.Packet) {
	switch pk.FixedHeader.Qos {
	case 0:
		c.deliver(pk)
	case 1: // [MQTT-4.3.2-2]
		c.deliver(pk)
		_ = c.writePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		})
	case 2: // [MQTT-4.3.3-2]
		c.pidMu.Lock()
		_, seen := c.inbound[pk.PacketID]
		c.inbound[pk.PacketID] = struct{}{}
		c.pidMu.Unlock()

		if !seen { // deliver exactly once per packet id
			c.deliver(pk)
		}

		_ = c.writePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    pk.PacketID,
		})
	}
}

// deliver pushes an inbound message onto the messages channel, dropping it
// if the buffer is full.
func (c *Client) deliver(pk packets.Packet) {
	m := Message{
		Topic:   pk.TopicName,
		Payload: pk.Payload,
		Qos:     pk.FixedHeader.Qos,
		Retain:  pk.FixedHeader.Retain,
		Dup:     pk.FixedHeader.Dup,
	}

	select {
	case c.messages <- m:
	default:
		c.log.Warn("message buffer full, dropping message", "topic", m.Topic)
	}
}

// await registers a waiter for an acknowledgement with the given packet id.
func (c *Client) await(pid uint16) chan packets.Packet {
	ch := make(chan packets.Packet, 1)
	c.pidMu.Lock()
	c.pending[pid] = ch
	c.pidMu.Unlock()
	return ch
}

// resolve delivers an acknowledgement to its waiter, if one exists.
func (c *Client) resolve(pk packets.Packet) {
	c.pidMu.Lock()
	ch, ok := c.pending[pk.PacketID]
	if ok {
		delete(c.pending, pk.PacketID)
	}
	c.pidMu.Unlock()

	if ok {
		ch <- pk
	}
}

// waitAck blocks until an acknowledgement arrives for the waiter or the ack
// timeout lapses.
func (c *Client) waitAck(wait chan packets.Packet, pid uint16) (packets.Packet, error) {
	t := time.NewTimer(c.opts.AckTimeout)
	defer t.Stop()

	select {
	case ack := <-wait:
		return ack, nil
	case <-c.quit:
		return packets.Packet{}, ErrClosed
	case <-t.C:
		c.pidMu.Lock()
		delete(c.pending, pid)
		c.pidMu.Unlock()
		return packets.Packet{}, ErrAckTimeout
	}
}

// nextPacketID returns the next unused packet id.
func (c *Client) nextPacketID() (uint16, error) {
	c.pidMu.Lock()
	defer c.pidMu.Unlock()

	i := c.lastPid
	started := i + 1
	if started > 65535 {
		started = 1
	}
	overflowed := false
	for {
		if overflowed && i == started {
			return 0, packets.ErrPacketIdentifierExhausted
		}

		if i >= 65535 {
			overflowed = true
			i = 0
			continue
		}

		i++

		_, inflight := c.outbound[uint16(i)]
		_, waiting := c.pending[uint16(i)]
		if !inflight && !waiting {
			c.lastPid = i
			return uint16(i), nil
		}
	}
}

// handleConnectionLost reacts to a failed connection read, reconnecting if
// configured to do so.
func (c *Client) handleConnectionLost(conn net.Conn, err error) {
	_ = conn.Close()

	if !atomic.CompareAndSwapUint32(&c.connected, 1, 0) {
		return // Disconnect was called, or another loop got here first
	}

	if atomic.LoadUint32(&c.closed) == 1 {
		return
	}

	c.log.Debug("connection lost", "error", err, "client", c.opts.ClientID)

	if c.opts.AutoReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-establishes a dropped connection with exponential backoff.
func (c *Client) reconnectLoop() {
	backoff := time.Second
	for atomic.LoadUint32(&c.closed) == 0 {
		select {
		case <-time.After(backoff):
		case <-c.quit:
			return
		}

		_, err := c.establish(context.Background())
		if err == nil {
			c.log.Debug("reconnected", "client", c.opts.ClientID)
			return
		}

		c.log.Debug("reconnect failed", "error", err, "client", c.opts.ClientID)

		backoff *= 2
		if backoff > c.opts.MaxReconnectInterval {
			backoff = c.opts.MaxReconnectInterval
		}
	}
}

// resubscribe replays the active subscriptions after a reconnection on which
// the broker reported no session state.
func (c *Client) resubscribe() error {
	c.subMu.Lock()
	filters := make([]packets.Subscription, 0, len(c.subs))
	for f, qos := range c.subs {
		filters = append(filters, packets.Subscription{Filter: f, Qos: qos})
	}
	c.subMu.Unlock()

	if len(filters) == 0 {
		return nil
	}

	pid, err := c.nextPacketID()
	if err != nil {
		return err
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    pid,
		Filters:     filters,
	}

	wait := c.await(pid)
	err = c.writePacket(pk)
	if err != nil {
		return err
	}

	_, err = c.waitAck(wait, pid)
	return err
}

// resendInflight retransmits unacknowledged qos > 0 state after a
// reconnection: pending pubrels first to drain half-completed qos 2 flows,
// then unacknowledged publishes with the dup flag set.
func (c *Client) resendInflight() error {
	c.pidMu.Lock()
	pending := make([]packets.Packet, 0, len(c.outbound))
	for _, pk := range c.outbound {
		pending = append(pending, pk)
	}
	c.pidMu.Unlock()

	for _, pk := range pending { // [MQTT-4.4.0-1]
		if pk.FixedHeader.Type != packets.Pubrel {
			continue
		}
		if err := c.writePacket(pk); err != nil {
			return err
		}
	}

	for _, pk := range pending {
		if pk.FixedHeader.Type != packets.Publish {
			continue
		}
		pk.FixedHeader.Dup = true // [MQTT-3.3.1-1]
		if err := c.writePacket(pk); err != nil {
			return err
		}
	}

	return nil
}
