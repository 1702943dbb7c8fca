// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/wombatmq/wombat/packets"
)

const defaultKeepalive uint16 = 60 // in seconds

// ReadFn is the function signature for the handler invoked for each packet
// decoded by a client's read loop.
type ReadFn func(*Client, packets.Packet) error

// Clients contains a map of the clients known by the broker, keyed on client id.
type Clients struct {
	sync.RWMutex
	internal map[string]*Client
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: make(map[string]*Client),
	}
}

// Add adds a new client to the clients map, keyed on client id.
func (cl *Clients) Add(val *Client) {
	cl.Lock()
	defer cl.Unlock()
	cl.internal[val.ID] = val
}

// GetAll returns all the clients.
func (cl *Clients) GetAll() map[string]*Client {
	cl.RLock()
	defer cl.RUnlock()
	m := map[string]*Client{}
	for k, v := range cl.internal {
		m[k] = v
	}
	return m
}

// Get returns the value of a client if it exists.
func (cl *Clients) Get(id string) (*Client, bool) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	return val, ok
}

// Len returns the length of the clients map.
func (cl *Clients) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	return len(cl.internal)
}

// Delete removes a client from the internal map.
func (cl *Clients) Delete(id string) {
	cl.Lock()
	defer cl.Unlock()
	delete(cl.internal, id)
}

// GetByListener returns clients matching a listener id.
func (cl *Clients) GetByListener(id string) []*Client {
	clients := make([]*Client, 0, cl.Len())
	cl.RLock()
	defer cl.RUnlock()
	for _, v := range cl.internal {
		if v.Net.Listener == id && !v.Closed() {
			clients = append(clients, v)
		}
	}
	return clients
}

// Client contains information about a client known by the broker.
type Client struct {
	Properties ClientProperties // client properties
	State      ClientState      // the operational state of the client
	Net        ClientConnection // network connection state of the client
	ID         string           // the client id
	ops        *ops             // ops provides a reference to server ops
	sync.RWMutex
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn          // the net.Conn used to establish the connection
	bconn    *bufio.ReadWriter // a buffered net.Conn for reading packets
	Remote   string            // the remote address of the client
	Listener string            // listener id of the client
	Inline   bool              // if true, the client is the built-in 'inline' embedded client
}

// ClientProperties contains the properties which define the client behaviour.
type ClientProperties struct {
	Will     Will   // the last will and testament for the client
	Username []byte // the username the client authenticated with
	Clean    bool   // if the client requested a clean session
}

// Will contains the last will and testament details for a client connection.
type Will struct {
	Payload   []byte // will message payload
	TopicName string // will message topic name
	Flag      uint32 // atomic, 1 if there is a will message
	Qos       byte   // will message qos
	Retain    bool   // will message retain flag
}

// ClientState tracks the state of the client.
type ClientState struct {
	stopCause     atomic.Value    // reason for stopping
	Inflight      *Inflight       // inflight qos > 0 messages for the session
	Subscriptions *Subscriptions  // the subscriptions the client has made
	disconnected  int64           // the time the client disconnected in unix time, for calculating expiry
	outbound      chan *packets.Packet // queue for outbound packets
	endOnce       sync.Once       // only end once
	isTakenOver   uint32          // atomic, set to 1 if the client id was taken over by a new connection
	packetID      uint32          // the current highest packetID
	done          chan struct{}   // closed when the client is finished
	outboundQty   int32           // number of messages currently in the outbound queue
	Keepalive     uint16          // the number of seconds the connection can wait
}

// newClient returns a new instance of Client. This is almost exclusively used
// by the server for creating new clients, but it can be used for testing.
func newClient(c net.Conn, o *ops) *Client {
	cl := &Client{
		State: ClientState{
			Inflight:      NewInflights(),
			Subscriptions: NewSubscriptions(),
			done:          make(chan struct{}),
			outbound:      make(chan *packets.Packet, int(o.options.Capabilities.MaximumClientWritesPending)),
			Keepalive:     defaultKeepalive,
		},
		ops: o,
	}

	if c != nil {
		cl.Net = ClientConnection{
			Conn:   c,
			bconn:  bufio.NewReadWriter(bufio.NewReaderSize(c, o.options.ClientNetReadBufferSize), bufio.NewWriterSize(c, o.options.ClientNetWriteBufferSize)),
			Remote: c.RemoteAddr().String(),
		}
	}

	return cl
}

// WriteLoop ranges over the outbound queue, writing packets to the client
// connection in the order they were scheduled.
func (cl *Client) WriteLoop() {
	for {
		select {
		case pk := <-cl.State.outbound:
			if err := cl.WritePacket(*pk); err != nil {
				cl.ops.log.Debug("failed publishing packet", "error", err, "client", cl.ID, "packet", pk)
			}
			atomic.AddInt32(&cl.State.outboundQty, -1)
		case <-cl.State.done:
			return
		}
	}
}

// ParseConnect parses the values of a connect packet into the client.
func (cl *Client) ParseConnect(lid string, pk packets.Packet) {
	cl.Net.Listener = lid

	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean

	cl.State.Keepalive = pk.Connect.Keepalive
	if cl.State.Keepalive == 0 {
		cl.State.Keepalive = defaultKeepalive
	}

	cl.ID = pk.Connect.ClientIdentifier
	if cl.ID == "" {
		cl.ID = xid.New().String() // [MQTT-3.1.3-6]
	}

	if pk.Connect.WillFlag {
		cl.Properties.Will = Will{
			Qos:       pk.Connect.WillQos,
			TopicName: pk.Connect.WillTopic,
			Payload:   pk.Connect.WillPayload,
			Retain:    pk.Connect.WillRetain,
			Flag:      1,
		}
	}
}

// refreshDeadline refreshes the read deadline for the client, extending it
// to 1.5x the keepalive interval as required by the protocol.
func (cl *Client) refreshDeadline(keepalive uint16) {
	if cl.Net.Conn != nil {
		var expiry time.Time // nil time can be used to disable deadline if keepalive = 0
		if keepalive > 0 {
			expiry = time.Now().Add(time.Duration(keepalive+(keepalive/2)) * time.Second) // [MQTT-3.1.2-24]
		}
		_ = cl.Net.Conn.SetDeadline(expiry)
	}
}

// NextPacketID returns the next available (unused) packet id for the client.
// If no unused packet ids are available, an error is returned and the client
// should be disconnected.
func (cl *Client) NextPacketID() (i uint32, err error) {
	cl.Lock()
	defer cl.Unlock()

	i = atomic.LoadUint32(&cl.State.packetID)
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

		if _, ok := cl.State.Inflight.Get(uint16(i)); !ok {
			atomic.StoreUint32(&cl.State.packetID, i)
			return i, nil
		}
	}
}

// ResendInflightMessages attempts to resend any pending inflight messages to
// the client, e.g. when a persistent session is re-established. Half-completed
// qos 2 flows (pending PUBREL) are drained first, then unacknowledged
// publishes in original order. A publish which was previously transmitted is
// reissued with the dup flag set; a queued publish which was never sent goes
// out unmarked.
func (cl *Client) ResendInflightMessages(force bool) error {
	if cl.State.Inflight.Len() == 0 {
		return nil
	}

	pending := cl.State.Inflight.GetAll()

	for _, tk := range pending { // [MQTT-4.4.0-1]
		if tk.FixedHeader.Type != packets.Pubrel {
			continue
		}
		if err := cl.resendInflight(tk, force); err != nil {
			return err
		}
	}

	for _, tk := range pending {
		if tk.FixedHeader.Type != packets.Publish {
			continue
		}
		if err := cl.resendInflight(tk, force); err != nil {
			return err
		}
	}

	return nil
}

// resendInflight transmits a single pending inflight message.
func (cl *Client) resendInflight(tk packets.Packet, force bool) error {
	if tk.ResendCount > 0 && !force {
		return nil
	}

	if tk.FixedHeader.Type == packets.Publish && tk.Sent > 0 {
		tk.FixedHeader.Dup = true // [MQTT-3.3.1-1]
	}

	tk.ResendCount++
	tk.Sent = time.Now().Unix()
	cl.State.Inflight.Set(tk)
	cl.ops.hooks.OnQosPublish(cl, tk, tk.Sent, tk.ResendCount)

	return cl.WritePacket(tk)
}

// ClearInflights deletes all inflight messages for the client, e.g. for a
// takeover of a clean session.
func (cl *Client) ClearInflights() []uint16 {
	deleted := []uint16{}
	for _, tk := range cl.State.Inflight.GetAll() {
		if ok := cl.State.Inflight.Delete(tk.PacketID); ok {
			cl.ops.hooks.OnQosDropped(cl, tk)
			atomic.AddInt64(&cl.ops.info.Inflight, -1)
			deleted = append(deleted, tk.PacketID)
		}
	}

	return deleted
}

// ReadFixedHeader reads in the values of the next packet's fixed header.
func (cl *Client) ReadFixedHeader(fh *packets.FixedHeader) error {
	if cl.Net.bconn == nil {
		return ErrConnectionClosed
	}

	b, err := cl.Net.bconn.ReadByte()
	if err != nil {
		return err
	}

	err = fh.Decode(b)
	if err != nil {
		return err
	}

	n, bu, err := packets.DecodeLength(cl.Net.bconn)
	if err != nil {
		return err
	}

	fh.Remaining = n
	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(1+bu))
	return nil
}

// Read reads incoming packets from the connected client and transforms them
// into packets to be handled by the packetHandler.
func (cl *Client) Read(packetHandler ReadFn) error {
	var err error

	for {
		if cl.Closed() {
			return cl.readStopCause()
		}

		cl.refreshDeadline(cl.State.Keepalive)

		fh := new(packets.FixedHeader)
		err = cl.ReadFixedHeader(fh)
		if err != nil {
			return cl.classifyReadErr(err)
		}

		pk, err := cl.ReadPacket(fh)
		if err != nil {
			return cl.classifyReadErr(err)
		}

		pk, err = cl.ops.hooks.OnPacketRead(cl, pk)
		if err == nil {
			err = packetHandler(cl, pk) // Process inbound packet.
			if err != nil {
				return err
			}
		}
	}
}

// classifyReadErr converts transport read failures into the protocol error
// they represent. A clean disconnect is not an error.
func (cl *Client) classifyReadErr(err error) error {
	if cause := cl.readStopCause(); cl.Closed() {
		return cause
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return packets.ErrKeepaliveTimeout // [MQTT-3.1.2-24]
	}

	if code := new(packets.Code); errors.As(err, code) {
		return err
	}

	return packets.ErrConnectionLost
}

// readStopCause returns the stop cause of a halted client, mapping a clean
// disconnect to a nil error.
func (cl *Client) readStopCause() error {
	err := cl.StopCause()
	if errors.Is(err, packets.CodeDisconnect) {
		return nil // [MQTT-3.14.4-1]
	}
	return err
}

// ReadPacket reads the remaining buffer of a packet and decodes it.
func (cl *Client) ReadPacket(fh *packets.FixedHeader) (pk packets.Packet, err error) {
	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	if fh.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesReceived, 1)
	}

	pk.FixedHeader = *fh
	if pk.FixedHeader.Remaining == 0 {
		return
	}

	px := make([]byte, pk.FixedHeader.Remaining)
	_, err = io.ReadFull(cl.Net.bconn, px)
	if err != nil {
		return pk, err
	}

	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(len(px)))

	err = pk.Decode(px)
	if err != nil {
		return pk, err
	}

	return
}

// WritePacket encodes and writes a packet to the client. Writes take the
// client mutex, so packets from the write loop and acknowledgements from the
// packet processor are strictly sequential on the stream.
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.Closed() {
		return ErrConnectionClosed
	}

	if cl.Net.Conn == nil {
		return nil // inline clients are write no-ops
	}

	cl.Lock()
	defer cl.Unlock()

	pk = cl.ops.hooks.OnPacketEncode(cl, pk)

	buf := new(bytes.Buffer)
	err := pk.Encode(buf)
	if err != nil {
		return err
	}

	n, err := cl.Net.bconn.Write(buf.Bytes())
	if err != nil {
		return err
	}

	err = cl.Net.bconn.Flush()
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	cl.ops.hooks.OnPacketSent(cl, pk, buf.Bytes())

	return nil
}

// Stop instructs the client to shut down all processing goroutines and
// disconnect.
func (cl *Client) Stop(err error) {
	cl.State.endOnce.Do(func() {
		if err != nil {
			cl.State.stopCause.Store(err)
		}

		close(cl.State.done)

		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close() // omit close error
		}

		atomic.StoreInt64(&cl.State.disconnected, time.Now().Unix())
	})
}

// Closed returns true if the client has been instructed to shut down.
func (cl *Client) Closed() bool {
	select {
	case <-cl.State.done:
		return true
	default:
		return false
	}
}

// StopCause returns the reason the client was stopped, if any.
func (cl *Client) StopCause() error {
	if cl.State.stopCause.Load() == nil {
		return nil
	}
	return cl.State.stopCause.Load().(error)
}

// StopTime returns the unix timestamp the client was stopped, or 0 if it is
// still connected.
func (cl *Client) StopTime() int64 {
	return atomic.LoadInt64(&cl.State.disconnected)
}

// IsTakenOver returns true if the session for the client was claimed by a
// newer connection with the same client id.
func (cl *Client) IsTakenOver() bool {
	return atomic.LoadUint32(&cl.State.isTakenOver) == 1
}
