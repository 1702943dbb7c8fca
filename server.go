// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

// Package mqtt provides an embeddable MQTT 3.1.1 broker server with a
// pluggable hook system for authentication, topic access control, and
// session persistence.
package mqtt

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/wombatmq/wombat/hooks/storage"
	"github.com/wombatmq/wombat/listeners"
	"github.com/wombatmq/wombat/packets"
	"github.com/wombatmq/wombat/system"
)

const (
	Version                       = "1.3.2" // the current server version
	defaultSysTopicInterval int64 = 1       // the interval between $SYS topic publishes
	defaultFilterTimeout          = 5 * time.Second
	LocalListener                 = "local"
	InlineClientId                = "inline"
)

var (
	ErrListenerIDExists       = errors.New("listener id already exists")                               // a listener with the same id already exists
	ErrConnectionClosed       = errors.New("connection not open")                                      // connection is closed
	ErrInlineClientNotEnabled = errors.New("please set Options.InlineClient=true to use this feature") // inline client is not enabled by default
)

// Capabilities indicates the capabilities and features provided by the server.
type Capabilities struct {
	MaximumClients             int64  `yaml:"maximum_clients" json:"maximum_clients"`                             // maximum number of connected clients
	MaximumClientWritesPending int32  `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"` // maximum number of pending message writes for a client
	MaximumInflight            uint16 `yaml:"maximum_inflight" json:"maximum_inflight"`                           // maximum number of qos > 0 messages which can be pending for a session
	MaximumQos                 byte   `yaml:"maximum_qos" json:"maximum_qos"`                                     // maximum qos value available to clients
	RetainAvailable            byte   `yaml:"retain_available" json:"retain_available"`                           // support of retained messages
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:             math.MaxInt64,
		MaximumClientWritesPending: 1024,
		MaximumInflight:            1024 * 8,
		MaximumQos:                 2,
		RetainAvailable:            1,
	}
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"-" json:"-"`

	// Capabilities defines the server features and behaviour.
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_interval" json:"sys_interval"`

	// FilterTimeout bounds each authentication and acl hook vote; a hook
	// which overruns it votes deny.
	FilterTimeout time.Duration `yaml:"filter_timeout" json:"filter_timeout"`

	// DisconnectGracePeriod is the time to wait for client writer queues to
	// drain when the server is shutting down or a client disconnects cleanly.
	DisconnectGracePeriod time.Duration `yaml:"timeout-disconnect-delay" json:"timeout-disconnect-delay"`

	// ClientNetWriteBufferSize specifies the size of the client *bufio.Writer write buffer.
	ClientNetWriteBufferSize int `yaml:"client_net_write_buffer_size" json:"client_net_write_buffer_size"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// InlineClient enables the direct subscribing and publishing from the parent codebase.
	InlineClient bool `yaml:"inline_client" json:"inline_client"`
}

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// InlineSubFn is the signature for a callback function which will be called
// when an inline client receives a message on a topic it is subscribed to.
type InlineSubFn func(cl *Client, sub packets.Subscription, pk packets.Packet)

// Server is an MQTT broker server. It should be created with New() in order
// to ensure all the internal fields are correctly populated.
type Server struct {
	Options      *Options             // configurable server options
	Listeners    *listeners.Listeners // listeners are network interfaces which listen for new connections
	Clients      *Clients             // clients known to the broker
	Topics       *TopicsIndex         // an index of topic filter subscriptions and retained messages
	Info         *system.Info         // values about the server commonly known as $SYS topics
	Log          *slog.Logger         // a structured logger for the server
	hooks        *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	loop         *loop                // loop contains tickers for the system event loop
	done         chan bool            // indicate that the server is ending
	inlineClient *Client              // inlineClient is a special client used for inline subscriptions and inline Publish
	inlineSubs   *inlineSubscriptions // handlers for inline subscriptions
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysTopics *time.Ticker // interval ticker for sending updating $SYS topics
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options *Options     // a pointer to the server options and capabilities, for referencing in clients
	info    *system.Info // pointers to server system info
	hooks   *Hooks       // pointer to the server hooks
	log     *slog.Logger // a structured logger for the client
}

// New returns a new instance of the broker. Optional parameters can be
// specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Clients:   NewClients(),
		Topics:    NewTopicsIndex(),
		Listeners: listeners.New(),
		loop: &loop{
			sysTopics: time.NewTicker(time.Second * time.Duration(opts.SysTopicResendInterval)),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log:           opts.Logger,
			FilterTimeout: opts.FilterTimeout,
		},
		inlineSubs: newInlineSubscriptions(),
	}

	if s.Options.InlineClient {
		s.inlineClient = s.NewClient(nil, LocalListener, InlineClientId, true)
		s.Clients.Add(s.inlineClient)
	}

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.Capabilities.MaximumClientWritesPending == 0 {
		o.Capabilities.MaximumClientWritesPending = 1024
	}

	if o.Capabilities.MaximumInflight == 0 {
		o.Capabilities.MaximumInflight = 1024 * 8
	}

	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.FilterTimeout == 0 {
		o.FilterTimeout = defaultFilterTimeout
	}

	if o.DisconnectGracePeriod == 0 {
		o.DisconnectGracePeriod = time.Second
	}

	if o.ClientNetWriteBufferSize == 0 {
		o.ClientNetWriteBufferSize = 1024 * 2
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// NewClient returns a new Client instance, populated with all the required values and
// references to be used with the server. If you are using this client to directly publish
// messages from the embedding application, set the inline flag to true to bypass ACL and
// topic validation checks.
func (s *Server) NewClient(c net.Conn, listener string, id string, inline bool) *Client {
	cl := newClient(c, &ops{
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
	})

	cl.ID = id
	cl.Net.Listener = listener
	cl.Net.Inline = inline

	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners, publishing the system topics, and starting all hooks.
func (s *Server) Serve() error {
	s.Log.Info("wombat mqtt starting", "version", Version)
	defer s.Log.Info("wombat mqtt server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(
		StoredClients,
		StoredInflightMessages,
		StoredRetainedMessages,
		StoredSubscriptions,
		StoredSysInfo,
	) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for issuing $SYS values and closing server
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners
	s.publishSysTopics()                        // begin publishing $SYS system values
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running server housekeeping methods at intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.sysTopics.Stop()
			return
		case <-s.loop.sysTopics.C:
			s.publishSysTopics()
		}
	}
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewClient(c, listener, "", false)
	return s.attachClient(cl, listener)
}

// attachClient validates an incoming client connection and if viable, attaches the client
// to the server, performs session housekeeping, and reads incoming packets.
func (s *Server) attachClient(cl *Client, listener string) error {
	defer s.Listeners.ClientsWg.Done()
	s.Listeners.ClientsWg.Add(1)

	go cl.WriteLoop()
	defer cl.Stop(nil)

	cl.refreshDeadline(cl.State.Keepalive)
	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}

	cl.ParseConnect(listener, pk)
	if atomic.LoadInt64(&s.Info.ClientsConnected) >= s.Options.Capabilities.MaximumClients {
		_ = s.SendConnack(cl, packets.ErrServerUnavailable, false)
		return packets.ErrServerUnavailable
	}

	code := s.validateConnect(cl, pk) // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeAccepted {
		if code.Wire() { // protocol errors during connect respond with a connack code, then close
			if err := s.SendConnack(cl, code, false); err != nil {
				return fmt.Errorf("invalid connection send ack: %w", err)
			}
		}
		return code // [MQTT-3.2.2-5] [MQTT-3.1.4-6]
	}

	err = s.hooks.OnConnect(cl, pk)
	if err != nil {
		return err
	}

	cl.refreshDeadline(cl.State.Keepalive)
	if !s.hooks.OnConnectAuthenticate(cl, pk) { // [MQTT-3.1.4-2]
		err := s.SendConnack(cl, packets.ErrNotAuthorized, false)
		if err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}

		return packets.ErrNotAuthorized
	}

	atomic.AddInt64(&s.Info.ClientsConnected, 1)
	defer atomic.AddInt64(&s.Info.ClientsConnected, -1)

	s.hooks.OnSessionEstablish(cl, pk)

	sessionPresent := s.inheritClientSession(pk, cl)
	s.Clients.Add(cl) // [MQTT-4.1.0-1]

	err = s.SendConnack(cl, packets.CodeAccepted, sessionPresent) // [MQTT-3.1.4-4] [MQTT-3.2.2-1] [MQTT-3.2.2-2]
	if err != nil {
		return fmt.Errorf("ack connection packet: %w", err)
	}

	if sessionPresent {
		err = cl.ResendInflightMessages(true)
		if err != nil {
			return fmt.Errorf("resend inflight: %w", err)
		}
	}

	s.hooks.OnSessionEstablished(cl, pk)

	err = cl.Read(s.receivePacket)
	if err != nil {
		s.sendLWT(cl) // [MQTT-3.1.2-8]
		cl.Stop(err)
	} else {
		cl.Properties.Will = Will{} // [MQTT-3.1.2-10] [MQTT-3.14.4-3]
	}

	s.Log.Debug("client disconnected", "error", err, "client", cl.ID, "remote", cl.Net.Remote, "listener", listener)

	expire := cl.Properties.Clean
	s.hooks.OnDisconnect(cl, err, expire)

	if expire && !cl.IsTakenOver() {
		cl.ClearInflights()
		s.UnsubscribeClient(cl)
		s.Clients.Delete(cl.ID) // [MQTT-4.1.0-2]
	}

	return err
}

// readConnectionPacket reads the first incoming header for a connection, and if
// acceptable, returns the valid connection packet.
func (s *Server) readConnectionPacket(cl *Client) (pk packets.Packet, err error) {
	fh := new(packets.FixedHeader)
	err = cl.ReadFixedHeader(fh)
	if err != nil {
		return
	}

	if fh.Type != packets.Connect {
		return pk, packets.ErrProtocolViolationRequireFirstConnect // [MQTT-3.1.0-1]
	}

	pk, err = cl.ReadPacket(fh)
	if err != nil {
		return
	}

	return
}

// receivePacket processes an incoming packet for a client, logging errors
// where they occur. Processing errors close the connection.
func (s *Server) receivePacket(cl *Client, pk packets.Packet) error {
	err := s.processPacket(cl, pk)
	if err != nil {
		s.Log.Warn("error processing packet", "error", err, "client", cl.ID, "listener", cl.Net.Listener)
		return err
	}

	return nil
}

// validateConnect validates that a connect packet is compliant.
func (s *Server) validateConnect(cl *Client, pk packets.Packet) packets.Code {
	code := pk.ConnectValidate() // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeAccepted {
		return code
	}

	if pk.Connect.WillFlag && pk.Connect.WillQos > s.Options.Capabilities.MaximumQos {
		return packets.ErrProtocolViolationQosOutOfRange
	}

	return code
}

// inheritClientSession inherits the state of an existing client sharing the same
// client id. If either the existing or the incoming session is clean, the state
// of any previously existing session is abandoned and the connection starts
// fresh; otherwise the new connection takes over the session.
func (s *Server) inheritClientSession(pk packets.Packet, cl *Client) bool {
	existing, ok := s.Clients.Get(cl.ID)
	if !ok {
		if atomic.LoadInt64(&s.Info.ClientsConnected) > atomic.LoadInt64(&s.Info.ClientsMaximum) {
			atomic.AddInt64(&s.Info.ClientsMaximum, 1)
		}
		return false // [MQTT-3.2.2-1]
	}

	s.DisconnectClient(existing, packets.ErrSessionTakenOver) // [MQTT-3.1.4-2]

	if pk.Connect.Clean || existing.Properties.Clean { // [MQTT-3.1.2-6] [MQTT-3.1.4-3]
		s.UnsubscribeClient(existing)
		existing.ClearInflights()
		atomic.StoreUint32(&existing.State.isTakenOver, 1) // only set isTakenOver after unsubscribe has occurred
		return false                                       // [MQTT-3.2.2-1]
	}

	atomic.StoreUint32(&existing.State.isTakenOver, 1)
	if existing.State.Inflight.Len() > 0 {
		cl.State.Inflight = existing.State.Inflight.Clone() // [MQTT-3.1.2-4]
	}

	for _, sub := range existing.State.Subscriptions.GetAll() {
		existed := !s.Topics.Subscribe(cl.ID, sub) // [MQTT-3.8.4-3]
		if !existed {
			atomic.AddInt64(&s.Info.Subscriptions, 1)
		}
		cl.State.Subscriptions.Add(sub.Filter, sub)
	}

	s.Log.Debug("session taken over", "client", cl.ID, "old_remote", existing.Net.Remote, "new_remote", cl.Net.Remote)

	return true // [MQTT-3.2.2-2]
}

// SendConnack returns a Connack packet to a client.
func (s *Server) SendConnack(cl *Client, reason packets.Code, present bool) error {
	if !reason.Wire() {
		return reason // connection refusals past connect have no ack representation
	}

	if reason != packets.CodeAccepted {
		present = false // [MQTT-3.2.2-4]
	}

	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: present,
		ReturnCode:     reason.Code, // [MQTT-3.2.2-3]
	}

	return cl.WritePacket(ack)
}

// processPacket processes an inbound packet for a client. It is called
// synchronously by the client read loop and by InjectPacket; an error returned
// to the read loop ends the connection.
func (s *Server) processPacket(cl *Client, pk packets.Packet) error {
	var err error

	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = s.processConnect(cl, pk)
	case packets.Disconnect:
		err = s.processDisconnect(cl, pk)
	case packets.Pingreq:
		err = s.processPingreq(cl, pk)
	case packets.Publish:
		code := pk.PublishValidate()
		if code != packets.CodeAccepted {
			return code
		}
		err = s.processPublish(cl, pk)
	case packets.Puback:
		err = s.processPuback(cl, pk)
	case packets.Pubrec:
		err = s.processPubrec(cl, pk)
	case packets.Pubrel:
		err = s.processPubrel(cl, pk)
	case packets.Pubcomp:
		err = s.processPubcomp(cl, pk)
	case packets.Subscribe:
		code := pk.SubscribeValidate()
		if code != packets.CodeAccepted {
			return code
		}
		err = s.processSubscribe(cl, pk)
	case packets.Unsubscribe:
		code := pk.UnsubscribeValidate()
		if code != packets.CodeAccepted {
			return code
		}
		err = s.processUnsubscribe(cl, pk)
	default:
		return fmt.Errorf("no valid packet available; %v", pk.FixedHeader.Type)
	}

	s.hooks.OnPacketProcessed(cl, pk, err)
	if err != nil {
		return err
	}

	s.flushPendingInflight(cl)

	return nil
}

// flushPendingInflight transmits a queued qos > 0 message which could not
// previously be scheduled because the outbound queue was full.
func (s *Server) flushPendingInflight(cl *Client) {
	if cl.State.Inflight.Len() == 0 {
		return
	}

	next, ok := cl.State.Inflight.NextUnsent()
	if !ok {
		return
	}

	next.Sent = time.Now().Unix()
	out := next
	select {
	case cl.State.outbound <- &out:
		cl.State.Inflight.Set(next)
		atomic.AddInt32(&cl.State.outboundQty, 1)
	default:
	}
}

// processConnect processes a Connect packet. The packet cannot be used to
// establish a new connection on an existing connection. See EstablishConnection instead.
func (s *Server) processConnect(cl *Client, _ packets.Packet) error {
	s.sendLWT(cl)
	return packets.ErrProtocolViolationSecondConnect // [MQTT-3.1.0-2]
}

// processPingreq processes a Pingreq packet.
func (s *Server) processPingreq(cl *Client, _ packets.Packet) error {
	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})
}

// processPublish processes a Publish packet.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	if !cl.Net.Inline && !IsValidTopicName(pk.TopicName) {
		return nil // drop publishes into reserved or wildcard topics
	}

	if !cl.Net.Inline && !s.hooks.OnACLCheck(cl, pk.TopicName, true) {
		if pk.FixedHeader.Qos == 0 {
			return nil
		}

		s.DisconnectClient(cl, packets.ErrNotAuthorized)
		return packets.ErrNotAuthorized
	}

	pk.Origin = cl.ID
	pk.Created = time.Now().Unix()

	if !cl.Net.Inline && pk.FixedHeader.Qos == 2 {
		if pki, ok := cl.State.Inflight.Get(pk.PacketID); ok && pki.FixedHeader.Type == packets.Pubrec {
			// a duplicate of a qos 2 publish already received; acknowledge
			// again but do not route the message a second time. [MQTT-4.3.3-2]
			return cl.WritePacket(pki)
		}
	}

	pkx, err := s.hooks.OnPublish(cl, pk)
	if err != nil {
		if errors.Is(err, packets.ErrMalformedPacket) {
			return err
		}
		return nil // the hook rejected the message; swallow it silently
	}
	pk = pkx

	if pk.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		pk.FixedHeader.Qos = s.Options.Capabilities.MaximumQos
	}

	if pk.FixedHeader.Retain { // [MQTT-3.3.1-5]
		// the retained store is updated before the publish is acknowledged.
		s.retainMessage(cl, pk)
	}

	if pk.FixedHeader.Qos == 0 || cl.Net.Inline {
		s.publishToSubscribers(pk)
		s.hooks.OnPublished(cl, pk)
		return nil
	}

	if pk.FixedHeader.Qos == 2 { // [MQTT-4.3.3-2]
		ack := s.buildAck(pk.PacketID, packets.Pubrec, 0)
		if ok := cl.State.Inflight.Set(ack); ok {
			atomic.AddInt64(&s.Info.Inflight, 1)
		}
		s.publishToSubscribers(pk) // routed exactly once, before the receiver acknowledges
		s.hooks.OnPublished(cl, pk)
		return cl.WritePacket(ack)
	}

	s.publishToSubscribers(pk)
	s.hooks.OnPublished(cl, pk)

	return cl.WritePacket(s.buildAck(pk.PacketID, packets.Puback, 0)) // [MQTT-4.3.2-2]
}

// retainMessage adds a message to a topic, and if a persistent store is
// provided, adds the message to the store to be reloaded if necessary.
func (s *Server) retainMessage(cl *Client, pk packets.Packet) {
	if s.Options.Capabilities.RetainAvailable == 0 {
		return
	}

	out := pk.Copy(false)
	out.FixedHeader.Retain = true
	r := s.Topics.RetainMessage(out)
	s.hooks.OnRetainMessage(cl, pk, r)
	atomic.StoreInt64(&s.Info.Retained, int64(s.Topics.Retained.Len()))
}

// publishToSubscribers publishes a publish packet to all subscribers with
// matching topic filters.
func (s *Server) publishToSubscribers(pk packets.Packet) {
	if pk.Created == 0 {
		pk.Created = time.Now().Unix()
	}

	subscribers := s.Topics.Subscribers(pk.TopicName)
	subscribers = s.hooks.OnSelectSubscribers(subscribers, pk)

	for id, sub := range subscribers {
		if id == InlineClientId {
			s.inlineSubs.deliver(s.inlineClient, pk)
			continue
		}

		if cl, ok := s.Clients.Get(id); ok {
			_, err := s.publishToClient(cl, sub, pk, false)
			if err != nil {
				s.Log.Debug("failed publishing packet", "error", err, "client", cl.ID, "packet", pk)
			}
		}
	}
}

// publishToClient delivers one copy of a message to a subscribing client,
// downgraded to the lowest of the message qos and the granted subscription
// qos. If retained is true, the message is a retained-message replay and
// keeps its retain flag.
func (s *Server) publishToClient(cl *Client, sub packets.Subscription, pk packets.Packet, retained bool) (packets.Packet, error) {
	out := pk.Copy(false)
	if !s.hooks.OnACLCheck(cl, pk.TopicName, false) {
		return out, packets.ErrNotAuthorized
	}

	out.FixedHeader.Retain = retained // [MQTT-3.3.1-8] [MQTT-3.3.1-9]

	if out.FixedHeader.Qos > sub.Qos {
		out.FixedHeader.Qos = sub.Qos
	}

	if out.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		out.FixedHeader.Qos = s.Options.Capabilities.MaximumQos
	}

	if out.FixedHeader.Qos > 0 {
		if cl.State.Inflight.Len() >= int(s.Options.Capabilities.MaximumInflight) {
			// the queue is bounded; the oldest message which was never
			// transmitted is dropped to make room for the newest.
			if old, ok := cl.State.Inflight.NextUnsent(); ok {
				cl.State.Inflight.Delete(old.PacketID)
				atomic.AddInt64(&s.Info.InflightDropped, 1)
				s.hooks.OnQosDropped(cl, old)
			} else {
				atomic.AddInt64(&s.Info.InflightDropped, 1)
				s.Log.Warn("client inflight quota reached", "client", cl.ID, "listener", cl.Net.Listener)
				return out, packets.ErrQueueOverflow
			}
		}

		i, err := cl.NextPacketID() // [MQTT-2.3.1-2] [MQTT-2.3.1-4]
		if err != nil {
			s.hooks.OnPacketIDExhausted(cl, pk)
			atomic.AddInt64(&s.Info.InflightDropped, 1)
			s.Log.Warn("packet ids exhausted", "error", err, "client", cl.ID, "listener", cl.Net.Listener)
			return out, err
		}

		out.PacketID = uint16(i)
		out.Sent = 0

		if ok := cl.State.Inflight.Set(out); ok { // [MQTT-4.3.2-1] [MQTT-4.3.3-1]
			atomic.AddInt64(&s.Info.Inflight, 1)
			s.hooks.OnQosPublish(cl, out, out.Created, 0)
		}
	}

	if cl.Net.Conn == nil || cl.Closed() {
		// a detached persistent session; qos > 0 messages remain queued in
		// the inflight table for replay when the session reattaches.
		return out, packets.CodeDisconnect
	}

	if out.FixedHeader.Qos > 0 {
		out.Sent = time.Now().Unix()
		cl.State.Inflight.Set(out)
	}

	sent := out
	select {
	case cl.State.outbound <- &sent:
		atomic.AddInt32(&cl.State.outboundQty, 1)
	default:
		s.hooks.OnPublishDropped(cl, pk)
		if out.FixedHeader.Qos == 0 {
			// qos 0 overflow drops silently and increments the counter.
			atomic.AddInt64(&s.Info.MessagesDropped, 1)
			return out, packets.ErrPendingWritesExceeded
		}

		// qos > 0 messages are never dropped on overflow; the message stays
		// queued in the inflight table and is transmitted when the queue frees.
		unsent := out
		unsent.Sent = 0
		cl.State.Inflight.Set(unsent)
		return out, packets.ErrPendingWritesExceeded
	}

	return out, nil
}

// publishRetainedToClient publishes all retained messages on topics matching
// a new subscription to the subscribing client.
func (s *Server) publishRetainedToClient(cl *Client, sub packets.Subscription) {
	for _, pkv := range s.Topics.Messages(sub.Filter) { // [MQTT-3.3.1-6]
		_, err := s.publishToClient(cl, sub, pkv, true)
		if err != nil {
			s.Log.Debug("failed to publish retained message", "error", err, "client", cl.ID, "listener", cl.Net.Listener, "packet", pkv)
			continue
		}
		s.hooks.OnRetainPublished(cl, pkv)
	}
}

// buildAck builds an acknowledgement message for Puback, Pubrec, Pubrel, Pubcomp packets.
func (s *Server) buildAck(packetID uint16, pkt, qos byte) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: pkt,
			Qos:  qos,
		},
		PacketID: packetID, // [MQTT-2.3.1-6]
		Created:  time.Now().Unix(),
	}
}

// processPuback processes a Puback packet, denoting completion of a qos 1 packet sent from the server.
func (s *Server) processPuback(cl *Client, pk packets.Packet) error {
	if _, ok := cl.State.Inflight.Get(pk.PacketID); !ok {
		return nil // omit, unknown packet id
	}

	if ok := cl.State.Inflight.Delete(pk.PacketID); ok { // [MQTT-4.3.2-3]
		atomic.AddInt64(&s.Info.Inflight, -1)
		s.hooks.OnQosComplete(cl, pk)
	}

	return nil
}

// processPubrec processes a Pubrec packet, denoting receipt of a qos 2 packet sent from the server.
func (s *Server) processPubrec(cl *Client, pk packets.Packet) error {
	ack := s.buildAck(pk.PacketID, packets.Pubrel, 1) // [MQTT-4.3.3-4]
	cl.State.Inflight.Set(ack)                        // the publish is released; the pubrel is retransmittable
	return cl.WritePacket(ack)
}

// processPubrel processes a Pubrel packet, denoting completion of a qos 2 packet sent from the client.
func (s *Server) processPubrel(cl *Client, pk packets.Packet) error {
	ack := s.buildAck(pk.PacketID, packets.Pubcomp, 0) // [MQTT-4.3.3-2]
	err := cl.WritePacket(ack)
	if err != nil {
		return err
	}

	if ok := cl.State.Inflight.Delete(pk.PacketID); ok {
		atomic.AddInt64(&s.Info.Inflight, -1)
		s.hooks.OnQosComplete(cl, pk)
	}

	return nil
}

// processPubcomp processes a Pubcomp packet, denoting completion of a qos 2 packet sent from the server.
func (s *Server) processPubcomp(cl *Client, pk packets.Packet) error {
	if ok := cl.State.Inflight.Delete(pk.PacketID); ok {
		atomic.AddInt64(&s.Info.Inflight, -1)
		s.hooks.OnQosComplete(cl, pk)
	}

	return nil
}

// processSubscribe processes a Subscribe packet.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	pk = s.hooks.OnSubscribe(cl, pk)

	reasonCodes := make([]byte, len(pk.Filters))
	for i, sub := range pk.Filters {
		if !IsValidFilter(sub.Filter) {
			reasonCodes[i] = packets.SubackFailure // [MQTT-3.9.3-2]
		} else if !s.hooks.OnACLCheck(cl, sub.Filter, false) {
			reasonCodes[i] = packets.SubackFailure // [MQTT-3.9.3-2]
		} else {
			if sub.Qos > s.Options.Capabilities.MaximumQos {
				sub.Qos = s.Options.Capabilities.MaximumQos
			}

			if s.Topics.Subscribe(cl.ID, sub) { // [MQTT-3.8.4-3]
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}
			cl.State.Subscriptions.Add(sub.Filter, sub)

			reasonCodes[i] = sub.Qos // [MQTT-3.8.4-5] [MQTT-3.9.3-1]
		}
	}

	ack := packets.Packet{ // [MQTT-3.8.4-1]
		FixedHeader: packets.FixedHeader{
			Type: packets.Suback,
		},
		PacketID:    pk.PacketID, // [MQTT-3.8.4-2]
		ReasonCodes: reasonCodes,
	}

	s.hooks.OnSubscribed(cl, pk, reasonCodes)
	err := cl.WritePacket(ack)
	if err != nil {
		return err
	}

	for i, sub := range pk.Filters { // [MQTT-3.3.1-6]
		if reasonCodes[i] == packets.SubackFailure {
			continue
		}

		if sub.Qos > s.Options.Capabilities.MaximumQos {
			sub.Qos = s.Options.Capabilities.MaximumQos
		}

		s.publishRetainedToClient(cl, sub)
	}

	return nil
}

// processUnsubscribe processes an unsubscribe packet.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	pk = s.hooks.OnUnsubscribe(cl, pk)
	for _, sub := range pk.Filters { // [MQTT-3.10.4-1] [MQTT-3.10.4-2]
		if q := s.Topics.Unsubscribe(sub.Filter, cl.ID); q {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}

		cl.State.Subscriptions.Delete(sub.Filter)
	}

	ack := packets.Packet{ // [MQTT-3.10.4-4]
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsuback,
		},
		PacketID: pk.PacketID, // [MQTT-3.10.4-5]
	}

	s.hooks.OnUnsubscribed(cl, pk)
	return cl.WritePacket(ack)
}

// UnsubscribeClient unsubscribes a client from all of their subscriptions.
func (s *Server) UnsubscribeClient(cl *Client) {
	i := 0
	filterMap := cl.State.Subscriptions.GetAll()
	filters := make(packets.Subscriptions, len(filterMap))
	for k := range filterMap {
		cl.State.Subscriptions.Delete(k)
	}

	if cl.IsTakenOver() {
		return
	}

	for k, v := range filterMap {
		if s.Topics.Unsubscribe(k, cl.ID) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}
		filters[i] = v
		i++
	}
	s.hooks.OnUnsubscribed(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe}, Filters: filters})
}

// processDisconnect processes a Disconnect packet.
func (s *Server) processDisconnect(cl *Client, _ packets.Packet) error {
	atomic.StoreUint32(&cl.Properties.Will.Flag, 0) // [MQTT-3.14.4-3]
	deadline := time.Now().Add(s.Options.DisconnectGracePeriod)
	for atomic.LoadInt32(&cl.State.outboundQty) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cl.Stop(packets.CodeDisconnect) // [MQTT-3.14.4-1]
	return nil
}

// DisconnectClient closes a client connection. MQTT 3.1.1 has no server-side
// disconnect packet, so the connection is simply terminated with the given
// reason recorded as the stop cause.
func (s *Server) DisconnectClient(cl *Client, code packets.Code) {
	cl.Stop(code)
}

// publishSysTopics publishes the current values to the server $SYS topics.
// Due to the int to string conversions this method is not as cheap as
// some of the others so the publishing interval should be set appropriately.
func (s *Server) publishSysTopics() {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: true,
		},
		Created: time.Now().Unix(),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&s.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&s.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&s.Info.Time, time.Now().Unix())
	atomic.StoreInt64(&s.Info.Uptime, time.Now().Unix()-atomic.LoadInt64(&s.Info.Started))
	atomic.StoreInt64(&s.Info.ClientsTotal, int64(s.Clients.Len()))
	atomic.StoreInt64(&s.Info.ClientsDisconnected, atomic.LoadInt64(&s.Info.ClientsTotal)-atomic.LoadInt64(&s.Info.ClientsConnected))

	info := s.Info.Clone()
	topics := map[string]string{
		SysPrefix + "/broker/version":              info.Version,
		SysPrefix + "/broker/time":                 Int64toa(info.Time),
		SysPrefix + "/broker/uptime":               Int64toa(info.Uptime),
		SysPrefix + "/broker/started":              Int64toa(info.Started),
		SysPrefix + "/broker/load/bytes/received":  Int64toa(info.BytesReceived),
		SysPrefix + "/broker/load/bytes/sent":      Int64toa(info.BytesSent),
		SysPrefix + "/broker/clients/connected":    Int64toa(info.ClientsConnected),
		SysPrefix + "/broker/clients/disconnected": Int64toa(info.ClientsDisconnected),
		SysPrefix + "/broker/clients/maximum":      Int64toa(info.ClientsMaximum),
		SysPrefix + "/broker/clients/total":        Int64toa(info.ClientsTotal),
		SysPrefix + "/broker/packets/received":     Int64toa(info.PacketsReceived),
		SysPrefix + "/broker/packets/sent":         Int64toa(info.PacketsSent),
		SysPrefix + "/broker/messages/received":    Int64toa(info.MessagesReceived),
		SysPrefix + "/broker/messages/sent":        Int64toa(info.MessagesSent),
		SysPrefix + "/broker/messages/dropped":     Int64toa(info.MessagesDropped),
		SysPrefix + "/broker/messages/inflight":    Int64toa(info.Inflight),
		SysPrefix + "/broker/retained":             Int64toa(info.Retained),
		SysPrefix + "/broker/subscriptions":        Int64toa(info.Subscriptions),
		SysPrefix + "/broker/system/memory":        Int64toa(info.MemoryAlloc),
		SysPrefix + "/broker/system/threads":       Int64toa(info.Threads),
	}

	for topic, payload := range topics {
		pk.TopicName = topic
		pk.Payload = []byte(payload)
		s.Topics.RetainMessage(pk.Copy(false))
		s.publishToSubscribers(pk)
	}

	s.hooks.OnSysInfoTick(info)
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.Listeners.ClientsWg.Wait()
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("wombat mqtt server stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener, waiting
// up to the disconnect grace period for their writer queues to drain.
func (s *Server) closeListenerClients(listener string) {
	clients := s.Clients.GetByListener(listener)
	deadline := time.Now().Add(s.Options.DisconnectGracePeriod)
	for _, cl := range clients {
		for atomic.LoadInt32(&cl.State.outboundQty) > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		s.DisconnectClient(cl, packets.ErrServerShuttingDown)
	}
}

// sendLWT issues a will message to a topic when a client disconnects abnormally.
func (s *Server) sendLWT(cl *Client) {
	if atomic.LoadUint32(&cl.Properties.Will.Flag) == 0 {
		return
	}

	modifiedLWT := s.hooks.OnWill(cl, cl.Properties.Will)

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: modifiedLWT.Retain, // [MQTT-3.1.2-14] [MQTT-3.1.2-15]
			Qos:    modifiedLWT.Qos,
		},
		TopicName: modifiedLWT.TopicName,
		Payload:   modifiedLWT.Payload,
		Origin:    cl.ID,
		Created:   time.Now().Unix(),
	}

	if pk.FixedHeader.Retain {
		s.retainMessage(cl, pk)
	}

	s.publishToSubscribers(pk)                      // [MQTT-3.1.2-8]
	atomic.StoreUint32(&cl.Properties.Will.Flag, 0) // [MQTT-3.1.2-10]
	s.hooks.OnWillSent(cl, pk)
}

// readStore reads in any data from the persistent datastore (if applicable).
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredClients) {
		clients, err := s.hooks.StoredClients()
		if err != nil {
			return fmt.Errorf("failed to load clients; %w", err)
		}
		s.loadClients(clients)
		s.Log.Debug("loaded clients from store", "len", len(clients))
	}

	if s.hooks.Provides(StoredSubscriptions) {
		subs, err := s.hooks.StoredSubscriptions()
		if err != nil {
			return fmt.Errorf("load subscriptions; %w", err)
		}
		s.loadSubscriptions(subs)
		s.Log.Debug("loaded subscriptions from store", "len", len(subs))
	}

	if s.hooks.Provides(StoredInflightMessages) {
		inflight, err := s.hooks.StoredInflightMessages()
		if err != nil {
			return fmt.Errorf("load inflight; %w", err)
		}
		s.loadInflight(inflight)
		s.Log.Debug("loaded inflights from store", "len", len(inflight))
	}

	if s.hooks.Provides(StoredRetainedMessages) {
		retained, err := s.hooks.StoredRetainedMessages()
		if err != nil {
			return fmt.Errorf("load retained; %w", err)
		}
		s.loadRetained(retained)
		s.Log.Debug("loaded retained messages from store", "len", len(retained))
	}

	if s.hooks.Provides(StoredSysInfo) {
		sysInfo, err := s.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load server info; %w", err)
		}
		s.loadServerInfo(sysInfo.Info)
		s.Log.Debug("loaded $SYS info from store")
	}

	return nil
}

// loadServerInfo restores server info from the datastore.
func (s *Server) loadServerInfo(v system.Info) {
	atomic.StoreInt64(&s.Info.Retained, v.Retained)
	atomic.StoreInt64(&s.Info.Inflight, v.Inflight)
	atomic.StoreInt64(&s.Info.Subscriptions, v.Subscriptions)
}

// loadSubscriptions restores subscriptions from the datastore.
func (s *Server) loadSubscriptions(v []storage.Subscription) {
	for _, sub := range v {
		sb := packets.Subscription{
			Filter: sub.Filter,
			Qos:    sub.Qos,
		}
		if s.Topics.Subscribe(sub.Client, sb) {
			atomic.AddInt64(&s.Info.Subscriptions, 1)
			if cl, ok := s.Clients.Get(sub.Client); ok {
				cl.State.Subscriptions.Add(sub.Filter, sb)
			}
		}
	}
}

// loadClients restores clients from the datastore.
func (s *Server) loadClients(v []storage.Client) {
	for _, c := range v {
		cl := s.NewClient(nil, c.Listener, c.ID, false)
		cl.Properties.Username = c.Username
		cl.Properties.Clean = c.Clean
		cl.Properties.Will = Will(c.Will)
		cl.State.Keepalive = c.Keepalive

		// the restored session is detached until the client reconnects.
		cl.Stop(packets.ErrServerShuttingDown)

		if c.Clean {
			continue
		}
		s.Clients.Add(cl)
	}
}

// loadInflight restores inflight messages from the datastore.
func (s *Server) loadInflight(v []storage.Message) {
	for _, msg := range v {
		if client, ok := s.Clients.Get(msg.Client); ok {
			client.State.Inflight.Set(msg.ToPacket())
			atomic.AddInt64(&s.Info.Inflight, 1)
		}
	}
}

// loadRetained restores retained messages from the datastore.
func (s *Server) loadRetained(v []storage.Message) {
	for _, msg := range v {
		s.Topics.RetainMessage(msg.ToPacket())
	}
	atomic.StoreInt64(&s.Info.Retained, int64(s.Topics.Retained.Len()))
}

// Int64toa converts an int64 to a string.
func Int64toa(v int64) string {
	return strconv.FormatInt(v, 10)
}
