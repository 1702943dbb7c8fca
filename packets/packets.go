// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

// Package packets provides byte-exact encoding and decoding of the fourteen
// MQTT 3.1.1 control packets.
package packets

import (
	"strconv"
	"strings"
	"sync"
)

// All valid packet types and their packet type identifier.
const (
	Reserved    byte = iota // 0
	Connect                 // 1
	Connack                 // 2
	Publish                 // 3
	Puback                  // 4
	Pubrec                  // 5
	Pubrel                  // 6
	Pubcomp                 // 7
	Subscribe               // 8
	Suback                  // 9
	Unsubscribe             // 10
	Unsuback                // 11
	Pingreq                 // 12
	Pingresp                // 13
	Disconnect              // 14
)

// PacketNames provides human-readable names for the packet types.
var PacketNames = []string{
	"Reserved",
	"Connect",
	"Connack",
	"Publish",
	"Puback",
	"Pubrec",
	"Pubrel",
	"Pubcomp",
	"Subscribe",
	"Suback",
	"Unsubscribe",
	"Unsuback",
	"Pingreq",
	"Pingresp",
	"Disconnect",
}

const (
	WildcardSingle = "+" // matches exactly one topic level
	WildcardMulti  = "#" // matches zero or more trailing topic levels
)

// Packet represents an MQTT 3.1.1 control packet. A single struct is used for
// all packet types; which fields are meaningful depends on FixedHeader.Type.
type Packet struct {
	Connect        ConnectParams // connect-specific values (CONNECT only)
	Payload        []byte        // the message payload (PUBLISH)
	ReasonCodes    []byte        // granted qos or failure bytes (SUBACK)
	Filters        Subscriptions // subscription filters (SUBSCRIBE, UNSUBSCRIBE)
	TopicName      string        // the topic a message is published to (PUBLISH)
	Origin         string        // the id of the client the message originates from
	FixedHeader    FixedHeader   // fixed header values
	Created        int64         // unixtime the packet was created (inflight bookkeeping)
	Sent           int64         // unixtime the packet was last transmitted, 0 if never sent
	ResendCount    int           // number of retransmissions of this packet
	PacketID       uint16        // the packet identifier (qos > 0 flows)
	SessionPresent bool          // session present flag (CONNACK)
	ReturnCode     byte          // connection return code (CONNACK)
}

// ConnectParams contains the values parsed from a CONNECT packet.
type ConnectParams struct {
	WillPayload      []byte // -
	Password         []byte // -
	Username         []byte // -
	ProtocolName     []byte // -
	WillTopic        string // -
	ClientIdentifier string // -
	Keepalive        uint16 // the keepalive interval in seconds
	ProtocolVersion  byte   // must be 4 for MQTT 3.1.1
	WillQos          byte   // -
	ReservedBit      byte   // must be 0
	Clean            bool   // the client requests a clean session
	WillFlag         bool   // a will message is attached
	WillRetain       bool   // -
	UsernameFlag     bool   // -
	PasswordFlag     bool   // -
}

// Subscription represents a filter a client is subscribed to, and the
// maximum qos granted for that filter.
type Subscription struct {
	Filter string
	Qos    byte
}

// Subscriptions is a slice of Subscription.
type Subscriptions []Subscription

// Merge converts a subscription to take the highest qos of itself and another
// subscription, de-duplicating deliveries for overlapping filters.
func (s Subscription) Merge(n Subscription) Subscription {
	if n.Qos > s.Qos {
		s.Qos = n.Qos
	}
	return s
}

// ConnectValidate ensures a CONNECT packet is compliant, returning the code
// which should be issued on the CONNACK if it is not.
func (pk *Packet) ConnectValidate() Code {
	if string(pk.Connect.ProtocolName) != "MQTT" || pk.Connect.ProtocolVersion != 4 { // [MQTT-3.1.2-1] [MQTT-3.1.2-2]
		return ErrUnacceptableProtocolVersion
	}

	if pk.Connect.ReservedBit != 0 {
		return ErrProtocolViolationReservedBit // [MQTT-3.1.2-3]
	}

	if len(pk.Connect.ClientIdentifier) > 65535 {
		return ErrIdentifierRejected
	}

	if pk.Connect.PasswordFlag && !pk.Connect.UsernameFlag {
		return ErrProtocolViolationPasswordNoUsername // [MQTT-3.1.2-22]
	}

	if !pk.Connect.Clean && pk.Connect.ClientIdentifier == "" {
		return ErrIdentifierRejected // [MQTT-3.1.3-8]
	}

	if pk.Connect.WillFlag {
		if pk.Connect.WillQos > 2 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.1.2-14]
		}
		if pk.Connect.WillTopic == "" {
			return ErrProtocolViolationWillFlagNoPayload // [MQTT-3.1.2-9]
		}
	} else if pk.Connect.WillQos > 0 || pk.Connect.WillRetain {
		return ErrProtocolViolationWillFlagSurplusRetain // [MQTT-3.1.2-11]
	}

	return CodeAccepted
}

// PublishValidate ensures a PUBLISH packet is compliant.
func (pk *Packet) PublishValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return ErrProtocolViolationSurplusPacketID // [MQTT-2.3.1-5]
	}

	if pk.TopicName == "" {
		return ErrProtocolViolationNoTopic // [MQTT-4.7.3-1]
	}

	if strings.ContainsAny(pk.TopicName, "+#") {
		return ErrProtocolViolationSurplusWildcard // [MQTT-3.3.2-2]
	}

	return CodeAccepted
}

// SubscribeValidate ensures a SUBSCRIBE packet is compliant.
func (pk *Packet) SubscribeValidate() Code {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.8.3-3]
	}

	return CodeAccepted
}

// UnsubscribeValidate ensures an UNSUBSCRIBE packet is compliant.
func (pk *Packet) UnsubscribeValidate() Code {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	return CodeAccepted
}

// Copy creates a new instance of a packet. If allowTransfer is true, the
// packet id and dup flag are retained, otherwise the copy is reset for
// delivery to a new recipient.
func (pk *Packet) Copy(allowTransfer bool) Packet {
	out := Packet{
		FixedHeader: FixedHeader{
			Type:   pk.FixedHeader.Type,
			Qos:    pk.FixedHeader.Qos,
			Retain: pk.FixedHeader.Retain,
		},
		TopicName:      pk.TopicName,
		Origin:         pk.Origin,
		Created:        pk.Created,
		SessionPresent: pk.SessionPresent,
		ReturnCode:     pk.ReturnCode,
	}

	if allowTransfer {
		out.PacketID = pk.PacketID
		out.FixedHeader.Dup = pk.FixedHeader.Dup
	}

	if len(pk.Payload) > 0 {
		out.Payload = make([]byte, len(pk.Payload))
		copy(out.Payload, pk.Payload)
	}

	if len(pk.ReasonCodes) > 0 {
		out.ReasonCodes = make([]byte, len(pk.ReasonCodes))
		copy(out.ReasonCodes, pk.ReasonCodes)
	}

	if len(pk.Filters) > 0 {
		out.Filters = make(Subscriptions, len(pk.Filters))
		copy(out.Filters, pk.Filters)
	}

	return out
}

// FormatID returns the PacketID field as a decimal string.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// Packets is a concurrency safe map of packets keyed on a string value,
// such as a topic name or client id.
type Packets struct {
	internal map[string]Packet
	sync.RWMutex
}

// NewPackets returns a new instance of Packets.
func NewPackets() *Packets {
	return &Packets{
		internal: map[string]Packet{},
	}
}

// Add adds or replaces a packet in the map.
func (p *Packets) Add(id string, val Packet) {
	p.Lock()
	defer p.Unlock()
	p.internal[id] = val
}

// GetAll returns all packets in the map.
func (p *Packets) GetAll() map[string]Packet {
	p.RLock()
	defer p.RUnlock()
	m := map[string]Packet{}
	for k, v := range p.internal {
		m[k] = v
	}
	return m
}

// Get returns a packet by id, and a boolean indicating if it existed.
func (p *Packets) Get(id string) (val Packet, ok bool) {
	p.RLock()
	defer p.RUnlock()
	val, ok = p.internal[id]
	return val, ok
}

// Len returns the number of packets in the map.
func (p *Packets) Len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.internal)
}

// Delete removes a packet from the map by id.
func (p *Packets) Delete(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.internal, id)
}
