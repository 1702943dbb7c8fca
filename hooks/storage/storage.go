// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

// Package storage contains the storable representations of broker state
// shared by the persistence hooks.
package storage

import (
	"encoding/json"
	"errors"

	"github.com/wombatmq/wombat/packets"
	"github.com/wombatmq/wombat/system"
)

const (
	SubscriptionKey = "SUB" // unique key to denote Subscriptions in a store
	SysInfoKey      = "SYS" // unique key to denote server system information in a store
	RetainedKey     = "RET" // unique key to denote retained messages in a store
	InflightKey     = "IFM" // unique key to denote inflight messages in a store
	ClientKey       = "CL"  // unique key to denote clients in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Client is a storable representation of an MQTT client session.
type Client struct {
	Will     ClientWill `json:"will"`          // will topic and payload data if applicable
	Username []byte     `json:"username"`      // the username the client authenticated with
	ID       string     `json:"id"`            // the client id / storage key
	T        string     `json:"t"`             // the data type (client)
	Remote   string     `json:"remote"`        // the remote address of the client
	Listener string     `json:"listener"`      // the listener the client connected on
	Clean    bool       `json:"clean"`         // if the client requested a clean session
	Keepalive uint16    `json:"keepalive"`     // the keepalive interval of the client
}

// ClientWill contains a will message for a client.
type ClientWill struct {
	Payload   []byte `json:"payload,omitempty"`
	TopicName string `json:"topicName,omitempty"`
	Flag      uint32 `json:"flag,omitempty"`
	Qos       byte   `json:"qos,omitempty"`
	Retain    bool   `json:"retain,omitempty"`
}

// MarshalBinary encodes the values into a json string.
func (d Client) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Client) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of an MQTT message (specifically publish).
type Message struct {
	Payload     []byte              `json:"payload"`                 // the message payload
	T           string              `json:"t,omitempty"`             // the data type
	ID          string              `json:"id,omitempty"`            // the storage key
	Client      string              `json:"client,omitempty"`        // the client id the message is for (if inflight)
	Origin      string              `json:"origin,omitempty"`        // the id of the client who sent the message
	TopicName   string              `json:"topic_name,omitempty"`    // the topic the message was sent to
	FixedHeader packets.FixedHeader `json:"fixedheader"`             // the header properties of the message
	Created     int64               `json:"created,omitempty"`       // the time the message was created in unixtime
	Sent        int64               `json:"sent,omitempty"`          // the last time the message was sent (for retries) in unixtime (if inflight)
	PacketID    uint16              `json:"packet_id,omitempty"`     // the unique id of the packet (if inflight)
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// ToPacket converts a storage.Message to a standard packet.
func (d *Message) ToPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader: d.FixedHeader,
		PacketID:    d.PacketID,
		TopicName:   d.TopicName,
		Payload:     d.Payload,
		Origin:      d.Origin,
		Created:     d.Created,
		Sent:        d.Sent,
	}

	// Return a deep copy of the packet data otherwise the slices will
	// continue pointing at the values from the storage packet.
	out := pk.Copy(true)
	out.FixedHeader.Remaining = 0
	out.Created = d.Created
	out.Sent = d.Sent

	return out
}

// Subscription is a storable representation of an MQTT subscription.
type Subscription struct {
	T      string `json:"t,omitempty"`
	ID     string `json:"id,omitempty"`
	Client string `json:"client,omitempty"`
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// SystemInfo is a storable representation of the system information values.
type SystemInfo struct {
	system.Info        // embed the system info struct
	T           string `json:"t"`  // the data type
	ID          string `json:"id"` // the storage key
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
