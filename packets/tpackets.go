// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

// TPacketCase contains a binary representation of a packet and the
// corresponding struct values, for use in byte-exact codec tests.
type TPacketCase struct {
	RawBytes     []byte  // the bytes that make the packet
	ActualBytes  []byte  // the actual byte array written when encoding, if different from RawBytes
	Group        string  // a group value for filtering tests
	Desc         string  // a description of the test
	FailFirst    error   // expected fail result to be returned by decoding the fixed header
	Packet       *Packet // the packet that is expected to be decoded
	ActualPacket *Packet // the actual packet which is expected to be encoded, if different from Packet
	Expect       error   // generic error expectation, typically decode failure
	Primary      bool    // indicates this is a primary round-trip test case
	Case         byte    // the identifying case of the test
}

// TPacketCases is a slice of TPacketCase.
type TPacketCases []TPacketCase

// Get returns a case matching a given T case code.
func (f TPacketCases) Get(caseCode byte) *TPacketCase {
	for _, v := range f {
		if v.Case == caseCode {
			return &v
		}
	}
	return nil
}

const (
	TConnectMqtt311 byte = iota
	TConnectWill
	TConnectUserPass
	TConnectMalProtocolName
	TConnectMalProtocolVersion
	TConnectMalFlags
	TConnectMalKeepalive
	TConnectMalClientID
	TConnectMalWillTopic
	TConnectInvalidProtocolName
	TConnectInvalidProtocolVersion
	TConnectInvalidReservedBit
	TConnectInvalidClientIDNoClean
	TConnectInvalidPasswordNoUsername
	TConnectInvalidWillSurplusRetain
	TConnackAcceptedNoSession
	TConnackAcceptedSessionExists
	TConnackBadProtocolVersion
	TConnackNotAuthorised
	TConnackMalSessionPresent
	TConnackMalReturnCode
	TPublishBasic
	TPublishQos1
	TPublishQos2
	TPublishRetain
	TPublishDup
	TPublishMalTopicName
	TPublishMalPacketID
	TPublishInvalidQosMustPacketID
	TPublishInvalidSurplusPacketID
	TPublishInvalidSurplusWildcard
	TPublishInvalidNoTopic
	TPuback
	TPubackMalPacketID
	TPubrec
	TPubrecMalPacketID
	TPubrel
	TPubrelMalPacketID
	TPubcomp
	TPubcompMalPacketID
	TSubscribe
	TSubscribeMany
	TSubscribeMalPacketID
	TSubscribeMalQos
	TSubscribeInvalidNoFilters
	TSuback
	TSubackMany
	TSubackMalPacketID
	TUnsubscribe
	TUnsubscribeMany
	TUnsubscribeMalPacketID
	TUnsubscribeInvalidNoFilters
	TUnsuback
	TUnsubackMalPacketID
	TPingreq
	TPingresp
	TDisconnect
)

// TPacketData contains individual encoding and decoding cases for each
// packet type.
var TPacketData = map[byte]TPacketCases{
	Connect: {
		{
			Case:    TConnectMqtt311,
			Desc:    "mqtt 3.1.1 clean session",
			Primary: true,
			RawBytes: []byte{
				Connect << 4, 17, // fixed header
				0, 4, 'M', 'Q', 'T', 'T', // protocol name
				4,     // protocol version
				2,     // flags: clean session
				0, 30, // keepalive
				0, 5, 'w', 'o', 'm', 'b', 'a', // client id
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Connect,
					Remaining: 17,
				},
				Connect: ConnectParams{
					ProtocolName:     []byte("MQTT"),
					ProtocolVersion:  4,
					Clean:            true,
					Keepalive:        30,
					ClientIdentifier: "womba",
				},
			},
		},
		{
			Case:    TConnectWill,
			Desc:    "mqtt 3.1.1 with will message",
			Primary: true,
			RawBytes: []byte{
				Connect << 4, 29, // fixed header
				0, 4, 'M', 'Q', 'T', 'T', // protocol name
				4,     // protocol version
				14,    // flags: clean, will flag, will qos 1
				0, 30, // keepalive
				0, 5, 'w', 'o', 'm', 'b', 'a', // client id
				0, 3, 'l', 'w', 't', // will topic
				0, 5, 'd', 'e', 'a', 't', 'h', // will payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Connect,
					Remaining: 29,
				},
				Connect: ConnectParams{
					ProtocolName:     []byte("MQTT"),
					ProtocolVersion:  4,
					Clean:            true,
					Keepalive:        30,
					ClientIdentifier: "womba",
					WillFlag:         true,
					WillQos:          1,
					WillTopic:        "lwt",
					WillPayload:      []byte("death"),
				},
			},
		},
		{
			Case:    TConnectUserPass,
			Desc:    "mqtt 3.1.1 username password",
			Primary: true,
			RawBytes: []byte{
				Connect << 4, 32, // fixed header
				0, 4, 'M', 'Q', 'T', 'T', // protocol name
				4,     // protocol version
				194,   // flags: clean, username, password
				0, 20, // keepalive
				0, 5, 'w', 'o', 'm', 'b', 'a', // client id
				0, 6, 'w', 'o', 'm', 'b', 'a', 't', // username
				0, 5, 'm', 'e', 'l', 'o', 'n', // password
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Connect,
					Remaining: 32,
				},
				Connect: ConnectParams{
					ProtocolName:     []byte("MQTT"),
					ProtocolVersion:  4,
					Clean:            true,
					Keepalive:        20,
					ClientIdentifier: "womba",
					UsernameFlag:     true,
					PasswordFlag:     true,
					Username:         []byte("wombat"),
					Password:         []byte("melon"),
				},
			},
		},
		{
			Case:   TConnectMalProtocolName,
			Desc:   "malformed protocol name",
			Group:  "decode",
			Expect: ErrMalformedProtocolName,
			RawBytes: []byte{
				Connect << 4, 4, // fixed header
				0, 7, 'M', 'Q', // protocol name (short buffer)
			},
		},
		{
			Case:   TConnectMalProtocolVersion,
			Desc:   "malformed protocol version",
			Group:  "decode",
			Expect: ErrMalformedProtocolVersion,
			RawBytes: []byte{
				Connect << 4, 6, // fixed header
				0, 4, 'M', 'Q', 'T', 'T', // protocol name only
			},
		},
		{
			Case:   TConnectMalKeepalive,
			Desc:   "malformed keepalive",
			Group:  "decode",
			Expect: ErrMalformedKeepalive,
			RawBytes: []byte{
				Connect << 4, 9, // fixed header
				0, 4, 'M', 'Q', 'T', 'T', // protocol name
				4, // protocol version
				2, // flags
				0, // truncated keepalive
			},
		},
		{
			Case:   TConnectMalClientID,
			Desc:   "malformed client id",
			Group:  "decode",
			Expect: ErrMalformedClientID,
			RawBytes: []byte{
				Connect << 4, 12, // fixed header
				0, 4, 'M', 'Q', 'T', 'T', // protocol name
				4,     // protocol version
				2,     // flags
				0, 30, // keepalive
				0, 9, // truncated client id
			},
		},
		{
			Case:   TConnectMalWillTopic,
			Desc:   "malformed will topic",
			Group:  "decode",
			Expect: ErrMalformedWillTopic,
			RawBytes: []byte{
				Connect << 4, 19, // fixed header
				0, 4, 'M', 'Q', 'T', 'T', // protocol name
				4,     // protocol version
				14,    // flags: clean, will, will qos 1
				0, 30, // keepalive
				0, 5, 'w', 'o', 'm', 'b', 'a', // client id
				0, 9, // truncated will topic
			},
		},
		{
			Case:   TConnectInvalidProtocolName,
			Desc:   "invalid protocol name",
			Group:  "validate",
			Expect: ErrUnacceptableProtocolVersion,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect},
				Connect: ConnectParams{
					ProtocolName:     []byte("stuff"),
					ProtocolVersion:  4,
					Clean:            true,
					ClientIdentifier: "womba",
				},
			},
		},
		{
			Case:   TConnectInvalidProtocolVersion,
			Desc:   "invalid protocol version",
			Group:  "validate",
			Expect: ErrUnacceptableProtocolVersion,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect},
				Connect: ConnectParams{
					ProtocolName:     []byte("MQTT"),
					ProtocolVersion:  3,
					Clean:            true,
					ClientIdentifier: "womba",
				},
			},
		},
		{
			Case:   TConnectInvalidReservedBit,
			Desc:   "reserved bit not 0",
			Group:  "validate",
			Expect: ErrProtocolViolationReservedBit,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect},
				Connect: ConnectParams{
					ProtocolName:     []byte("MQTT"),
					ProtocolVersion:  4,
					Clean:            true,
					ClientIdentifier: "womba",
					ReservedBit:      1,
				},
			},
		},
		{
			Case:   TConnectInvalidClientIDNoClean,
			Desc:   "empty client id with clean session 0",
			Group:  "validate",
			Expect: ErrIdentifierRejected,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect},
				Connect: ConnectParams{
					ProtocolName:    []byte("MQTT"),
					ProtocolVersion: 4,
				},
			},
		},
		{
			Case:   TConnectInvalidPasswordNoUsername,
			Desc:   "password flag set without username flag",
			Group:  "validate",
			Expect: ErrProtocolViolationPasswordNoUsername,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect},
				Connect: ConnectParams{
					ProtocolName:     []byte("MQTT"),
					ProtocolVersion:  4,
					Clean:            true,
					ClientIdentifier: "womba",
					PasswordFlag:     true,
				},
			},
		},
		{
			Case:   TConnectInvalidWillSurplusRetain,
			Desc:   "will retain set without will flag",
			Group:  "validate",
			Expect: ErrProtocolViolationWillFlagSurplusRetain,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect},
				Connect: ConnectParams{
					ProtocolName:     []byte("MQTT"),
					ProtocolVersion:  4,
					Clean:            true,
					ClientIdentifier: "womba",
					WillRetain:       true,
				},
			},
		},
	},
	Connack: {
		{
			Case:    TConnackAcceptedNoSession,
			Desc:    "accepted, no existing session",
			Primary: true,
			RawBytes: []byte{
				Connack << 4, 2, // fixed header
				0, // session present
				CodeAccepted.Code,
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Connack,
					Remaining: 2,
				},
				SessionPresent: false,
				ReturnCode:     CodeAccepted.Code,
			},
		},
		{
			Case:    TConnackAcceptedSessionExists,
			Desc:    "accepted, session present",
			Primary: true,
			RawBytes: []byte{
				Connack << 4, 2, // fixed header
				1, // session present
				CodeAccepted.Code,
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Connack,
					Remaining: 2,
				},
				SessionPresent: true,
				ReturnCode:     CodeAccepted.Code,
			},
		},
		{
			Case:    TConnackBadProtocolVersion,
			Desc:    "unacceptable protocol version",
			Primary: true,
			RawBytes: []byte{
				Connack << 4, 2, // fixed header
				0, // session present
				ErrUnacceptableProtocolVersion.Code,
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Connack,
					Remaining: 2,
				},
				ReturnCode: ErrUnacceptableProtocolVersion.Code,
			},
		},
		{
			Case:    TConnackNotAuthorised,
			Desc:    "not authorized",
			Primary: true,
			RawBytes: []byte{
				Connack << 4, 2, // fixed header
				0, // session present
				ErrNotAuthorized.Code,
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Connack,
					Remaining: 2,
				},
				ReturnCode: ErrNotAuthorized.Code,
			},
		},
		{
			Case:   TConnackMalSessionPresent,
			Desc:   "reserved bits in session present",
			Group:  "decode",
			Expect: ErrMalformedSessionPresent,
			RawBytes: []byte{
				Connack << 4, 2, // fixed header
				6, // session present with reserved bits
				CodeAccepted.Code,
			},
		},
		{
			Case:   TConnackMalReturnCode,
			Desc:   "missing return code",
			Group:  "decode",
			Expect: ErrMalformedReturnCode,
			RawBytes: []byte{
				Connack << 4, 1, // fixed header
				0, // session present only
			},
		},
	},
	Publish: {
		{
			Case:    TPublishBasic,
			Desc:    "qos 0",
			Primary: true,
			RawBytes: []byte{
				Publish << 4, 12, // fixed header
				0, 5, 'a', '/', 'b', '/', 'c', // topic name
				'h', 'e', 'l', 'l', 'o', // payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Publish,
					Remaining: 12,
				},
				TopicName: "a/b/c",
				Payload:   []byte("hello"),
			},
		},
		{
			Case:    TPublishQos1,
			Desc:    "qos 1",
			Primary: true,
			RawBytes: []byte{
				Publish<<4 | 2, 14, // fixed header
				0, 5, 'a', '/', 'b', '/', 'c', // topic name
				0, 7, // packet id
				'h', 'e', 'l', 'l', 'o', // payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Publish,
					Qos:       1,
					Remaining: 14,
				},
				TopicName: "a/b/c",
				PacketID:  7,
				Payload:   []byte("hello"),
			},
		},
		{
			Case:    TPublishQos2,
			Desc:    "qos 2",
			Primary: true,
			RawBytes: []byte{
				Publish<<4 | 4, 14, // fixed header
				0, 5, 'a', '/', 'b', '/', 'c', // topic name
				0, 8, // packet id
				'h', 'e', 'l', 'l', 'o', // payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Publish,
					Qos:       2,
					Remaining: 14,
				},
				TopicName: "a/b/c",
				PacketID:  8,
				Payload:   []byte("hello"),
			},
		},
		{
			Case:    TPublishRetain,
			Desc:    "retained message",
			Primary: true,
			RawBytes: []byte{
				Publish<<4 | 1, 10, // fixed header
				0, 3, 'a', '/', 'b', // topic name
				'h', 'e', 'l', 'l', 'o', // payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Publish,
					Retain:    true,
					Remaining: 10,
				},
				TopicName: "a/b",
				Payload:   []byte("hello"),
			},
		},
		{
			Case:    TPublishDup,
			Desc:    "duplicate qos 1",
			Primary: true,
			RawBytes: []byte{
				Publish<<4 | 8 | 2, 8, // fixed header
				0, 3, 'a', '/', 'b', // topic name
				0, 9, // packet id
				'y', // payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Publish,
					Dup:       true,
					Qos:       1,
					Remaining: 8,
				},
				TopicName: "a/b",
				PacketID:  9,
				Payload:   []byte("y"),
			},
		},
		{
			Case:   TPublishMalTopicName,
			Desc:   "malformed topic name",
			Group:  "decode",
			Expect: ErrMalformedTopic,
			RawBytes: []byte{
				Publish << 4, 4, // fixed header
				0, 2, 0xC3, 0x28, // invalid utf8 topic
			},
		},
		{
			Case:   TPublishMalPacketID,
			Desc:   "missing packet id bytes",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Publish<<4 | 2, 6, // fixed header
				0, 3, 'a', '/', 'b', // topic name
				0, // truncated packet id
			},
		},
		{
			Case:   TPublishInvalidQosMustPacketID,
			Desc:   "no packet id with qos > 0",
			Group:  "validate",
			Expect: ErrProtocolViolationNoPacketID,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish, Qos: 1},
				TopicName:   "a/b",
			},
		},
		{
			Case:   TPublishInvalidSurplusPacketID,
			Desc:   "packet id with qos 0",
			Group:  "validate",
			Expect: ErrProtocolViolationSurplusPacketID,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish},
				TopicName:   "a/b",
				PacketID:    5,
			},
		},
		{
			Case:   TPublishInvalidSurplusWildcard,
			Desc:   "topic name contains wildcards",
			Group:  "validate",
			Expect: ErrProtocolViolationSurplusWildcard,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish},
				TopicName:   "a/+",
			},
		},
		{
			Case:   TPublishInvalidNoTopic,
			Desc:   "no topic name",
			Group:  "validate",
			Expect: ErrProtocolViolationNoTopic,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish},
			},
		},
	},
	Puback: {
		{
			Case:    TPuback,
			Desc:    "puback",
			Primary: true,
			RawBytes: []byte{
				Puback << 4, 2, // fixed header
				0, 11, // packet id
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Puback,
					Remaining: 2,
				},
				PacketID: 11,
			},
		},
		{
			Case:   TPubackMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Puback << 4, 1, // fixed header
				0, // truncated packet id
			},
		},
	},
	Pubrec: {
		{
			Case:    TPubrec,
			Desc:    "pubrec",
			Primary: true,
			RawBytes: []byte{
				Pubrec << 4, 2, // fixed header
				0, 12, // packet id
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Pubrec,
					Remaining: 2,
				},
				PacketID: 12,
			},
		},
		{
			Case:   TPubrecMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Pubrec << 4, 1, // fixed header
				0, // truncated packet id
			},
		},
	},
	Pubrel: {
		{
			Case:    TPubrel,
			Desc:    "pubrel",
			Primary: true,
			RawBytes: []byte{
				Pubrel<<4 | 2, 2, // fixed header, mandatory 0010 flags
				0, 12, // packet id
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Pubrel,
					Qos:       1,
					Remaining: 2,
				},
				PacketID: 12,
			},
		},
		{
			Case:   TPubrelMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Pubrel<<4 | 2, 1, // fixed header
				0, // truncated packet id
			},
		},
	},
	Pubcomp: {
		{
			Case:    TPubcomp,
			Desc:    "pubcomp",
			Primary: true,
			RawBytes: []byte{
				Pubcomp << 4, 2, // fixed header
				0, 12, // packet id
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Pubcomp,
					Remaining: 2,
				},
				PacketID: 12,
			},
		},
		{
			Case:   TPubcompMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Pubcomp << 4, 1, // fixed header
				0, // truncated packet id
			},
		},
	},
	Subscribe: {
		{
			Case:    TSubscribe,
			Desc:    "subscribe single filter",
			Primary: true,
			RawBytes: []byte{
				Subscribe<<4 | 2, 8, // fixed header
				0, 15, // packet id
				0, 3, 'a', '/', 'b', // filter
				1, // qos
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Subscribe,
					Qos:       1,
					Remaining: 8,
				},
				PacketID: 15,
				Filters: Subscriptions{
					{Filter: "a/b", Qos: 1},
				},
			},
		},
		{
			Case:    TSubscribeMany,
			Desc:    "subscribe many filters",
			Primary: true,
			RawBytes: []byte{
				Subscribe<<4 | 2, 20, // fixed header
				0, 15, // packet id
				0, 3, 'a', '/', 'b', // filter 1
				0,
				0, 3, 'd', '/', 'e', // filter 2
				1,
				0, 3, 'x', '/', '#', // filter 3
				2,
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Subscribe,
					Qos:       1,
					Remaining: 20,
				},
				PacketID: 15,
				Filters: Subscriptions{
					{Filter: "a/b", Qos: 0},
					{Filter: "d/e", Qos: 1},
					{Filter: "x/#", Qos: 2},
				},
			},
		},
		{
			Case:   TSubscribeMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Subscribe<<4 | 2, 1, // fixed header
				0, // truncated packet id
			},
		},
		{
			Case:   TSubscribeMalQos,
			Desc:   "subscription qos out of range",
			Group:  "decode",
			Expect: ErrMalformedQos,
			RawBytes: []byte{
				Subscribe<<4 | 2, 8, // fixed header
				0, 15, // packet id
				0, 3, 'a', '/', 'b', // filter
				3, // qos out of range
			},
		},
		{
			Case:   TSubscribeInvalidNoFilters,
			Desc:   "no filters",
			Group:  "validate",
			Expect: ErrProtocolViolationNoFilters,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Subscribe, Qos: 1},
				PacketID:    15,
			},
		},
	},
	Suback: {
		{
			Case:    TSuback,
			Desc:    "suback single granted",
			Primary: true,
			RawBytes: []byte{
				Suback << 4, 3, // fixed header
				0, 15, // packet id
				0, // granted qos 0
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Suback,
					Remaining: 3,
				},
				PacketID:    15,
				ReasonCodes: []byte{0},
			},
		},
		{
			Case:    TSubackMany,
			Desc:    "suback many granted with failure",
			Primary: true,
			RawBytes: []byte{
				Suback << 4, 6, // fixed header
				0, 15, // packet id
				0, 1, 2, SubackFailure, // granted qos and failure
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Suback,
					Remaining: 6,
				},
				PacketID:    15,
				ReasonCodes: []byte{0, 1, 2, SubackFailure},
			},
		},
		{
			Case:   TSubackMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Suback << 4, 1, // fixed header
				0, // truncated packet id
			},
		},
	},
	Unsubscribe: {
		{
			Case:    TUnsubscribe,
			Desc:    "unsubscribe single filter",
			Primary: true,
			RawBytes: []byte{
				Unsubscribe<<4 | 2, 7, // fixed header
				0, 16, // packet id
				0, 3, 'a', '/', 'b', // filter
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Unsubscribe,
					Qos:       1,
					Remaining: 7,
				},
				PacketID: 16,
				Filters: Subscriptions{
					{Filter: "a/b"},
				},
			},
		},
		{
			Case:    TUnsubscribeMany,
			Desc:    "unsubscribe many filters",
			Primary: true,
			RawBytes: []byte{
				Unsubscribe<<4 | 2, 17, // fixed header
				0, 16, // packet id
				0, 3, 'a', '/', 'b', // filter 1
				0, 3, 'd', '/', 'e', // filter 2
				0, 3, 'x', '/', '#', // filter 3
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Unsubscribe,
					Qos:       1,
					Remaining: 17,
				},
				PacketID: 16,
				Filters: Subscriptions{
					{Filter: "a/b"},
					{Filter: "d/e"},
					{Filter: "x/#"},
				},
			},
		},
		{
			Case:   TUnsubscribeMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Unsubscribe<<4 | 2, 1, // fixed header
				0, // truncated packet id
			},
		},
		{
			Case:   TUnsubscribeInvalidNoFilters,
			Desc:   "no filters",
			Group:  "validate",
			Expect: ErrProtocolViolationNoFilters,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Unsubscribe, Qos: 1},
				PacketID:    16,
			},
		},
	},
	Unsuback: {
		{
			Case:    TUnsuback,
			Desc:    "unsuback",
			Primary: true,
			RawBytes: []byte{
				Unsuback << 4, 2, // fixed header
				0, 16, // packet id
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type:      Unsuback,
					Remaining: 2,
				},
				PacketID: 16,
			},
		},
		{
			Case:   TUnsubackMalPacketID,
			Desc:   "malformed packet id",
			Group:  "decode",
			Expect: ErrMalformedPacketID,
			RawBytes: []byte{
				Unsuback << 4, 1, // fixed header
				0, // truncated packet id
			},
		},
	},
	Pingreq: {
		{
			Case:    TPingreq,
			Desc:    "pingreq",
			Primary: true,
			RawBytes: []byte{
				Pingreq << 4, 0, // fixed header
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type: Pingreq,
				},
			},
		},
	},
	Pingresp: {
		{
			Case:    TPingresp,
			Desc:    "pingresp",
			Primary: true,
			RawBytes: []byte{
				Pingresp << 4, 0, // fixed header
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type: Pingresp,
				},
			},
		},
	},
	Disconnect: {
		{
			Case:    TDisconnect,
			Desc:    "disconnect",
			Primary: true,
			RawBytes: []byte{
				Disconnect << 4, 0, // fixed header
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{
					Type: Disconnect,
				},
			},
		},
	},
}
