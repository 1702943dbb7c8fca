// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

// Code contains a reason code and reason string for a result. Codes below
// 0x80 are valid CONNACK return bytes as specified by MQTT 3.1.1; codes of
// 0x80 and above are internal conditions which never appear on the wire.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

// Wire returns true if the code is a valid CONNACK return byte.
func (c Code) Wire() bool {
	return c.Code < internalCodeBase
}

// internalCodeBase marks the first code byte which has no wire representation.
const internalCodeBase byte = 0x80

var (
	// CONNACK return codes, byte values exactly as specified (3.2.2.3).
	CodeAccepted                   = Code{Code: 0x00, Reason: "connection accepted"}
	ErrUnacceptableProtocolVersion = Code{Code: 0x01, Reason: "unacceptable protocol version"}
	ErrIdentifierRejected          = Code{Code: 0x02, Reason: "identifier rejected"}
	ErrServerUnavailable           = Code{Code: 0x03, Reason: "server unavailable"}
	ErrBadUsernameOrPassword       = Code{Code: 0x04, Reason: "bad username or password"}
	ErrNotAuthorized               = Code{Code: 0x05, Reason: "not authorized"}

	// Internal condition codes.
	CodeDisconnect        = Code{Code: 0x80, Reason: "disconnected"}
	ErrConnectionLost     = Code{Code: 0x81, Reason: "connection lost"}
	ErrSessionTakenOver   = Code{Code: 0x82, Reason: "session taken over"}
	ErrKeepaliveTimeout   = Code{Code: 0x83, Reason: "keepalive timeout"}
	ErrServerShuttingDown = Code{Code: 0x84, Reason: "server shutting down"}
	ErrPluginTimeout      = Code{Code: 0x85, Reason: "plugin call timed out"}
	ErrQueueOverflow      = Code{Code: 0x86, Reason: "outbound queue overflow"}
	ErrInternal           = Code{Code: 0x87, Reason: "internal error"}

	// Malformed packet codes.
	ErrMalformedPacket                = Code{Code: 0x90, Reason: "malformed packet"}
	ErrMalformedFlags                 = Code{Code: 0x90, Reason: "malformed packet: fixed header flags"}
	ErrMalformedProtocolName          = Code{Code: 0x90, Reason: "malformed packet: protocol name"}
	ErrMalformedProtocolVersion       = Code{Code: 0x90, Reason: "malformed packet: protocol version"}
	ErrMalformedKeepalive             = Code{Code: 0x90, Reason: "malformed packet: keepalive"}
	ErrMalformedClientID              = Code{Code: 0x90, Reason: "malformed packet: client identifier"}
	ErrMalformedWillTopic             = Code{Code: 0x90, Reason: "malformed packet: will topic"}
	ErrMalformedWillPayload           = Code{Code: 0x90, Reason: "malformed packet: will payload"}
	ErrMalformedUsername              = Code{Code: 0x90, Reason: "malformed packet: username"}
	ErrMalformedPassword              = Code{Code: 0x90, Reason: "malformed packet: password"}
	ErrMalformedPacketID              = Code{Code: 0x90, Reason: "malformed packet: packet identifier"}
	ErrMalformedTopic                 = Code{Code: 0x90, Reason: "malformed packet: topic"}
	ErrMalformedQos                   = Code{Code: 0x90, Reason: "malformed packet: qos"}
	ErrMalformedReturnCode            = Code{Code: 0x90, Reason: "malformed packet: return code"}
	ErrMalformedSessionPresent        = Code{Code: 0x90, Reason: "malformed packet: session present"}
	ErrMalformedVariableByteInteger   = Code{Code: 0x90, Reason: "malformed packet: variable byte integer out of range"}
	ErrMalformedInvalidUTF8           = Code{Code: 0x90, Reason: "malformed packet: invalid utf-8 string"}
	ErrMalformedOffsetUintOutOfRange  = Code{Code: 0x90, Reason: "malformed packet: offset uint out of range"}
	ErrMalformedOffsetBytesOutOfRange = Code{Code: 0x90, Reason: "malformed packet: offset bytes out of range"}
	ErrMalformedOffsetByteOutOfRange  = Code{Code: 0x90, Reason: "malformed packet: offset byte out of range"}

	// Protocol violation codes.
	ErrProtocolViolation                      = Code{Code: 0x91, Reason: "protocol violation"}
	ErrProtocolViolationReservedBit           = Code{Code: 0x91, Reason: "protocol violation: reserved bit not 0"}
	ErrProtocolViolationRequireFirstConnect   = Code{Code: 0x91, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationSecondConnect         = Code{Code: 0x91, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationPasswordNoUsername    = Code{Code: 0x91, Reason: "protocol violation: password flag set without username"}
	ErrProtocolViolationNoPacketID            = Code{Code: 0x91, Reason: "protocol violation: missing packet id"}
	ErrProtocolViolationSurplusPacketID       = Code{Code: 0x91, Reason: "protocol violation: surplus packet id"}
	ErrProtocolViolationQosOutOfRange         = Code{Code: 0x91, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationWillFlagNoPayload     = Code{Code: 0x91, Reason: "protocol violation: will flag set without topic"}
	ErrProtocolViolationWillFlagSurplusRetain = Code{Code: 0x91, Reason: "protocol violation: will values without will flag"}
	ErrProtocolViolationSurplusWildcard       = Code{Code: 0x91, Reason: "protocol violation: topic contains wildcards"}
	ErrProtocolViolationNoTopic               = Code{Code: 0x91, Reason: "protocol violation: no topic"}
	ErrProtocolViolationNoFilters             = Code{Code: 0x91, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationUnsupportedPacket     = Code{Code: 0x91, Reason: "protocol violation: unsupported packet type"}

	ErrTopicFilterInvalid         = Code{Code: 0x92, Reason: "topic filter invalid"}
	ErrTopicNameInvalid           = Code{Code: 0x92, Reason: "topic name invalid"}
	ErrPacketIdentifierExhausted  = Code{Code: 0x93, Reason: "packet identifiers exhausted"}
	ErrPendingWritesExceeded      = Code{Code: 0x94, Reason: "too many pending writes"}
	ErrPacketIdentifierNotFound   = Code{Code: 0x95, Reason: "packet identifier not found"}
)

// SubackFailure is the SUBACK payload byte denoting a refused subscription.
const SubackFailure byte = 0x80
