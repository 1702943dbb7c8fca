// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
)

// ConnectEncode encodes a CONNECT packet into the buffer.
func (pk *Packet) ConnectEncode(buf *bytes.Buffer) error {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeBytes(pk.Connect.ProtocolName))
	nb.WriteByte(pk.Connect.ProtocolVersion)

	nb.WriteByte(
		encodeBool(pk.Connect.UsernameFlag)<<7 |
			encodeBool(pk.Connect.PasswordFlag)<<6 |
			encodeBool(pk.Connect.WillRetain)<<5 |
			pk.Connect.WillQos<<3 |
			encodeBool(pk.Connect.WillFlag)<<2 |
			encodeBool(pk.Connect.Clean)<<1,
	)

	nb.Write(encodeUint16(pk.Connect.Keepalive))
	nb.Write(encodeString(pk.Connect.ClientIdentifier))

	if pk.Connect.WillFlag { // [MQTT-3.1.2-8]
		nb.Write(encodeString(pk.Connect.WillTopic))
		nb.Write(encodeBytes(pk.Connect.WillPayload))
	}

	if pk.Connect.UsernameFlag { // [MQTT-3.1.2-19]
		nb.Write(encodeBytes(pk.Connect.Username))
	}

	if pk.Connect.PasswordFlag { // [MQTT-3.1.2-21]
		nb.Write(encodeBytes(pk.Connect.Password))
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// ConnectDecode extracts the data values from a CONNECT packet.
func (pk *Packet) ConnectDecode(buf []byte) error {
	var offset int
	var err error

	pk.Connect.ProtocolName, offset, err = decodeBytes(buf, 0)
	if err != nil {
		return ErrMalformedProtocolName
	}

	pk.Connect.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedProtocolVersion
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedFlags
	}

	pk.Connect.ReservedBit = flags & 0x01
	pk.Connect.Clean = flags&0x02 > 0
	pk.Connect.WillFlag = flags&0x04 > 0
	pk.Connect.WillQos = (flags >> 3) & 0x03
	pk.Connect.WillRetain = flags&0x20 > 0
	pk.Connect.PasswordFlag = flags&0x40 > 0
	pk.Connect.UsernameFlag = flags&0x80 > 0

	pk.Connect.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedKeepalive
	}

	pk.Connect.ClientIdentifier, offset, err = decodeString(buf, offset) // [MQTT-3.1.3-4]
	if err != nil {
		return ErrMalformedClientID
	}

	if pk.Connect.WillFlag { // [MQTT-3.1.3-10]
		pk.Connect.WillTopic, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedWillTopic
		}

		pk.Connect.WillPayload, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedWillPayload
		}
	}

	if pk.Connect.UsernameFlag { // [MQTT-3.1.3-11]
		pk.Connect.Username, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedUsername
		}
	}

	if pk.Connect.PasswordFlag {
		pk.Connect.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedPassword
		}
	}

	return nil
}
