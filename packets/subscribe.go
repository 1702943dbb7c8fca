// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
)

// SubscribeEncode encodes a SUBSCRIBE packet into the buffer.
func (pk *Packet) SubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))

	for _, sub := range pk.Filters { // [MQTT-3.8.3-3]
		nb.Write(encodeString(sub.Filter))
		nb.WriteByte(sub.Qos)
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// SubscribeDecode extracts the data values from a SUBSCRIBE packet.
func (pk *Packet) SubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	pk.Filters = Subscriptions{}
	for offset < len(buf) {
		var sub Subscription
		sub.Filter, offset, err = decodeString(buf, offset) // [MQTT-3.8.3-1]
		if err != nil {
			return ErrMalformedTopic
		}

		sub.Qos, offset, err = decodeByte(buf, offset)
		if err != nil {
			return ErrMalformedQos
		}

		if sub.Qos > 2 {
			return ErrMalformedQos // [MQTT-3.8.3-4]
		}

		pk.Filters = append(pk.Filters, sub)
	}

	return nil
}

// SubackEncode encodes a SUBACK packet into the buffer.
func (pk *Packet) SubackEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2 + len(pk.ReasonCodes)
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID)) // [MQTT-3.8.4-2]
	buf.Write(pk.ReasonCodes)            // [MQTT-3.9.3-1]
	return nil
}

// SubackDecode extracts the data values from a SUBACK packet.
func (pk *Packet) SubackDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	pk.ReasonCodes = buf[offset:]

	return nil
}
