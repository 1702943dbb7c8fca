// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
)

// UnsubscribeEncode encodes an UNSUBSCRIBE packet into the buffer.
func (pk *Packet) UnsubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))

	for _, sub := range pk.Filters { // [MQTT-3.10.3-2]
		nb.Write(encodeString(sub.Filter))
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// UnsubscribeDecode extracts the data values from an UNSUBSCRIBE packet.
func (pk *Packet) UnsubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	pk.Filters = Subscriptions{}
	for offset < len(buf) {
		var filter string
		filter, offset, err = decodeString(buf, offset) // [MQTT-3.10.3-1]
		if err != nil {
			return ErrMalformedTopic
		}

		pk.Filters = append(pk.Filters, Subscription{Filter: filter})
	}

	return nil
}

// UnsubackEncode encodes an UNSUBACK packet into the buffer.
func (pk *Packet) UnsubackEncode(buf *bytes.Buffer) error {
	return pk.encodeAck(buf)
}

// UnsubackDecode extracts the data values from an UNSUBACK packet.
func (pk *Packet) UnsubackDecode(buf []byte) error {
	return pk.decodeAck(buf)
}
