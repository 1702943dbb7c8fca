// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
)

// encodeAck encodes a packet consisting only of a packet id (PUBACK, PUBREC,
// PUBREL, PUBCOMP, UNSUBACK) into the buffer.
func (pk *Packet) encodeAck(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	return nil
}

// decodeAck extracts the packet id of an acknowledgement packet.
func (pk *Packet) decodeAck(buf []byte) error {
	var err error
	pk.PacketID, _, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}
	return nil
}

// PubackEncode encodes a PUBACK packet into the buffer.
func (pk *Packet) PubackEncode(buf *bytes.Buffer) error {
	return pk.encodeAck(buf)
}

// PubackDecode extracts the data values from a PUBACK packet.
func (pk *Packet) PubackDecode(buf []byte) error {
	return pk.decodeAck(buf)
}

// PubrecEncode encodes a PUBREC packet into the buffer.
func (pk *Packet) PubrecEncode(buf *bytes.Buffer) error {
	return pk.encodeAck(buf)
}

// PubrecDecode extracts the data values from a PUBREC packet.
func (pk *Packet) PubrecDecode(buf []byte) error {
	return pk.decodeAck(buf)
}

// PubrelEncode encodes a PUBREL packet into the buffer. The fixed header of
// a PUBREL carries the mandatory 0010 flag nibble [MQTT-3.6.1-1].
func (pk *Packet) PubrelEncode(buf *bytes.Buffer) error {
	return pk.encodeAck(buf)
}

// PubrelDecode extracts the data values from a PUBREL packet.
func (pk *Packet) PubrelDecode(buf []byte) error {
	return pk.decodeAck(buf)
}

// PubcompEncode encodes a PUBCOMP packet into the buffer.
func (pk *Packet) PubcompEncode(buf *bytes.Buffer) error {
	return pk.encodeAck(buf)
}

// PubcompDecode extracts the data values from a PUBCOMP packet.
func (pk *Packet) PubcompDecode(buf []byte) error {
	return pk.decodeAck(buf)
}
