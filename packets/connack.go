// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
)

// ConnackEncode encodes a CONNACK packet into the buffer.
func (pk *Packet) ConnackEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.WriteByte(encodeBool(pk.SessionPresent)) // [MQTT-3.2.2-1] [MQTT-3.2.2-2]
	buf.WriteByte(pk.ReturnCode)
	return nil
}

// ConnackDecode extracts the data values from a CONNACK packet.
func (pk *Packet) ConnackDecode(buf []byte) error {
	var offset int
	var err error

	flags, offset, err := decodeByte(buf, 0)
	if err != nil {
		return ErrMalformedSessionPresent
	}

	if flags&0xFE != 0 { // bits 7-1 of the acknowledge flags are reserved
		return ErrMalformedSessionPresent
	}
	pk.SessionPresent = flags&0x01 > 0

	pk.ReturnCode, _, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedReturnCode
	}

	return nil
}
