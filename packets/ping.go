// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
)

// PingreqEncode encodes a PINGREQ packet into the buffer.
func (pk *Packet) PingreqEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Encode(buf)
	return nil
}

// PingreqDecode decodes a PINGREQ packet; it carries no payload.
func (pk *Packet) PingreqDecode(buf []byte) error {
	return nil
}

// PingrespEncode encodes a PINGRESP packet into the buffer.
func (pk *Packet) PingrespEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Encode(buf)
	return nil
}

// PingrespDecode decodes a PINGRESP packet; it carries no payload.
func (pk *Packet) PingrespDecode(buf []byte) error {
	return nil
}

// DisconnectEncode encodes a DISCONNECT packet into the buffer.
func (pk *Packet) DisconnectEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Encode(buf)
	return nil
}

// DisconnectDecode decodes a DISCONNECT packet; it carries no payload.
func (pk *Packet) DisconnectDecode(buf []byte) error {
	return nil
}
