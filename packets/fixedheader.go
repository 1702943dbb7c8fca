// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
)

// FixedHeader contains the values of the fixed header portion of the packet.
type FixedHeader struct {
	Remaining int  `json:"remaining"` // the number of remaining bytes in the payload
	Type      byte `json:"type"`      // the type of the packet (PUBLISH, SUBSCRIBE, etc)
	Qos       byte `json:"qos"`       // the quality of service of the message
	Dup       bool `json:"dup"`       // indicates if the packet was already sent at an earlier time
	Retain    bool `json:"retain"`    // whether the message should be retained
}

// Encode encodes the FixedHeader into a byte buffer.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | fh.Qos<<1 | encodeBool(fh.Retain))
	encodeLength(buf, int64(fh.Remaining))
}

// Decode extracts the specification bits from the packet header byte. The
// reserved flag bits of each packet type are validated as mandated by
// [MQTT-2.2.2-1] and [MQTT-2.2.2-2].
func (fh *FixedHeader) Decode(hb byte) error {
	fh.Type = hb >> 4
	flags := hb & 0x0F

	switch fh.Type {
	case Publish:
		fh.Dup = flags&0x08 > 0
		fh.Qos = (flags >> 1) & 0x03
		fh.Retain = flags&0x01 > 0
		if fh.Qos == 3 { // [MQTT-3.3.1-4]
			return ErrMalformedQos
		}
	case Pubrel, Subscribe, Unsubscribe:
		if flags != 0x02 { // the low nibble of these types must be 0010
			return ErrMalformedFlags
		}
		fh.Qos = 1
	default:
		if flags != 0 {
			return ErrMalformedFlags
		}
	}

	return nil
}
