// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
	"testing"

	"github.com/jinzhu/copier"
	"github.com/stretchr/testify/require"
)

func TestPacketEncode(t *testing.T) {
	for pkType, cases := range TPacketData {
		for i, wanted := range cases {
			if wanted.Packet == nil || wanted.Group == "decode" || wanted.Group == "validate" {
				continue
			}

			pk := new(Packet)
			require.NoError(t, copier.Copy(pk, wanted.Packet), "Failed copying packet [i:%d] %s", i, wanted.Desc)
			require.Equal(t, pkType, pk.FixedHeader.Type, "Mismatched packet type [i:%d] %s", i, wanted.Desc)

			buf := new(bytes.Buffer)
			err := pk.Encode(buf)
			require.NoError(t, err, "Expected no error encoding [i:%d] %s", i, wanted.Desc)

			expected := wanted.RawBytes
			if len(wanted.ActualBytes) > 0 {
				expected = wanted.ActualBytes
			}

			require.Equal(t, expected, buf.Bytes(), "Mismatched encoded bytes [i:%d] %s", i, wanted.Desc)
		}
	}
}

func TestPacketDecode(t *testing.T) {
	for pkType, cases := range TPacketData {
		for i, wanted := range cases {
			if wanted.Group == "validate" || len(wanted.RawBytes) == 0 {
				continue
			}

			fh := new(FixedHeader)
			err := fh.Decode(wanted.RawBytes[0])
			if wanted.FailFirst != nil {
				require.ErrorIs(t, err, wanted.FailFirst, "Expected fixed header error [i:%d] %s", i, wanted.Desc)
				continue
			}
			require.NoError(t, err, "Expected no error decoding fixed header [i:%d] %s", i, wanted.Desc)
			require.Equal(t, pkType, fh.Type, "Mismatched fixed header type [i:%d] %s", i, wanted.Desc)

			pk := &Packet{FixedHeader: *fh}
			pk.FixedHeader.Remaining = int(wanted.RawBytes[1])

			err = pk.Decode(wanted.RawBytes[2:])
			if wanted.Expect != nil {
				require.ErrorIs(t, err, wanted.Expect, "Expected decode error [i:%d] %s", i, wanted.Desc)
				continue
			}

			require.NoError(t, err, "Expected no error decoding [i:%d] %s", i, wanted.Desc)
			if wanted.Packet != nil {
				require.Equal(t, wanted.Packet, pk, "Mismatched decoded packet [i:%d] %s", i, wanted.Desc)
			}
		}
	}
}

func TestPacketRoundTrip(t *testing.T) {
	for _, cases := range TPacketData {
		for i, wanted := range cases {
			if !wanted.Primary {
				continue
			}

			buf := new(bytes.Buffer)
			pk := new(Packet)
			require.NoError(t, copier.Copy(pk, wanted.Packet))
			require.NoError(t, pk.Encode(buf), "Expected no error encoding [i:%d] %s", i, wanted.Desc)

			fh := new(FixedHeader)
			require.NoError(t, fh.Decode(buf.Bytes()[0]))

			rem, n, err := DecodeLength(bytes.NewReader(buf.Bytes()[1:]))
			require.NoError(t, err)
			fh.Remaining = rem

			out := &Packet{FixedHeader: *fh}
			require.NoError(t, out.Decode(buf.Bytes()[1+n:]), "Expected no error decoding [i:%d] %s", i, wanted.Desc)
			require.Equal(t, wanted.Packet, out, "Mismatched round-trip packet [i:%d] %s", i, wanted.Desc)
		}
	}
}

func TestPacketValidate(t *testing.T) {
	for pkType, cases := range TPacketData {
		for i, wanted := range cases {
			if wanted.Group != "validate" {
				continue
			}

			var code Code
			switch pkType {
			case Connect:
				code = wanted.Packet.ConnectValidate()
			case Publish:
				code = wanted.Packet.PublishValidate()
			case Subscribe:
				code = wanted.Packet.SubscribeValidate()
			case Unsubscribe:
				code = wanted.Packet.UnsubscribeValidate()
			}

			require.Equal(t, wanted.Expect, code, "Mismatched validation code [i:%d] %s", i, wanted.Desc)
		}
	}
}

func TestConnectValidateOk(t *testing.T) {
	pk := TPacketData[Connect].Get(TConnectMqtt311).Packet
	require.Equal(t, CodeAccepted, pk.ConnectValidate())
}

func TestPublishValidateOk(t *testing.T) {
	pk := TPacketData[Publish].Get(TPublishQos1).Packet
	require.Equal(t, CodeAccepted, pk.PublishValidate())
}

func TestSubscribeValidateOk(t *testing.T) {
	pk := TPacketData[Subscribe].Get(TSubscribeMany).Packet
	require.Equal(t, CodeAccepted, pk.SubscribeValidate())
}

func TestPacketCopy(t *testing.T) {
	pk := &Packet{
		FixedHeader: FixedHeader{
			Type:   Publish,
			Qos:    2,
			Dup:    true,
			Retain: true,
		},
		TopicName: "a/b/c",
		Payload:   []byte("hello"),
		PacketID:  11,
		Origin:    "womba",
	}

	out := pk.Copy(false)
	require.Equal(t, pk.TopicName, out.TopicName)
	require.Equal(t, pk.Payload, out.Payload)
	require.Equal(t, pk.Origin, out.Origin)
	require.Equal(t, byte(2), out.FixedHeader.Qos)
	require.True(t, out.FixedHeader.Retain)
	require.False(t, out.FixedHeader.Dup, "dup flag should not survive a non-transfer copy")
	require.Equal(t, uint16(0), out.PacketID, "packet id should not survive a non-transfer copy")

	transferred := pk.Copy(true)
	require.True(t, transferred.FixedHeader.Dup)
	require.Equal(t, uint16(11), transferred.PacketID)
}

func TestSubscriptionMerge(t *testing.T) {
	s := Subscription{Filter: "a/b", Qos: 0}
	out := s.Merge(Subscription{Filter: "a/+", Qos: 2})
	require.Equal(t, "a/b", out.Filter)
	require.Equal(t, byte(2), out.Qos)

	out = s.Merge(Subscription{Filter: "a/+", Qos: 0})
	require.Equal(t, byte(0), out.Qos)
}

func TestPacketsMap(t *testing.T) {
	p := NewPackets()
	require.Equal(t, 0, p.Len())

	p.Add("a/b", Packet{TopicName: "a/b"})
	p.Add("a/b", Packet{TopicName: "a/b", Payload: []byte("x")})
	require.Equal(t, 1, p.Len())

	pk, ok := p.Get("a/b")
	require.True(t, ok)
	require.Equal(t, []byte("x"), pk.Payload)

	all := p.GetAll()
	require.Len(t, all, 1)

	p.Delete("a/b")
	_, ok = p.Get("a/b")
	require.False(t, ok)
}

func TestFormatID(t *testing.T) {
	pk := &Packet{PacketID: 345}
	require.Equal(t, "345", pk.FormatID())
}
