// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesToString(t *testing.T) {
	b := []byte{'a', 'b', 'c'}
	require.Equal(t, "abc", bytesToString(b))
}

func TestDecodeString(t *testing.T) {
	expect := []struct {
		name   string
		rawBytes []byte
		offset int
		result string
		next   int
		err    error
	}{
		{
			name:     "simple string",
			rawBytes: []byte{0, 7, 97, 47, 98, 47, 99, 47, 100},
			result:   "a/b/c/d",
			next:     9,
		},
		{
			name:     "offset string",
			rawBytes: []byte{1, 0, 3, 97, 47, 98},
			offset:   1,
			result:   "a/b",
			next:     6,
		},
		{
			name:     "insufficient length bytes",
			rawBytes: []byte{0},
			err:      ErrMalformedOffsetUintOutOfRange,
		},
		{
			name:     "insufficient value bytes",
			rawBytes: []byte{0, 7, 97, 47, 98},
			err:      ErrMalformedOffsetBytesOutOfRange,
		},
		{
			name:     "invalid utf8",
			rawBytes: []byte{0, 2, 0xC3, 0x28},
			err:      ErrMalformedInvalidUTF8,
		},
		{
			name:     "embedded null byte",
			rawBytes: []byte{0, 3, 97, 0x00, 98},
			err:      ErrMalformedInvalidUTF8,
		},
	}

	for _, wanted := range expect {
		t.Run(wanted.name, func(t *testing.T) {
			result, next, err := decodeString(wanted.rawBytes, wanted.offset)
			if wanted.err != nil {
				require.ErrorIs(t, err, wanted.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, wanted.result, result)
			require.Equal(t, wanted.next, next)
		})
	}
}

func TestDecodeBytes(t *testing.T) {
	b, next, err := decodeBytes([]byte{0, 4, 'M', 'Q', 'T', 'T', 4, 194}, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{'M', 'Q', 'T', 'T'}, b)
	require.Equal(t, 6, next)

	_, _, err = decodeBytes([]byte{0, 9, 'M', 'Q'}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetBytesOutOfRange)
}

func TestDecodeByte(t *testing.T) {
	b, next, err := decodeByte([]byte{0x56}, 0)
	require.NoError(t, err)
	require.Equal(t, byte(0x56), b)
	require.Equal(t, 1, next)

	_, _, err = decodeByte([]byte{0x56}, 1)
	require.ErrorIs(t, err, ErrMalformedOffsetByteOutOfRange)
}

func TestDecodeUint16(t *testing.T) {
	n, next, err := decodeUint16([]byte{0, 7}, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(7), n)
	require.Equal(t, 2, next)

	n, _, err = decodeUint16([]byte{1, 226}, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(482), n)

	_, _, err = decodeUint16([]byte{0}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetUintOutOfRange)
}

func TestEncodeBool(t *testing.T) {
	require.Equal(t, byte(1), encodeBool(true))
	require.Equal(t, byte(0), encodeBool(false))
}

func TestEncodeBytes(t *testing.T) {
	require.Equal(t, []byte{0, 5, 'p', 'e', 'a', 'c', 'h'}, encodeBytes([]byte("peach")))
}

func TestEncodeUint16(t *testing.T) {
	require.Equal(t, []byte{0, 0}, encodeUint16(0))
	require.Equal(t, []byte{0, 7}, encodeUint16(7))
	require.Equal(t, []byte{255, 255}, encodeUint16(65535))
}

func TestEncodeString(t *testing.T) {
	require.Equal(t, []byte{0, 7, 'n', 'e', 'c', 't', 'a', 'r', 'i'}, encodeString("nectari"))
	require.Equal(t, []byte{0, 0}, encodeString(""))
}

func TestEncodeLength(t *testing.T) {
	tt := []struct {
		length int64
		result []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, wanted := range tt {
		buf := new(bytes.Buffer)
		encodeLength(buf, wanted.length)
		require.Equal(t, wanted.result, buf.Bytes(), "length %d", wanted.length)
	}
}

func TestEncodeDecodeLengthRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 127, 128, 300, 16383, 16384, 65535, 2097151, 2097152, 268435455} {
		buf := new(bytes.Buffer)
		encodeLength(buf, n)

		out, _, err := DecodeLength(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, int(n), out, "length %d", n)
	}
}
