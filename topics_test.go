// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wombatmq/wombat/packets"
)

func TestNewTopicsIndex(t *testing.T) {
	x := NewTopicsIndex()
	require.NotNil(t, x)
	require.NotNil(t, x.root)
	require.NotNil(t, x.Retained)
}

func TestSubscribeNew(t *testing.T) {
	x := NewTopicsIndex()
	require.True(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 1}))
	require.False(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 2}))
	require.True(t, x.Subscribe("cl2", packets.Subscription{Filter: "a/b/c", Qos: 0}))
}

func TestSubscribeResubscribeReplacesQos(t *testing.T) {
	x := NewTopicsIndex()
	require.True(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b", Qos: 0}))
	require.False(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b", Qos: 2}))

	subs := x.Subscribers("a/b")
	require.Len(t, subs, 1)
	require.Equal(t, byte(2), subs["cl1"].Qos)
}

func TestUnsubscribe(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 1})
	require.True(t, x.Unsubscribe("a/b/c", "cl1"))
	require.False(t, x.Unsubscribe("a/b/c", "cl1"))
	require.False(t, x.Unsubscribe("d/e/f", "cl1"))

	require.Empty(t, x.Subscribers("a/b/c"))
	require.Nil(t, x.root.leaves["a"], "empty branches should be pruned")
}

func TestUnsubscribeKeepsRetainPath(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b", Qos: 0})
	x.RetainMessage(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("x"),
	})

	require.True(t, x.Unsubscribe("a/b", "cl1"))
	require.NotNil(t, x.root.leaves["a"], "branch with retained message should not be pruned")
	require.Len(t, x.Messages("a/b"), 1)
}

func TestSubscribersWildcards(t *testing.T) {
	tt := []struct {
		filter  string
		topic   string
		matched bool
	}{
		{"a", "a", true},
		{"a/", "a", false},
		{"a", "a/b", false},
		{"a/b", "a/b", true},
		{"a/+", "a/b", true},
		{"a/+", "a", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"+/+/+", "a/b/c", true},
		{"+", "a", true},
		{"#", "a", true},
		{"#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"a/b/#", "a/b", true},
		{"a/b/#", "a/b/c", true},
		{"b/#", "a/b", false},
		{"sensors/+/temp", "sensors/room1/temp", true},
		{"sensors/+/temp", "sensors/room1/humidity", false},
		{"#", "$SYS/broker/uptime", false},
		{"+/broker/uptime", "$SYS/broker/uptime", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
		{"$SYS/broker/+", "$SYS/broker/uptime", true},
	}

	for _, wanted := range tt {
		t.Run(wanted.filter+" "+wanted.topic, func(t *testing.T) {
			x := NewTopicsIndex()
			x.Subscribe("cl1", packets.Subscription{Filter: wanted.filter, Qos: 0})

			subs := x.Subscribers(wanted.topic)
			_, ok := subs["cl1"]
			require.Equal(t, wanted.matched, ok)

			// the flat matcher must agree with the trie.
			require.Equal(t, wanted.matched, FilterMatches(wanted.filter, wanted.topic))
		})
	}
}

func TestSubscribersAtMostOncePerClient(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/#", Qos: 0})
	x.Subscribe("cl1", packets.Subscription{Filter: "a/+", Qos: 2})
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b", Qos: 1})

	subs := x.Subscribers("a/b")
	require.Len(t, subs, 1, "overlapping filters must merge to a single delivery")
	require.Equal(t, byte(2), subs["cl1"].Qos, "merged subscription takes the highest granted qos")
}

func TestRetainMessage(t *testing.T) {
	x := NewTopicsIndex()
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
	}

	require.Equal(t, int64(1), x.RetainMessage(pk))
	require.Equal(t, 1, x.Retained.Len())

	// last-writer-wins
	pk2 := pk
	pk2.Payload = []byte("replaced")
	require.Equal(t, int64(1), x.RetainMessage(pk2))

	msgs := x.Messages("a/b")
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("replaced"), msgs[0].Payload)

	// empty payload clears the retained message
	require.Equal(t, int64(-1), x.RetainMessage(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b",
	}))
	require.Equal(t, 0, x.Retained.Len())
	require.Empty(t, x.Messages("a/b"))

	// clearing an already clear topic reports nothing removed
	require.Equal(t, int64(0), x.RetainMessage(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b",
	}))
}

func TestRetainedMessagesByFilter(t *testing.T) {
	x := NewTopicsIndex()
	for _, topic := range []string{"a/b", "a/c", "a/b/d", "q/w", "$SYS/broker/uptime"} {
		x.RetainMessage(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
			TopicName:   topic,
			Payload:     []byte("r"),
		})
	}

	require.Len(t, x.Messages("a/b"), 1)
	require.Len(t, x.Messages("a/+"), 2)
	require.Len(t, x.Messages("a/#"), 3)
	require.Len(t, x.Messages("#"), 4, "wildcards must not cross the $SYS boundary")
	require.Len(t, x.Messages("$SYS/#"), 1)
	require.Empty(t, x.Messages("x/#"))
}

func TestIsValidFilter(t *testing.T) {
	tt := []struct {
		filter string
		ok     bool
	}{
		{"a/b/c", true},
		{"#", true},
		{"+", true},
		{"a/+/c", true},
		{"a/#", true},
		{"$SYS/#", true},
		{"", false},
		{"a/#/c", false},
		{"a/b#", false},
		{"a/b+", false},
		{"+a/b", false},
	}

	for _, wanted := range tt {
		require.Equal(t, wanted.ok, IsValidFilter(wanted.filter), "filter %q", wanted.filter)
	}
}

func TestIsValidTopicName(t *testing.T) {
	tt := []struct {
		topic string
		ok    bool
	}{
		{"a/b/c", true},
		{"a", true},
		{"", false},
		{"a/+", false},
		{"a/#", false},
		{"$SYS/broker/uptime", false},
		{"$sys/x", false},
	}

	for _, wanted := range tt {
		require.Equal(t, wanted.ok, IsValidTopicName(wanted.topic), "topic %q", wanted.topic)
	}
}

func TestFilterMatchesEmptyLevels(t *testing.T) {
	require.False(t, FilterMatches("a/+/c", "a//c"), "+ matches exactly one non-empty level")
	require.True(t, FilterMatches("a//c", "a//c"))
}
