// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"strings"
	"sync"

	"github.com/wombatmq/wombat/packets"
)

// SysPrefix is the prefix indicating a system info topic.
const SysPrefix = "$SYS"

// Subscriptions is a map of subscriptions keyed on client id or filter.
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]packets.Subscription{},
	}
}

// Add adds a new subscription keyed on id. The id is a filter when the map is
// client state, or a client id when the map belongs to a topic leaf.
func (s *Subscriptions) Add(id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[id] = val
}

// GetAll returns all subscriptions.
func (s *Subscriptions) GetAll() map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := map[string]packets.Subscription{}
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Get returns a subscription for a specific client or filter id.
func (s *Subscriptions) Get(id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[id]
	return val, ok
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a subscription by client or filter id.
func (s *Subscriptions) Delete(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// Subscribers maps the clients subscribed to a topic to their subscription,
// merged to the highest granted qos when several filters match.
type Subscribers map[string]packets.Subscription

// add merges a matched subscription into the set, keeping the highest qos
// for clients matched by multiple overlapping filters.
func (s Subscribers) add(client string, sub packets.Subscription) {
	if existing, ok := s[client]; ok {
		sub = existing.Merge(sub)
	}
	s[client] = sub
}

// TopicsIndex is a prefix trie which contains topic subscribers and
// retained messages.
type TopicsIndex struct {
	Retained *packets.Packets
	root     *leaf
}

// NewTopicsIndex returns a pointer to a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		Retained: packets.NewPackets(),
		root: &leaf{
			leaves:        map[string]*leaf{},
			subscriptions: NewSubscriptions(),
		},
	}
}

// Subscribe adds a new subscription for a client to a topic filter, returning
// true if the subscription was new.
func (x *TopicsIndex) Subscribe(client string, subscription packets.Subscription) bool {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.set(subscription.Filter)
	_, existed := n.subscriptions.Get(client)
	n.subscriptions.Add(client, subscription) // a resubscription replaces the granted qos

	return !existed
}

// Unsubscribe removes a subscription filter for a client, returning true if
// the subscription existed.
func (x *TopicsIndex) Unsubscribe(filter, client string) bool {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.seek(filter)
	if n == nil {
		return false
	}

	_, existed := n.subscriptions.Get(client)
	n.subscriptions.Delete(client)
	x.trim(n)

	return existed
}

// RetainMessage saves a message payload to the end of a topic address. Returns
// 1 if a retained message was added, -1 if an existing retained message was
// removed by an empty payload, else 0.
func (x *TopicsIndex) RetainMessage(pk packets.Packet) int64 {
	x.root.Lock()
	defer x.root.Unlock()

	if len(pk.Payload) > 0 {
		n := x.set(pk.TopicName)
		n.retainPath = pk.TopicName
		x.Retained.Add(pk.TopicName, pk) // [MQTT-3.3.1-5]
		return 1
	}

	var out int64
	if _, ok := x.Retained.Get(pk.TopicName); ok {
		out = -1
	}

	if n := x.seek(pk.TopicName); n != nil {
		n.retainPath = ""
		x.trim(n)
	}
	x.Retained.Delete(pk.TopicName) // [MQTT-3.3.1-10] [MQTT-3.3.1-11]

	return out
}

// set creates a topic address in the index and returns the final leaf.
func (x *TopicsIndex) set(filter string) *leaf {
	n := x.root
	for _, key := range strings.Split(filter, "/") {
		child, ok := n.leaves[key]
		if !ok {
			child = newLeaf(key, n)
			n.leaves[key] = child
		}
		n = child
	}

	return n
}

// seek returns the leaf at the end of a topic address, if it exists.
func (x *TopicsIndex) seek(filter string) *leaf {
	n := x.root
	for _, key := range strings.Split(filter, "/") {
		n = n.leaves[key]
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty leaves from the index, walking up from a leaf which
// no longer holds subscriptions or a retained message.
func (x *TopicsIndex) trim(n *leaf) {
	for n.parent != nil && n.retainPath == "" && len(n.leaves)+n.subscriptions.Len() == 0 {
		key := n.key
		n = n.parent
		delete(n.leaves, key)
	}
}

// Messages returns any retained messages which match a filter, for replaying
// to a new subscriber.
func (x *TopicsIndex) Messages(filter string) []packets.Packet {
	x.root.Lock()
	defer x.root.Unlock()

	if !strings.ContainsRune(filter, '+') && !strings.ContainsRune(filter, '#') {
		if pk, ok := x.Retained.Get(filter); ok {
			return []packets.Packet{pk}
		}
		return []packets.Packet{}
	}

	return x.scanMessages(strings.Split(filter, "/"), 0, x.root, []packets.Packet{})
}

// scanMessages collects retained messages on topics matching a wildcard filter.
func (x *TopicsIndex) scanMessages(levels []string, d int, n *leaf, pks []packets.Packet) []packets.Packet {
	if d >= len(levels) {
		return pks
	}

	key := levels[d]
	last := d == len(levels)-1

	switch key {
	case packets.WildcardMulti:
		pks = x.appendRetained(n, pks) // # also matches the parent level
		for _, child := range n.leaves {
			if d == 0 && strings.HasPrefix(child.key, "$") {
				continue // [MQTT-4.7.2-1]
			}
			pks = x.gatherRetained(child, pks)
		}
	case packets.WildcardSingle:
		for _, child := range n.leaves {
			if d == 0 && strings.HasPrefix(child.key, "$") {
				continue // [MQTT-4.7.2-1]
			}
			if child.key == "" {
				continue // + does not match an empty level
			}
			if last {
				pks = x.appendRetained(child, pks)
			} else {
				pks = x.scanMessages(levels, d+1, child, pks)
			}
		}
	default:
		if child, ok := n.leaves[key]; ok {
			if last {
				pks = x.appendRetained(child, pks)
			} else {
				pks = x.scanMessages(levels, d+1, child, pks)
			}
		}
	}

	return pks
}

// gatherRetained recursively appends the retained messages of a leaf and all
// of its descendants.
func (x *TopicsIndex) gatherRetained(n *leaf, pks []packets.Packet) []packets.Packet {
	pks = x.appendRetained(n, pks)
	for _, child := range n.leaves {
		pks = x.gatherRetained(child, pks)
	}
	return pks
}

// appendRetained appends the retained message of a leaf, if one exists.
func (x *TopicsIndex) appendRetained(n *leaf, pks []packets.Packet) []packets.Packet {
	if n.retainPath != "" {
		if pk, ok := x.Retained.Get(n.retainPath); ok {
			pks = append(pks, pk)
		}
	}
	return pks
}

// Subscribers returns the clients with subscriptions matching a topic name,
// each at the highest qos granted by any of their matching filters.
func (x *TopicsIndex) Subscribers(topic string) Subscribers {
	x.root.Lock()
	defer x.root.Unlock()

	subs := Subscribers{}
	x.scanSubscribers(strings.Split(topic, "/"), 0, x.root, subs)
	return subs
}

// scanSubscribers walks the trie against the levels of a topic name,
// collecting matching subscriptions.
func (x *TopicsIndex) scanSubscribers(levels []string, d int, n *leaf, subs Subscribers) {
	if d >= len(levels) {
		return
	}

	key := levels[d]
	guarded := d == 0 && strings.HasPrefix(key, "$") // [MQTT-4.7.2-1]
	last := d == len(levels)-1

	for _, partKey := range []string{key, packets.WildcardSingle} {
		if partKey == packets.WildcardSingle && (guarded || key == "") {
			continue // + does not match a $-prefixed or empty level
		}

		child, ok := n.leaves[partKey]
		if !ok {
			continue
		}

		if last {
			child.subscriptions.gatherInto(subs)
			if wild, ok := child.leaves[packets.WildcardMulti]; ok {
				wild.subscriptions.gatherInto(subs) // a/b/# also matches a/b (4.7.1.2)
			}
		} else {
			x.scanSubscribers(levels, d+1, child, subs)
		}
	}

	if !guarded {
		if wild, ok := n.leaves[packets.WildcardMulti]; ok {
			wild.subscriptions.gatherInto(subs)
		}
	}
}

// gatherInto merges the subscriptions of a leaf into a subscriber set.
func (s *Subscriptions) gatherInto(subs Subscribers) {
	s.RLock()
	defer s.RUnlock()
	for client, sub := range s.internal {
		subs.add(client, sub)
	}
}

// leaf is a child node on the tree.
type leaf struct {
	sync.Mutex
	key           string           // the key of the leaf
	parent        *leaf            // a pointer to the parent of the leaf
	leaves        map[string]*leaf // a map of child leaves
	subscriptions *Subscriptions   // subscriptions made by clients to the filter ending here
	retainPath    string           // topic name of a retained message, if one ends here
}

// newLeaf returns a pointer to a new instance of leaf.
func newLeaf(key string, parent *leaf) *leaf {
	return &leaf{
		key:           key,
		parent:        parent,
		leaves:        map[string]*leaf{},
		subscriptions: NewSubscriptions(),
	}
}

// IsValidFilter returns true if a topic filter is valid for subscribing.
func IsValidFilter(filter string) bool {
	if len(filter) == 0 {
		return false // [MQTT-4.7.3-1]
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.ContainsRune(level, '#') {
			if level != packets.WildcardMulti || i != len(levels)-1 {
				return false // [MQTT-4.7.1-2]
			}
		}

		if strings.ContainsRune(level, '+') && level != packets.WildcardSingle {
			return false // [MQTT-4.7.1-3]
		}
	}

	return true
}

// FilterMatches returns true if a topic name matches a topic filter,
// applying the same wildcard semantics as the subscription trie: `+`
// matches exactly one non-empty level, `#` matches zero or more trailing
// levels, and wildcards do not cross a leading `$` level.
func FilterMatches(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, level := range filterLevels {
		if level == packets.WildcardMulti {
			if i == 0 && strings.HasPrefix(topic, "$") {
				return false // [MQTT-4.7.2-1]
			}
			return i == len(filterLevels)-1
		}

		if i >= len(topicLevels) {
			return false
		}

		if level == packets.WildcardSingle {
			if i == 0 && strings.HasPrefix(topic, "$") {
				return false // [MQTT-4.7.2-1]
			}
			if topicLevels[i] == "" {
				return false
			}
			continue
		}

		if level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// IsValidTopicName returns true if a topic name is valid for publishing.
// Topic names may not contain wildcards, and clients may not publish into
// the reserved $SYS tree.
func IsValidTopicName(topic string) bool {
	if len(topic) == 0 {
		return false // [MQTT-4.7.3-1]
	}

	if strings.ContainsAny(topic, "+#") {
		return false // [MQTT-3.3.2-2]
	}

	if len(topic) >= len(SysPrefix) && strings.EqualFold(topic[:len(SysPrefix)], SysPrefix) {
		return false // 4.7.2 reserved for the server
	}

	return true
}
