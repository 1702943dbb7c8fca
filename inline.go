// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"sync"
	"time"

	"github.com/wombatmq/wombat/packets"
)

// inlineSubscriptions is a registry of message handlers for filters the
// embedding application has subscribed the inline client to.
type inlineSubscriptions struct {
	sync.RWMutex
	internal map[string]inlineSubscription
}

// inlineSubscription joins a subscription with its message handler.
type inlineSubscription struct {
	packets.Subscription
	Handler InlineSubFn
}

// newInlineSubscriptions returns a new instance of inlineSubscriptions.
func newInlineSubscriptions() *inlineSubscriptions {
	return &inlineSubscriptions{
		internal: map[string]inlineSubscription{},
	}
}

// add adds or replaces the handler for a filter.
func (s *inlineSubscriptions) add(sub inlineSubscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[sub.Filter] = sub
}

// delete removes the handler for a filter.
func (s *inlineSubscriptions) delete(filter string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, filter)
}

// deliver calls the handler of every inline subscription whose filter
// matches the topic of the packet.
func (s *inlineSubscriptions) deliver(cl *Client, pk packets.Packet) {
	s.RLock()
	defer s.RUnlock()
	for _, sub := range s.internal {
		if FilterMatches(sub.Filter, pk.TopicName) {
			sub.Handler(cl, sub.Subscription, pk)
		}
	}
}

// Publish publishes a publish packet into the broker as if it were sent from
// the inline client. This method can publish packets to any topic
// (including $SYS) and bypasses ACL checks.
func (s *Server) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if !s.Options.InlineClient {
		return ErrInlineClientNotEnabled
	}

	return s.InjectPacket(s.inlineClient, packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		PacketID:  uint16(qos), // the inbound qos flow is skipped, but a packet id is needed for validity
	})
}

// Subscribe adds an inline subscription for the specified topic filter with
// the provided handler function. Matching retained messages are replayed to
// the handler immediately.
func (s *Server) Subscribe(filter string, qos byte, handler InlineSubFn) error {
	if !s.Options.InlineClient {
		return ErrInlineClientNotEnabled
	}

	if handler == nil {
		return packets.ErrTopicFilterInvalid
	}

	if !IsValidFilter(filter) {
		return packets.ErrTopicFilterInvalid
	}

	subscription := packets.Subscription{
		Filter: filter,
		Qos:    qos,
	}

	s.Topics.Subscribe(InlineClientId, subscription)
	s.inlineSubs.add(inlineSubscription{
		Subscription: subscription,
		Handler:      handler,
	})
	s.hooks.OnSubscribed(s.inlineClient, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		Filters:     packets.Subscriptions{subscription},
	}, []byte{qos})

	for _, pkv := range s.Topics.Messages(filter) { // [MQTT-3.3.1-6]
		handler(s.inlineClient, subscription, pkv)
	}
	return nil
}

// Unsubscribe removes an inline subscription for the specified topic filter.
func (s *Server) Unsubscribe(filter string) error {
	if !s.Options.InlineClient {
		return ErrInlineClientNotEnabled
	}

	if !IsValidFilter(filter) {
		return packets.ErrTopicFilterInvalid
	}

	s.Topics.Unsubscribe(filter, InlineClientId)
	s.inlineSubs.delete(filter)
	s.hooks.OnUnsubscribed(s.inlineClient, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		Filters:     packets.Subscriptions{{Filter: filter}},
	})
	return nil
}

// InjectPacket injects a packet into the broker as if it were sent from the
// specified client. Inline clients using this method can publish packets to
// any topic (including $SYS) and bypass ACL checks.
func (s *Server) InjectPacket(cl *Client, pk packets.Packet) error {
	pk.Created = time.Now().Unix()

	err := s.processPacket(cl, pk)
	if err != nil {
		return err
	}

	return nil
}
