// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

// Package badger provides a session persistence hook backed by a badger key-value store.
package badger

import (
	"bytes"
	"errors"

	"github.com/dgraph-io/badger/v4"

	mqtt "github.com/wombatmq/wombat"
	"github.com/wombatmq/wombat/hooks/storage"
	"github.com/wombatmq/wombat/packets"
	"github.com/wombatmq/wombat/system"
)

// defaultDbFile is the default file path for the badger db directory.
const defaultDbFile = ".badger"

// clientKey returns a primary key for a client.
func clientKey(cl *mqtt.Client) string {
	return storage.ClientKey + "_" + cl.ID
}

// subscriptionKey returns a primary key for a subscription.
func subscriptionKey(cl *mqtt.Client, filter string) string {
	return storage.SubscriptionKey + "_" + cl.ID + ":" + filter
}

// retainedKey returns a primary key for a retained message.
func retainedKey(topic string) string {
	return storage.RetainedKey + "_" + topic
}

// inflightKey returns a primary key for an inflight message.
func inflightKey(cl *mqtt.Client, pk packets.Packet) string {
	return storage.InflightKey + "_" + cl.ID + ":" + pk.FormatID()
}

// sysInfoKey returns a primary key for system info.
func sysInfoKey() string {
	return storage.SysInfoKey
}

// Options contains configuration settings for the badger instance.
type Options struct {
	Options *badger.Options `yaml:"-" json:"-"`
	Path    string          `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook based using badger file store as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options   // options for configuring the badger instance
	db     *badger.DB // the badger instance
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "badger-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnRetainMessage,
		mqtt.OnWillSent,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnSysInfoTick,
		mqtt.StoredClients,
		mqtt.StoredInflightMessages,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSubscriptions,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// Init initializes and connects to the badger instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	options := badger.DefaultOptions(h.config.Path)
	if h.config.Options != nil {
		options = *h.config.Options
		options.Dir = h.config.Path
		options.ValueDir = h.config.Path
	}
	options.Logger = nil

	var err error
	h.db, err = badger.Open(options)
	return err
}

// Stop closes the badger instance.
func (h *Hook) Stop() error {
	err := h.db.Close()
	h.db = nil
	return err
}

// setKv stores a serializable value under a key.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.Update(func(txn *badger.Txn) error {
		data, err := v.MarshalBinary()
		if err != nil {
			return err
		}

		return txn.Set([]byte(k), data)
	})
}

// delKv deletes the value stored under a key.
func (h *Hook) delKv(k string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(k))
	})
}

// scanKv calls fn with the raw bytes of every value stored under a key prefix.
func (h *Hook) scanKv(prefix string, fn func(data []byte) error) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			err := it.Item().Value(func(data []byte) error {
				return fn(data)
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// OnSessionEstablished adds a client to the store when their session is established.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	h.updateClient(cl)
}

// OnWillSent is called when a will message has been sent; the stored will is cleared.
func (h *Hook) OnWillSent(cl *mqtt.Client, pk packets.Packet) {
	h.updateClient(cl)
}

// updateClient writes the client data to the store.
func (h *Hook) updateClient(cl *mqtt.Client) {
	in := &storage.Client{
		ID:        cl.ID,
		T:         storage.ClientKey,
		Remote:    cl.Net.Remote,
		Listener:  cl.Net.Listener,
		Username:  cl.Properties.Username,
		Clean:     cl.Properties.Clean,
		Keepalive: cl.State.Keepalive,
		Will:      storage.ClientWill(cl.Properties.Will),
	}

	if err := h.setKv(clientKey(cl), in); err != nil {
		h.Log.Error("failed to update client", "error", err, "client", cl.ID)
	}
}

// OnDisconnect removes a client from the store if their session has expired.
func (h *Hook) OnDisconnect(cl *mqtt.Client, _ error, expire bool) {
	if !expire {
		h.updateClient(cl)
		return
	}

	if cl.StopCause() == packets.ErrSessionTakenOver {
		return
	}

	if err := h.delKv(clientKey(cl)); err != nil {
		h.Log.Error("failed to delete client", "error", err, "client", cl.ID)
	}
}

// OnSubscribed adds one or more client subscriptions to the store.
func (h *Hook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	for i, sub := range pk.Filters {
		if reasonCodes[i] == packets.SubackFailure {
			continue
		}

		in := &storage.Subscription{
			ID:     subscriptionKey(cl, sub.Filter),
			T:      storage.SubscriptionKey,
			Client: cl.ID,
			Filter: sub.Filter,
			Qos:    reasonCodes[i],
		}

		if err := h.setKv(in.ID, in); err != nil {
			h.Log.Error("failed to update subscription", "error", err, "client", cl.ID, "filter", sub.Filter)
		}
	}
}

// OnUnsubscribed removes one or more client subscriptions from the store.
func (h *Hook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	for _, sub := range pk.Filters {
		if err := h.delKv(subscriptionKey(cl, sub.Filter)); err != nil {
			h.Log.Error("failed to delete subscription", "error", err, "client", cl.ID, "filter", sub.Filter)
		}
	}
}

// OnRetainMessage adds a retained message for a topic to the store, or removes
// it if the retained payload was cleared.
func (h *Hook) OnRetainMessage(cl *mqtt.Client, pk packets.Packet, r int64) {
	if r == -1 || len(pk.Payload) == 0 {
		if err := h.delKv(retainedKey(pk.TopicName)); err != nil {
			h.Log.Error("failed to delete retained message", "error", err, "topic", pk.TopicName)
		}
		return
	}

	in := &storage.Message{
		ID:        retainedKey(pk.TopicName),
		T:         storage.RetainedKey,
		Origin:    pk.Origin,
		TopicName: pk.TopicName,
		Payload:   pk.Payload,
		Created:   pk.Created,
		FixedHeader: packets.FixedHeader{
			Type:   pk.FixedHeader.Type,
			Retain: true,
			Qos:    pk.FixedHeader.Qos,
		},
	}

	if err := h.setKv(in.ID, in); err != nil {
		h.Log.Error("failed to update retained message", "error", err, "topic", pk.TopicName)
	}
}

// OnQosPublish adds or updates an inflight message in the store.
func (h *Hook) OnQosPublish(cl *mqtt.Client, pk packets.Packet, sent int64, resends int) {
	in := &storage.Message{
		ID:          inflightKey(cl, pk),
		T:           storage.InflightKey,
		Client:      cl.ID,
		Origin:      pk.Origin,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Created:     pk.Created,
		Sent:        sent,
		PacketID:    pk.PacketID,
		FixedHeader: pk.FixedHeader,
	}

	if err := h.setKv(in.ID, in); err != nil {
		h.Log.Error("failed to update inflight message", "error", err, "client", cl.ID, "id", pk.PacketID)
	}
}

// OnQosComplete removes a resolved inflight message from the store.
func (h *Hook) OnQosComplete(cl *mqtt.Client, pk packets.Packet) {
	if err := h.delKv(inflightKey(cl, pk)); err != nil {
		h.Log.Error("failed to delete inflight message", "error", err, "client", cl.ID, "id", pk.PacketID)
	}
}

// OnQosDropped removes a dropped inflight message from the store.
func (h *Hook) OnQosDropped(cl *mqtt.Client, pk packets.Packet) {
	h.OnQosComplete(cl, pk)
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	in := &storage.SystemInfo{
		ID:   sysInfoKey(),
		T:    storage.SysInfoKey,
		Info: *sys,
	}

	if err := h.setKv(in.ID, in); err != nil {
		h.Log.Error("failed to update $SYS info", "error", err)
	}
}

// StoredClients returns all stored clients from the store.
func (h *Hook) StoredClients() (v []storage.Client, err error) {
	err = h.scanKv(storage.ClientKey+"_", func(data []byte) error {
		d := storage.Client{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})
	return v, err
}

// StoredSubscriptions returns all stored subscriptions from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	err = h.scanKv(storage.SubscriptionKey+"_", func(data []byte) error {
		d := storage.Subscription{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})
	return v, err
}

// StoredRetainedMessages returns all stored retained messages from the store.
func (h *Hook) StoredRetainedMessages() (v []storage.Message, err error) {
	err = h.scanKv(storage.RetainedKey+"_", func(data []byte) error {
		d := storage.Message{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})
	return v, err
}

// StoredInflightMessages returns all stored inflight messages from the store.
func (h *Hook) StoredInflightMessages() (v []storage.Message, err error) {
	err = h.scanKv(storage.InflightKey+"_", func(data []byte) error {
		d := storage.Message{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})
	return v, err
}

// StoredSysInfo returns the stored system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sysInfoKey()))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		return item.Value(func(data []byte) error {
			return v.UnmarshalBinary(data)
		})
	})
	return v, err
}
