// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

// Package bolt provides a session persistence hook backed by a boltdb file store.
package bolt

import (
	"bytes"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	mqtt "github.com/wombatmq/wombat"
	"github.com/wombatmq/wombat/hooks/storage"
	"github.com/wombatmq/wombat/packets"
	"github.com/wombatmq/wombat/system"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrKeyNotFound    = errors.New("key not found")
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	// defaultBucket is the name of the bucket the broker state is kept in.
	defaultBucket = "wombat"
)

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

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook based using boltdb file store as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options  // options for configuring the boltdb instance
	db     *bbolt.DB // the boltdb instance
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
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

// Init initializes and connects to the boltdb instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}
	if len(h.config.Bucket) == 0 {
		h.config.Bucket = defaultBucket
	}

	var err error
	h.db, err = bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
}

// Stop closes the boltdb instance.
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

	return h.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}

		data, err := v.MarshalBinary()
		if err != nil {
			return err
		}

		return b.Put([]byte(k), data)
	})
}

// delKv deletes the value stored under a key.
func (h *Hook) delKv(k string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}

		return b.Delete([]byte(k))
	})
}

// scanKv unmarshals all values stored under a key prefix, calling fn with
// the raw bytes of each.
func (h *Hook) scanKv(prefix string, fn func(data []byte) error) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}

		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(v); err != nil {
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

	err = h.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}

		return v.UnmarshalBinary(b.Get([]byte(sysInfoKey())))
	})
	return v, err
}
