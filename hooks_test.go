// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package mqtt

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"

	"github.com/wombatmq/wombat/packets"
)

// voteHook votes a fixed result on both filters, optionally after a delay.
type voteHook struct {
	HookBase
	name  string
	vote  bool
	delay time.Duration
}

func (h *voteHook) ID() string { return h.name }

func (h *voteHook) Provides(b byte) bool {
	return bytes.Contains([]byte{OnConnectAuthenticate, OnACLCheck}, []byte{b})
}

func (h *voteHook) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	time.Sleep(h.delay)
	return h.vote
}

func (h *voteHook) OnACLCheck(cl *Client, topic string, write bool) bool {
	time.Sleep(h.delay)
	return h.vote
}

// modifyHook alters subscribe packets as they pass through the bus.
type modifyHook struct {
	HookBase
}

func (h *modifyHook) ID() string { return "modify" }

func (h *modifyHook) Provides(b byte) bool {
	return bytes.Contains([]byte{OnSubscribe, OnPacketRead}, []byte{b})
}

func (h *modifyHook) OnSubscribe(cl *Client, pk packets.Packet) packets.Packet {
	pk.Filters = append(pk.Filters, packets.Subscription{Filter: "injected"})
	return pk
}

func (h *modifyHook) OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) {
	if pk.TopicName == "rejected" {
		return pk, errors.New("rejected")
	}
	return pk, nil
}

// failInitHook fails to initialise.
type failInitHook struct {
	HookBase
}

func (h *failInitHook) ID() string { return "fail-init" }

func (h *failInitHook) Init(config any) error { return errors.New("boom") }

func newTestHooks(hooks ...Hook) *Hooks {
	h := &Hooks{
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		FilterTimeout: defaultFilterTimeout,
	}
	for _, hook := range hooks {
		_ = h.Add(hook, nil)
	}
	return h
}

func TestHooksAddLenProvides(t *testing.T) {
	h := newTestHooks(&voteHook{name: "a", vote: true})
	require.Equal(t, int64(1), h.Len())
	require.True(t, h.Provides(OnConnectAuthenticate))
	require.False(t, h.Provides(OnPublish))
}

func TestHooksAddInitFailure(t *testing.T) {
	h := newTestHooks()
	err := h.Add(new(failInitHook), nil)
	require.Error(t, err)
	require.Equal(t, int64(0), h.Len())
}

func TestHooksAuthenticateEmptySetAllows(t *testing.T) {
	h := newTestHooks()
	require.True(t, h.OnConnectAuthenticate(nil, packets.Packet{}), "anonymous connections allowed with no auth hooks")
	require.True(t, h.OnACLCheck(nil, "a/b", true))
}

func TestHooksAuthenticateLogicalAnd(t *testing.T) {
	allowBoth := newTestHooks(&voteHook{name: "a", vote: true}, &voteHook{name: "b", vote: true})
	require.True(t, allowBoth.OnConnectAuthenticate(nil, packets.Packet{}))

	oneDenies := newTestHooks(&voteHook{name: "a", vote: true}, &voteHook{name: "b", vote: false})
	require.False(t, oneDenies.OnConnectAuthenticate(nil, packets.Packet{}), "the vote is the logical AND of all hooks")
	require.False(t, oneDenies.OnACLCheck(nil, "a/b", false))
}

func TestHooksFilterTimeoutDenies(t *testing.T) {
	h := newTestHooks(&voteHook{name: "slow", vote: true, delay: 100 * time.Millisecond})
	h.FilterTimeout = 10 * time.Millisecond

	require.False(t, h.OnConnectAuthenticate(nil, packets.Packet{}), "a hook overrunning the filter timeout votes deny")
	require.False(t, h.OnACLCheck(nil, "a/b", true))
}

func TestHooksFilterTimeoutDisabled(t *testing.T) {
	h := newTestHooks(&voteHook{name: "slow", vote: true, delay: 10 * time.Millisecond})
	h.FilterTimeout = 0

	require.True(t, h.OnConnectAuthenticate(nil, packets.Packet{}))
}

func TestHooksOnSubscribeModify(t *testing.T) {
	h := newTestHooks(new(modifyHook))

	pk := h.OnSubscribe(nil, packets.Packet{Filters: packets.Subscriptions{{Filter: "a/b"}}})
	require.Len(t, pk.Filters, 2)
	require.Equal(t, "injected", pk.Filters[1].Filter)
}

func TestHooksOnPacketReadReject(t *testing.T) {
	h := newTestHooks(new(modifyHook))

	_, err := h.OnPacketRead(nil, packets.Packet{TopicName: "rejected"})
	require.Error(t, err)

	_, err = h.OnPacketRead(nil, packets.Packet{TopicName: "ok"})
	require.NoError(t, err)
}

func TestHooksStop(t *testing.T) {
	h := newTestHooks(&voteHook{name: "a", vote: true})
	h.Stop()
}

func TestHookBaseDefaults(t *testing.T) {
	h := new(HookBase)
	require.Equal(t, "base", h.ID())
	require.False(t, h.Provides(OnConnectAuthenticate))
	require.NoError(t, h.Init(nil))
	require.NoError(t, h.Stop())
	require.False(t, h.OnConnectAuthenticate(nil, packets.Packet{}))
	require.False(t, h.OnACLCheck(nil, "a", true))

	pk, err := h.OnPublish(nil, packets.Packet{TopicName: "a"})
	require.NoError(t, err)
	require.Equal(t, "a", pk.TopicName)

	will, err := h.OnWill(nil, Will{TopicName: "w"})
	require.NoError(t, err)
	require.Equal(t, "w", will.TopicName)
}
