// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wombatmq/wombat/hooks/auth"
	"github.com/wombatmq/wombat/hooks/storage/bolt"
	"github.com/wombatmq/wombat/listeners"
)

const yamlConfig = `
listeners:
  default:
    type: tcp
    bind: :1883
  sock:
    type: ws
    bind: :8080
    max-connections: 100
sys_interval: 5
timeout-disconnect-delay: 2
auth:
  allow-anonymous: false
  ledger:
    users:
      wombat:
        password: melon
topic-check:
  enabled: true
  acl:
    - username: wombat
      filters:
        sensors/#: 3
storage:
  bolt:
    path: broker.bolt
debug:
  show_pings: true
`

func TestFromBytesYAML(t *testing.T) {
	o, err := FromBytes([]byte(yamlConfig))
	require.NoError(t, err)
	require.NotNil(t, o)

	require.Equal(t, int64(5), o.SysTopicResendInterval)
	require.Equal(t, 2*time.Second, o.DisconnectGracePeriod)

	require.Len(t, o.Listeners, 2)
	byID := map[string]listeners.Config{}
	for _, l := range o.Listeners {
		byID[l.ID] = l
	}
	require.Equal(t, listeners.TypeTCP, byID["default"].Type)
	require.Equal(t, ":1883", byID["default"].Address)
	require.Equal(t, listeners.TypeWS, byID["sock"].Type)
	require.Equal(t, int64(100), byID["sock"].MaxConnections)

	// auth + storage + debug hooks
	require.Len(t, o.Hooks, 3)
	_, ok := o.Hooks[0].Hook.(*auth.Hook)
	require.True(t, ok, "a ledger-backed auth hook is created when anonymous access is off")
	_, ok = o.Hooks[1].Hook.(*bolt.Hook)
	require.True(t, ok)
	opts, ok := o.Hooks[1].Config.(*bolt.Options)
	require.True(t, ok)
	require.Equal(t, "broker.bolt", opts.Path)
}

func TestFromBytesJSON(t *testing.T) {
	o, err := FromBytes([]byte(`{"listeners":{"default":{"type":"tcp","bind":":1883"}},"sys_interval":3}`))
	require.NoError(t, err)
	require.Equal(t, int64(3), o.SysTopicResendInterval)
	require.Len(t, o.Listeners, 1)
}

func TestFromBytesEmpty(t *testing.T) {
	o, err := FromBytes(nil)
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestFromBytesInvalid(t *testing.T) {
	_, err := FromBytes([]byte("\tnot yaml"))
	require.Error(t, err)
}

func TestOpenBrokerGetsAllowHook(t *testing.T) {
	o, err := FromBytes([]byte("listeners:\n  default:\n    bind: :1883\n"))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 1)
	_, ok := o.Hooks[0].Hook.(*auth.AllowHook)
	require.True(t, ok, "a broker with no auth config allows all connections")
}

func TestAnonymousWithTopicCheck(t *testing.T) {
	o, err := FromBytes([]byte(`
auth:
  allow-anonymous: true
topic-check:
  enabled: true
  acl:
    - filters:
        public/#: 3
`))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 1)
	_, ok := o.Hooks[0].Hook.(*auth.Hook)
	require.True(t, ok, "topic checking requires the ledger hook even for anonymous brokers")
}

func TestListenerDefaultsToTCP(t *testing.T) {
	o, err := FromBytes([]byte("listeners:\n  default:\n    bind: :1883\n"))
	require.NoError(t, err)
	require.Equal(t, listeners.TypeTCP, o.Listeners[0].Type)
}
