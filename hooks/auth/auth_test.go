// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package auth

import (
	"io"
	"testing"

	"log/slog"

	"github.com/stretchr/testify/require"

	mqtt "github.com/wombatmq/wombat"
	"github.com/wombatmq/wombat/packets"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHook(t *testing.T, opts *Options) *Hook {
	t.Helper()
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(opts))
	return h
}

func clientWith(username string) (*mqtt.Client, packets.Packet) {
	cl := &mqtt.Client{
		ID: "c1",
		Properties: mqtt.ClientProperties{
			Username: []byte(username),
		},
	}
	cl.Net.Remote = "127.0.0.1:52362"

	pk := packets.Packet{
		Connect: packets.ConnectParams{
			Username: []byte(username),
		},
	}

	return cl, pk
}

func TestAllowHook(t *testing.T) {
	h := new(AllowHook)
	require.Equal(t, "allow-all-auth", h.ID())
	require.True(t, h.Provides(mqtt.OnConnectAuthenticate))
	require.True(t, h.Provides(mqtt.OnACLCheck))
	require.False(t, h.Provides(mqtt.OnPublish))

	require.True(t, h.OnConnectAuthenticate(nil, packets.Packet{}))
	require.True(t, h.OnACLCheck(nil, "any/topic", true))
}

func TestHookInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.Error(t, h.Init(map[string]any{}))
}

func TestHookAuthenticateUsers(t *testing.T) {
	h := newHook(t, &Options{
		Ledger: &Ledger{
			Users: Users{
				"wombat": {Password: "melon"},
				"banned": {Password: "x", Disallow: true},
			},
		},
	})

	cl, pk := clientWith("wombat")
	pk.Connect.Password = []byte("melon")
	require.True(t, h.OnConnectAuthenticate(cl, pk))

	pk.Connect.Password = []byte("wrong")
	require.False(t, h.OnConnectAuthenticate(cl, pk))

	cl, pk = clientWith("banned")
	pk.Connect.Password = []byte("x")
	require.False(t, h.OnConnectAuthenticate(cl, pk))

	cl, pk = clientWith("unknown")
	require.False(t, h.OnConnectAuthenticate(cl, pk))
}

func TestHookAuthenticateRules(t *testing.T) {
	h := newHook(t, &Options{
		Ledger: &Ledger{
			Auth: AuthRules{
				{Username: "wombat", Allow: true},
				{Remote: "10.0.0.*", Allow: true},
			},
		},
	})

	cl, pk := clientWith("wombat")
	require.True(t, h.OnConnectAuthenticate(cl, pk))

	cl, pk = clientWith("other")
	require.False(t, h.OnConnectAuthenticate(cl, pk))

	cl, pk = clientWith("other")
	cl.Net.Remote = "10.0.0.5:1883"
	require.True(t, h.OnConnectAuthenticate(cl, pk))
}

func TestHookACL(t *testing.T) {
	h := newHook(t, &Options{
		Ledger: &Ledger{
			Users: Users{
				"reader": {Password: "x", ACL: Filters{"in/#": ReadOnly}},
				"writer": {Password: "x", ACL: Filters{"out/#": WriteOnly}},
				"both":   {Password: "x", ACL: Filters{"rw/#": ReadWrite}},
			},
		},
	})

	cl, _ := clientWith("reader")
	require.True(t, h.OnACLCheck(cl, "in/a", false))
	require.False(t, h.OnACLCheck(cl, "in/a", true))
	require.False(t, h.OnACLCheck(cl, "other/a", false))

	cl, _ = clientWith("writer")
	require.True(t, h.OnACLCheck(cl, "out/a", true))
	require.False(t, h.OnACLCheck(cl, "out/a", false))

	cl, _ = clientWith("both")
	require.True(t, h.OnACLCheck(cl, "rw/a", true))
	require.True(t, h.OnACLCheck(cl, "rw/a", false))
}

func TestHookACLGlobalRules(t *testing.T) {
	h := newHook(t, &Options{
		Ledger: &Ledger{
			ACL: ACLRules{
				{Client: "sensor-*", Filters: Filters{"sensors/#": WriteOnly}},
				{Username: "admin"},
			},
		},
	})

	cl, _ := clientWith("")
	cl.ID = "sensor-1"
	require.True(t, h.OnACLCheck(cl, "sensors/one", true))
	require.False(t, h.OnACLCheck(cl, "sensors/one", false))

	cl, _ = clientWith("admin")
	require.True(t, h.OnACLCheck(cl, "anything", true), "a rule with no filters allows all topics")
}

func TestLedgerUnmarshalYAML(t *testing.T) {
	data := []byte(`
users:
  wombat:
    password: melon
auth:
  - username: wombat
    allow: true
acl:
  - username: wombat
    filters:
      sensors/#: 3
`)

	l := new(Ledger)
	require.NoError(t, l.Unmarshal(data))
	require.Len(t, l.Users, 1)
	require.Len(t, l.Auth, 1)
	require.Len(t, l.ACL, 1)
	require.Equal(t, ReadWrite, l.ACL[0].Filters["sensors/#"])
}

func TestLedgerUnmarshalJSON(t *testing.T) {
	data := []byte(`{"auth":[{"username":"wombat","allow":true}]}`)
	l := new(Ledger)
	require.NoError(t, l.Unmarshal(data))
	require.Len(t, l.Auth, 1)
}

func TestRStringMatches(t *testing.T) {
	require.True(t, RString("").Matches("anything"))
	require.True(t, RString("*").Matches("anything"))
	require.True(t, RString("exact").Matches("exact"))
	require.False(t, RString("exact").Matches("other"))
	require.True(t, RString("prefix-*").Matches("prefix-one"))
	require.False(t, RString("prefix-*").Matches("other-one"))
}

func TestRStringFilterMatches(t *testing.T) {
	require.True(t, RString("a/+/c").FilterMatches("a/b/c"))
	require.True(t, RString("a/#").FilterMatches("a/b/c"))
	require.False(t, RString("a/#").FilterMatches("b/c"))
}
