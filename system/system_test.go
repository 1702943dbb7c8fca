// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package system

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	i := &Info{
		Version:          "1.0.0",
		BytesReceived:    100,
		BytesSent:        200,
		ClientsConnected: 3,
		MessagesReceived: 40,
		Retained:         5,
	}

	c := i.Clone()
	require.Equal(t, i.Version, c.Version)
	require.Equal(t, i.BytesReceived, c.BytesReceived)
	require.Equal(t, i.BytesSent, c.BytesSent)
	require.Equal(t, i.ClientsConnected, c.ClientsConnected)
	require.Equal(t, i.MessagesReceived, c.MessagesReceived)
	require.Equal(t, i.Retained, c.Retained)

	c.BytesReceived = 999
	require.Equal(t, int64(100), i.BytesReceived, "clone must not share the original")
}

func TestRegisterPrometheusMetrics(t *testing.T) {
	i := &Info{Version: "1.0.0", MessagesSent: 7}
	registry := prometheus.NewRegistry()
	i.RegisterPrometheusMetrics(registry)

	mfs, err := registry.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}

	require.True(t, found["messages_sent"])
	require.True(t, found["clients_connected"])
	require.True(t, found["build_info"])
}
