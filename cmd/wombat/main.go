// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/wombatmq/wombat"
	"github.com/wombatmq/wombat/config"
	"github.com/wombatmq/wombat/hooks/auth"
	"github.com/wombatmq/wombat/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for tcp listener")
	wsAddr := flag.String("ws", ":1882", "network address for websocket listener")
	configFile := flag.String("config", "", "path to configuration file (yaml or json)")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	var options *mqtt.Options
	if *configFile != "" {
		var err error
		options, err = config.FromFile(*configFile)
		if err != nil {
			log.Fatal(err)
		}
	}

	server := mqtt.New(options)

	if *configFile == "" {
		// with no config file, open listeners on the default addresses
		// and allow all connections.
		_ = server.AddHook(new(auth.AllowHook), nil)

		if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "t1", Address: *tcpAddr})); err != nil {
			log.Fatal(err)
		}

		if err := server.AddListener(listeners.NewWebsocket(listeners.Config{ID: "ws1", Address: *wsAddr})); err != nil {
			log.Fatal(err)
		}
	}

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
}
