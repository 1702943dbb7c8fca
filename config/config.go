// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 wombatmq

// Package config parses a YAML or JSON broker configuration into server
// options, listeners, and hooks.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	mqtt "github.com/wombatmq/wombat"
	"github.com/wombatmq/wombat/hooks/auth"
	"github.com/wombatmq/wombat/hooks/debug"
	"github.com/wombatmq/wombat/hooks/storage/badger"
	"github.com/wombatmq/wombat/hooks/storage/bolt"
	"github.com/wombatmq/wombat/listeners"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Listeners              map[string]ListenerConfig `yaml:"listeners" json:"listeners"`
	Auth                   *AuthConfig               `yaml:"auth" json:"auth"`
	TopicCheck             *TopicCheckConfig         `yaml:"topic-check" json:"topic-check"`
	Storage                *StorageConfig            `yaml:"storage" json:"storage"`
	Debug                  *debug.Options            `yaml:"debug" json:"debug"`
	SysInterval            int64                     `yaml:"sys_interval" json:"sys_interval"`
	TimeoutDisconnectDelay int64                     `yaml:"timeout-disconnect-delay" json:"timeout-disconnect-delay"`
	InlineClient           bool                      `yaml:"inline_client" json:"inline_client"`
}

// ListenerConfig defines a listener in the configuration surface. Listeners
// are keyed on their name.
type ListenerConfig struct {
	Type           string `yaml:"type" json:"type"` // tcp | ws
	Bind           string `yaml:"bind" json:"bind"`
	MaxConnections int64  `yaml:"max-connections" json:"max-connections"`
	SSL            bool   `yaml:"ssl" json:"ssl"`
	CertFile       string `yaml:"certfile" json:"certfile"`
	KeyFile        string `yaml:"keyfile" json:"keyfile"`
	CAFile         string `yaml:"cafile" json:"cafile"`
}

// AuthConfig contains the authentication rules for the broker.
type AuthConfig struct {
	Ledger         *auth.Ledger `yaml:"ledger" json:"ledger"`
	AllowAnonymous bool         `yaml:"allow-anonymous" json:"allow-anonymous"`
}

// TopicCheckConfig contains the topic access rules for the broker.
type TopicCheckConfig struct {
	ACL     auth.ACLRules `yaml:"acl" json:"acl"`
	Enabled bool          `yaml:"enabled" json:"enabled"`
}

// StorageConfig contains configurations for the session persistence hooks.
type StorageConfig struct {
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Badger *badger.Options `yaml:"badger" json:"badger"`
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid
// set of server options.
func FromBytes(b []byte) (*mqtt.Options, error) {
	if len(b) == 0 {
		return nil, nil
	}

	c := new(config)
	if b[0] == '{' {
		if err := json.Unmarshal(b, c); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	}

	o := mqtt.Options{
		SysTopicResendInterval: c.SysInterval,
		DisconnectGracePeriod:  time.Duration(c.TimeoutDisconnectDelay) * time.Second,
		InlineClient:           c.InlineClient,
	}

	lc, err := c.toListeners()
	if err != nil {
		return nil, err
	}
	o.Listeners = lc
	o.Hooks = c.toHooks()

	return &o, nil
}

// FromFile reads and parses a configuration file.
func FromFile(path string) (*mqtt.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return FromBytes(b)
}

// toListeners converts the named listener configurations into listener configs.
func (c *config) toListeners() ([]listeners.Config, error) {
	lc := make([]listeners.Config, 0, len(c.Listeners))
	for name, l := range c.Listeners {
		conf := listeners.Config{
			ID:             name,
			Address:        l.Bind,
			Type:           l.Type,
			MaxConnections: l.MaxConnections,
		}
		if conf.Type == "" {
			conf.Type = listeners.TypeTCP
		}

		if l.SSL {
			tlsc, err := newTLSConfig(l)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", name, err)
			}
			conf.TLSConfig = tlsc
		}

		lc = append(lc, conf)
	}

	return lc, nil
}

// newTLSConfig builds a tls.Config from the certificate files of a listener.
func newTLSConfig(l ListenerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(l.CertFile, l.KeyFile)
	if err != nil {
		return nil, err
	}

	tlsc := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if l.CAFile != "" {
		ca, err := os.ReadFile(l.CAFile)
		if err != nil {
			return nil, err
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("unable to parse ca certificate %s", l.CAFile)
		}

		tlsc.ClientCAs = pool
		tlsc.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsc, nil
}

// toHooks converts hook configurations into hooks to be added to the server.
func (c *config) toHooks() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig

	hlc = append(hlc, c.toHooksAuth()...)

	if c.Storage != nil {
		hlc = append(hlc, c.toHooksStorage()...)
	}

	if c.Debug != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: c.Debug,
		})
	}

	return hlc
}

// toHooksAuth converts the auth and topic-check configurations into a single
// ledger-backed auth hook, or an allow-all hook for an open broker.
func (c *config) toHooksAuth() []mqtt.HookLoadConfig {
	open := c.Auth == nil || (c.Auth.AllowAnonymous && c.Auth.Ledger == nil)
	checked := c.TopicCheck != nil && c.TopicCheck.Enabled

	if open && !checked {
		return []mqtt.HookLoadConfig{
			{Hook: new(auth.AllowHook)},
		}
	}

	ledger := &auth.Ledger{
		Auth: auth.AuthRules{},
		ACL:  auth.ACLRules{},
	}

	if c.Auth != nil && c.Auth.Ledger != nil {
		ledger.Users = c.Auth.Ledger.Users
		ledger.Auth = c.Auth.Ledger.Auth
		ledger.ACL = c.Auth.Ledger.ACL
	}

	if c.Auth == nil || c.Auth.AllowAnonymous {
		// an empty auth rule matches and allows any client.
		ledger.Auth = append(ledger.Auth, auth.AuthRule{Allow: true})
	}

	if checked {
		ledger.ACL = append(ledger.ACL, c.TopicCheck.ACL...)
	} else {
		// topic checking is disabled; an empty acl rule allows all topics.
		ledger.ACL = append(ledger.ACL, auth.ACLRule{})
	}

	return []mqtt.HookLoadConfig{
		{Hook: new(auth.Hook), Config: &auth.Options{Ledger: ledger}},
	}
}

// toHooksStorage converts storage hook configurations into storage hooks.
func (c *config) toHooksStorage() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig
	if c.Storage.Bolt != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(bolt.Hook),
			Config: c.Storage.Bolt,
		})
	}

	if c.Storage.Badger != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(badger.Hook),
			Config: c.Storage.Badger,
		})
	}

	return hlc
}
