// Package config loads mbsyncgo's YAML configuration: stores, channels, and
// their credentials. Parsing, not synchronization policy, lives here; the
// engine only ever sees an already-resolved syncengine.ChannelConfig.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// StoreConfig describes one mailbox backend (IMAP account or local maildir root).
type StoreConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "imap" or "maildir"

	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Security string `yaml:"security,omitempty"` // tls, starttls, none
	User     string `yaml:"user,omitempty"`
	// PassCmd, when set, is run and its stdout (trimmed) used as the
	// password; takes precedence over the keyring. Pass is a last-resort
	// plaintext fallback for local testing.
	PassCmd string `yaml:"pass_cmd,omitempty"`
	Pass    string `yaml:"pass,omitempty"`

	Path string `yaml:"path,omitempty"` // maildir root
}

// ChannelConfig is the raw YAML shape of a channel before it's resolved into
// syncengine.ChannelConfig (which needs live Ops bitmasks, not strings).
//
// Ops is keyed by "far" (master) and "near" (slave); each value is a subset
// of {"new", "renew", "flags", "expunge", "delete", "trash_only_new"},
// mirroring mbsync's own per-side Sync/Create/Expunge channel directives
// collapsed into one list per side.
type ChannelConfig struct {
	Name string `yaml:"name"`
	Far  string `yaml:"far"`  // store name, conventionally "master"
	Near string `yaml:"near"` // store name, conventionally "slave"

	MasterBox string `yaml:"master_box"`
	SlaveBox  string `yaml:"slave_box"`

	Ops map[string][]string `yaml:"ops"`

	MaxMessages int   `yaml:"max_messages,omitempty"`
	MaxSize     int64 `yaml:"max_size,omitempty"`

	FarTrash        string `yaml:"far_trash,omitempty"`
	NearTrash       string `yaml:"near_trash,omitempty"`
	FarRemoteTrash  string `yaml:"far_remote_trash,omitempty"`
	NearRemoteTrash string `yaml:"near_remote_trash,omitempty"`

	SyncState string `yaml:"sync_state,omitempty"`
	FSync     string `yaml:"fsync,omitempty"`
}

// Config is the top-level parsed file.
type Config struct {
	GlobalStatePrefix string          `yaml:"state_prefix,omitempty"`
	FSync             string          `yaml:"fsync,omitempty"`
	Stores            []StoreConfig   `yaml:"stores"`
	Channels          []ChannelConfig `yaml:"channels"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Store looks up a named store.
func (c *Config) Store(name string) (*StoreConfig, error) {
	for i := range c.Stores {
		if c.Stores[i].Name == name {
			return &c.Stores[i], nil
		}
	}
	return nil, fmt.Errorf("store %q not found", name)
}

// Channel looks up a named channel.
func (c *Config) Channel(name string) (*ChannelConfig, error) {
	for i := range c.Channels {
		if c.Channels[i].Name == name {
			return &c.Channels[i], nil
		}
	}
	return nil, fmt.Errorf("channel %q not found", name)
}
