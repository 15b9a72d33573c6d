package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config is the root of collab.yml / collab.toml.
type Config struct {
	Version   string          `yaml:"version" toml:"version" json:"version" jsonschema:"description=Configuration version (e.g. 1.0)"`
	Server    ServerConfig    `yaml:"server" toml:"server" json:"server" jsonschema:"description=Collaboration server the editor connects to"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence" json:"presence" jsonschema:"description=Presence staleness and continuity settings"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect" json:"reconnect" jsonschema:"description=Socket reconnection backoff"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay" json:"relay" jsonschema:"description=Development relay server settings"`

	// Extensions captures all other top-level keys (for example "logging").
	Extensions map[string]interface{} `yaml:",inline" toml:"-" json:"-" jsonschema:"-"`
}

// ServerConfig points the client at a relay or production server.
type ServerConfig struct {
	URL   string `yaml:"url" toml:"url" json:"url" jsonschema:"description=Websocket endpoint, e.g. ws://localhost:4000/socket/websocket"`
	Token string `yaml:"token,omitempty" toml:"token,omitempty" json:"token,omitempty" jsonschema:"description=Bearer token sent in the join payload"`
}

// PresenceConfig holds the presence thresholds. Values are milliseconds.
type PresenceConfig struct {
	StaleAfterMs int `yaml:"stale_after_ms" toml:"stale_after_ms" json:"stale_after_ms" jsonschema:"minimum=1,description=A collaborator is active while now - lastSeen is at most this"`
	RetainForMs  int `yaml:"retain_for_ms" toml:"retain_for_ms" json:"retain_for_ms" jsonschema:"minimum=1,description=How long a collaborator stays listed after its last observed update"`
	HeartbeatMs  int `yaml:"heartbeat_ms" toml:"heartbeat_ms" json:"heartbeat_ms" jsonschema:"minimum=1,description=Interval between presence re-broadcasts"`
	ThrottleMs   int `yaml:"throttle_ms" toml:"throttle_ms" json:"throttle_ms" jsonschema:"minimum=0,description=Minimum gap between activity-driven lastSeen updates"`
	RefreshMs    int `yaml:"refresh_ms" toml:"refresh_ms" json:"refresh_ms" jsonschema:"minimum=1,description=How often activity flags are re-derived"`
	OutdatedMs   int `yaml:"outdated_ms" toml:"outdated_ms" json:"outdated_ms" jsonschema:"minimum=1,description=Remote state without renewal for this long is reported as timed out"`
}

// ReconnectConfig configures exponential backoff. Values are milliseconds.
type ReconnectConfig struct {
	InitialMs  int     `yaml:"initial_ms" toml:"initial_ms" json:"initial_ms" jsonschema:"minimum=1"`
	MaxMs      int     `yaml:"max_ms" toml:"max_ms" json:"max_ms" jsonschema:"minimum=1"`
	Multiplier float64 `yaml:"multiplier" toml:"multiplier" json:"multiplier" jsonschema:"minimum=1"`
}

// RelayConfig configures the development relay.
type RelayConfig struct {
	Addr      string          `yaml:"addr" toml:"addr" json:"addr" jsonschema:"description=Listen address"`
	DBPath    string          `yaml:"db_path,omitempty" toml:"db_path,omitempty" json:"db_path,omitempty" jsonschema:"description=SQLite file for workflow snapshots; empty keeps them in memory"`
	JWTSecret string          `yaml:"jwt_secret,omitempty" toml:"jwt_secret,omitempty" json:"jwt_secret,omitempty" jsonschema:"description=HMAC secret for join tokens; empty disables auth"`
	CanEdit   *bool           `yaml:"can_edit,omitempty" toml:"can_edit,omitempty" json:"can_edit,omitempty"`
	CanRun    *bool           `yaml:"can_run,omitempty" toml:"can_run,omitempty" json:"can_run,omitempty"`
	Adaptors  []AdaptorConfig `yaml:"adaptors,omitempty" toml:"adaptors,omitempty" json:"adaptors,omitempty"`
}

// AdaptorConfig lists an adaptor the relay advertises.
type AdaptorConfig struct {
	Name     string   `yaml:"name" toml:"name" json:"name"`
	Versions []string `yaml:"versions,omitempty" toml:"versions,omitempty" json:"versions,omitempty"`
}

const (
	DefaultStaleAfterMs = 12000
	DefaultRetainForMs  = 60000
	DefaultHeartbeatMs  = 5000
	DefaultThrottleMs   = 1000
	DefaultRefreshMs    = 1000
	DefaultOutdatedMs   = 30000

	DefaultReconnectInitialMs = 500
	DefaultReconnectMaxMs     = 10000
	DefaultReconnectFactor    = 2.0

	DefaultServerURL = "ws://localhost:4000/socket/websocket"
	DefaultRelayAddr = "localhost:4000"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Server.URL == "" {
		c.Server.URL = DefaultServerURL
	}

	p := &c.Presence
	if p.StaleAfterMs == 0 {
		p.StaleAfterMs = DefaultStaleAfterMs
	}
	if p.RetainForMs == 0 {
		p.RetainForMs = DefaultRetainForMs
	}
	if p.HeartbeatMs == 0 {
		p.HeartbeatMs = DefaultHeartbeatMs
	}
	if p.ThrottleMs == 0 {
		p.ThrottleMs = DefaultThrottleMs
	}
	if p.RefreshMs == 0 {
		p.RefreshMs = DefaultRefreshMs
	}
	if p.OutdatedMs == 0 {
		p.OutdatedMs = DefaultOutdatedMs
	}

	r := &c.Reconnect
	if r.InitialMs == 0 {
		r.InitialMs = DefaultReconnectInitialMs
	}
	if r.MaxMs == 0 {
		r.MaxMs = DefaultReconnectMaxMs
	}
	if r.Multiplier == 0 {
		r.Multiplier = DefaultReconnectFactor
	}

	if c.Relay.Addr == "" {
		c.Relay.Addr = DefaultRelayAddr
	}
}

// StaleAfter is the presence activity threshold.
func (p PresenceConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterMs) * time.Millisecond
}

// RetainFor is the continuity cache window.
func (p PresenceConfig) RetainFor() time.Duration {
	return time.Duration(p.RetainForMs) * time.Millisecond
}

func (p PresenceConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatMs) * time.Millisecond
}

func (p PresenceConfig) Throttle() time.Duration {
	return time.Duration(p.ThrottleMs) * time.Millisecond
}

func (p PresenceConfig) Refresh() time.Duration {
	return time.Duration(p.RefreshMs) * time.Millisecond
}

func (p PresenceConfig) Outdated() time.Duration {
	return time.Duration(p.OutdatedMs) * time.Millisecond
}

func (r ReconnectConfig) Initial() time.Duration {
	return time.Duration(r.InitialMs) * time.Millisecond
}

func (r ReconnectConfig) Max() time.Duration {
	return time.Duration(r.MaxMs) * time.Millisecond
}

// UnmarshalExtension decodes a specific extension's configuration from the
// loaded collab.yml into the provided target struct. The target must be a pointer.
//
// Example:
//
//	var logCfg logging.Config
//	err := cfg.UnmarshalExtension("logging", &logCfg)
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		// A missing key leaves the target zero-valued.
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "yaml",
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(extensionConfig); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}

	return nil
}
