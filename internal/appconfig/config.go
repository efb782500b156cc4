// Package appconfig loads the overlay's TOML configuration file, following
// a LoadConfig(path) (*Config, error) shape that fills in defaults after
// unmarshal.
package appconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Keepalive accepts either a TOML boolean or a TOML integer (1/0): older
// config files express it as an integer flag, but this loader treats
// keepalive as the boolean "permanent session" mode.
type Keepalive bool

// UnmarshalTOML implements toml.Unmarshaler.
func (k *Keepalive) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case bool:
		*k = Keepalive(v)
	case int64:
		*k = Keepalive(v != 0)
	default:
		return fmt.Errorf("keepalive: unsupported TOML value %T", data)
	}
	return nil
}

// Config is the root of a node or client configuration file.
type Config struct {
	Device  DeviceConfig   `toml:"device"`
	Tunnels []TunnelConfig `toml:"tunnels"`
	Nodes   []NodeConfig   `toml:"nodes"`
	Rules   *RulesConfig   `toml:"rules"`
}

// DeviceConfig describes the local TUN interface.
type DeviceConfig struct {
	Name          string `toml:"name"`
	MTU           int    `toml:"mtu"`
	Addr          string `toml:"addr"`
	Mask          string `toml:"mask"`
	DisableOnExit bool   `toml:"disable_on_exit"`
}

// TunnelConfig describes one relay-side listener.
type TunnelConfig struct {
	Type string `toml:"type"`
	Addr string `toml:"addr"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// NodeConfig describes one remote peer a client or relay can reach.
// keepwarm and session_ttl let all three session lifecycle modes be
// expressed directly in TOML, alongside keepalive.
type NodeConfig struct {
	ID         string    `toml:"id"`
	Addr       string    `toml:"addr"`
	Tunnel     string    `toml:"tunnel"`
	Keepalive  Keepalive `toml:"keepalive"`
	Keepwarm   bool      `toml:"keepwarm"`
	SessionTTL string    `toml:"session_ttl"` // parsed with time.ParseDuration by the caller
	Primary    bool      `toml:"primary"`
	CA         string    `toml:"ca"`
	SNI        string    `toml:"sni"`
}

// RulesConfig restricts the client Node Coordinator's candidate set.
type RulesConfig struct {
	Tunnels []string `toml:"tunnels"`
	Nodes   int      `toml:"nodes"`
}

// Load reads and parses the TOML file at path, filling in defaults for any
// field the file leaves zero-valued.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	if c.Device.MTU == 0 {
		c.Device.MTU = 1500
	}

	return &c, nil
}
