// Package config loads the engine's JSON configuration: one logger
// setting, a worker pool size, and a set of listeners, each naming an
// ordered chain of node types to build.
//
// Grounded on the teacher's config/setting.go (projectConfig, GlobalCfg,
// Reload, per-rule verify()), restructured around chains of tunnel nodes
// instead of a fixed name/listen/mode/targets relay rule.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/cppla/waterway/internal/logging"
	"github.com/cppla/waterway/tunnel"
)

// Config is the top-level configuration document.
type Config struct {
	Log       logging.Config    `json:"log"`
	Workers   int               `json:"workers"`
	Listeners []*ListenerConfig `json:"listeners"`
}

// ListenerConfig describes one bound listener and the chain of nodes that
// processes every connection it accepts.
type ListenerConfig struct {
	Name    string `json:"name"`
	Network string `json:"network"` // "tcp" or "quic"
	Listen  string `json:"listen"`

	// TLS fields are only consulted when Network is "quic".
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`

	RateLimitPerWindow int `json:"rate_limit_per_window"`
	RateLimitWindowSec int `json:"rate_limit_window_sec"`

	Chain []NodeConfigJSON `json:"chain"`
}

// NodeConfigJSON is one position in a listener's chain, as read from JSON.
type NodeConfigJSON struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

// NodeConfigs converts a listener's JSON chain description into the
// tunnel.NodeConfig slice tunnel.Build consumes.
func (lc *ListenerConfig) NodeConfigs() []tunnel.NodeConfig {
	out := make([]tunnel.NodeConfig, len(lc.Chain))
	for i, n := range lc.Chain {
		out[i] = tunnel.NodeConfig{Type: n.Type, Name: n.Name, Raw: n.Config}
	}
	return out
}

// GlobalCfg holds the configuration loaded at startup, populated by init()
// exactly once, then replaceable at runtime via Reload.
var GlobalCfg *Config

func init() {
	path := os.Getenv("WATERWAY_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to load %s: %s\n", path, err.Error())
		return
	}
	cfg, err := parse(buf)
	if err != nil {
		fmt.Printf("failed to load %s: %s\n", path, err.Error())
		return
	}
	GlobalCfg = cfg
}

// Reload reads and validates the configuration at path, replacing GlobalCfg
// only on success.
func Reload(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := parse(buf)
	if err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

func parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config: no listeners configured")
	}
	for i, lc := range cfg.Listeners {
		if err := lc.verify(); err != nil {
			return nil, fmt.Errorf("config: listener at pos %d: %w", i, err)
		}
	}
	return &cfg, nil
}

func (lc *ListenerConfig) verify() error {
	if lc.Name == "" {
		return fmt.Errorf("empty name")
	}
	if lc.Listen == "" {
		return fmt.Errorf("invalid listen address")
	}
	switch lc.Network {
	case "tcp":
	case "quic":
		if lc.TLSCertFile == "" || lc.TLSKeyFile == "" {
			return fmt.Errorf("quic listener %q requires tls_cert_file and tls_key_file", lc.Name)
		}
	default:
		return fmt.Errorf("unknown network %q, want tcp or quic", lc.Network)
	}
	if len(lc.Chain) == 0 {
		return fmt.Errorf("empty chain")
	}
	if lc.RateLimitPerWindow == 0 {
		lc.RateLimitPerWindow = 200
	}
	if lc.RateLimitWindowSec == 0 {
		lc.RateLimitWindowSec = 30
	}
	return nil
}
