// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the proxy's runtime configuration (spec.md §6) from
// YAML via gopkg.in/yaml.v3, mirroring the Options-struct-plus-loader shape
// SPEC_FULL.md §A.2 specifies.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Listen is the proxy's client-facing bind address.
type Listen struct {
	Addr string `yaml:"addr"`
	Port uint16 `yaml:"port"`
}

// Upstream describes one configured upstream instance (spec.md §3's
// ConnectOptions).
type Upstream struct {
	Address     string `yaml:"address"`
	Service     string `yaml:"service"`
	IsTarantool bool   `yaml:"is_tnt"`
	Transport   string `yaml:"transport"` // "plain" or "tls"
}

// Logging configures the logging package at start-up.
type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the top-level runtime configuration document.
type Config struct {
	Listen         Listen     `yaml:"listen"`
	Upstreams      []Upstream `yaml:"upstreams"`
	MaxConnections int        `yaml:"max_connections"`
	ReadaheadBytes int        `yaml:"readahead_bytes"`
	RingBlockBytes int        `yaml:"ring_block_bytes"`
	RingCapBytes   int        `yaml:"ring_cap_bytes"`
	Logging        Logging    `yaml:"logging"`
}

// Default returns a Config with the same defaults the facade's Options use.
func Default() Config {
	return Config{
		Listen:         Listen{Addr: "0.0.0.0", Port: 3301},
		MaxConnections: 128,
		ReadaheadBytes: 64 * 1024,
		RingBlockBytes: 16 * 1024,
		Logging:        Logging{Level: "info"},
	}
}

// Load reads and parses a YAML configuration file, overlaying it onto
// Default(), and validates the listen address/port (spec.md §7's
// configuration-error class).
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the listen address and port are well-formed.
func (c Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("config: listen.addr must not be empty")
	}
	if net.ParseIP(c.Listen.Addr) == nil {
		return fmt.Errorf("config: listen.addr %q is not a valid IP address", c.Listen.Addr)
	}
	if c.Listen.Port == 0 {
		return fmt.Errorf("config: listen.port must be nonzero")
	}
	return nil
}

// Addr returns "host:port" suitable for stream.Listen.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Listen.Addr, strconv.Itoa(int(c.Listen.Port)))
}
