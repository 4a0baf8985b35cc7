// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/clustersync/internal/netutil"
)

// SlaveConfig is the top-level YAML document for cmd/clustersync-slave.
// A slave binds Node.SlaveGroup/Node.SlavePort and sends control traffic
// to the master at Node.Host/Node.Port; Node.NumSlaves bounds Index and
// sizes the multiplexer. Index is the slave's own 1-based position and is
// slave-specific, kept separate from the shared NodeNet struct since the
// master never needs it.
type SlaveConfig struct {
	Index   int         `yaml:"index"`
	Node    NodeNet     `yaml:"node"`
	Mux     MuxTuning   `yaml:"mux"`
	Logging LoggingInfo `yaml:"logging"`
}

// LoadSlaveConfig reads, parses, and validates a slave YAML config file.
func LoadSlaveConfig(path string) (*SlaveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading slave config: %w", err)
	}
	var cfg SlaveConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing slave config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating slave config: %w", err)
	}
	return &cfg, nil
}

func (c *SlaveConfig) validate() error {
	if c.Index <= 0 {
		return fmt.Errorf("index must be a positive 1-based slave number")
	}
	if c.Node.Host == "" {
		return fmt.Errorf("node.host is required")
	}
	if c.Node.Port <= 0 {
		return fmt.Errorf("node.port must be positive")
	}
	if c.Node.SlaveGroup == "" {
		return fmt.Errorf("node.slave_group is required")
	}
	if c.Node.SlavePort <= 0 {
		return fmt.Errorf("node.slave_port must be positive")
	}
	if c.Node.NumSlaves <= 0 {
		return fmt.Errorf("node.num_slaves must be positive")
	}
	if c.Index > c.Node.NumSlaves {
		return fmt.Errorf("index %d exceeds node.num_slaves %d", c.Index, c.Node.NumSlaves)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// NetutilConfig returns the socket configuration netutil.OpenSlaveSocket
// expects.
func (c *SlaveConfig) NetutilConfig() netutil.Config {
	return netutil.Config{
		MasterHost: c.Node.Host,
		MasterPort: c.Node.Port,
		SlaveGroup: c.Node.SlaveGroup,
		SlavePort:  c.Node.SlavePort,
	}
}
