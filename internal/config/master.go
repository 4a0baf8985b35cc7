// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads the YAML configuration for the master and slave
// mains, applying mux.DefaultConfig's values to any multiplexer tuning
// field left zero.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/clustersync/internal/mux"
	"github.com/nishisan-dev/clustersync/internal/netutil"
)

// NodeNet addresses the shared multicast transport: the master binds Host
// in a loopback/leg of the cluster network while every node agrees on the
// same SlaveGroup/SlavePort.
type NodeNet struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	SlaveGroup string `yaml:"slave_group"`
	SlavePort  int    `yaml:"slave_port"`
	NumSlaves  int    `yaml:"num_slaves"`
}

// MuxTuning mirrors mux.Config in YAML-friendly form; a zero field falls
// back to mux.DefaultConfig's value rather than to Go's own zero value.
type MuxTuning struct {
	ConnectionWaitTimeout  time.Duration `yaml:"connection_wait_timeout"`
	PingTimeout            time.Duration `yaml:"ping_timeout"`
	MaxPingRequests        int           `yaml:"max_ping_requests"`
	ReceiveWaitTimeout     time.Duration `yaml:"receive_wait_timeout"`
	BarrierWaitTimeout     time.Duration `yaml:"barrier_wait_timeout"`
	SendBufferSize         int           `yaml:"send_buffer_size"`
	MasterMessageBurstSize int           `yaml:"master_message_burst_size"`
	SlaveMessageBurstSize  int           `yaml:"slave_message_burst_size"`
	SendRateLimit          int64         `yaml:"send_rate_limit_bytes_per_sec"`
}

// ToMuxConfig overlays non-zero fields onto mux.DefaultConfig().
func (t MuxTuning) ToMuxConfig() mux.Config {
	c := mux.DefaultConfig()
	if t.ConnectionWaitTimeout > 0 {
		c.ConnectionWaitTimeout = t.ConnectionWaitTimeout
	}
	if t.PingTimeout > 0 {
		c.PingTimeout = t.PingTimeout
	}
	if t.MaxPingRequests > 0 {
		c.MaxPingRequests = t.MaxPingRequests
	}
	if t.ReceiveWaitTimeout > 0 {
		c.ReceiveWaitTimeout = t.ReceiveWaitTimeout
	}
	if t.BarrierWaitTimeout > 0 {
		c.BarrierWaitTimeout = t.BarrierWaitTimeout
	}
	if t.SendBufferSize > 0 {
		c.SendBufferSize = t.SendBufferSize
	}
	if t.MasterMessageBurstSize > 0 {
		c.MasterMessageBurstSize = t.MasterMessageBurstSize
	}
	if t.SlaveMessageBurstSize > 0 {
		c.SlaveMessageBurstSize = t.SlaveMessageBurstSize
	}
	if t.SendRateLimit > 0 {
		c.SendRateLimit = t.SendRateLimit
	}
	return c
}

// LoggingInfo controls the slog handler the mains construct.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DemoConfig drives the master's side of the bundled triple-buffered
// frame demo (see internal/payload) that both mains run once the initial
// connection handshake completes; the slave's side has no settings.
type DemoConfig struct {
	PayloadBytes int  `yaml:"payload_bytes"`
	Iterations   int  `yaml:"iterations"`
	Compress     bool `yaml:"compress"`
}

// MasterConfig is the top-level YAML document for cmd/clustersync-master.
type MasterConfig struct {
	Node    NodeNet     `yaml:"node"`
	Mux     MuxTuning   `yaml:"mux"`
	Logging LoggingInfo `yaml:"logging"`
	Demo    DemoConfig  `yaml:"demo"`
}

// LoadMasterConfig reads, parses, and validates a master YAML config file.
func LoadMasterConfig(path string) (*MasterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading master config: %w", err)
	}
	var cfg MasterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing master config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating master config: %w", err)
	}
	return &cfg, nil
}

func (c *MasterConfig) validate() error {
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
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Demo.PayloadBytes <= 0 {
		c.Demo.PayloadBytes = 256
	}
	if c.Demo.Iterations <= 0 {
		c.Demo.Iterations = 100
	}
	return nil
}

// NetutilConfig returns the socket configuration netutil.OpenMasterSocket
// expects.
func (c *MasterConfig) NetutilConfig() netutil.Config {
	return netutil.Config{
		MasterHost: c.Node.Host,
		MasterPort: c.Node.Port,
		SlaveGroup: c.Node.SlaveGroup,
		SlavePort:  c.Node.SlavePort,
	}
}
