// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadMasterConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `
node:
  host: 0.0.0.0
  port: 9000
  slave_group: 239.0.0.1
  slave_port: 9001
  num_slaves: 3
`)
	cfg, err := LoadMasterConfig(path)
	if err != nil {
		t.Fatalf("LoadMasterConfig: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Demo.PayloadBytes != 256 || cfg.Demo.Iterations != 100 {
		t.Errorf("unexpected demo defaults: %+v", cfg.Demo)
	}
}

func TestLoadMasterConfigMissingField(t *testing.T) {
	path := writeTempConfig(t, `
node:
  port: 9000
  slave_group: 239.0.0.1
  slave_port: 9001
  num_slaves: 3
`)
	if _, err := LoadMasterConfig(path); err == nil {
		t.Fatal("expected an error for missing node.host")
	}
}

func TestMuxTuningOverlaysOnlyNonZeroFields(t *testing.T) {
	tuning := MuxTuning{SendBufferSize: 40}
	got := tuning.ToMuxConfig()
	if got.SendBufferSize != 40 {
		t.Errorf("SendBufferSize = %d, want 40", got.SendBufferSize)
	}
	if got.ConnectionWaitTimeout != 500*time.Millisecond {
		t.Errorf("ConnectionWaitTimeout should fall back to default, got %v", got.ConnectionWaitTimeout)
	}
}

func TestLoadSlaveConfigIndexOutOfRange(t *testing.T) {
	path := writeTempConfig(t, `
index: 5
node:
  host: 10.0.0.1
  port: 9000
  slave_group: 239.0.0.1
  slave_port: 9001
  num_slaves: 3
`)
	if _, err := LoadSlaveConfig(path); err == nil {
		t.Fatal("expected an error when index exceeds num_slaves")
	}
}

func TestLoadSlaveConfigValid(t *testing.T) {
	path := writeTempConfig(t, `
index: 2
node:
  host: 10.0.0.1
  port: 9000
  slave_group: 239.0.0.1
  slave_port: 9001
  num_slaves: 3
`)
	cfg, err := LoadSlaveConfig(path)
	if err != nil {
		t.Fatalf("LoadSlaveConfig: %v", err)
	}
	if cfg.Index != 2 {
		t.Errorf("Index = %d, want 2", cfg.Index)
	}
}
