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

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

const validDispatcherYAML = `
listen:
  driver: bsdtcp
  address: "0.0.0.0:10080"
amandahosts:
  home: /var/lib/amanda
  local_user: amanda
services:
  noop: /usr/libexec/amanda/noop
  sendbackup: /usr/libexec/amanda/sendbackup
`

func TestLoadDispatcherConfig_Minimal(t *testing.T) {
	path := writeTempConfig(t, validDispatcherYAML)
	cfg, err := LoadDispatcherConfig(path)
	if err != nil {
		t.Fatalf("LoadDispatcherConfig: %v", err)
	}
	if cfg.Listen.Driver != "bsdtcp" {
		t.Errorf("expected driver bsdtcp, got %q", cfg.Listen.Driver)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default logging format json, got %q", cfg.Logging.Format)
	}
	if cfg.IdleExit.RootDisk != "/" {
		t.Errorf("expected default root_disk /, got %q", cfg.IdleExit.RootDisk)
	}
	if len(cfg.Services) != 2 {
		t.Errorf("expected 2 services, got %d", len(cfg.Services))
	}
}

func TestLoadDispatcherConfig_MissingDriverIsError(t *testing.T) {
	content := `
listen:
  address: "0.0.0.0:10080"
amandahosts:
  home: /var/lib/amanda
  local_user: amanda
services:
  noop: /usr/libexec/amanda/noop
`
	path := writeTempConfig(t, content)
	if _, err := LoadDispatcherConfig(path); err == nil {
		t.Fatal("expected error for missing listen.driver")
	}
}

func TestLoadDispatcherConfig_UnknownDriverIsError(t *testing.T) {
	content := `
listen:
  driver: carrier-pigeon
  address: "0.0.0.0:10080"
amandahosts:
  home: /var/lib/amanda
  local_user: amanda
services:
  noop: /usr/libexec/amanda/noop
`
	path := writeTempConfig(t, content)
	if _, err := LoadDispatcherConfig(path); err == nil {
		t.Fatal("expected error for unknown listen.driver")
	}
}

func TestLoadDispatcherConfig_TLSDriverRequiresCertPaths(t *testing.T) {
	content := `
listen:
  driver: tls
  address: "0.0.0.0:10443"
amandahosts:
  home: /var/lib/amanda
  local_user: amanda
services:
  noop: /usr/libexec/amanda/noop
`
	path := writeTempConfig(t, content)
	if _, err := LoadDispatcherConfig(path); err == nil {
		t.Fatal("expected error for tls driver missing cert paths")
	}
}

func TestLoadDispatcherConfig_NoServicesIsError(t *testing.T) {
	content := `
listen:
  driver: bsdtcp
  address: "0.0.0.0:10080"
amandahosts:
  home: /var/lib/amanda
  local_user: amanda
services: {}
`
	path := writeTempConfig(t, content)
	if _, err := LoadDispatcherConfig(path); err == nil {
		t.Fatal("expected error for empty services map")
	}
}

func TestLoadDispatcherConfig_FileNotFound(t *testing.T) {
	if _, err := LoadDispatcherConfig("/nonexistent/path/dispatcher.yaml"); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadDispatcherConfig_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "{{invalid yaml}}")
	if _, err := LoadDispatcherConfig(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestTunablesInfo_MergeOverlaysOnlyNonZero(t *testing.T) {
	info := TunablesInfo{AckTimeout: 3 * time.Second, RequestTries: 7}
	tun := info.Merge()
	if tun.AckTimeout != 3*time.Second {
		t.Errorf("expected overridden AckTimeout 3s, got %s", tun.AckTimeout)
	}
	if tun.RequestTries != 7 {
		t.Errorf("expected overridden RequestTries 7, got %d", tun.RequestTries)
	}
	// Everything else should retain DefaultTunables' values.
	if tun.ConnectTries != 3 {
		t.Errorf("expected default ConnectTries 3, got %d", tun.ConnectTries)
	}
	if tun.DropDead != time.Hour {
		t.Errorf("expected default DropDead 1h, got %s", tun.DropDead)
	}
}

const validClientYAML = `
target:
  driver: bsdtcp
  host: "backup-server:10080"
`

func TestLoadClientConfig_Minimal(t *testing.T) {
	path := writeTempConfig(t, validClientYAML)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Target.Host != "backup-server:10080" {
		t.Errorf("expected target.host set, got %q", cfg.Target.Host)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadClientConfig_MissingHostIsError(t *testing.T) {
	content := `
target:
  driver: bsdtcp
`
	path := writeTempConfig(t, content)
	if _, err := LoadClientConfig(path); err == nil {
		t.Fatal("expected error for missing target.host")
	}
}

func TestLoadClientConfig_UnknownDriverIsError(t *testing.T) {
	content := `
target:
  driver: carrier-pigeon
  host: "backup-server:10080"
`
	path := writeTempConfig(t, content)
	if _, err := LoadClientConfig(path); err == nil {
		t.Fatal("expected error for unknown target.driver")
	}
}

func TestLoadClientConfig_TLSDriverRequiresCertPaths(t *testing.T) {
	content := `
target:
  driver: tls
  host: "backup-server:10443"
`
	path := writeTempConfig(t, content)
	if _, err := LoadClientConfig(path); err == nil {
		t.Fatal("expected error for tls driver missing cert paths")
	}
}

func TestParseDSCP_Passthrough(t *testing.T) {
	val, err := ParseDSCP("EF")
	if err != nil {
		t.Fatalf("ParseDSCP: %v", err)
	}
	if val != 46 {
		t.Errorf("expected EF=46, got %d", val)
	}
}
