// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration for the two
// command-line entry points: the dispatcher daemon (cmd/amandad) and the
// client tooling (cmd/amrequest).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/security"
	"gopkg.in/yaml.v3"
)

// DispatcherConfig is the top-level configuration for amandad: which
// driver it listens on, which services it may spawn, how peers are
// authorized, and the request timing budget (spec §4.G/§4.H).
type DispatcherConfig struct {
	Listen      ListenInfo        `yaml:"listen"`
	TLS         TLSServer         `yaml:"tls"`
	AmandaHosts AmandaHostsInfo   `yaml:"amandahosts"`
	Services    map[string]string `yaml:"services"`
	Tunables    TunablesInfo      `yaml:"tunables"`
	IdleExit    IdleExitInfo      `yaml:"idle_exit"`
	DSCP        string            `yaml:"dscp"`
	Logging     LoggingInfo       `yaml:"logging"`
}

// ListenInfo selects the transport driver and its listen address.
type ListenInfo struct {
	// Driver is one of "bsdudp", "bsdtcp", "tls".
	Driver  string `yaml:"driver"`
	Address string `yaml:"address"`
}

// TLSServer contains the mTLS material for the tls driver's accept side.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
	// FingerprintFile, if set, names a file holding the peer certificate's
	// pinned MD5 or SHA-1 fingerprint (spec §4.F.1 point 4).
	FingerprintFile string `yaml:"fingerprint_file"`
	// VerifyHostname, if true, requires the peer certificate's Common Name
	// to resolve to the connecting address (spec §4.F.1 point 3).
	VerifyHostname bool `yaml:"verify_hostname"`
}

// TLSClient contains the mTLS material for the tls driver's connect side.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	// FingerprintFile, if set, names a file holding the peer certificate's
	// pinned MD5 or SHA-1 fingerprint (spec §4.F.1 point 4).
	FingerprintFile string `yaml:"fingerprint_file"`
	// VerifyHostname, if true, requires the peer certificate's Common Name
	// to resolve to the connecting address (spec §4.F.1 point 3).
	VerifyHostname bool `yaml:"verify_hostname"`
}

// AmandaHostsInfo locates the .amandahosts file consulted by
// internal/authdb for peer authorization (spec §4.H.1).
type AmandaHostsInfo struct {
	Home        string `yaml:"home"`
	ExpectedUID int    `yaml:"expected_uid"`
	LocalUser   string `yaml:"local_user"`
}

// TunablesInfo mirrors security.Tunables in YAML-friendly form; zero
// fields fall back to security.DefaultTunables().
type TunablesInfo struct {
	ConnectTries  int           `yaml:"connect_tries"`
	ConnectWait   time.Duration `yaml:"connect_wait"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	ReplyTimeout  time.Duration `yaml:"reply_timeout"`
	RequestTries  int           `yaml:"request_tries"`
	TotalTries    int           `yaml:"total_tries"`
	DropDead      time.Duration `yaml:"drop_dead"`
	DataFDCount   int           `yaml:"data_fd_count"`
	AckRetryLimit int           `yaml:"ack_retry_limit"`
}

// Merge overlays t's non-zero fields onto security.DefaultTunables(),
// letting a YAML config set only the values it cares about.
func (t TunablesInfo) Merge() security.Tunables {
	out := security.DefaultTunables()
	if t.ConnectTries != 0 {
		out.ConnectTries = t.ConnectTries
	}
	if t.ConnectWait != 0 {
		out.ConnectWait = t.ConnectWait
	}
	if t.AckTimeout != 0 {
		out.AckTimeout = t.AckTimeout
	}
	if t.ReplyTimeout != 0 {
		out.ReplyTimeout = t.ReplyTimeout
	}
	if t.RequestTries != 0 {
		out.RequestTries = t.RequestTries
	}
	if t.TotalTries != 0 {
		out.TotalTries = t.TotalTries
	}
	if t.DropDead != 0 {
		out.DropDead = t.DropDead
	}
	if t.DataFDCount != 0 {
		out.DataFDCount = t.DataFDCount
	}
	if t.AckRetryLimit != 0 {
		out.AckRetryLimit = t.AckRetryLimit
	}
	return out
}

// ParseDSCP parses the config's dscp name into a numeric code point,
// returning 0 for an empty string (security.ParseDSCP).
func ParseDSCP(name string) (int, error) {
	return security.ParseDSCP(name)
}

// IdleExitInfo configures the dispatcher's idle-exit housekeeping timer
// and optional calendar-scheduled selfcheck pass.
type IdleExitInfo struct {
	Enabled           bool   `yaml:"enabled"`
	SelfCheckSchedule string `yaml:"self_check_schedule"` // cron expression, empty disables
	RootDisk          string `yaml:"root_disk"`           // default "/"
}

// LoggingInfo configures internal/logging's handler selection.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|text
	File   string `yaml:"file"`   // optional fan-out target, in addition to stdout
}

// LoadDispatcherConfig reads and validates amandad's YAML configuration.
func LoadDispatcherConfig(path string) (*DispatcherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dispatcher config: %w", err)
	}

	var cfg DispatcherConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing dispatcher config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating dispatcher config: %w", err)
	}

	return &cfg, nil
}

func (c *DispatcherConfig) validate() error {
	switch c.Listen.Driver {
	case "bsdudp", "bsdtcp", "tls":
	case "":
		return fmt.Errorf("listen.driver is required (bsdudp|bsdtcp|tls)")
	default:
		return fmt.Errorf("listen.driver must be bsdudp, bsdtcp, or tls, got %q", c.Listen.Driver)
	}
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.Listen.Driver == "tls" {
		if c.TLS.CACert == "" {
			return fmt.Errorf("tls.ca_cert is required when listen.driver is tls")
		}
		if c.TLS.ServerCert == "" {
			return fmt.Errorf("tls.server_cert is required when listen.driver is tls")
		}
		if c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.server_key is required when listen.driver is tls")
		}
	}

	if c.AmandaHosts.Home == "" {
		return fmt.Errorf("amandahosts.home is required")
	}
	if c.AmandaHosts.LocalUser == "" {
		return fmt.Errorf("amandahosts.local_user is required")
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("services must have at least one entry")
	}
	for name, path := range c.Services {
		if path == "" {
			return fmt.Errorf("services.%s: empty executable path", name)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.IdleExit.RootDisk == "" {
		c.IdleExit.RootDisk = "/"
	}

	return nil
}

// ClientConfig is amrequest's configuration: which host to talk to, over
// which driver, and the request state machine's retry/timeout tunables
// (spec §4.G).
type ClientConfig struct {
	Target   TargetInfo   `yaml:"target"`
	TLS      TLSClient    `yaml:"tls"`
	Tunables TunablesInfo `yaml:"tunables"`
	DSCP     string       `yaml:"dscp"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// TargetInfo identifies the dispatcher this client talks to.
type TargetInfo struct {
	Driver string `yaml:"driver"` // bsdudp|bsdtcp|tls|rsh|ssh|local
	Host   string `yaml:"host"`
}

// LoadClientConfig reads and validates amrequest's YAML configuration.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	switch c.Target.Driver {
	case "bsdudp", "bsdtcp", "tls", "rsh", "ssh", "local":
	case "":
		return fmt.Errorf("target.driver is required")
	default:
		return fmt.Errorf("target.driver %q is not a known driver", c.Target.Driver)
	}
	if c.Target.Host == "" {
		return fmt.Errorf("target.host is required")
	}
	if c.Target.Driver == "tls" {
		if c.TLS.CACert == "" {
			return fmt.Errorf("tls.ca_cert is required when target.driver is tls")
		}
		if c.TLS.ClientCert == "" {
			return fmt.Errorf("tls.client_cert is required when target.driver is tls")
		}
		if c.TLS.ClientKey == "" {
			return fmt.Errorf("tls.client_key is required when target.driver is tls")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
