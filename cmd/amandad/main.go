// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command amandad is the per-host backup service dispatcher (spec §4.H):
// it listens on a security driver, authorizes peers against .amandahosts,
// and spawns the requested backup service per incoming REQ.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-dispatch/internal/config"
	"github.com/nishisan-dev/n-dispatch/internal/dispatcher"
	"github.com/nishisan-dev/n-dispatch/internal/logging"
	"github.com/nishisan-dev/n-dispatch/internal/security"
	"github.com/nishisan-dev/n-dispatch/internal/security/bsdtcp"
	"github.com/nishisan-dev/n-dispatch/internal/security/bsdudp"
	"github.com/nishisan-dev/n-dispatch/internal/security/tlsdriver"
)

// Version is filled via ldflags at build time (-X main.Version=x.y.z).
var Version = "dev"

// amdumpServices is the set "amdump" enables as a positional argument
// (spec §6 CLI surface, §4.H.1 .amandahosts amdump alias).
var amdumpServices = []string{"noop", "selfcheck", "sendsize", "sendbackup"}

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "--version" {
		fmt.Printf("amandad %s\n", Version)
		os.Exit(0)
	}

	configPath := flag.String("config", "/etc/amandad/amandad.yaml", "path to dispatcher config file")
	auth := flag.String("auth", "", "override the configured security driver (bsd|bsdudp|bsdtcp|ssl|tls)")
	noExit := flag.Bool("no-exit", false, "never exit when the service queue is idle")
	udpPort := flag.Int("udp", 0, "bind the bsdudp driver directly to this port (debug/testing)")
	tcpPort := flag.Int("tcp", 0, "bind the bsdtcp driver directly to this port (debug/testing)")
	flag.Parse()

	cfg, err := config.LoadDispatcherConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *auth != "" {
		cfg.Listen.Driver = normalizeAuthToken(*auth)
	}
	if *udpPort != 0 {
		cfg.Listen.Driver = "bsdudp"
		cfg.Listen.Address = fmt.Sprintf("0.0.0.0:%d", *udpPort)
	}
	if *tcpPort != 0 {
		cfg.Listen.Driver = "bsdtcp"
		cfg.Listen.Address = fmt.Sprintf("0.0.0.0:%d", *tcpPort)
	}

	if err := applyServiceSelection(cfg, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	drv, err := buildDriver(cfg, logger)
	if err != nil {
		logger.Error("failed to build security driver", "driver", cfg.Listen.Driver, "error", err)
		os.Exit(1)
	}
	defer drv.Close()

	disp := dispatcher.New(drv, dispatcher.Config{
		AllowedServices:   cfg.Services,
		AmandaHostsHome:   cfg.AmandaHosts.Home,
		ExpectedUID:       cfg.AmandaHosts.ExpectedUID,
		LocalUser:         cfg.AmandaHosts.LocalUser,
		Tunables:          cfg.Tunables.Merge(),
		ExitWhenIdle:      cfg.IdleExit.Enabled && !*noExit,
		SelfCheckSchedule: cfg.IdleExit.SelfCheckSchedule,
		RootDisk:          cfg.IdleExit.RootDisk,
	}, logger)

	if err := disp.Run(); err != nil {
		logger.Error("dispatcher failed to start", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	disp.Stop()
}

// normalizeAuthToken maps the CLI's -auth= tokens (spec §6: "bsd, bsdudp,
// bsdtcp, krb5, rsh, ssh, local, ssl") onto this module's driver names.
// "bsd" is the historical default and means bsdudp; "ssl"/"krb5" map to
// the tls driver's two historical call sites (krb5 never had its own
// security-util.c counterpart in this core — tls is its closest analogue
// carried here so the flag is still accepted rather than rejected).
func normalizeAuthToken(token string) string {
	switch token {
	case "bsd":
		return "bsdudp"
	case "ssl", "krb5":
		return "tls"
	default:
		return token
	}
}

// applyServiceSelection implements spec §6's positional service
// enable/disable rule: with no positional args every configured service
// stays allowed; the first positional arg clears the set and each
// argument (or "amdump") re-enables just the named services.
func applyServiceSelection(cfg *config.DispatcherConfig, args []string) error {
	if len(args) == 0 {
		return nil
	}

	selected := make(map[string]bool)
	for _, arg := range args {
		if arg == "amdump" {
			for _, svc := range amdumpServices {
				selected[svc] = true
			}
			continue
		}
		if _, ok := cfg.Services[arg]; !ok {
			return fmt.Errorf("%s: invalid service", arg)
		}
		selected[arg] = true
	}

	for name := range cfg.Services {
		if !selected[name] {
			delete(cfg.Services, name)
		}
	}
	return nil
}

func buildDriver(cfg *config.DispatcherConfig, logger *slog.Logger) (security.Driver, error) {
	dscp, err := config.ParseDSCP(cfg.DSCP)
	if err != nil {
		return nil, fmt.Errorf("dscp: %w", err)
	}

	switch cfg.Listen.Driver {
	case "bsdudp":
		mailbox, err := bsdudpBind(cfg.Listen.Address)
		if err != nil {
			return nil, err
		}
		return bsdudp.New(mailbox, 0, logger), nil
	case "bsdtcp":
		ln, err := net.Listen("tcp", cfg.Listen.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
		}
		return bsdtcp.New(ln, cfg.Tunables.ConnectTries, cfg.Tunables.ConnectWait, dscp, logger), nil
	case "tls":
		ln, err := net.Listen("tcp", cfg.Listen.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
		}
		serverCfg := tlsdriver.Config{
			CACertPath:      cfg.TLS.CACert,
			CertPath:        cfg.TLS.ServerCert,
			KeyPath:         cfg.TLS.ServerKey,
			FingerprintFile: cfg.TLS.FingerprintFile,
			VerifyHostname:  cfg.TLS.VerifyHostname,
		}
		return tlsdriver.New(ln, tlsdriver.Config{}, serverCfg, cfg.Tunables.ConnectTries, cfg.Tunables.ConnectWait, dscp, logger), nil
	default:
		return nil, fmt.Errorf("unsupported listen driver %q", cfg.Listen.Driver)
	}
}

func bsdudpBind(address string) (*bsdudp.Mailbox, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return bsdudp.Bind("udp", true)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port == 0 {
		return bsdudp.Bind("udp", true)
	}
	return bsdudp.BindPort("udp", port)
}
