// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command amrequest is the client-side tool that submits one request to
// an amandad dispatcher and prints its reply (spec §4.G): it drives the
// client package's REQ/ACK/REP state machine over whichever security
// driver the target configuration names and exits non-zero on NAK or
// abort.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-dispatch/internal/client"
	"github.com/nishisan-dev/n-dispatch/internal/config"
	"github.com/nishisan-dev/n-dispatch/internal/logging"
	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
	"github.com/nishisan-dev/n-dispatch/internal/security/bsdtcp"
	"github.com/nishisan-dev/n-dispatch/internal/security/bsdudp"
	"github.com/nishisan-dev/n-dispatch/internal/security/local"
	"github.com/nishisan-dev/n-dispatch/internal/security/rsh"
	"github.com/nishisan-dev/n-dispatch/internal/security/ssh"
	"github.com/nishisan-dev/n-dispatch/internal/security/tlsdriver"
)

var Version = "dev"

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "--version" {
		fmt.Printf("amrequest %s\n", Version)
		os.Exit(0)
	}

	configPath := flag.String("config", "/etc/amandad/amrequest.yaml", "path to client config file")
	auth := flag.String("auth", "", "override the configured security driver (bsd|bsdudp|bsdtcp|ssl|tls|rsh|ssh|local)")
	user := flag.String("user", "", "SECURITY USER line to send with the request")
	service := flag.String("service", "noop", "service name to request")
	timeout := flag.Duration("timeout", 0, "override drop_dead timeout (e.g. 30s)")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *auth != "" {
		cfg.Target.Driver = normalizeAuthToken(*auth)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	drv, err := buildDriver(cfg, logger)
	if err != nil {
		logger.Error("failed to build security driver", "driver", cfg.Target.Driver, "error", err)
		os.Exit(1)
	}
	defer drv.Close()

	tun := cfg.Tunables.Merge()
	if *timeout != 0 {
		tun.DropDead = *timeout
	}

	options := flag.Args()
	reqBody := protocol.EncodeRequestBody(protocol.RequestBody{
		User:    *user,
		Service: *service,
		Options: joinOptionLines(options),
	})

	done := make(chan client.Result, 1)
	drv.Connect(cfg.Target.Host, nil, func(h *security.Handle, status security.Status) {
		if status != security.StatusOK {
			done <- client.Result{Outcome: client.OutcomeAbort, Err: fmt.Errorf("amrequest: connect: %v", status)}
			return
		}
		req := client.New(drv, h, tun, logger)
		pkt := &protocol.Packet{Kind: protocol.KindReq, Handle: fmt.Sprintf("%d-00", os.Getpid()), Body: reqBody}
		done <- req.Submit(pkt, func(body string) {
			fmt.Fprint(os.Stdout, body)
		})
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case result := <-done:
		printResult(result)
		if result.Outcome != client.OutcomeOK {
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("received signal, aborting request", "signal", sig)
		os.Exit(1)
	}
}

func printResult(result client.Result) {
	switch result.Outcome {
	case client.OutcomeOK:
		fmt.Fprint(os.Stdout, result.Body)
	case client.OutcomeNAK:
		fmt.Fprintf(os.Stderr, "NAK: %s\n", result.Body)
	case client.OutcomeAbort:
		fmt.Fprintf(os.Stderr, "ABORT: %v\n", result.Err)
	}
}

func joinOptionLines(args []string) string {
	if len(args) == 0 {
		return ""
	}
	out := ""
	for _, a := range args {
		out += a + "\n"
	}
	return out
}

// normalizeAuthToken mirrors amandad's -auth= token mapping so the same
// flag vocabulary works on both sides of the wire.
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

// buildDriver constructs the one driver the client side of a request
// exchange needs: an ephemeral-port dialer for the three network drivers,
// or a process-spawning driver for rsh/ssh/local (spec §4.C/§4.D).
func buildDriver(cfg *config.ClientConfig, logger *slog.Logger) (security.Driver, error) {
	dscp, err := config.ParseDSCP(cfg.DSCP)
	if err != nil {
		return nil, fmt.Errorf("dscp: %w", err)
	}

	switch cfg.Target.Driver {
	case "bsdudp":
		mailbox, err := bsdudp.Bind("udp", false)
		if err != nil {
			return nil, fmt.Errorf("binding bsdudp mailbox: %w", err)
		}
		return bsdudp.New(mailbox, 0, logger), nil
	case "bsdtcp":
		return bsdtcp.New(nil, cfg.Tunables.Merge().ConnectTries, cfg.Tunables.Merge().ConnectWait, dscp, logger), nil
	case "tls":
		clientCfg := tlsdriver.Config{
			CACertPath:      cfg.TLS.CACert,
			CertPath:        cfg.TLS.ClientCert,
			KeyPath:         cfg.TLS.ClientKey,
			FingerprintFile: cfg.TLS.FingerprintFile,
			VerifyHostname:  cfg.TLS.VerifyHostname,
		}
		tun := cfg.Tunables.Merge()
		return tlsdriver.New(nil, clientCfg, tlsdriver.Config{}, tun.ConnectTries, tun.ConnectWait, dscp, logger), nil
	case "rsh":
		return rsh.New("", "amandad", 0, logger), nil
	case "ssh":
		return ssh.New("", "amandad", 0, logger), nil
	case "local":
		return local.New("/usr/libexec/amanda/amandad", 0, logger), nil
	default:
		return nil, fmt.Errorf("unsupported target driver %q", cfg.Target.Driver)
	}
}
