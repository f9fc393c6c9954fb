// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package dispatcher implements the per-host service dispatcher (spec
// §4.H): it accepts incoming requests on a security.Driver, authorizes
// the peer, spawns the named backup service, and relays the service's
// reply and data channels back to the requester.
package dispatcher

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/n-dispatch/internal/authdb"
	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

// Config collects everything a Dispatcher needs beyond its driver: which
// services may be spawned, how peers are authorized, and the timing
// budget every ActiveService runs under.
type Config struct {
	// AllowedServices maps a requestable service name to the executable
	// path the dispatcher is willing to fork+exec for it (spec §4.H
	// "unallowed service names yield a NAK without spawn").
	AllowedServices map[string]string

	// AmandaHostsHome is the local login user's home directory, searched
	// for .amandahosts (spec §4.H.1).
	AmandaHostsHome string
	// ExpectedUID is the uid .amandahosts must be owned by.
	ExpectedUID int
	// LocalUser is the default user a .amandahosts line without an
	// explicit user field grants.
	LocalUser string

	Tunables security.Tunables

	// ExitWhenIdle, when true, checks the active-service queue every 30
	// seconds and exits the process at the first check that finds it empty
	// (spec §4.H "dispatcher lifetime").
	ExitWhenIdle bool

	// SelfCheckSchedule, when non-empty, is a cron expression on which the
	// dispatcher runs a local "selfcheck" pass even with no inbound
	// request (SPEC_FULL.md domain-stack supplement to spec §4.H). The
	// entry is registered on the idle-exit timer, so it runs only when
	// ExitWhenIdle is true.
	SelfCheckSchedule string
	// RootDisk is the filesystem path whose free space is logged alongside
	// the idle-exit queue-depth check and is sampled for selfcheck.
	RootDisk string
}

// Dispatcher accepts and serves requests on one security.Driver.
type Dispatcher struct {
	driver security.Driver
	cfg    Config
	logger *slog.Logger

	activeCount atomic.Int32

	mu       sync.Mutex
	services map[string]*ActiveService // keyed by REQ packet Handle field, for duplicate-REQ dedup

	idleCron *cron.Cron
}

// New constructs a Dispatcher. Call Run to start accepting.
func New(driver security.Driver, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		driver:   driver,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		services: make(map[string]*ActiveService),
	}
}

// Run registers the accept callback and, if configured, starts the
// idle-exit timer. It returns once Accept has been wired; requests are
// served on goroutines spawned per-request for the remainder of the
// process lifetime.
func (d *Dispatcher) Run() error {
	if err := d.driver.Accept(d.onRequest); err != nil {
		return fmt.Errorf("dispatcher: accept: %w", err)
	}
	if d.cfg.ExitWhenIdle {
		d.startIdleExitTimer()
	}
	return nil
}

// startIdleExitTimer mirrors teacher's internal/agent/scheduler.go
// robfig/cron wiring, repurposed from "run this backup job on schedule"
// to "check the active-service queue every 30 seconds and exit when
// empty" (spec §4.H dispatcher lifetime).
func (d *Dispatcher) startIdleExitTimer() {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(d.logger.Handler(), slog.LevelDebug))))
	_, err := c.AddFunc("@every 30s", func() {
		active := d.activeCount.Load()
		d.logger.Info("idle-exit check", "active", active, "load", d.loadAvgString(), "disk_free_bytes", d.diskFreeBytes())
		if active == 0 {
			d.logger.Info("dispatcher idle, exiting")
			os.Exit(0)
		}
	})
	if err != nil {
		d.logger.Error("failed to register idle-exit timer", "error", err)
		return
	}
	if d.cfg.SelfCheckSchedule != "" {
		if _, err := c.AddFunc(d.cfg.SelfCheckSchedule, d.runScheduledSelfCheck); err != nil {
			d.logger.Error("failed to register self-check schedule", "schedule", d.cfg.SelfCheckSchedule, "error", err)
		}
	}
	d.idleCron = c
	c.Start()
}

// loadAvgString reports the 1/5/15-minute load average, grounded on
// teacher's host-metrics sampling. A sampling failure (e.g. unsupported
// platform) yields "unknown" rather than failing the idle-exit check.
func (d *Dispatcher) loadAvgString() string {
	avg, err := load.Avg()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%.2f %.2f %.2f", avg.Load1, avg.Load5, avg.Load15)
}

// diskFreeBytes reports free space on cfg.RootDisk (default "/"). Returns
// 0 if the path cannot be statted.
func (d *Dispatcher) diskFreeBytes() uint64 {
	path := d.cfg.RootDisk
	if path == "" {
		path = "/"
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0
	}
	return usage.Free
}

// runScheduledSelfCheck spawns the configured "selfcheck" service with no
// inbound peer, on SelfCheckSchedule's cron calendar (SPEC_FULL.md
// domain-stack supplement to spec §4.H). A dispatcher with no selfcheck
// entry in AllowedServices silently skips the tick.
func (d *Dispatcher) runScheduledSelfCheck() {
	servicePath, allowed := d.cfg.AllowedServices["selfcheck"]
	if !allowed {
		return
	}
	d.logger.Info("running scheduled selfcheck", "path", servicePath, "load", d.loadAvgString(), "disk_free_bytes", d.diskFreeBytes())

	req := &protocol.RequestBody{Service: "selfcheck"}
	pkt := &protocol.Packet{Kind: protocol.KindReq, Handle: fmt.Sprintf("selfcheck-%d", d.activeCount.Load())}
	h := security.NewHandle(d.driver.Name(), "localhost", nil, nil)

	svc, err := newActiveService(d, h, pkt, req, servicePath, d.logger)
	if err != nil {
		d.logger.Error("scheduled selfcheck failed to start", "error", err)
		return
	}
	d.activeCount.Add(1)
	svc.run()
}

// Stop releases the idle-exit timer, if any. Does not wait for
// in-flight services.
func (d *Dispatcher) Stop() {
	if d.idleCron != nil {
		ctx := d.idleCron.Stop()
		<-ctx.Done()
	}
}

// onRequest is the driver's AcceptRequestFunc: one call per distinct
// incoming REQ. Duplicate REQs for a handle already in flight are routed
// to the existing ActiveService instead of spawning a second process
// (spec §4.H s_repwait/s_ackwait "on duplicate REQ").
func (d *Dispatcher) onRequest(h *security.Handle, pkt *protocol.Packet) {
	logger := d.logger.With("peer", h.PeerHostname, "handle", pkt.Handle)

	d.mu.Lock()
	existing := d.services[pkt.Handle]
	d.mu.Unlock()
	if existing != nil {
		existing.onDuplicateReq()
		return
	}

	req, err := protocol.DecodeRequestBody(pkt.Body)
	if err != nil {
		d.nak(h, pkt, fmt.Sprintf("dispatcher: malformed request: %v", err))
		return
	}

	if authErr := d.authorize(h, req); authErr != nil {
		logger.Warn("peer authorization denied", "service", req.Service, "error", authErr)
		d.nak(h, pkt, authErr.Error())
		return
	}

	servicePath, allowed := d.cfg.AllowedServices[req.Service]
	if !allowed {
		logger.Warn("unallowed service requested", "service", req.Service)
		d.nak(h, pkt, fmt.Sprintf("dispatcher: service %q is not allowed", req.Service))
		return
	}

	svc, err := newActiveService(d, h, pkt, req, servicePath, logger)
	if err != nil {
		logger.Error("failed to spawn service", "service", req.Service, "error", err)
		d.nak(h, pkt, fmt.Sprintf("dispatcher: failed to start %s: %v", req.Service, err))
		return
	}

	d.mu.Lock()
	d.services[pkt.Handle] = svc
	d.mu.Unlock()
	d.activeCount.Add(1)

	go svc.run()
}

// authorize checks the peer against .amandahosts only (spec §4.H.1's
// hosts-file leg). No rhosts-style check is made, so a peer that is not
// listed in .amandahosts is refused.
func (d *Dispatcher) authorize(h *security.Handle, req *protocol.RequestBody) error {
	return authdb.CheckAmandaHosts(d.cfg.AmandaHostsHome, d.cfg.ExpectedUID, d.cfg.LocalUser, authdb.Request{
		Host:       h.PeerHostname,
		Addr:       peerNetAddr(h),
		RemoteUser: req.User,
		Service:    req.Service,
	})
}

func peerNetAddr(h *security.Handle) net.Addr {
	return h.PeerAddr
}

func (d *Dispatcher) nak(h *security.Handle, pkt *protocol.Packet, reason string) {
	err := d.driver.SendPkt(h, &protocol.Packet{
		Kind:   protocol.KindNak,
		Handle: pkt.Handle,
		Seq:    pkt.Seq,
		Body:   reason,
	})
	if err != nil {
		d.logger.Warn("failed to send NAK", "error", err)
	}
	h.Close()
}

// release removes a finished service from the in-flight table, called
// once by ActiveService when it reaches FINISH or ABORT.
func (d *Dispatcher) release(reqHandle string) {
	d.mu.Lock()
	delete(d.services, reqHandle)
	d.mu.Unlock()
	d.activeCount.Add(-1)
}
