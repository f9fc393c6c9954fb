// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package local implements the local-spawned driver (spec §4.F.2): loopback
// only, no remote shell — Connect execs a local copy of the service
// directly instead of going through rsh or ssh. Accept is otherwise
// identical to the rsh/ssh drivers: this process's own stdio is the
// connection.
package local

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
	"github.com/nishisan-dev/n-dispatch/internal/security/spawn"
	"github.com/nishisan-dev/n-dispatch/internal/security/streamframe"
)

type Driver struct {
	servicePath string
	dropToUID   int
	logger      *slog.Logger

	mu       sync.Mutex
	framer   *streamframe.Framer
	accepted bool
}

// New builds a Driver that spawns servicePath directly (e.g. a local
// amandad binary) rather than going through rsh or ssh.
func New(servicePath string, dropToUID int, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{servicePath: servicePath, dropToUID: dropToUID, logger: logger}
}

func (d *Driver) Name() string { return "local" }

// Connect ignores host (loopback only) and execs servicePath directly.
func (d *Driver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
	go func() {
		var args []string
		if conf != nil {
			if v := conf("service"); v != "" {
				args = []string{v}
			}
		}

		conn, err := spawn.Spawn(d.servicePath, args, nil, d.dropToUID, d.logger)
		if err != nil {
			h := security.NewHandle("local", "localhost", nil, nil)
			h.SetError(err)
			cb(h, security.StatusError)
			return
		}

		f := streamframe.New(conn, d.logger)
		h := security.NewHandle("local", "localhost", nil, f.Conn)
		f.Conn.SetOwner(h)

		d.mu.Lock()
		d.framer = f
		d.mu.Unlock()

		cb(h, security.StatusOK)
	}()
}

func (d *Driver) Accept(cb security.AcceptRequestFunc) error {
	d.mu.Lock()
	if d.accepted {
		d.mu.Unlock()
		return fmt.Errorf("local: Accept already called; this driver handles exactly one connection")
	}
	d.accepted = true
	d.mu.Unlock()

	f := streamframe.New(spawn.Stdio{}, d.logger)

	d.mu.Lock()
	d.framer = f
	d.mu.Unlock()

	f.Conn.SetAcceptFunc(func(c *security.Connection, pkt *protocol.Packet) {
		h := security.NewHandle("local", "localhost", nil, c)
		c.SetOwner(h)
		cb(h, pkt)
	})
	return nil
}

func (d *Driver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	conn := h.Connection()
	if conn == nil {
		return security.NewError(security.KindWriteError, h.PeerHostname, "local", fmt.Errorf("handle has no connection"))
	}
	return conn.SendPacket(pkt)
}

func (d *Driver) StreamServer(h *security.Handle) (*security.Stream, error) {
	f, err := d.currentFramer(h)
	if err != nil {
		return nil, err
	}
	return f.NewServerStream(h), nil
}

func (d *Driver) StreamClient(h *security.Handle, channelID uint32) (*security.Stream, error) {
	f, err := d.currentFramer(h)
	if err != nil {
		return nil, err
	}
	return f.ClientStreamWithID(h, channelID), nil
}

func (d *Driver) currentFramer(h *security.Handle) (*streamframe.Framer, error) {
	d.mu.Lock()
	f := d.framer
	d.mu.Unlock()
	if f == nil {
		return nil, security.NewError(security.KindWriteError, h.PeerHostname, "local", fmt.Errorf("no active connection"))
	}
	return f, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	f := d.framer
	d.framer = nil
	d.mu.Unlock()
	if f == nil {
		return nil
	}
	f.Conn.RequestClose()
	return nil
}
