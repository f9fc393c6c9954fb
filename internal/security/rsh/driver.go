// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rsh implements the rsh-spawned driver (spec §4.F.2): a client
// reaches a remote dispatcher by spawning the local rsh binary with the
// remote host and service name as arguments; an accepting side is itself
// the process rsh/rshd spawned on the remote end, so Accept just wires up
// this process's own stdio as the connection.
package rsh

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
	"github.com/nishisan-dev/n-dispatch/internal/security/spawn"
	"github.com/nishisan-dev/n-dispatch/internal/security/streamframe"
)

// DefaultRshPath mirrors the original's RSH_PATH default.
const DefaultRshPath = "/usr/bin/rsh"

// Driver implements security.Driver by spawning rsh for Connect and
// treating this process's own stdio as the accepted connection for Accept.
type Driver struct {
	rshPath      string
	serviceName  string
	dropToUID    int
	logger       *slog.Logger

	mu      sync.Mutex
	framer  *streamframe.Framer
	accepted bool
}

// New builds a Driver. rshPath defaults to DefaultRshPath if empty.
// serviceName is the remote service argv (e.g. "amandad"); dropToUID, if
// > 0, is applied to the spawned rsh process's credentials.
func New(rshPath, serviceName string, dropToUID int, logger *slog.Logger) *Driver {
	if rshPath == "" {
		rshPath = DefaultRshPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{rshPath: rshPath, serviceName: serviceName, dropToUID: dropToUID, logger: logger}
}

func (d *Driver) Name() string { return "rsh" }

// Connect spawns `rsh <host> <serviceName>` and treats its stdin/stdout as
// the connection (spec §4.F.2).
func (d *Driver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
	go func() {
		service := d.serviceName
		if conf != nil {
			if v := conf("service"); v != "" {
				service = v
			}
		}

		conn, err := spawn.Spawn(d.rshPath, []string{host, service}, nil, d.dropToUID, d.logger)
		if err != nil {
			h := security.NewHandle("rsh", host, nil, nil)
			h.SetError(err)
			cb(h, security.StatusError)
			return
		}

		f := streamframe.New(conn, d.logger)
		h := security.NewHandle("rsh", host, nil, f.Conn)
		f.Conn.SetOwner(h)

		d.mu.Lock()
		d.framer = f
		d.mu.Unlock()

		cb(h, security.StatusOK)
	}()
}

// Accept wires this process's own stdio as the connection and fires cb
// once the first packet (the inbound REQ) arrives (spec §4.F.2: this
// process is itself the child rsh/rshd spawned for one request).
func (d *Driver) Accept(cb security.AcceptRequestFunc) error {
	d.mu.Lock()
	if d.accepted {
		d.mu.Unlock()
		return fmt.Errorf("rsh: Accept already called; this driver handles exactly one connection")
	}
	d.accepted = true
	d.mu.Unlock()

	f := streamframe.New(spawn.Stdio{}, d.logger)

	d.mu.Lock()
	d.framer = f
	d.mu.Unlock()

	f.Conn.SetAcceptFunc(func(c *security.Connection, pkt *protocol.Packet) {
		h := security.NewHandle("rsh", "", nil, c)
		c.SetOwner(h)
		cb(h, pkt)
	})
	return nil
}

// SendPkt writes pkt on h's channel-0.
func (d *Driver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	conn := h.Connection()
	if conn == nil {
		return security.NewError(security.KindWriteError, h.PeerHostname, "rsh", fmt.Errorf("handle has no connection"))
	}
	return conn.SendPacket(pkt)
}

// StreamServer allocates the next server-numbered channel.
func (d *Driver) StreamServer(h *security.Handle) (*security.Stream, error) {
	f, err := d.currentFramer(h)
	if err != nil {
		return nil, err
	}
	return f.NewServerStream(h), nil
}

// StreamClient binds a Stream to a specific wire channel id.
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
		return nil, security.NewError(security.KindWriteError, h.PeerHostname, "rsh", fmt.Errorf("no active connection"))
	}
	return f, nil
}

// Close closes the underlying connection, if any.
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
