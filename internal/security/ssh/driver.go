// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ssh implements the ssh-spawned driver (spec §4.F.2): Connect
// spawns the local ssh binary with the remote host and service name as
// arguments; Accept treats this process's own stdio as the connection (it
// is itself the process sshd launched for one session) and derives the
// peer address from SSH_CONNECTION. The handle's peer hostname is that
// address as a string; no reverse or forward DNS check is made on it.
package ssh

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
	"github.com/nishisan-dev/n-dispatch/internal/security/spawn"
	"github.com/nishisan-dev/n-dispatch/internal/security/streamframe"
)

// DefaultSSHPath is the ssh client binary spawned by Connect.
const DefaultSSHPath = "/usr/bin/ssh"

type Driver struct {
	sshPath     string
	serviceName string
	dropToUID   int
	logger      *slog.Logger

	mu       sync.Mutex
	framer   *streamframe.Framer
	accepted bool
}

func New(sshPath, serviceName string, dropToUID int, logger *slog.Logger) *Driver {
	if sshPath == "" {
		sshPath = DefaultSSHPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{sshPath: sshPath, serviceName: serviceName, dropToUID: dropToUID, logger: logger}
}

func (d *Driver) Name() string { return "ssh" }

func (d *Driver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
	go func() {
		service := d.serviceName
		if conf != nil {
			if v := conf("service"); v != "" {
				service = v
			}
		}

		conn, err := spawn.Spawn(d.sshPath, []string{host, service}, nil, d.dropToUID, d.logger)
		if err != nil {
			h := security.NewHandle("ssh", host, nil, nil)
			h.SetError(err)
			cb(h, security.StatusError)
			return
		}

		f := streamframe.New(conn, d.logger)
		h := security.NewHandle("ssh", host, nil, f.Conn)
		f.Conn.SetOwner(h)

		d.mu.Lock()
		d.framer = f
		d.mu.Unlock()

		cb(h, security.StatusOK)
	}()
}

// peerFromSSHConnection parses the SSH_CONNECTION environment variable
// ("client_ip client_port server_ip server_port") into the client's address
// (spec §4.F.2: "derives the peer address from the SSH_CONNECTION
// environment variable").
func peerFromSSHConnection(value string) (net.Addr, error) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return nil, fmt.Errorf("ssh: malformed SSH_CONNECTION %q", value)
	}
	ip := net.ParseIP(fields[0])
	if ip == nil {
		return nil, fmt.Errorf("ssh: SSH_CONNECTION has unparseable client ip %q", fields[0])
	}
	return &net.TCPAddr{IP: ip}, nil
}

func (d *Driver) Accept(cb security.AcceptRequestFunc) error {
	d.mu.Lock()
	if d.accepted {
		d.mu.Unlock()
		return fmt.Errorf("ssh: Accept already called; this driver handles exactly one connection")
	}
	d.accepted = true
	d.mu.Unlock()

	peerAddr, err := peerFromSSHConnection(os.Getenv("SSH_CONNECTION"))
	if err != nil {
		d.logger.Warn("ssh: could not derive peer from SSH_CONNECTION", "error", err)
	}

	f := streamframe.New(spawn.Stdio{}, d.logger)

	d.mu.Lock()
	d.framer = f
	d.mu.Unlock()

	f.Conn.SetAcceptFunc(func(c *security.Connection, pkt *protocol.Packet) {
		peerHostname := ""
		if peerAddr != nil {
			peerHostname = peerAddr.String()
		}
		h := security.NewHandle("ssh", peerHostname, peerAddr, c)
		c.SetOwner(h)
		cb(h, pkt)
	})
	return nil
}

func (d *Driver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	conn := h.Connection()
	if conn == nil {
		return security.NewError(security.KindWriteError, h.PeerHostname, "ssh", fmt.Errorf("handle has no connection"))
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
		return nil, security.NewError(security.KindWriteError, h.PeerHostname, "ssh", fmt.Errorf("no active connection"))
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
