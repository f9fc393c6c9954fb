// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bsdtcp implements the plain-TCP stream driver (spec §4.F): a
// single framed connection per peer carrying packets on channel 0 and data
// on numbered channels, with no transport-level authentication of its own
// (peer authorization still runs at the dispatcher via internal/authdb).
package bsdtcp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
	"github.com/nishisan-dev/n-dispatch/internal/security/streamframe"
)

const maxAcceptBackoff = 5 * time.Second

// Driver implements security.Driver over net.Listener/net.Dial. One Driver
// may act as both an accepting dispatcher-side driver and a connecting
// client-side driver; a client-only instance is constructed with a nil
// listener.
type Driver struct {
	ln           net.Listener
	logger       *slog.Logger
	connectTries int
	connectWait  time.Duration
	dscp         int

	mu        sync.Mutex
	acceptFn  security.AcceptRequestFunc
	accepting bool
	closed    bool

	framersMu sync.Mutex
	framers   map[*security.Connection]*streamframe.Framer
}

// New builds a Driver. ln may be nil for a client that never accepts. dscp
// is a DSCP code point (security.ParseDSCP) applied to every dialed and
// accepted TCP connection's TOS byte, or 0 to leave TOS untouched.
func New(ln net.Listener, connectTries int, connectWait time.Duration, dscp int, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		ln:           ln,
		logger:       logger,
		connectTries: connectTries,
		connectWait:  connectWait,
		dscp:         dscp,
		framers:      make(map[*security.Connection]*streamframe.Framer),
	}
}

func (d *Driver) Name() string { return "bsdtcp" }

func (d *Driver) registerFramer(conn *security.Connection, f *streamframe.Framer) {
	d.framersMu.Lock()
	d.framers[conn] = f
	d.framersMu.Unlock()
}

func (d *Driver) lookupFramer(conn *security.Connection) *streamframe.Framer {
	d.framersMu.Lock()
	defer d.framersMu.Unlock()
	return d.framers[conn]
}

// Connect dials host with up to connectTries attempts spaced by
// connectWait (spec §4.G: "up to connecttries attempts, with a fixed
// CONNECT_WAIT delay between them").
func (d *Driver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
	go func() {
		var lastErr error
		for attempt := 0; attempt < d.connectTries; attempt++ {
			conn, err := net.DialTimeout("tcp", host, 20*time.Second)
			if err == nil {
				if dscpErr := security.ApplyDSCP(conn, d.dscp); dscpErr != nil {
					d.logger.Warn("failed to apply DSCP", "error", dscpErr)
				}
				f := streamframe.New(conn, d.logger)
				h := security.NewHandle("bsdtcp", host, conn.RemoteAddr(), f.Conn)
				f.Conn.SetOwner(h)
				d.registerFramer(f.Conn, f)
				cb(h, security.StatusOK)
				return
			}
			lastErr = err
			if attempt+1 < d.connectTries {
				time.Sleep(d.connectWait)
			}
		}

		h := security.NewHandle("bsdtcp", host, nil, nil)
		werr := security.NewError(security.KindConnectTimeout, host, "bsdtcp", lastErr)
		h.SetError(werr)
		cb(h, security.StatusError)
	}()
}

// Accept registers cb and starts the accept loop on first call (spec §4.D
// accept). The consecutive-error backoff mirrors the teacher's accept loop
// (internal/server/server.go: "5 consecutive errors" escalating sleep).
func (d *Driver) Accept(cb security.AcceptRequestFunc) error {
	if d.ln == nil {
		return fmt.Errorf("bsdtcp: driver has no listener to accept on")
	}

	d.mu.Lock()
	d.acceptFn = cb
	already := d.accepting
	d.accepting = true
	d.mu.Unlock()

	if !already {
		go d.acceptLoop()
	}
	return nil
}

func (d *Driver) acceptLoop() {
	consecutiveErrors := 0
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}

			consecutiveErrors++
			d.logger.Error("bsdtcp accept failed", "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > maxAcceptBackoff {
					delay = maxAcceptBackoff
				}
				time.Sleep(delay)
			}
			continue
		}

		consecutiveErrors = 0
		go d.handleAccepted(conn)
	}
}

func (d *Driver) handleAccepted(conn net.Conn) {
	if err := security.ApplyDSCP(conn, d.dscp); err != nil {
		d.logger.Warn("failed to apply DSCP", "error", err)
	}
	f := streamframe.New(conn, d.logger)
	d.registerFramer(f.Conn, f)

	f.Conn.SetAcceptFunc(func(c *security.Connection, pkt *protocol.Packet) {
		d.mu.Lock()
		acceptFn := d.acceptFn
		d.mu.Unlock()

		h := security.NewHandle("bsdtcp", conn.RemoteAddr().String(), conn.RemoteAddr(), c)
		c.SetOwner(h)
		if acceptFn != nil {
			acceptFn(h, pkt)
		}
	})
}

// SendPkt writes pkt on h's channel-0 (spec §4.D sendpkt).
func (d *Driver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	conn := h.Connection()
	if conn == nil {
		return security.NewError(security.KindWriteError, h.PeerHostname, "bsdtcp",
			fmt.Errorf("handle has no connection"))
	}
	return conn.SendPacket(pkt)
}

// StreamServer allocates the next server-numbered channel on h's connection.
func (d *Driver) StreamServer(h *security.Handle) (*security.Stream, error) {
	f, err := d.framerFor(h)
	if err != nil {
		return nil, err
	}
	return f.NewServerStream(h), nil
}

// StreamClient binds a Stream to a specific wire channel id on h's
// connection (used when relaying a dispatcher's CONNECT-translated ids).
func (d *Driver) StreamClient(h *security.Handle, channelID uint32) (*security.Stream, error) {
	f, err := d.framerFor(h)
	if err != nil {
		return nil, err
	}
	return f.ClientStreamWithID(h, channelID), nil
}

func (d *Driver) framerFor(h *security.Handle) (*streamframe.Framer, error) {
	conn := h.Connection()
	if conn == nil {
		return nil, security.NewError(security.KindWriteError, h.PeerHostname, "bsdtcp",
			fmt.Errorf("handle has no connection"))
	}
	f := d.lookupFramer(conn)
	if f == nil {
		return nil, security.NewError(security.KindWriteError, h.PeerHostname, "bsdtcp",
			fmt.Errorf("no framer registered for connection"))
	}
	return f, nil
}

// Close stops accepting and closes the listener, if any. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.ln != nil {
		return d.ln.Close()
	}
	return nil
}
