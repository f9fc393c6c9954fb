// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tlsdriver

import (
	"crypto/tls"
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

// Driver implements security.Driver over TLS-wrapped TCP, reusing bsdtcp's
// accept-loop-with-backoff and connect-retry shapes (grounded on the same
// teacher file, internal/server/server.go) with a handshake-and-validate
// step interposed before handing the connection to streamframe.
type Driver struct {
	ln           net.Listener
	clientCfg    Config
	serverCfg    Config
	connectTries int
	connectWait  time.Duration
	dscp         int
	logger       *slog.Logger

	mu        sync.Mutex
	acceptFn  security.AcceptRequestFunc
	accepting bool
	closed    bool

	framersMu sync.Mutex
	framers   map[*security.Connection]*streamframe.Framer
}

// New builds a Driver. ln may be nil for a client-only instance.
// clientCfg is used by Connect, serverCfg by Accept; either may be the zero
// value if that role is never exercised. dscp is applied to every
// underlying TCP connection's TOS byte (security.ParseDSCP), or 0 to skip.
func New(ln net.Listener, clientCfg, serverCfg Config, connectTries int, connectWait time.Duration, dscp int, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		ln:           ln,
		clientCfg:    clientCfg,
		serverCfg:    serverCfg,
		connectTries: connectTries,
		connectWait:  connectWait,
		dscp:         dscp,
		logger:       logger,
		framers:      make(map[*security.Connection]*streamframe.Framer),
	}
}

func (d *Driver) Name() string { return "tlsdriver" }

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

// Connect dials host, completes a TLS handshake with peer certificate
// validation, and registers a Handle (spec §4.F.1, §4.G connect retries).
func (d *Driver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
	go func() {
		tlsCfg, err := ClientTLSConfig(d.clientCfg, host)
		if err != nil {
			h := security.NewHandle("tlsdriver", host, nil, nil)
			h.SetError(err)
			cb(h, security.StatusError)
			return
		}

		var lastErr error
		for attempt := 0; attempt < d.connectTries; attempt++ {
			rawConn, err := net.DialTimeout("tcp", host, 20*time.Second)
			if err != nil {
				lastErr = err
				if attempt+1 < d.connectTries {
					time.Sleep(d.connectWait)
				}
				continue
			}
			if dscpErr := security.ApplyDSCP(rawConn, d.dscp); dscpErr != nil {
				d.logger.Warn("failed to apply DSCP", "error", dscpErr)
			}

			tlsConn := tls.Client(rawConn, tlsCfg)
			if err := tlsConn.Handshake(); err != nil {
				rawConn.Close()
				lastErr = err
				if attempt+1 < d.connectTries {
					time.Sleep(d.connectWait)
				}
				continue
			}

			f := streamframe.New(tlsConn, d.logger)
			h := security.NewHandle("tlsdriver", host, tlsConn.RemoteAddr(), f.Conn)
			f.Conn.SetOwner(h)
			d.registerFramer(f.Conn, f)
			cb(h, security.StatusOK)
			return
		}

		h := security.NewHandle("tlsdriver", host, nil, nil)
		werr := security.NewError(security.KindConnectTimeout, host, "tlsdriver", lastErr)
		h.SetError(werr)
		cb(h, security.StatusError)
	}()
}

// Accept registers cb and starts the accept loop on first call.
func (d *Driver) Accept(cb security.AcceptRequestFunc) error {
	if d.ln == nil {
		return fmt.Errorf("tlsdriver: driver has no listener to accept on")
	}

	serverTLSCfg, err := ServerTLSConfig(d.serverCfg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.acceptFn = cb
	already := d.accepting
	d.accepting = true
	d.mu.Unlock()

	if !already {
		go d.acceptLoop(serverTLSCfg)
	}
	return nil
}

func (d *Driver) acceptLoop(tlsCfg *tls.Config) {
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
			d.logger.Error("tlsdriver accept failed", "error", err, "consecutive_errors", consecutiveErrors)
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
		go d.handleAccepted(conn, tlsCfg)
	}
}

func (d *Driver) handleAccepted(conn net.Conn, tlsCfg *tls.Config) {
	if err := security.ApplyDSCP(conn, d.dscp); err != nil {
		d.logger.Warn("failed to apply DSCP", "error", err)
	}
	tlsConn := tls.Server(conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		d.logger.Warn("tlsdriver handshake failed", "peer", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	f := streamframe.New(tlsConn, d.logger)
	d.registerFramer(f.Conn, f)

	f.Conn.SetAcceptFunc(func(c *security.Connection, pkt *protocol.Packet) {
		d.mu.Lock()
		acceptFn := d.acceptFn
		d.mu.Unlock()

		h := security.NewHandle("tlsdriver", conn.RemoteAddr().String(), conn.RemoteAddr(), c)
		c.SetOwner(h)
		if acceptFn != nil {
			acceptFn(h, pkt)
		}
	})
}

// SendPkt writes pkt on h's channel-0.
func (d *Driver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	conn := h.Connection()
	if conn == nil {
		return security.NewError(security.KindWriteError, h.PeerHostname, "tlsdriver",
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

// StreamClient binds a Stream to a specific wire channel id.
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
		return nil, security.NewError(security.KindWriteError, h.PeerHostname, "tlsdriver",
			fmt.Errorf("handle has no connection"))
	}
	f := d.lookupFramer(conn)
	if f == nil {
		return nil, security.NewError(security.KindWriteError, h.PeerHostname, "tlsdriver",
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
