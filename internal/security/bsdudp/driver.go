// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package bsdudp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

var errStreamsUnsupported = fmt.Errorf("bsdudp: datagram driver carries packets only, no data streams")

// peerKey identifies one outstanding handle for routing an inbound
// datagram, per spec §4.E: "incoming datagrams are routed by looking up
// (peer, handle, sequence) in that map." The sequence itself is the
// request/reply state machine's concern (retries, duplicate detection);
// the driver only needs peer+handle to find the right Handle.
func peerKey(addr *net.UDPAddr, handleID string) string {
	return addr.String() + "#" + handleID
}

// Driver implements security.Driver over one Mailbox (spec §4.E). Connect is
// essentially free for a connectionless transport: it resolves the peer
// address, registers a Handle keyed by (addr, handle-id), and fires its
// callback without any wire round trip — the round trip happens once the
// caller starts exchanging REQ/ACK/REP packets through SendPkt/RecvPkt.
type Driver struct {
	mailbox *Mailbox
	limiter *peerLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	peers    map[string]*security.Handle
	acceptFn security.AcceptRequestFunc
	accepting bool
	closed   bool
}

// New wraps mailbox as a security.Driver. ratePerSec <= 0 disables the
// per-peer datagram rate limiter.
func New(mailbox *Mailbox, ratePerSec float64, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		mailbox: mailbox,
		limiter: newPeerLimiter(ratePerSec),
		logger:  logger,
		peers:   make(map[string]*security.Handle),
	}
}

func (d *Driver) Name() string { return "bsdudp" }

// Connect resolves host and registers a Handle for it. conf is accepted for
// interface parity with stream drivers (e.g. a port override) but the
// datagram driver has no per-connect tunables of its own today.
func (d *Driver) Connect(host string, conf security.ConfFunc, cb security.ConnectCallback) {
	go func() {
		addr, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			h := security.NewHandle("bsdudp", host, nil, nil)
			werr := security.NewError(security.KindResolveHostname, host, "bsdudp", err)
			h.SetError(werr)
			cb(h, security.StatusError)
			return
		}

		h := security.NewHandle("bsdudp", host, addr, nil)
		d.mu.Lock()
		d.peers[peerKey(addr, h.PeerHostname)] = h
		d.mu.Unlock()

		cb(h, security.StatusOK)
	}()
}

// Accept registers cb and, on first call, starts the recv loop that routes
// inbound datagrams to either an existing handle or a freshly synthesized
// one (spec §4.E: "If no handle matches and an accept_fn is registered, a
// new handle is synthesized from the datagram").
func (d *Driver) Accept(cb security.AcceptRequestFunc) error {
	d.mu.Lock()
	d.acceptFn = cb
	alreadyRunning := d.accepting
	d.accepting = true
	d.mu.Unlock()

	if !alreadyRunning {
		go d.recvLoop()
	}
	return nil
}

func (d *Driver) recvLoop() {
	for {
		pkt, addr, err := d.mailbox.Recv()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			d.logger.Warn("bsdudp recv failed", "error", err)
			continue
		}

		if !d.limiter.Allow(addr.String()) {
			d.logger.Warn("bsdudp peer exceeded datagram rate, dropping", "peer", addr.String())
			continue
		}

		d.mu.Lock()
		h, known := d.peers[peerKey(addr, pkt.Handle)]
		d.mu.Unlock()

		if known {
			h.Deliver(pkt, security.StatusOK)
			continue
		}

		d.mu.Lock()
		acceptFn := d.acceptFn
		d.mu.Unlock()
		if acceptFn == nil {
			continue
		}

		if pkt.Kind == protocol.KindReq && addr.Port >= security.IPPortReserved {
			d.logger.Warn("bsdudp dropping REQ from unprivileged source port",
				"peer", addr.String(), "port", addr.Port)
			continue
		}

		h := security.NewHandle("bsdudp", addr.String(), addr, nil)
		d.mu.Lock()
		d.peers[peerKey(addr, pkt.Handle)] = h
		d.mu.Unlock()
		acceptFn(h, pkt)
	}
}

// SendPkt writes pkt to h's peer address (spec §4.D sendpkt / §4.B send).
func (d *Driver) SendPkt(h *security.Handle, pkt *protocol.Packet) error {
	addr, ok := h.PeerAddr.(*net.UDPAddr)
	if !ok || addr == nil {
		return security.NewError(security.KindWriteError, h.PeerHostname, "bsdudp",
			fmt.Errorf("handle has no resolved UDP peer address"))
	}
	return d.mailbox.Send(addr, pkt)
}

// StreamServer is unsupported: the datagram driver multiplexes no data
// channels, only Packets (spec §4.E; see §4.F for drivers that do).
func (d *Driver) StreamServer(h *security.Handle) (*security.Stream, error) {
	return nil, errStreamsUnsupported
}

// StreamClient is unsupported for the same reason as StreamServer.
func (d *Driver) StreamClient(h *security.Handle, channelID uint32) (*security.Stream, error) {
	return nil, errStreamsUnsupported
}

// Close releases the mailbox and stops the recv loop.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.mailbox.Close()
}
