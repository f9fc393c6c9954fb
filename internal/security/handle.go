// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package security

import (
	"net"
	"sync"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
)

// Status is the terminal disposition passed to a connect/recvpkt callback.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusError
)

// PacketCallback is invoked once for the next packet delivered on a handle,
// or on error/timeout with a nil packet and a non-OK status.
type PacketCallback func(h *Handle, pkt *protocol.Packet, status Status)

// ConnectCallback is invoked exactly once when an outbound connect attempt
// finishes, successfully or not.
type ConnectCallback func(h *Handle, status Status)

// Handle represents one logical peer relationship: one remote host
// addressed via one driver (spec §3 SecurityHandle).
type Handle struct {
	mu sync.Mutex

	PeerHostname string
	PeerAddr     net.Addr
	Driver       string

	lastError error

	conn *Connection

	pendingRecv PacketCallback
	closed      bool

	streams map[uint32]*Stream
}

// NewHandle constructs a Handle bound to the given peer and connection.
func NewHandle(driver, peerHostname string, peerAddr net.Addr, conn *Connection) *Handle {
	return &Handle{
		Driver:       driver,
		PeerHostname: peerHostname,
		PeerAddr:     peerAddr,
		conn:         conn,
		streams:      make(map[uint32]*Stream),
	}
}

// SetError records the last error string for this handle, retrievable via
// LastError — the Go analogue of the original design's geterror().
func (h *Handle) SetError(err error) {
	h.mu.Lock()
	h.lastError = err
	h.mu.Unlock()
}

// LastError returns the most recently recorded error, or nil.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// RecvPkt registers a one-shot callback for the next packet on this handle.
// At most one is outstanding; a new call replaces any previous pending
// callback (spec §4.D recvpkt).
func (h *Handle) RecvPkt(cb PacketCallback) {
	h.mu.Lock()
	h.pendingRecv = cb
	h.mu.Unlock()
}

// RecvPktCancel cancels the pending recv, if any.
func (h *Handle) RecvPktCancel() {
	h.mu.Lock()
	h.pendingRecv = nil
	h.mu.Unlock()
}

// deliver hands a received packet (or terminal error status) to the
// pending recvpkt callback, clearing it first so a callback that
// re-registers does not see its own registration raced.
func (h *Handle) deliver(pkt *protocol.Packet, status Status) {
	h.mu.Lock()
	cb := h.pendingRecv
	h.pendingRecv = nil
	h.mu.Unlock()

	if cb != nil {
		cb(h, pkt, status)
	}
}

// Close releases the handle. Idempotent (spec §4.D close).
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	streams := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.streams = nil
	conn := h.conn
	h.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	if conn != nil {
		conn.unref()
	}
}

func (h *Handle) registerStream(s *Stream) {
	h.mu.Lock()
	h.streams[s.ChannelID] = s
	h.mu.Unlock()
}

func (h *Handle) unregisterStream(id uint32) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}

func (h *Handle) lookupStream(id uint32) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[id]
}

func (h *Handle) connection() *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// Connection is the exported form of connection, used by stream drivers
// outside this package to reach the underlying Connection for sendpkt and
// for binding a freshly-accepted Handle to the Connection that produced it.
func (h *Handle) Connection() *Connection {
	return h.connection()
}

// SetConnection binds h to conn (used by a driver's accept path once it has
// synthesized a Handle for a previously-unknown peer).
func (h *Handle) SetConnection(conn *Connection) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
}

// Deliver is the exported form of deliver, used by drivers outside this
// package (e.g. bsdudp, which has no Connection/RunReadLoop of its own)
// to hand a received packet to h's pending recvpkt callback.
func (h *Handle) Deliver(pkt *protocol.Packet, status Status) {
	h.deliver(pkt, status)
}
