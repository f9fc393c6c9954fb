// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package security

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
)

var errClosedStream = errors.New("security: stream's connection is closed")

// protocolChannel is the reserved channel id carrying Packet payloads
// (spec.md §4.F.2: "the first frame from an accepting peer is always a REQ
// packet; subsequent frames are either packets (on channel 0 ...) or byte
// data on the numbered data channels").
const protocolChannel uint32 = 0

// AcceptFunc is invoked when a complete frame arrives on a channel id the
// connection has never seen before. It is how a listening connection turns
// an inbound REQ into a new Handle (dispatcher side); connections opened
// actively by a client never need one.
type AcceptFunc func(conn *Connection, pkt *protocol.Packet)

// Connection is the shared TCP/TLS connection underlying one or more
// Streams to a given peer (spec §3 Connection). It owns the partial-frame
// read state and serializes writes.
type Connection struct {
	rw     io.ReadWriteCloser
	logger *slog.Logger

	mu              sync.Mutex
	refCount        int
	criticalSection int // >0 while a callback holds a "do not close" section
	closeRequested  bool
	closed          bool

	writeMu sync.Mutex

	owner   *Handle
	accept  AcceptFunc
	onEOF   func()
	onError func(error)
}

// NewConnection wraps rw (typically a *tls.Conn, *net.TCPConn, or a
// spawned child's stdio pipes glued into one ReadWriteCloser) with the
// framing and refcounting contract of spec §3 Connection.
func NewConnection(rw io.ReadWriteCloser, logger *slog.Logger) *Connection {
	return &Connection{rw: rw, logger: logger, refCount: 1}
}

// SetOwner binds the connection to the Handle whose channel-0 packets and
// registered streams it demultiplexes into.
func (c *Connection) SetOwner(h *Handle) { c.mu.Lock(); c.owner = h; c.mu.Unlock() }

// SetAcceptFunc installs the callback invoked for a previously-unknown
// channel's first frame on a listening connection.
func (c *Connection) SetAcceptFunc(fn AcceptFunc) { c.mu.Lock(); c.accept = fn; c.mu.Unlock() }

// ref increments the reference count (one Stream or one outstanding
// packet-receive holds a reference).
func (c *Connection) ref() {
	c.mu.Lock()
	c.refCount++
	c.mu.Unlock()
}

// unref decrements the reference count; the connection is freed exactly
// when it reaches zero and the connection is not in a do-not-close
// critical section (spec §3 Connection invariant).
func (c *Connection) unref() {
	c.mu.Lock()
	c.refCount--
	shouldClose := c.refCount <= 0 && c.criticalSection == 0 && !c.closed
	c.mu.Unlock()
	if shouldClose {
		c.doClose()
	}
}

// EnterCriticalSection defers closing for the duration of one callback
// invocation. Go's goroutine scheduler cannot suspend a callback
// indefinitely the way a re-entrant C function pointer stuck in a
// blocking syscall could, so no additional timeout bounds this beyond the
// callback's own return (open question decision, DESIGN.md).
func (c *Connection) EnterCriticalSection() {
	c.mu.Lock()
	c.criticalSection++
	c.mu.Unlock()
}

// LeaveCriticalSection ends the section started by EnterCriticalSection,
// closing the connection immediately if a close was requested meanwhile.
func (c *Connection) LeaveCriticalSection() {
	c.mu.Lock()
	c.criticalSection--
	shouldClose := c.criticalSection <= 0 && (c.refCount <= 0 || c.closeRequested) && !c.closed
	c.mu.Unlock()
	if shouldClose {
		c.doClose()
	}
}

// RequestClose closes the connection now or, if a critical section is
// active, when that section ends (LeaveCriticalSection). Outstanding
// references do not delay a requested close.
func (c *Connection) RequestClose() {
	c.mu.Lock()
	c.closeRequested = true
	ready := c.criticalSection == 0 && !c.closed
	c.mu.Unlock()
	if ready {
		c.doClose()
	}
}

func (c *Connection) doClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.rw.Close()
}

// writeFrame sends one frame carrying payload on channel. A channel write
// of L bytes emits exactly one frame of L payload bytes (spec §4.F send
// policy: never fragmented across frames).
func (c *Connection) writeFrame(channel uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.rw, &protocol.Frame{Channel: channel, Payload: payload})
}

// writeEOF sends a zero-length frame on channel.
func (c *Connection) writeEOF(channel uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteEOF(c.rw, channel)
}

// sendPacket encodes pkt and writes it on the reserved protocol channel.
func (c *Connection) sendPacket(pkt *protocol.Packet) error {
	return c.writeFrame(protocolChannel, []byte(protocol.EncodePacket(pkt)))
}

// SendPacket is the exported form of sendPacket, used by stream drivers
// (bsdtcp, tlsdriver, spawn-based drivers) implementing security.Driver's
// SendPkt outside this package.
func (c *Connection) SendPacket(pkt *protocol.Packet) error {
	return c.sendPacket(pkt)
}

// RunReadLoop reads frames until EOF or a fatal error, demultiplexing each
// onto the owning handle's channel-0 packet delivery or a registered
// Stream's byte delivery, per spec §4.F's connection state machine. It is
// meant to run in its own goroutine (grounded on the teacher's
// control_channel.go persistent reader-goroutine shape).
func (c *Connection) RunReadLoop() {
	for {
		frame, err := protocol.ReadFrame(c.rw)
		if err != nil {
			c.handleReadTermination(err)
			return
		}

		if len(frame.Payload) == 0 {
			c.handleChannelEOF(frame.Channel)
			continue
		}

		if frame.Channel == protocolChannel {
			c.handleProtocolFrame(frame.Payload)
			continue
		}

		c.handleDataFrame(frame.Channel, frame.Payload)
	}
}

func (c *Connection) handleProtocolFrame(payload []byte) {
	pkt, err := protocol.DecodePacket(string(payload))
	if err != nil {
		c.mu.Lock()
		owner := c.owner
		c.mu.Unlock()
		if owner != nil {
			owner.deliver(nil, StatusError)
		}
		return
	}

	c.mu.Lock()
	owner := c.owner
	accept := c.accept
	c.mu.Unlock()

	if owner != nil {
		owner.deliver(pkt, StatusOK)
		return
	}
	if accept != nil {
		accept(c, pkt)
	}
}

func (c *Connection) handleDataFrame(channel uint32, payload []byte) {
	c.mu.Lock()
	owner := c.owner
	c.mu.Unlock()
	if owner == nil {
		return
	}
	if s := owner.lookupStream(channel); s != nil {
		s.deliver(payload, StatusOK)
	}
}

func (c *Connection) handleChannelEOF(channel uint32) {
	c.mu.Lock()
	owner := c.owner
	c.mu.Unlock()
	if owner == nil {
		return
	}
	if s := owner.lookupStream(channel); s != nil {
		s.markPeerClosed()
	}
}

// handleReadTermination implements "read 0 bytes at frame boundary ->
// synth EOF on every live channel" and "read error -> synth ERROR on every
// live channel, then [closed]" from spec §4.F's state machine.
func (c *Connection) handleReadTermination(err error) {
	status := StatusError
	if errors.Is(err, io.EOF) {
		status = StatusOK
	}

	c.mu.Lock()
	owner := c.owner
	c.mu.Unlock()

	if owner != nil {
		owner.mu.Lock()
		streams := make([]*Stream, 0, len(owner.streams))
		for _, s := range owner.streams {
			streams = append(streams, s)
		}
		owner.mu.Unlock()

		for _, s := range streams {
			s.deliver(nil, status)
		}
		owner.deliver(nil, status)
	}

	if status == StatusError && c.onError != nil {
		c.onError(err)
	} else if c.onEOF != nil {
		c.onEOF()
	}

	c.doClose()
}
