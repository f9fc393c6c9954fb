// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package streamframe is the shared framing and channel-allocation layer
// every non-datagram driver embeds (spec §4.F, §4.I): wrapping a connected
// io.ReadWriteCloser into a security.Connection, running its read loop in
// a dedicated goroutine, and handing out disjoint server/client channel
// ids. It is deliberately thin — the actual FIFO and frame demultiplexing
// live in internal/security, since they are properties of
// security.Connection/Stream shared by every caller, not of any one
// transport. What this package adds is the per-connection bookkeeping a
// concrete driver (bsdtcp, tlsdriver, spawn-based drivers) would otherwise
// duplicate.
package streamframe

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// clientChannelBase mirrors security's clientChannelBase; kept in sync by
// convention since both packages must agree on the disjoint id spaces
// (spec §3 SecurityStream).
const clientChannelBase = 500000

// Framer owns one connection's read loop and channel-id allocation. A
// driver creates one Framer per accepted or connected transport.
type Framer struct {
	Conn *security.Connection

	nextServerID atomic.Uint32
	nextClientID atomic.Uint32
}

// New wraps rw as a security.Connection and starts its read loop in a
// dedicated goroutine (grounded on the teacher's one-goroutine-per-connection
// shape in internal/server/handler.go's accept loop). The caller must still
// call conn.SetOwner or conn.SetAcceptFunc before data can flow.
func New(rw io.ReadWriteCloser, logger *slog.Logger) *Framer {
	conn := security.NewConnection(rw, logger)
	f := &Framer{Conn: conn}
	f.nextServerID.Store(1)
	f.nextClientID.Store(clientChannelBase + 1)
	go conn.RunReadLoop()
	return f
}

// NewServerStream allocates the next server-numbered channel (starting at
// 1, incrementing) and returns a Stream bound to h (spec §3: "channel-id
// numbering server starts at 1 incrementing").
func (f *Framer) NewServerStream(h *security.Handle) *security.Stream {
	id := f.nextServerID.Add(1) - 1
	return security.NewStream(h, id)
}

// NewClientStream allocates the next client-numbered channel (starting at
// 500000, decrementing) and returns a Stream bound to h (spec §3:
// "client starts at 500000 decrementing").
func (f *Framer) NewClientStream(h *security.Handle) *security.Stream {
	id := f.nextClientID.Add(^uint32(0)) // atomic decrement-by-one
	return security.NewStream(h, id)
}

// ClientStreamWithID binds a Stream to a specific wire channel id already
// chosen by a peer (used by the dispatcher's CONNECT-translation step,
// spec §4.H s_processrep, which allocates a stream and substitutes its wire
// id into the reply rather than letting the framer pick one).
func (f *Framer) ClientStreamWithID(h *security.Handle, channelID uint32) *security.Stream {
	return security.NewStream(h, channelID)
}
