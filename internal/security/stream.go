// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package security

import "sync"

// StreamReadCallback is invoked when bytes (or a terminal condition) arrive
// on a channel. A nil buf with status != StatusOK signals EOF or error.
type StreamReadCallback func(s *Stream, buf []byte, status Status)

// Stream is a bidirectional byte channel associated with a Handle (spec §3
// SecurityStream). Channel ids chosen by the server side start at 1 and
// increment; ids chosen by the client side start at clientChannelBase and
// decrement, so the two numbering spaces can never collide without
// coordination.
// queuedRead is one frame (or terminal EOF/error marker, buf == nil)
// awaiting a stream_read call (spec §4.I: a FIFO of complete frames that
// never drops one).
type queuedRead struct {
	buf    []byte
	status Status
}

type Stream struct {
	mu sync.Mutex

	ChannelID  uint32
	Handle     *Handle
	closedByMe bool
	closedByPeer bool

	pendingRead StreamReadCallback
	queue       []queuedRead

	authenticated bool
}

// clientChannelBase is the starting id for channels the client chooses;
// client ids decrement from here, server ids increment from 1, keeping the
// two spaces disjoint (spec §3 SecurityStream).
const clientChannelBase = 500000

// NewStream constructs a Stream with the given channel id, bound to h.
func NewStream(h *Handle, channelID uint32) *Stream {
	s := &Stream{ChannelID: channelID, Handle: h}
	h.registerStream(s)
	return s
}

// ID returns the channel id (spec §4.D stream_id).
func (s *Stream) ID() uint32 {
	return s.ChannelID
}

// Authenticated reports whether the owning handle has completed peer
// authentication. A stream driver may refuse to hand a freshly-accepted
// channel to the application until this is true (supplemented feature,
// SPEC_FULL.md §3, carried from the original's security_stream_auth).
func (s *Stream) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// MarkAuthenticated flips the authenticated flag once the handle's peer
// credential has been verified.
func (s *Stream) MarkAuthenticated() {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
}

// Read registers a one-shot callback for the next chunk of data on this
// stream (spec §4.D stream_read). If a frame already arrived while nothing
// was reading, it is delivered immediately from the FIFO (spec §4.I: frames
// are never dropped for lack of a waiting reader). Otherwise the callback
// is armed and fires on the next deliver, replacing any previously-armed
// callback, matching Handle.RecvPkt's replace-on-register policy.
func (s *Stream) Read(cb StreamReadCallback) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		cb(s, item.buf, item.status)
		return
	}
	s.pendingRead = cb
	s.mu.Unlock()
}

// ReadCancel cancels the pending read, if any (spec §4.D stream_read_cancel).
func (s *Stream) ReadCancel() {
	s.mu.Lock()
	s.pendingRead = nil
	s.mu.Unlock()
}

// deliver hands received bytes (or a terminal status) to the pending read
// callback. If no callback is armed, the frame is queued rather than
// dropped so a later Read still observes it, in FIFO order (spec §4.I).
func (s *Stream) deliver(buf []byte, status Status) {
	s.mu.Lock()
	cb := s.pendingRead
	if cb == nil {
		s.queue = append(s.queue, queuedRead{buf: buf, status: status})
		s.mu.Unlock()
		return
	}
	s.pendingRead = nil
	s.mu.Unlock()

	cb(s, buf, status)
}

// Write sends buf as a single frame's payload on this channel. A writer
// never fragments a caller-supplied buffer across multiple frames (spec
// §4.F send policy).
func (s *Stream) Write(buf []byte) error {
	conn := s.Handle.connection()
	if conn == nil {
		return NewError(KindWriteError, s.Handle.PeerHostname, s.Handle.Driver, errClosedStream)
	}
	return conn.writeFrame(s.ChannelID, buf)
}

// Close closes the channel. On stream drivers this sends a zero-length
// frame; the peer's subsequent read of that channel then returns EOF
// (spec §4.D stream_close).
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closedByMe {
		s.mu.Unlock()
		return nil
	}
	s.closedByMe = true
	s.mu.Unlock()

	s.Handle.unregisterStream(s.ChannelID)

	conn := s.Handle.connection()
	if conn == nil {
		return nil
	}
	return conn.writeEOF(s.ChannelID)
}

// markPeerClosed is invoked by the connection framer when a zero-length
// frame arrives on this channel: channel EOF, connection remains open
// (spec §4.F state machine).
func (s *Stream) markPeerClosed() {
	s.mu.Lock()
	s.closedByPeer = true
	s.mu.Unlock()
	s.deliver(nil, StatusOK)
}
