// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client drives one outbound request through the REQ/ACK/REP
// exchange described by spec §4.G: send, wait for ACK, wait for REP,
// retrying and eventually aborting according to a security.Tunables
// budget.
package client

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// State names the current stage of the request state machine.
type State string

const (
	StateSendReq State = "s_sendreq"
	StateAckWait State = "s_ackwait"
	StateRepWait State = "s_repwait"
	StateFinish  State = "FINISH"
	StateAbort   State = "ABORT"
)

// Outcome is the terminal disposition delivered to Submit's caller.
type Outcome int

const (
	// OutcomeOK is a completed REQ -> REP -> ACK exchange.
	OutcomeOK Outcome = iota
	// OutcomeNAK is an application-level rejection; not an error.
	OutcomeNAK
	// OutcomeAbort is a retry/time budget exhaustion or a transport error.
	OutcomeAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeNAK:
		return "NAK"
	case OutcomeAbort:
		return "ABORT"
	default:
		return "unknown"
	}
}

// Result is what Submit returns once the request reaches FINISH or ABORT.
type Result struct {
	Outcome Outcome
	Body    string
	Err     error
}

// Request drives a single REQ through completion. Construct with New and
// call Submit exactly once; Request is not reusable across requests.
type Request struct {
	driver security.Driver
	handle *security.Handle
	tun    security.Tunables
	logger *slog.Logger

	// onPartial is invoked for each PREP body received while s_repwait,
	// in addition to the timer reset described by spec §4.G.
	onPartial func(body string)

	mu           sync.Mutex
	state        State
	requestTries int
	totalTries   int
	deadline     time.Time
	timer        *time.Timer

	pkt *protocol.Packet

	done    chan struct{}
	doneErr atomic.Bool
	result  Result
}

// New constructs a Request bound to an already-connected handle.
func New(driver security.Driver, handle *security.Handle, tun security.Tunables, logger *slog.Logger) *Request {
	if logger == nil {
		logger = slog.Default()
	}
	return &Request{
		driver: driver,
		handle: handle,
		tun:    tun,
		logger: logger.With("component", "client", "peer", handle.PeerHostname),
		done:   make(chan struct{}),
	}
}

// Submit sends pkt and blocks until the exchange reaches FINISH or ABORT.
// onPartial, if non-nil, is called once per PREP body observed while
// waiting for the final REP; it may be called from a different goroutine
// than the caller of Submit.
func (r *Request) Submit(pkt *protocol.Packet, onPartial func(body string)) Result {
	r.mu.Lock()
	r.pkt = pkt
	r.onPartial = onPartial
	r.requestTries = r.tun.RequestTries
	r.totalTries = r.tun.TotalTries
	r.deadline = time.Now().Add(r.tun.DropDead)
	r.state = StateSendReq
	r.mu.Unlock()

	r.handle.RecvPkt(r.onRecv)
	r.sendReq()

	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Request) sendReq() {
	r.mu.Lock()
	pkt := r.pkt
	r.mu.Unlock()

	if err := r.driver.SendPkt(r.handle, pkt); err != nil {
		r.finish(Result{Outcome: OutcomeAbort, Err: fmt.Errorf("client: sendpkt: %w", err)})
		return
	}

	r.mu.Lock()
	r.state = StateAckWait
	r.armTimer(r.tun.AckTimeout, r.onAckTimeout)
	r.mu.Unlock()
}

// onRecv is the handle's recvpkt callback; it re-registers itself after
// every delivery so it keeps observing packets until the request
// finishes.
func (r *Request) onRecv(h *security.Handle, pkt *protocol.Packet, status security.Status) {
	if status != security.StatusOK {
		r.finish(Result{Outcome: OutcomeAbort, Err: fmt.Errorf("client: %v", status)})
		return
	}

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state {
	case StateAckWait:
		r.handleAckWait(pkt)
	case StateRepWait:
		r.handleRepWait(pkt)
	default:
		return
	}

	r.mu.Lock()
	finished := r.state == StateFinish || r.state == StateAbort
	r.mu.Unlock()
	if !finished {
		r.handle.RecvPkt(r.onRecv)
	}
}

func (r *Request) handleAckWait(pkt *protocol.Packet) {
	r.stopTimer()
	switch pkt.Kind {
	case protocol.KindAck:
		r.enterRepWait()
	case protocol.KindNak:
		r.finish(Result{Outcome: OutcomeNAK, Body: pkt.Body})
	case protocol.KindRep, protocol.KindPrep:
		// The reply arrived before its ACK; the exchange is still good.
		r.enterRepWait()
		r.handleRepWait(pkt)
	default:
		r.finish(Result{Outcome: OutcomeAbort, Err: fmt.Errorf("client: unexpected packet kind %v in s_ackwait", pkt.Kind)})
	}
}

func (r *Request) enterRepWait() {
	r.mu.Lock()
	r.state = StateRepWait
	r.armTimer(r.tun.ReplyTimeout, r.onRepTimeout)
	r.mu.Unlock()
}

func (r *Request) handleRepWait(pkt *protocol.Packet) {
	switch pkt.Kind {
	case protocol.KindRep:
		r.stopTimer()
		if err := r.driver.SendPkt(r.handle, &protocol.Packet{Kind: protocol.KindAck, Handle: pkt.Handle, Seq: pkt.Seq}); err != nil {
			r.logger.Warn("client: failed to ack final reply", "error", err)
		}
		r.finish(Result{Outcome: OutcomeOK, Body: pkt.Body})
	case protocol.KindPrep:
		if r.onPartial != nil {
			r.onPartial(pkt.Body)
		}
		r.mu.Lock()
		r.armTimer(r.tun.ReplyTimeout, r.onRepTimeout)
		r.mu.Unlock()
	case protocol.KindNak:
		r.stopTimer()
		r.finish(Result{Outcome: OutcomeNAK, Body: pkt.Body})
	default:
		// Duplicate ACK or stray packet; ignore and keep waiting.
	}
}

func (r *Request) onAckTimeout() {
	r.mu.Lock()
	if r.state != StateAckWait {
		r.mu.Unlock()
		return
	}
	if time.Now().After(r.deadline) {
		r.mu.Unlock()
		r.finish(Result{Outcome: OutcomeAbort, Err: fmt.Errorf("client: drop-dead elapsed in s_ackwait")})
		return
	}
	if r.requestTries <= 0 {
		r.mu.Unlock()
		r.finish(Result{Outcome: OutcomeAbort, Err: fmt.Errorf("client: exhausted request retries in s_ackwait")})
		return
	}
	r.requestTries--
	r.mu.Unlock()

	r.logger.Debug("client: ack timeout, retrying request", "tries_left", r.requestTries)
	r.sendReq()
}

func (r *Request) onRepTimeout() {
	r.mu.Lock()
	if r.state != StateRepWait {
		r.mu.Unlock()
		return
	}
	if time.Now().After(r.deadline) {
		r.mu.Unlock()
		r.finish(Result{Outcome: OutcomeAbort, Err: fmt.Errorf("client: drop-dead elapsed in s_repwait")})
		return
	}
	if r.totalTries <= 0 {
		r.mu.Unlock()
		r.finish(Result{Outcome: OutcomeAbort, Err: fmt.Errorf("client: exhausted reply-wait resets in s_repwait")})
		return
	}
	r.totalTries--
	r.requestTries = r.tun.RequestTries
	r.state = StateSendReq
	r.mu.Unlock()

	r.logger.Debug("client: reply timeout, resending request", "resets_left", r.totalTries)
	r.sendReq()
}

// armTimer must be called with r.mu held.
func (r *Request) armTimer(d time.Duration, fn func()) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, fn)
}

func (r *Request) stopTimer() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
}

// finish transitions to a terminal state and unblocks Submit exactly
// once, matching spec §4.G's "completion callback invoked exactly once"
// guarantee.
func (r *Request) finish(res Result) {
	if !r.doneErr.CompareAndSwap(false, true) {
		return
	}
	r.stopTimer()
	r.handle.RecvPktCancel()

	r.mu.Lock()
	if res.Outcome == OutcomeAbort {
		r.state = StateAbort
	} else {
		r.state = StateFinish
	}
	r.result = res
	r.mu.Unlock()

	close(r.done)
}

// Connect opens handle to host via driver, retrying up to tun.ConnectTries
// times with tun.ConnectWait between attempts (spec §4.G connect retry).
func Connect(driver security.Driver, host string, conf security.ConfFunc, tun security.Tunables, logger *slog.Logger) (*security.Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < tun.ConnectTries; attempt++ {
		if attempt > 0 {
			time.Sleep(tun.ConnectWait)
		}

		resultCh := make(chan struct {
			h      *security.Handle
			status security.Status
		}, 1)
		driver.Connect(host, conf, func(h *security.Handle, status security.Status) {
			resultCh <- struct {
				h      *security.Handle
				status security.Status
			}{h, status}
		})

		res := <-resultCh
		if res.status == security.StatusOK {
			return res.h, nil
		}
		lastErr = res.h.LastError()
		logger.Debug("client: connect attempt failed", "host", host, "attempt", attempt+1, "error", lastErr)
	}

	return nil, fmt.Errorf("client: exhausted %d connect attempts to %s: %w", tun.ConnectTries, host, lastErr)
}
