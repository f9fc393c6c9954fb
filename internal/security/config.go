// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package security

import "time"

// Tunables collects the driver-independent timing and retry constants
// referenced throughout spec §4.G/§4.H. A zero-value Tunables is invalid;
// use DefaultTunables and override selectively.
type Tunables struct {
	// ConnectTries bounds connection attempts before ABORT (spec §4.G).
	ConnectTries int
	// ConnectWait is the fixed delay between connect attempts.
	ConnectWait time.Duration

	// AckTimeout bounds s_ackwait on both client and dispatcher sides.
	AckTimeout time.Duration
	// ReplyTimeout bounds s_repwait.
	ReplyTimeout time.Duration

	// RequestTries is the client's retry budget while awaiting ACK.
	RequestTries int
	// TotalTries is the client's reply-wait reset budget (s_repwait
	// timeout with resets>0 transition).
	TotalTries int

	// DropDead bounds the whole request lifetime regardless of retries
	// remaining (spec §9 sendbackup-hang example: "after one hour from
	// REQ origtime, the client aborts with ReplyTimeout").
	DropDead time.Duration

	// DataFDCount is the number of numbered data-stream pipe pairs a
	// spawned service is given (spec §3 ActiveService).
	DataFDCount int
	// DataFDOffset is the fd number of the first data-stream pipe.
	DataFDOffset int

	// IdleExit is how long the dispatcher waits with an empty queue
	// before exiting (spec §4.H dispatcher lifetime), 0 disables.
	IdleExit time.Duration

	// AckRetryLimit bounds the dispatcher's s_ackwait REP retransmits.
	AckRetryLimit int
}

// DefaultTunables mirrors the constants named throughout spec.md
// (ACK_TIMEOUT = 10s per §8 S2, 30s idle-exit per §4.H, 1-hour drop-dead
// per §8 sendbackup-hang).
func DefaultTunables() Tunables {
	return Tunables{
		ConnectTries:  3,
		ConnectWait:   2 * time.Second,
		AckTimeout:    10 * time.Second,
		ReplyTimeout:  5 * time.Minute,
		RequestTries:  5,
		TotalTries:    3,
		DropDead:      1 * time.Hour,
		DataFDCount:   4,
		DataFDOffset:  3,
		IdleExit:      30 * time.Second,
		AckRetryLimit: 3,
	}
}

// IPPortReserved is the boundary below which a UDP/TCP port is considered
// a "reserved" (privileged) port (spec §4.E peer authentication,
// §4.B bind).
const IPPortReserved = 1024
