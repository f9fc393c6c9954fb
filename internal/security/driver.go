// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package security

import (
	"github.com/nishisan-dev/n-dispatch/internal/protocol"
)

// ConfFunc supplies driver-tunable config values on demand (spec §4.D
// connect's conf_fn).
type ConfFunc func(key string) string

// AcceptRequestFunc is invoked once per incoming request on an accepting
// fd pair (spec §4.D accept).
type AcceptRequestFunc func(h *Handle, first *protocol.Packet)

// Driver is the function vector every transport implements (spec §4.D).
// Connect records a failure on the handle it passes to its callback
// (Handle.SetError); the other operations report failure through their
// returned error. No operation ever panics on a peer-controlled condition.
type Driver interface {
	// Name identifies the driver for logging and .amandahosts matching.
	Name() string

	// Connect asynchronously opens a handle to host; cb fires exactly
	// once with the outcome.
	Connect(host string, conf ConfFunc, cb ConnectCallback)

	// Accept registers cb to fire for each incoming request.
	Accept(cb AcceptRequestFunc) error

	// SendPkt transmits one packet on an established handle.
	SendPkt(h *Handle, pkt *protocol.Packet) error

	// StreamServer opens a new server-numbered channel on h.
	StreamServer(h *Handle) (*Stream, error)

	// StreamClient opens a new client-numbered channel on h with a
	// specific wire channel id (used when relaying a dispatcher's
	// CONNECT-translated ids).
	StreamClient(h *Handle, channelID uint32) (*Stream, error)

	// Close releases all driver-private state. Idempotent.
	Close() error
}
