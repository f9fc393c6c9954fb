// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package security defines the driver-agnostic core shared by every
// transport: SecurityHandle, SecurityStream, Connection and the error
// taxonomy, plumbing, and driver interface that datagram and stream
// drivers implement.
package security

import "fmt"

// Kind enumerates the error taxonomy every driver reports through.
type Kind int

const (
	KindResolveHostname Kind = iota
	KindReservedPortUnavailable
	KindPeerUnauthenticated
	KindPeerHostnameMismatch
	KindFingerprintRejected
	KindAuthorizationDenied
	KindMalformedHeader
	KindFrameOversize
	KindPeerEOF
	KindConnectTimeout
	KindAckTimeout
	KindReplyTimeout
	KindChildSpawnFailed
	KindChildExitedNonZero
	KindChildSignalled
	KindWriteError
	KindReadError
)

var kindNames = map[Kind]string{
	KindResolveHostname:         "ResolveHostname",
	KindReservedPortUnavailable: "ReservedPortUnavailable",
	KindPeerUnauthenticated:     "PeerUnauthenticated",
	KindPeerHostnameMismatch:    "PeerHostnameMismatch",
	KindFingerprintRejected:     "FingerprintRejected",
	KindAuthorizationDenied:     "AuthorizationDenied",
	KindMalformedHeader:         "MalformedHeader",
	KindFrameOversize:           "FrameOversize",
	KindPeerEOF:                 "PeerEOF",
	KindConnectTimeout:          "ConnectTimeout",
	KindAckTimeout:              "AckTimeout",
	KindReplyTimeout:            "ReplyTimeout",
	KindChildSpawnFailed:        "ChildSpawnFailed",
	KindChildExitedNonZero:      "ChildExitedNonZero",
	KindChildSignalled:          "ChildSignalled",
	KindWriteError:              "WriteError",
	KindReadError:               "ReadError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Error carries the {Kind, Peer, Driver, Err} tuple so that logging call
// sites can extract structured fields (spec §7: persistent errors are
// logged with peer hostname, driver name, and error kind) without parsing
// strings. It also backs the per-handle/per-stream "error string"
// retrievable via geterror in the original design — here that's just the
// Error() string stored on the handle/stream.
type Error struct {
	Kind   Kind
	Peer   string
	Driver string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: peer=%s driver=%s: %v", e.Kind, e.Peer, e.Driver, e.Err)
	}
	return fmt.Sprintf("%s: peer=%s driver=%s", e.Kind, e.Peer, e.Driver)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error, the preferred way to raise a taxonomy
// error from within a driver.
func NewError(kind Kind, peer, driver string, err error) *Error {
	return &Error{Kind: kind, Peer: peer, Driver: driver, Err: err}
}
