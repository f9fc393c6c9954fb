// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bsdudp implements the datagram mailbox driver (spec §4.B, §4.E):
// Packet transport over UDP, a peer map keyed by (addr, handle) with no
// sequence number in the key, and reserved-port binding for REQ
// authentication.
package bsdudp

import (
	"fmt"
	"net"
	"syscall"

	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// BindReservedPort acquires a UDP port below security.IPPortReserved,
// temporarily elevating to root privileges for the bind and dropping them
// immediately afterward (spec §4.B: "acquires a reserved port with root
// privileges temporarily elevated, then drops them"). The raw fd access
// needed to call setuid/setreuid around the bind mirrors the
// SyscallConn/rawConn.Control pattern used elsewhere in this codebase to
// reach socket options the net package does not expose directly.
func BindReservedPort(network string) (*net.UDPConn, error) {
	return withRootElevation(func() (*net.UDPConn, error) {
		for port := security.IPPortReserved - 1; port > 0; port-- {
			conn, err := net.ListenUDP(network, &net.UDPAddr{Port: port})
			if err == nil {
				return conn, nil
			}
		}
		return nil, fmt.Errorf("no reserved port available below %d", security.IPPortReserved)
	})
}

// bindReservedPortNumber binds a specific port below IPPortReserved,
// elevating privilege for the bind just like BindReservedPort.
func bindReservedPortNumber(network string, port int) (*net.UDPConn, error) {
	return withRootElevation(func() (*net.UDPConn, error) {
		return net.ListenUDP(network, &net.UDPAddr{Port: port})
	})
}

// withRootElevation temporarily elevates to root (if not already), runs
// bind, and restores the prior euid before returning (spec §5 Privilege:
// "the driver briefly elevates (seteuid(0)) for the specific syscall and
// then lowers again").
func withRootElevation(bind func() (*net.UDPConn, error)) (*net.UDPConn, error) {
	savedEUID := syscall.Geteuid()
	if savedEUID != 0 {
		if err := syscall.Setreuid(-1, 0); err != nil {
			return nil, security.NewError(security.KindReservedPortUnavailable, "", "bsdudp",
				fmt.Errorf("elevating to root for reserved-port bind: %w", err))
		}
		defer syscall.Setreuid(-1, savedEUID)
	}

	conn, err := bind()
	if err != nil {
		return nil, security.NewError(security.KindReservedPortUnavailable, "", "bsdudp", err)
	}
	return conn, nil
}
