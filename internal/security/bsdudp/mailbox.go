// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package bsdudp

import (
	"fmt"
	"net"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// maxDatagramBytes bounds the on-wire size of one UDP datagram (header line
// plus body). A single packet always fits one datagram (spec §4.B/§4.E); a
// datagram larger than this is discarded as a protocol error rather than
// reassembled, since the datagram driver never fragments.
const maxDatagramBytes = 32 * 1024

// Mailbox implements the bind/send/recv operations of a datagram peer
// relationship (spec §4.B). It owns exactly one UDP socket.
type Mailbox struct {
	conn *net.UDPConn
}

// Bind opens the mailbox's UDP socket. If reserved is true the port is
// acquired below security.IPPortReserved with a temporary privilege
// elevation (spec §4.B bind, used by a dispatcher listening for REQs);
// otherwise an ephemeral port is used (a client sending REQs has no need of
// a privileged source port).
func Bind(network string, reserved bool) (*Mailbox, error) {
	if reserved {
		conn, err := BindReservedPort(network)
		if err != nil {
			return nil, err
		}
		return &Mailbox{conn: conn}, nil
	}

	conn, err := net.ListenUDP(network, &net.UDPAddr{})
	if err != nil {
		return nil, security.NewError(security.KindReservedPortUnavailable, "", "bsdudp", err)
	}
	return &Mailbox{conn: conn}, nil
}

// BindPort opens the mailbox's UDP socket on a caller-chosen port (spec
// §6 "-udp=<port> — bind directly (debug/testing)"). Ports below
// security.IPPortReserved go through the same temporary-elevation path as
// BindReservedPort.
func BindPort(network string, port int) (*Mailbox, error) {
	if port < security.IPPortReserved {
		conn, err := bindReservedPortNumber(network, port)
		if err != nil {
			return nil, err
		}
		return &Mailbox{conn: conn}, nil
	}

	conn, err := net.ListenUDP(network, &net.UDPAddr{Port: port})
	if err != nil {
		return nil, security.NewError(security.KindReservedPortUnavailable, "", "bsdudp", err)
	}
	return &Mailbox{conn: conn}, nil
}

// LocalPort returns the bound port (spec §4.B bind's port_out).
func (m *Mailbox) LocalPort() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the socket.
func (m *Mailbox) Close() error {
	return m.conn.Close()
}

// Send writes pkt as a single datagram to addr (spec §4.B send).
func (m *Mailbox) Send(addr *net.UDPAddr, pkt *protocol.Packet) error {
	buf := []byte(protocol.EncodePacket(pkt))
	if len(buf) > maxDatagramBytes {
		return security.NewError(security.KindFrameOversize, addr.String(), "bsdudp",
			fmt.Errorf("encoded packet is %d bytes, max %d", len(buf), maxDatagramBytes))
	}
	_, err := m.conn.WriteToUDP(buf, addr)
	if err != nil {
		return security.NewError(security.KindWriteError, addr.String(), "bsdudp", err)
	}
	return nil
}

// Recv reads one datagram and parses its header line (spec §4.B recv). An
// oversize datagram is discarded (not returned to the caller as data) and
// reported as a FrameOversize error, matching "oversize input is discarded
// with a protocol-error note."
func (m *Mailbox) Recv() (*protocol.Packet, *net.UDPAddr, error) {
	buf := make([]byte, maxDatagramBytes+1)
	n, addr, err := m.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, security.NewError(security.KindReadError, "", "bsdudp", err)
	}
	if n > maxDatagramBytes {
		return nil, addr, security.NewError(security.KindFrameOversize, addr.String(), "bsdudp",
			fmt.Errorf("datagram of %d bytes exceeds max %d", n, maxDatagramBytes))
	}

	pkt, err := protocol.DecodePacket(string(buf[:n]))
	if err != nil {
		return nil, addr, security.NewError(security.KindMalformedHeader, addr.String(), "bsdudp", err)
	}
	return pkt, addr, nil
}
