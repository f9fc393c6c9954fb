// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rsh

import (
	"testing"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// In these tests "/bin/cat" stands in for the rsh binary: cat's stdin/stdout
// passthrough behaves exactly like a successfully spawned remote process
// would, for the purpose of exercising the driver's framing plumbing. The
// host and service arguments are both "-", so cat reads its stdin rather
// than trying to open them as files.
func TestDriver_ConnectExchangesPacketThroughChild(t *testing.T) {
	d := New("/bin/cat", "amandad", 0, nil)
	defer d.Close()

	stdinService := func(key string) string { return "-" }
	connected := make(chan *security.Handle, 1)
	d.Connect("-", stdinService, func(h *security.Handle, status security.Status) {
		if status != security.StatusOK {
			t.Errorf("expected StatusOK, got %v (err=%v)", status, h.LastError())
		}
		connected <- h
	})

	var h *security.Handle
	select {
	case h = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	// cat echoes our own REQ frame straight back to the handle's packet
	// receiver.
	echoed := make(chan *protocol.Packet, 1)
	h.RecvPkt(func(h *security.Handle, pkt *protocol.Packet, status security.Status) {
		if status == security.StatusOK {
			select {
			case echoed <- pkt:
			default:
			}
		}
	})
	if err := d.SendPkt(h, &protocol.Packet{Kind: protocol.KindReq, Handle: "h1", Body: "x"}); err != nil {
		t.Fatalf("SendPkt: %v", err)
	}

	select {
	case pkt := <-echoed:
		if pkt.Handle != "h1" || pkt.Body != "x" {
			t.Errorf("unexpected echoed packet: %+v", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the echoed packet")
	}
}

func TestDriver_Connect_FailsForMissingBinary(t *testing.T) {
	d := New("/nonexistent/rsh", "amandad", 0, nil)
	defer d.Close()

	done := make(chan security.Status, 1)
	d.Connect("host", nil, func(h *security.Handle, status security.Status) {
		done <- status
	})

	select {
	case status := <-done:
		if status != security.StatusError {
			t.Errorf("expected StatusError, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect failure")
	}
}

func TestDriver_Accept_RejectsSecondCall(t *testing.T) {
	d := New("/bin/cat", "amandad", 0, nil)
	if err := d.Accept(func(h *security.Handle, first *protocol.Packet) {}); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	if err := d.Accept(func(h *security.Handle, first *protocol.Packet) {}); err == nil {
		t.Error("expected second Accept to fail")
	}
}
